package mmr

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// epsStabil floors near-zero sensitivity entries before taking norms, so
// distances stay finite and differentiable even for dead neurons.
const epsStabil = 1e-5

// Norm selects the dual norm q applied along the input axis of the
// sensitivity matrix. To certify robustness in the Lp ball, distances are
// measured with the dual norm: p=∞ pairs with NormL1, p=1 with NormLInf.
type Norm int

const (
	NormL1 Norm = iota
	NormL2
	NormLInf
)

// String implements fmt.Stringer.
func (n Norm) String() string {
	switch n {
	case NormL1:
		return "L1"
	case NormL2:
		return "L2"
	case NormLInf:
		return "Linf"
	}
	return "invalid"
}

// qNorm reduces axis of v with the given q-norm.
func qNorm(v *Node, axis int, q Norm) *Node {
	switch q {
	case NormL1:
		return ReduceSum(Abs(v), axis)
	case NormL2:
		return Sqrt(ReduceSum(Square(v), axis))
	case NormLInf:
		return ReduceMax(Abs(v), axis)
	}
	exceptions.Panicf("mmr: invalid norm %d, must be one of NormL1, NormL2, NormLInf", q)
	panic(nil)
}

// stabilize adds epsStabil to every entry of v whose magnitude is below
// epsStabil. An additive floor, not a clamp: the gradient through v is
// preserved everywhere.
func stabilize(v *Node) *Node {
	small := ConvertDType(LessThan(Abs(v), Scalar(v.Graph(), v.DType(), epsStabil)), v.DType())
	return Add(v, MulScalar(small, epsStabil))
}

// reluSwitch returns the 0/1 indicator of z > 0, in z's dtype.
func reluSwitch(z *Node) *Node {
	return ConvertDType(GreaterThan(z, ZerosLike(z)), z.DType())
}

// identitySeed builds the identity over the flattened input, shaped as a
// batch-1 stack of d input feature maps: [1, d, height, width, channels].
// Pushing it through the first convolution yields the unrolled convolution
// matrix.
func identitySeed(g *Graph, dtype dtypes.DType, height, width, channels int) *Node {
	d := height * width * channels
	rows := Iota(g, shapes.Make(dtype, d, d), 0)
	cols := Iota(g, shapes.Make(dtype, d, d), 1)
	eye := ConvertDType(Equal(rows, cols), dtype)
	return Reshape(eye, 1, d, height, width, channels)
}

// PropagateConv pushes the sensitivity tensor v, shaped
// [batch, d, height, width, channels], through one convolution step:
// optionally the 2x2/stride-2 max-pool that precedes the convolution in the
// forward pass, then the convolution itself with the given stride and
// padding. The d axis rides along the batch axis, so the convolution applied
// is bit-for-bit the forward one. Result: [batch, d, outH, outW, outC].
func PropagateConv(v, kernel *Node, stride int, padSame, poolBefore bool) *Node {
	if v.Rank() != 5 {
		exceptions.Panicf("mmr: PropagateConv expects v shaped [batch, d, h, w, c], got %s", v.Shape())
	}
	dims := v.Shape().Dimensions
	batch, d := dims[0], dims[1]
	flat := Reshape(v, batch*d, dims[2], dims[3], dims[4])
	if poolBefore {
		flat = MaxPool(flat).Window(2).Done()
	}
	conv := Convolve(flat, kernel).Strides(stride)
	if padSame {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	out := conv.Done()
	outDims := out.Shape().Dimensions
	return Reshape(out, batch, d, outDims[1], outDims[2], outDims[3])
}

// PropagateDense pushes the sensitivity tensor v, shaped [batch, d, in],
// through a dense weight matrix w shaped [in, out]. Result: [batch, d, out].
func PropagateDense(v, w *Node) *Node {
	if v.Rank() != 3 || w.Rank() != 2 {
		exceptions.Panicf("mmr: PropagateDense expects v [batch, d, in] and w [in, out], got %s and %s",
			v.Shape(), w.Shape())
	}
	dims := v.Shape().Dimensions
	if dims[2] != w.Shape().Dimensions[0] {
		exceptions.Panicf("mmr: PropagateDense dimension mismatch: v is %s but w is %s", v.Shape(), w.Shape())
	}
	flat := Reshape(v, dims[0]*dims[1], dims[2])
	out := MatMul(flat, w)
	return Reshape(out, dims[0], dims[1], w.Shape().Dimensions[1])
}
