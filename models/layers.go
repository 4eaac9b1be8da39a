package models

import (
	"github.com/KurtPask/TropicalNN/mmr"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// The layer builders here create their variables explicitly instead of going
// through layers.Convolution / layers.Dense, because the margin regularizer
// needs the kernel nodes and pre-activations of every layer. Each builder
// returns the pre-activation plus the mmr.Layer descriptor recording it.

// convLayer applies an optional 2x2/stride-2 max-pool followed by a 2D
// convolution with bias. x is [batch, height, width, channels].
func convLayer(ctx *context.Context, x *Node, channels, kernelSize, stride int, padSame, poolBefore bool) (*Node, mmr.Layer) {
	g := x.Graph()
	dtype := x.DType()
	if poolBefore {
		x = MaxPool(x).Window(2).Done()
	}
	inputChannels := x.Shape().Dimensions[3]
	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(dtype, kernelSize, kernelSize, inputChannels, channels))
	kernel := kernelVar.ValueGraph(g)
	convB := Convolve(x, kernel).Strides(stride)
	if padSame {
		convB = convB.PadSame()
	} else {
		convB = convB.NoPadding()
	}
	z := convB.Done()
	biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, channels))
	z = Add(z, Reshape(biasVar.ValueGraph(g), 1, 1, 1, channels))
	return z, mmr.Layer{
		Kind:          mmr.LayerConv,
		PreActivation: z,
		Weights:       kernel,
		Stride:        stride,
		PadSame:       padSame,
		PoolBefore:    poolBefore,
	}
}

// denseLayer applies a fully-connected layer with bias. x is [batch, in].
func denseLayer(ctx *context.Context, x *Node, units int) (*Node, mmr.Layer) {
	g := x.Graph()
	dtype := x.DType()
	in := x.Shape().Dimensions[1]
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(dtype, in, units))
	weights := weightsVar.ValueGraph(g)
	biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, units))
	z := Add(MatMul(x, weights), InsertAxes(biasVar.ValueGraph(g), 0))
	return z, mmr.Layer{
		Kind:          mmr.LayerDense,
		PreActivation: z,
		Weights:       weights,
	}
}

// tropicalDense is a max-plus (tropical algebra) layer:
// out_j = max_i (x_i + w_ij). The sum of ordinary arithmetic becomes a max,
// the product a sum; it is piecewise-linear and trains by subgradients like
// ReLU or max-pooling.
func tropicalDense(ctx *context.Context, x *Node, units int) *Node {
	g := x.Graph()
	dtype := x.DType()
	dims := x.Shape().Dimensions
	batch, in := dims[0], dims[1]
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(dtype, in, units))
	weights := weightsVar.ValueGraph(g)
	xe := BroadcastToDims(ExpandAxes(x, -1), batch, in, units)
	we := BroadcastToDims(ExpandAxes(weights, 0), batch, in, units)
	return ReduceMax(Add(xe, we), 1)
}

// maxoutDense computes `pieces` independent affine maps and takes their
// element-wise maximum: out_j = max_p (x W_p + b_p)_j.
func maxoutDense(ctx *context.Context, x *Node, units, pieces int) *Node {
	g := x.Graph()
	dtype := x.DType()
	in := x.Shape().Dimensions[1]
	weightsVar := ctx.VariableWithShape("weights", shapes.Make(dtype, in, pieces, units))
	weights := weightsVar.ValueGraph(g)
	biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, pieces, units))
	z := Einsum("bi,ipu->bpu", x, weights)
	z = Add(z, InsertAxes(biasVar.ValueGraph(g), 0))
	return ReduceMax(z, 1)
}
