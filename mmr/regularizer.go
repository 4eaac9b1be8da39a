package mmr

import (
	"math/rand"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Config drives the single-norm maximum-margin regularizer: it penalizes the
// NumRB closest ReLU region boundaries and the NumDB closest decision
// boundaries of each example, measured with the dual norm Q, whenever they
// fall inside the gamma margins.
type Config struct {
	// NumRB and NumDB are how many closest region / decision boundaries to
	// penalize per example.
	NumRB, NumDB int

	// GammaRB and GammaDB are the margin widths; they approximately
	// correspond to the radius of the Lp ball to certify.
	GammaRB, GammaDB float64

	// Q is the dual norm of the Lp ball: NormL1 for p=∞, NormL2 for p=2,
	// NormLInf for p=1.
	Q Norm

	// Rng draws the per-column jitter used to break distance ties. Callers
	// seed it for reproducible graphs.
	Rng *rand.Rand
}

// Regularize builds the two penalty terms for the given network and one-hot
// labels (shaped [batch, classes]). Both terms are per-example, shaped
// [batch]; weighting and reduction are left to the caller.
func (c Config) Regularize(net *Network, labels *Node) (rbTerm, dbTerm *Node) {
	checkArgs(net, labels, c.NumRB, c.NumDB, c.Rng)
	if c.GammaRB <= 0 || c.GammaDB <= 0 {
		exceptions.Panicf("mmr: gammas must be positive, got gamma_rb=%g gamma_db=%g", c.GammaRB, c.GammaDB)
	}
	qs := []Norm{c.Q}
	dists, v, last := hiddenDistances(net, qs)
	rbMask := SelectKSmallest(dists[0], c.NumRB, c.Rng)
	rbTerm = ReduceSum(Mul(rbMask, hinge(dists[0], c.GammaRB)), -1)

	dbDists := decisionDistances(v, last, labels, qs, []float64{c.GammaDB})
	dbMask := SelectKSmallest(dbDists[0], c.NumDB, c.Rng)
	dbTerm = ReduceSum(Mul(dbMask, hinge(dbDists[0], c.GammaDB)), -1)
	return
}

// UniversalConfig drives the joint L1+L∞ variant ("MMR-Universal"): one
// propagation pass yields distances under both dual norms, and the four
// resulting penalty terms push the boundaries out of both balls at once,
// which certifies robustness in any Lp ball in between.
type UniversalConfig struct {
	NumRB, NumDB int

	// Margins per certified ball. The L1-ball distances are measured with
	// the dual L∞ norm and vice versa.
	GammaRBL1, GammaRBLInf float64
	GammaDBL1, GammaDBLInf float64

	Rng *rand.Rand
}

// UniversalTerms are the four per-example penalty vectors, each shaped
// [batch], named after the ball they certify.
type UniversalTerms struct {
	RBL1, RBLInf *Node
	DBL1, DBLInf *Node
}

// Regularize builds the four penalty terms for the given network and one-hot
// labels. The region-boundary terms share a single selection mask,
// min(mask_L1 + mask_L∞, 1), so a boundary close in either norm is penalized
// in both; the decision-boundary terms are left unmasked and sum the hinge
// over every class.
func (c UniversalConfig) Regularize(net *Network, labels *Node) UniversalTerms {
	checkArgs(net, labels, c.NumRB, c.NumDB, c.Rng)
	if c.GammaRBL1 <= 0 || c.GammaRBLInf <= 0 || c.GammaDBL1 <= 0 || c.GammaDBLInf <= 0 {
		exceptions.Panicf("mmr: gammas must be positive, got rb=(%g, %g) db=(%g, %g)",
			c.GammaRBL1, c.GammaRBLInf, c.GammaDBL1, c.GammaDBLInf)
	}
	qs := []Norm{NormLInf, NormL1} // dual norms of the L1 and L∞ balls
	dists, v, last := hiddenDistances(net, qs)
	distL1, distLInf := dists[0], dists[1]

	maskL1 := SelectKSmallest(distL1, c.NumRB, c.Rng)
	maskLInf := SelectKSmallest(distLInf, c.NumRB, c.Rng)
	shared := MinScalar(Add(maskL1, maskLInf), 1.0)

	dbDists := decisionDistances(v, last, labels, qs, []float64{c.GammaDBL1, c.GammaDBLInf})
	return UniversalTerms{
		RBL1:   ReduceSum(Mul(shared, hinge(distL1, c.GammaRBL1)), -1),
		RBLInf: ReduceSum(Mul(shared, hinge(distLInf, c.GammaRBLInf)), -1),
		DBL1:   ReduceSum(hinge(dbDists[0], c.GammaDBL1), -1),
		DBLInf: ReduceSum(hinge(dbDists[1], c.GammaDBLInf), -1),
	}
}

func checkArgs(net *Network, labels *Node, numRB, numDB int, rng *rand.Rand) {
	if numRB < 1 || numDB < 1 {
		exceptions.Panicf("mmr: boundary counts must be >= 1, got n_rb=%d n_db=%d", numRB, numDB)
	}
	if rng == nil {
		exceptions.Panicf("mmr: a seeded *rand.Rand is required for tie-breaking jitter")
	}
	if labels == nil || labels.Rank() != 2 {
		exceptions.Panicf("mmr: labels must be one-hot [batch, classes]")
	}
	logits := net.Logits()
	if !labels.Shape().Equal(logits.Shape()) {
		exceptions.Panicf("mmr: labels shape %s does not match logits shape %s", labels.Shape(), logits.Shape())
	}
}

// hinge is max(0, 1 - dist/gamma), element-wise.
func hinge(dist *Node, gamma float64) *Node {
	return Max(ZerosLike(dist), OneMinus(MulScalar(dist, 1.0/gamma)))
}

// hiddenDistances runs the sensitivity propagation over every hidden layer
// and returns, for each requested norm, the concatenated region-boundary
// distances shaped [batch, totalHiddenNeurons], along with the sensitivity
// matrix after the last hidden layer's ReLU ([batch, d, lastHidden]) and the
// logits layer, both needed for the decision-boundary distances.
//
// The first layer is special-cased: with V seeded as the identity, ‖V‖_q of
// a convolution's output is the column norm of the unrolled convolution
// matrix, which collapses to the q-norm of the reshaped kernel columns, the
// same for every spatial position.
func hiddenDistances(net *Network, qs []Norm) (dists []*Node, v *Node, last Layer) {
	convs, denses := net.split()
	input := net.Input
	g := input.Graph()
	dtype := input.DType()
	inDims := input.Shape().Dimensions
	batch, height, width, channels := inDims[0], inDims[1], inDims[2], inDims[3]

	dists = make([]*Node, len(qs))
	var hiddenDense []Layer
	if len(convs) > 0 {
		first := convs[0]
		outChannels := first.Weights.Shape().Dimensions[3]
		wMat := Reshape(first.Weights, -1, outChannels)
		absZ := Abs(first.PreActivation)
		for qi, q := range qs {
			denom := Reshape(stabilize(qNorm(wMat, 0, q)), 1, 1, 1, outChannels)
			dists[qi] = Reshape(Div(absZ, denom), batch, -1)
		}

		v = PropagateConv(identitySeed(g, dtype, height, width, channels),
			first.Weights, first.Stride, first.PadSame, first.PoolBefore)
		vDims := v.Shape().Dimensions
		v = BroadcastToDims(v, batch, vDims[1], vDims[2], vDims[3], vDims[4])
		v = Mul(v, ExpandAxes(reluSwitch(first.PreActivation), 1))

		for _, l := range convs[1:] {
			v = PropagateConv(v, l.Weights, l.Stride, l.PadSame, l.PoolBefore)
			vStable := stabilize(v)
			absZ := Abs(l.PreActivation)
			for qi, q := range qs {
				newDists := Reshape(Div(absZ, qNorm(vStable, 1, q)), batch, -1)
				dists[qi] = Concatenate([]*Node{dists[qi], newDists}, 1)
			}
			v = Mul(v, ExpandAxes(reluSwitch(l.PreActivation), 1))
		}

		// Flatten for the dense stack, same row-major order as the forward
		// pass's reshape.
		vDims = v.Shape().Dimensions
		v = Reshape(v, batch, vDims[1], vDims[2]*vDims[3]*vDims[4])
		hiddenDense = denses[:len(denses)-1]
	} else {
		// Pure dense network: the identity-seeded V after the first layer is
		// the weight matrix itself.
		if len(denses) < 2 {
			exceptions.Panicf("mmr: dense-only network needs at least one hidden layer before the logits")
		}
		first := denses[0]
		wDims := first.Weights.Shape().Dimensions
		if wDims[0] != net.InputDim() {
			exceptions.Panicf("mmr: first dense layer takes %d features but the input flattens to %d",
				wDims[0], net.InputDim())
		}
		absZ := Abs(first.PreActivation)
		for qi, q := range qs {
			denom := ExpandAxes(stabilize(qNorm(first.Weights, 0, q)), 0)
			dists[qi] = Div(absZ, denom)
		}
		v = BroadcastToDims(ExpandAxes(first.Weights, 0), batch, wDims[0], wDims[1])
		v = Mul(v, ExpandAxes(reluSwitch(first.PreActivation), 1))
		hiddenDense = denses[1 : len(denses)-1]
	}

	for _, l := range hiddenDense {
		v = PropagateDense(v, l.Weights)
		vStable := stabilize(v)
		absZ := Abs(l.PreActivation)
		for qi, q := range qs {
			dists[qi] = Concatenate([]*Node{dists[qi], Div(absZ, qNorm(vStable, 1, q))}, 1)
		}
		v = Mul(v, ExpandAxes(reluSwitch(l.PreActivation), 1))
	}
	last = denses[len(denses)-1]
	return
}

// decisionDistances propagates V through the logits layer and measures, for
// each norm, the distance of every example to each class's decision
// boundary, shaped [batch, classes]. The true class has no boundary with
// itself: its numerator gets +100 and its distance +2*gamma, pushing it past
// any margin.
func decisionDistances(v *Node, last Layer, labels *Node, qs []Norm, gammas []float64) []*Node {
	vLast := PropagateDense(v, last.Weights) // [batch, d, classes]
	logits := last.PreActivation

	trueColumn := ReduceSum(Mul(vLast, ExpandAxes(labels, 1)), -1) // [batch, d]
	diff := Abs(Sub(vLast, InsertAxes(trueColumn, -1)))
	diff = stabilize(diff)

	trueLogit := InsertAxes(ReduceSum(Mul(logits, labels), -1), -1) // [batch, 1]
	numerator := Add(Sub(trueLogit, logits), MulScalar(labels, 100.0))

	out := make([]*Node, len(qs))
	for qi, q := range qs {
		denom := qNorm(diff, 1, q) // [batch, classes]
		out[qi] = Add(Div(numerator, denom), MulScalar(labels, 2.0*gammas[qi]))
	}
	return out
}
