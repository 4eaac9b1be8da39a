package mmr_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/KurtPask/TropicalNN/mmr"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/require"
)

// toyDenseNetwork builds a fixed two-dense-layer network with hand-traceable
// weights: x=[1,2], W1=[[1,0,1],[0,1,1]], W2=[[1,0],[0,1],[1,1]], so
// z1=[1,2,3] (all ReLUs on) and logits=[4,5].
func toyDenseNetwork(g *graph.Graph, w1Scale float32) *mmr.Network {
	input := graph.Const(g, [][][][]float32{{{{1}, {2}}}}) // [1, 1, 2, 1], d=2
	w1 := graph.MulScalar(graph.Const(g, [][]float32{{1, 0, 1}, {0, 1, 1}}), float64(w1Scale))
	z1 := graph.MulScalar(graph.Const(g, [][]float32{{1, 2, 3}}), float64(w1Scale))
	w2 := graph.Const(g, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	logits := graph.MulScalar(graph.Const(g, [][]float32{{4, 5}}), float64(w1Scale))
	return &mmr.Network{
		Input: input,
		Layers: []mmr.Layer{
			{Kind: mmr.LayerDense, PreActivation: z1, Weights: w1},
			{Kind: mmr.LayerDense, PreActivation: logits, Weights: w2},
		},
	}
}

func TestRegularizeDenseHandComputed(t *testing.T) {
	// With q=L2: region distances |z|/‖W1 col‖ = [1, 2, 3/√2]; the 2
	// smallest give hinge (1-1/3)+(1-2/3)=1 at gamma_rb=3.
	// Decision boundary vs class 0: V@W2 columns differ by [1, -1], L2 norm
	// √2, logit margin 1, so dist=1/√2 and hinge at gamma_db=2 is
	// 1-1/(2√2)=0.646447; the true class is pushed out of range.
	graphtest.RunTestGraphFn(t, "Regularize dense hand-computed",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			net := toyDenseNetwork(g, 1)
			labels := graph.Const(g, [][]float32{{0, 1}})
			cfg := mmr.Config{
				NumRB: 2, NumDB: 1,
				GammaRB: 3, GammaDB: 2,
				Q:   mmr.NormL2,
				Rng: rand.New(rand.NewSource(7)),
			}
			rb, db := cfg.Regularize(net, labels)
			return nil, []*graph.Node{rb, db}
		}, []any{
			[]float32{1.0},
			[]float32{1.0 - 1.0/(2.0*float32(math.Sqrt2))},
		}, 1e-4)
}

func TestRegularizeAllZeroWeights(t *testing.T) {
	// Degenerate but valid: every denominator is floored, all region
	// distances are 0 (hinge 1 each, k selected), and the only non-true
	// class sits exactly on the decision boundary (hinge 1).
	graphtest.RunTestGraphFn(t, "Regularize all-zero weights",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			net := toyDenseNetwork(g, 0)
			labels := graph.Const(g, [][]float32{{1, 0}})
			cfg := mmr.Config{
				NumRB: 2, NumDB: 1,
				GammaRB: 3, GammaDB: 2,
				Q:   mmr.NormL2,
				Rng: rand.New(rand.NewSource(7)),
			}
			rb, db := cfg.Regularize(net, labels)
			return nil, []*graph.Node{rb, db}
		}, []any{
			[]float32{2.0},
			[]float32{1.0},
		}, 1e-4)
}

func TestRegularizeConvHandComputed(t *testing.T) {
	// One 2x2 valid convolution to a single neuron, then a dense logits layer.
	// Example 0 is all ones, so z1=1+2+3+4=10 and the unrolled convolution
	// matrix is the single kernel column [1,2,3,4] with L2 norm √30, giving a
	// region distance of 10/√30. The logits columns differ by 2·[1,2,3,4]
	// (norm 2√30) with margin 20, so the decision distance is also 10/√30.
	// Example 1 doubles everything, pushing both distances past the margins.
	sqrt30 := float32(math.Sqrt(30))
	graphtest.RunTestGraphFn(t, "Regularize conv hand-computed",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			input := graph.Const(g, [][][][]float32{
				{{{1}, {1}}, {{1}, {1}}},
				{{{2}, {2}}, {{2}, {2}}},
			}) // [2, 2, 2, 1]
			kernel := graph.Const(g, [][][][]float32{
				{{{1}}, {{2}}},
				{{{3}}, {{4}}},
			}) // [2, 2, 1, 1]
			z1 := graph.Const(g, [][][][]float32{{{{10}}}, {{{20}}}})
			w2 := graph.Const(g, [][]float32{{1, -1}})
			logits := graph.Const(g, [][]float32{{10, -10}, {20, -20}})
			net := &mmr.Network{
				Input: input,
				Layers: []mmr.Layer{
					{Kind: mmr.LayerConv, PreActivation: z1, Weights: kernel, Stride: 1},
					{Kind: mmr.LayerDense, PreActivation: logits, Weights: w2},
				},
			}
			labels := graph.Const(g, [][]float32{{1, 0}, {1, 0}})
			cfg := mmr.Config{
				NumRB: 1, NumDB: 1,
				GammaRB: 3, GammaDB: 2,
				Q:   mmr.NormL2,
				Rng: rand.New(rand.NewSource(7)),
			}
			rb, db := cfg.Regularize(net, labels)
			return nil, []*graph.Node{rb, db}
		}, []any{
			[]float32{1.0 - 10.0/(3.0*sqrt30), 0},
			[]float32{1.0 - 5.0/sqrt30, 0},
		}, 1e-4)
}

func TestRegularizeVanishingGamma(t *testing.T) {
	// All distances of the toy network are strictly positive, so as the
	// margins shrink toward zero every hinge term vanishes.
	graphtest.RunTestGraphFn(t, "Regularize vanishing gamma",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			net := toyDenseNetwork(g, 1)
			labels := graph.Const(g, [][]float32{{0, 1}})
			cfg := mmr.Config{
				NumRB: 2, NumDB: 1,
				GammaRB: 1e-6, GammaDB: 1e-6,
				Q:   mmr.NormL2,
				Rng: rand.New(rand.NewSource(7)),
			}
			rb, db := cfg.Regularize(net, labels)
			return nil, []*graph.Node{rb, db}
		}, []any{
			[]float32{0},
			[]float32{0},
		}, 1e-6)
}

func TestRegularizeUniversalMatchesSingleNorm(t *testing.T) {
	// With n_rb = #hidden neurons and n_db = #classes every selection mask
	// is all-ones, so each of the four universal terms must equal the
	// corresponding single-norm run (L1-ball distances use the dual L∞
	// norm, and vice versa).
	graphtest.RunTestGraphFn(t, "RegularizeUniversal vs single-norm",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			labels := graph.Const(g, [][]float32{{0, 1}})
			univ := mmr.UniversalConfig{
				NumRB: 3, NumDB: 2,
				GammaRBL1: 1.5, GammaRBLInf: 2.5,
				GammaDBL1: 3.5, GammaDBLInf: 4.5,
				Rng: rand.New(rand.NewSource(11)),
			}
			terms := univ.Regularize(toyDenseNetwork(g, 1), labels)

			l1 := mmr.Config{
				NumRB: 3, NumDB: 2,
				GammaRB: 1.5, GammaDB: 3.5,
				Q:   mmr.NormLInf,
				Rng: rand.New(rand.NewSource(12)),
			}
			rbL1, dbL1 := l1.Regularize(toyDenseNetwork(g, 1), labels)

			linf := mmr.Config{
				NumRB: 3, NumDB: 2,
				GammaRB: 2.5, GammaDB: 4.5,
				Q:   mmr.NormL1,
				Rng: rand.New(rand.NewSource(13)),
			}
			rbLInf, dbLInf := linf.Regularize(toyDenseNetwork(g, 1), labels)

			diff := func(a, b *graph.Node) *graph.Node {
				return graph.ReduceMax(graph.Abs(graph.Sub(a, b)))
			}
			return nil, []*graph.Node{
				diff(terms.RBL1, rbL1),
				diff(terms.RBLInf, rbLInf),
				diff(terms.DBL1, dbL1),
				diff(terms.DBLInf, dbLInf),
			}
		}, []any{
			float32(0), float32(0), float32(0), float32(0),
		}, 1e-6)
}

func TestRegularizeConvNetwork(t *testing.T) {
	// Small conv->dense network with data-dependent pre-activations; checks
	// shapes, hinge bounds and that gradients flow back to the weights.
	backend := graphtest.BuildTestBackend()
	outputs := graph.MustExecOnceN(backend, func(g *graph.Graph) []*graph.Node {
		batch := 2
		input := graph.IotaFull(g, shapes.Make(dtypes.Float32, batch, 4, 4, 1))
		input = graph.MulScalar(input, 0.1)
		kernel := graph.IotaFull(g, shapes.Make(dtypes.Float32, 2, 2, 1, 2))
		kernel = graph.AddScalar(graph.MulScalar(kernel, 0.2), -0.5)
		z1 := graph.Convolve(input, kernel).Strides(1).NoPadding().Done() // [2, 3, 3, 2]
		a1 := graph.Reshape(graph.Max(z1, graph.ZerosLike(z1)), batch, 18)

		w2 := graph.AddScalar(graph.MulScalar(graph.IotaFull(g, shapes.Make(dtypes.Float32, 18, 5)), 0.01), -0.3)
		z2 := graph.MatMul(a1, w2)
		a2 := graph.Max(z2, graph.ZerosLike(z2))

		w3 := graph.AddScalar(graph.MulScalar(graph.IotaFull(g, shapes.Make(dtypes.Float32, 5, 3)), 0.1), -0.6)
		logits := graph.MatMul(a2, w3)

		net := &mmr.Network{
			Input: input,
			Layers: []mmr.Layer{
				{Kind: mmr.LayerConv, PreActivation: z1, Weights: kernel, Stride: 1},
				{Kind: mmr.LayerDense, PreActivation: z2, Weights: w2},
				{Kind: mmr.LayerDense, PreActivation: logits, Weights: w3},
			},
		}
		labels := graph.Const(g, [][]float32{{1, 0, 0}, {0, 0, 1}})
		cfg := mmr.Config{
			NumRB: 4, NumDB: 2,
			GammaRB: 1.0, GammaDB: 1.0,
			Q:   mmr.NormL1,
			Rng: rand.New(rand.NewSource(5)),
		}
		rb, db := cfg.Regularize(net, labels)
		loss := graph.ReduceSum(graph.Add(rb, db))
		grads := graph.Gradient(loss, kernel, w2, w3)
		return append([]*graph.Node{rb, db}, grads...)
	})

	rb := outputs[0].Value().([]float32)
	db := outputs[1].Value().([]float32)
	require.Len(t, rb, 2)
	require.Len(t, db, 2)
	for i := range rb {
		// At most k hinge terms of value <= 1 each (a few more on exact ties).
		require.GreaterOrEqual(t, rb[i], float32(0))
		require.LessOrEqual(t, rb[i], float32(5))
		require.GreaterOrEqual(t, db[i], float32(0))
		require.LessOrEqual(t, db[i], float32(3))
	}
	for _, gradT := range outputs[2:] {
		require.False(t, gradT.Shape().Size() == 0)
	}
}

func TestRegularizeValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := graph.NewGraph(backend, "RegularizeValidation")
	net := toyDenseNetwork(g, 1)
	require.Equal(t, 2, net.InputDim())
	labels := graph.Const(g, [][]float32{{0, 1}})
	goodCfg := func() mmr.Config {
		return mmr.Config{
			NumRB: 1, NumDB: 1, GammaRB: 1, GammaDB: 1,
			Q: mmr.NormL1, Rng: rand.New(rand.NewSource(1)),
		}
	}

	t.Run("nil rng", func(t *testing.T) {
		cfg := goodCfg()
		cfg.Rng = nil
		require.Panics(t, func() { cfg.Regularize(net, labels) })
	})
	t.Run("bad gamma", func(t *testing.T) {
		cfg := goodCfg()
		cfg.GammaRB = 0
		require.Panics(t, func() { cfg.Regularize(net, labels) })
	})
	t.Run("labels shape mismatch", func(t *testing.T) {
		badLabels := graph.Const(g, [][]float32{{0, 1, 0}})
		require.Panics(t, func() { goodCfg().Regularize(net, badLabels) })
	})
	t.Run("first dense layer narrower than the input", func(t *testing.T) {
		badNet := toyDenseNetwork(g, 1)
		badNet.Layers[0].Weights = graph.Const(g, [][]float32{{1, 0, 1}, {0, 1, 1}, {1, 1, 0}})
		require.Panics(t, func() { goodCfg().Regularize(badNet, labels) })
	})
	t.Run("conv after dense", func(t *testing.T) {
		badNet := toyDenseNetwork(g, 1)
		badNet.Layers = append(badNet.Layers, mmr.Layer{
			Kind:          mmr.LayerConv,
			PreActivation: graph.Const(g, [][][][]float32{{{{1}}}}),
			Weights:       graph.Const(g, [][][][]float32{{{{1}}}}),
			Stride:        1,
		})
		require.Panics(t, func() { goodCfg().Regularize(badNet, labels) })
	})
}
