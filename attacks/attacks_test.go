package attacks_test

import (
	"testing"

	"github.com/KurtPask/TropicalNN/attacks"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/stretchr/testify/require"
)

// linearLogits is a fixed linear classifier over flattened 2x2 images,
// enough structure for the loss gradient to be non-zero everywhere.
func linearLogits(g *Graph) attacks.LogitsFn {
	w := Const(g, [][]float32{
		{0.5, -0.2, 0.1},
		{-0.3, 0.4, 0.2},
		{0.1, 0.1, -0.5},
		{-0.2, 0.3, 0.4},
	})
	return func(images *Node) *Node {
		batch := images.Shape().Dimensions[0]
		return MatMul(Reshape(images, batch, -1), w)
	}
}

func testBatch(g *Graph) (x, labels *Node) {
	x = MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, 4, 2, 2, 1)), 0.05)
	x = AddScalar(x, -0.4)
	labels = Const(g, [][]int32{{0}, {1}, {2}, {0}})
	return
}

func TestFastGradientMethod(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Linf stays in ball and range", func(t *testing.T) {
		outputs := MustExecOnceN(backend, func(g *Graph) []*Node {
			x, labels := testBatch(g)
			cfg := attacks.Config{Eps: 0.1, Norm: attacks.NormLInf, ClipMin: -1, ClipMax: 1}
			adv := attacks.FastGradientMethod(cfg, linearLogits(g), x, labels)
			maxPerturbation := ReduceAllMax(Abs(Sub(adv, x)))
			return []*Node{maxPerturbation, ReduceAllMax(Abs(adv))}
		})
		maxPerturbation := outputs[0].Value().(float32)
		require.LessOrEqual(t, maxPerturbation, float32(0.1)+1e-6)
		require.Greater(t, maxPerturbation, float32(0.05), "attack should move the input")
		require.LessOrEqual(t, outputs[1].Value().(float32), float32(1.0))
	})

	t.Run("L2 stays in ball", func(t *testing.T) {
		outputs := MustExecOnceN(backend, func(g *Graph) []*Node {
			x, labels := testBatch(g)
			cfg := attacks.Config{Eps: 0.3, Norm: attacks.NormL2, ClipMin: -1, ClipMax: 1}
			adv := attacks.FastGradientMethod(cfg, linearLogits(g), x, labels)
			eta := Sub(adv, x)
			norms := Sqrt(ReduceSum(Square(eta), 1, 2, 3))
			return []*Node{ReduceAllMax(norms)}
		})
		require.LessOrEqual(t, outputs[0].Value().(float32), float32(0.3)+1e-5)
	})

	t.Run("invalid eps panics", func(t *testing.T) {
		g := NewGraph(backend, "FGMInvalid")
		x, labels := testBatch(g)
		cfg := attacks.Config{Eps: 0, Norm: attacks.NormLInf, ClipMin: -1, ClipMax: 1}
		require.Panics(t, func() {
			attacks.FastGradientMethod(cfg, linearLogits(g), x, labels)
		})
	})
}

func TestProjectedGradientDescent(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)

	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x, labels := testBatch(g)
		cfg := attacks.NewPGDConfig(0.1)
		cfg.Steps = 5
		logitsFn := linearLogits(g)
		adv := attacks.ProjectedGradientDescent(ctx, cfg, logitsFn, x, labels)

		maxPerturbation := ReduceAllMax(Abs(Sub(adv, x)))
		cleanLoss := ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(
			[]*Node{labels}, []*Node{logitsFn(x)}))
		advLoss := ReduceAllMean(losses.SparseCategoricalCrossEntropyLogits(
			[]*Node{labels}, []*Node{logitsFn(adv)}))
		return []*Node{maxPerturbation, ReduceAllMax(Abs(adv)), cleanLoss, advLoss}
	})

	maxPerturbation := outputs[0].Value().(float32)
	require.LessOrEqual(t, maxPerturbation, float32(0.1)+1e-6)
	require.Greater(t, maxPerturbation, float32(0))
	require.LessOrEqual(t, outputs[1].Value().(float32), float32(1.0))

	cleanLoss := outputs[2].Value().(float32)
	advLoss := outputs[3].Value().(float32)
	require.Greater(t, advLoss, cleanLoss, "PGD should increase the loss on a linear model")
}
