package mmr_test

import (
	"math/rand"
	"testing"

	"github.com/KurtPask/TropicalNN/mmr"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestMinDistances(t *testing.T) {
	graphtest.RunTestGraphFn(t, "MinDistances",
		func(g *graph.Graph) (inputs, outputs []*graph.Node) {
			dists := graph.Const(g, [][]float32{
				{3.0, 1.0, 4.0, 1.5},
				{0.5, 9.0, 2.0, 7.0},
			})
			return nil, []*graph.Node{mmr.MinDistances(dists, 2)}
		}, []any{
			[][]float32{{1.0, 1.5}, {0.5, 2.0}},
		}, 1e-6)
}

func TestSelectKSmallest(t *testing.T) {
	t.Run("distinct values select exactly k", func(t *testing.T) {
		graphtest.RunTestGraphFn(t, "SelectKSmallest distinct",
			func(g *graph.Graph) (inputs, outputs []*graph.Node) {
				dists := graph.Const(g, [][]float32{
					{3.0, 1.0, 4.0, 1.5},
					{0.5, 9.0, 2.0, 7.0},
				})
				mask := mmr.SelectKSmallest(dists, 2, rand.New(rand.NewSource(17)))
				return nil, []*graph.Node{mask}
			}, []any{
				[][]float32{{0, 1, 0, 1}, {1, 0, 1, 0}},
			}, 1e-6)
	})

	t.Run("ties broken by jitter", func(t *testing.T) {
		// All-equal distances: without jitter every entry would pass the
		// threshold; with it each row still selects exactly k.
		graphtest.RunTestGraphFn(t, "SelectKSmallest ties",
			func(g *graph.Graph) (inputs, outputs []*graph.Node) {
				dists := graph.Const(g, [][]float32{
					{1.0, 1.0, 1.0, 1.0, 1.0, 1.0},
					{1.0, 1.0, 1.0, 1.0, 1.0, 1.0},
				})
				mask := mmr.SelectKSmallest(dists, 3, rand.New(rand.NewSource(17)))
				return nil, []*graph.Node{graph.ReduceSum(mask, -1)}
			}, []any{
				[]float32{3, 3},
			}, 1e-6)
	})

	t.Run("jitter is shared across the batch", func(t *testing.T) {
		// Same row twice must produce the same mask.
		graphtest.RunTestGraphFn(t, "SelectKSmallest batch-shared jitter",
			func(g *graph.Graph) (inputs, outputs []*graph.Node) {
				dists := graph.Const(g, [][]float32{
					{2.0, 2.0, 2.0, 2.0},
					{2.0, 2.0, 2.0, 2.0},
				})
				mask := mmr.SelectKSmallest(dists, 2, rand.New(rand.NewSource(3)))
				row0 := graph.Slice(mask, graph.AxisRange(0, 1))
				row1 := graph.Slice(mask, graph.AxisRange(1, 2))
				diff := graph.ReduceMax(graph.Abs(graph.Sub(row0, row1)))
				return nil, []*graph.Node{diff}
			}, []any{
				float32(0),
			}, 1e-6)
	})

	t.Run("k out of range panics", func(t *testing.T) {
		backend := graphtest.BuildTestBackend()
		g := graph.NewGraph(backend, "SelectKSmallestInvalid")
		dists := graph.Const(g, [][]float32{{1, 2, 3}})
		require.Panics(t, func() {
			mmr.SelectKSmallest(dists, 4, rand.New(rand.NewSource(1)))
		})
	})
}
