package mmr

import (
	"math/rand"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// MinDistances returns the k smallest entries of each row of dists, shaped
// [batch, k], in ascending order. dists must be [batch, n] with k <= n.
func MinDistances(dists *Node, k int) *Node {
	if dists.Rank() != 2 {
		exceptions.Panicf("mmr: MinDistances expects dists shaped [batch, n], got %s", dists.Shape())
	}
	values, _ := TopK(Neg(dists), k, -1)
	return Neg(values)
}

// SelectKSmallest builds a 0/1 mask over dists, shaped [batch, n], marking
// the k smallest entries of each row. A tiny jitter, drawn once per column
// from rng and shared across the batch, breaks ties: without it a CNN's many
// identical distances (e.g. exact zeros from dead neurons) would all fall
// under the k-th threshold and the mask would select far more than k
// entries. Entries still tied after jitter may select slightly more than k.
//
// The mask is built from the jittered distances but is meant to multiply the
// original ones; gradients flow only through the selected entries.
func SelectKSmallest(dists *Node, k int, rng *rand.Rand) *Node {
	if dists.Rank() != 2 {
		exceptions.Panicf("mmr: SelectKSmallest expects dists shaped [batch, n], got %s", dists.Shape())
	}
	n := dists.Shape().Dimensions[1]
	if k < 1 || k > n {
		exceptions.Panicf("mmr: SelectKSmallest k=%d out of range for %d columns", k, n)
	}
	g := dists.Graph()

	jitter := make([]float64, n)
	for i := range jitter {
		jitter[i] = 1e-5 * (rng.Float64() - 0.5)
	}
	jittered := Add(dists, ExpandAxes(ConvertDType(Const(g, jitter), dists.DType()), 0))

	kSmallest := MinDistances(jittered, k)
	threshold := InsertAxes(ReduceMax(kSmallest, -1), -1)
	return ConvertDType(LessOrEqual(jittered, threshold), dists.DType())
}
