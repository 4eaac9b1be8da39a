// Package models builds the classifier graphs used for robustness
// experiments: small LeNet-style convolutional stacks and a plain
// feed-forward baseline, each with a choice of top layer (relu, maxout or
// tropical max-plus). While building the forward pass the builders record
// the per-layer descriptors the mmr package needs.
package models

import (
	"github.com/KurtPask/TropicalNN/mmr"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Context hyperparameters understood by Build.
const (
	// ParamBaseModel selects the architecture: one of "lenet5",
	// "lenet5_modified" or "fnn".
	ParamBaseModel = "base_model"
	// ParamTopLayer selects the classification head: "relu", "maxout" or "trop".
	ParamTopLayer = "top_layer"
	// ParamNumClasses is the number of output classes.
	ParamNumClasses = "num_classes"
	// ParamMaxoutPieces is how many affine pieces the maxout head maximizes over.
	ParamMaxoutPieces = "maxout_pieces"
)

// BaseModels lists the valid ParamBaseModel values.
var BaseModels = []string{"lenet5", "lenet5_modified", "fnn"}

// TopLayers lists the valid ParamTopLayer values.
var TopLayers = []string{"relu", "maxout", "trop"}

// Classifier is a built forward graph: the logits and, for relu-top models,
// the layer descriptors the margin regularizer consumes. Maxout and tropical
// heads break the plain conv->dense structure the regularizer requires, so
// for those Net is nil.
type Classifier struct {
	Logits *Node
	Net    *mmr.Network
}

// Build constructs the classifier selected by the context hyperparameters
// over a batch of images shaped [batch, height, width, channels].
func Build(ctx *context.Context, images *Node) Classifier {
	baseModel := context.GetParamOr(ctx, ParamBaseModel, "lenet5")
	switch baseModel {
	case "lenet5":
		return buildLeNet(ctx, images, false)
	case "lenet5_modified":
		return buildLeNet(ctx, images, true)
	case "fnn":
		return buildFNN(ctx, images)
	}
	exceptions.Panicf("models: invalid %q hyperparameter %q, must be one of %v",
		ParamBaseModel, baseModel, BaseModels)
	panic(nil)
}

func relu(x *Node) *Node {
	return Max(x, ZerosLike(x))
}

// buildLeNet builds the small LeNet used throughout: two convolutions and a
// 100-unit hidden layer. The plain variant downsamples with stride-2
// convolutions; the modified variant uses stride 1 and a max-pool before the
// second convolution, which the sensitivity propagation mirrors.
func buildLeNet(ctx *context.Context, images *Node, pooled bool) Classifier {
	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
	batchSize := images.Shape().Dimensions[0]

	stride := 2
	if pooled {
		stride = 1
	}
	z1, l1 := convLayer(nextCtx("conv"), images, 16, 4, stride, true, false)
	a1 := relu(z1)
	z2, l2 := convLayer(nextCtx("conv"), a1, 32, 4, stride, true, pooled)
	a2 := relu(z2)

	flat := Reshape(a2, batchSize, -1)
	z3, l3 := denseLayer(nextCtx("dense"), flat, 100)
	a3 := relu(z3)

	numClasses := context.GetParamOr(ctx, ParamNumClasses, 10)
	logits, l4 := topLayer(nextCtx("top"), ctx, a3, numClasses)
	logits.AssertDims(batchSize, numClasses)

	c := Classifier{Logits: logits}
	if l4 != nil {
		c.Net = &mmr.Network{Input: images, Layers: []mmr.Layer{l1, l2, l3, *l4}}
	}
	return c
}

// buildFNN is the convolution-free baseline: flatten, one hidden layer, top.
func buildFNN(ctx *context.Context, images *Node) Classifier {
	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
	batchSize := images.Shape().Dimensions[0]
	flat := Reshape(images, batchSize, -1)
	z1, l1 := denseLayer(nextCtx("dense"), flat, 128)
	a1 := relu(z1)

	numClasses := context.GetParamOr(ctx, ParamNumClasses, 10)
	logits, l2 := topLayer(nextCtx("top"), ctx, a1, numClasses)
	logits.AssertDims(batchSize, numClasses)

	c := Classifier{Logits: logits}
	if l2 != nil {
		c.Net = &mmr.Network{Input: images, Layers: []mmr.Layer{l1, *l2}}
	}
	return c
}

// topLayer builds the classification head. Only the relu (plain dense) head
// yields an mmr.Layer descriptor; the piecewise-max heads return nil.
func topLayer(layerCtx, ctx *context.Context, x *Node, numClasses int) (*Node, *mmr.Layer) {
	top := context.GetParamOr(ctx, ParamTopLayer, "relu")
	switch top {
	case "relu":
		logits, l := denseLayer(layerCtx, x, numClasses)
		return logits, &l
	case "trop":
		return tropicalDense(layerCtx, x, numClasses), nil
	case "maxout":
		pieces := context.GetParamOr(ctx, ParamMaxoutPieces, 3)
		return maxoutDense(layerCtx, x, numClasses, pieces), nil
	}
	exceptions.Panicf("models: invalid %q hyperparameter %q, must be one of %v",
		ParamTopLayer, top, TopLayers)
	panic(nil)
}
