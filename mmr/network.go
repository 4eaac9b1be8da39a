// Package mmr implements the MMR-Universal maximum-margin regularizer
// (Croce & Hein, 2019) as a differentiable GoMLX graph computation.
//
// The regularizer pushes the closest ReLU region boundaries and decision
// boundaries away from each training point, measured in one or both of the
// L1 and L∞ norms, which yields certifiable robustness radii. Distances are
// computed batch-wise by propagating a sensitivity matrix V through the
// network: V holds the linear map from the input to each neuron within the
// current activation region, so the distance of an input to the boundary of
// neuron j is |z_j| / ‖V_j‖_q with q the dual norm.
package mmr

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// LayerKind discriminates the two layer types the regularizer understands.
type LayerKind int

const (
	// LayerConv is a 2D convolution over a [batch, height, width, channels] input.
	LayerConv LayerKind = iota
	// LayerDense is a fully-connected layer over a [batch, features] input.
	LayerDense
)

// String implements fmt.Stringer.
func (k LayerKind) String() string {
	switch k {
	case LayerConv:
		return "conv"
	case LayerDense:
		return "dense"
	}
	return "invalid"
}

// Layer describes one layer of the network being regularized, recorded while
// the forward graph is built. PreActivation is the layer output before the
// ReLU (for the last layer, the logits), and Weights is the kernel
// ([kernelH, kernelW, channelsIn, channelsOut] for conv, [featuresIn,
// featuresOut] for dense). Biases are irrelevant here: they shift boundaries
// but do not change the sensitivity map.
type Layer struct {
	Kind          LayerKind
	PreActivation *graph.Node
	Weights       *graph.Node

	// Conv-only settings. PoolBefore indicates a 2x2/stride-2 max-pool was
	// applied to the layer input in the forward pass; the sensitivity
	// propagation must mirror it.
	Stride     int
	PadSame    bool
	PoolBefore bool
}

// Network is the forward pass seen by the regularizer: the input images and
// the ordered layers, convolutions first, then dense layers, the last of
// which produces the logits.
type Network struct {
	// Input is the batch of images, shaped [batch, height, width, channels].
	Input *graph.Node
	// Layers in forward order.
	Layers []Layer
}

// InputDim returns the flattened input dimension d = height*width*channels.
func (n *Network) InputDim() int {
	dims := n.Input.Shape().Dimensions
	return dims[1] * dims[2] * dims[3]
}

// split separates the layers into the convolutional stack and the dense
// stack, validating the structure the propagation relies on. It panics on a
// malformed network.
func (n *Network) split() (convs, denses []Layer) {
	if n.Input == nil {
		exceptions.Panicf("mmr: Network.Input is nil")
	}
	if n.Input.Rank() != 4 {
		exceptions.Panicf("mmr: Network.Input must be rank-4 [batch, height, width, channels], got %s", n.Input.Shape())
	}
	if len(n.Layers) < 2 {
		exceptions.Panicf("mmr: network needs at least one hidden layer and a logits layer, got %d layers", len(n.Layers))
	}
	seenDense := false
	for i, l := range n.Layers {
		if l.PreActivation == nil || l.Weights == nil {
			exceptions.Panicf("mmr: layer #%d is missing its pre-activation or weights node", i)
		}
		switch l.Kind {
		case LayerConv:
			if seenDense {
				exceptions.Panicf("mmr: layer #%d is a convolution after a dense layer; only conv->dense networks are supported", i)
			}
			if l.PreActivation.Rank() != 4 {
				exceptions.Panicf("mmr: conv layer #%d pre-activation must be rank-4, got %s", i, l.PreActivation.Shape())
			}
			if l.Weights.Rank() != 4 {
				exceptions.Panicf("mmr: conv layer #%d weights must be rank-4 [kH, kW, cIn, cOut], got %s", i, l.Weights.Shape())
			}
			if l.Stride < 1 {
				exceptions.Panicf("mmr: conv layer #%d has invalid stride %d", i, l.Stride)
			}
			convs = append(convs, l)
		case LayerDense:
			seenDense = true
			if l.PreActivation.Rank() != 2 {
				exceptions.Panicf("mmr: dense layer #%d pre-activation must be rank-2, got %s", i, l.PreActivation.Shape())
			}
			if l.Weights.Rank() != 2 {
				exceptions.Panicf("mmr: dense layer #%d weights must be rank-2 [in, out], got %s", i, l.Weights.Shape())
			}
			denses = append(denses, l)
		default:
			exceptions.Panicf("mmr: layer #%d has invalid kind %d", i, l.Kind)
		}
	}
	if len(denses) == 0 {
		exceptions.Panicf("mmr: network must end in at least one dense (logits) layer")
	}
	return
}

// Logits returns the pre-activation of the last layer.
func (n *Network) Logits() *graph.Node {
	return n.Layers[len(n.Layers)-1].PreActivation
}
