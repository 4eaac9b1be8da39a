// Package attacks implements white-box adversarial attacks as graph
// computations: the fast gradient method (FGM) and projected gradient
// descent (PGD). Both differentiate the model's loss with respect to the
// input images, so they run entirely inside a GoMLX graph, either for
// evaluation or inlined into the training graph for adversarial training.
package attacks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// LogitsFn builds the model logits for a batch of images. Iterated attacks
// call it once per step, always within the same graph.
type LogitsFn func(images *Node) *Node

// Norm selects the ball the perturbation is constrained to.
type Norm int

const (
	NormLInf Norm = iota
	NormL2
)

// String implements fmt.Stringer.
func (n Norm) String() string {
	switch n {
	case NormLInf:
		return "Linf"
	case NormL2:
		return "L2"
	}
	return "invalid"
}

// Config holds the parameters shared by all attacks.
type Config struct {
	// Eps is the attack budget: the radius of the norm ball around each
	// clean image.
	Eps float64
	// Norm of the ball, NormLInf or NormL2.
	Norm Norm
	// ClipMin and ClipMax bound the valid data range; images here are scaled
	// to [-1, 1].
	ClipMin, ClipMax float64
}

func (c Config) check() {
	if c.Eps <= 0 {
		exceptions.Panicf("attacks: eps must be positive, got %g", c.Eps)
	}
	if c.ClipMin >= c.ClipMax {
		exceptions.Panicf("attacks: invalid clip range [%g, %g]", c.ClipMin, c.ClipMax)
	}
}

// PGDConfig extends Config with the iteration schedule.
type PGDConfig struct {
	Config
	// StepSize is the per-iteration budget (eps_iter).
	StepSize float64
	// Steps is the number of gradient steps.
	Steps int
	// RandomInit starts from a uniformly drawn point of the eps ball instead
	// of the clean image.
	RandomInit bool
}

// NewPGDConfig returns the PGD schedule used throughout the experiments:
// 40 steps of size 0.01 under L∞, random init, data range [-1, 1].
func NewPGDConfig(eps float64) PGDConfig {
	return PGDConfig{
		Config:     Config{Eps: eps, Norm: NormLInf, ClipMin: -1, ClipMax: 1},
		StepSize:   0.01,
		Steps:      40,
		RandomInit: true,
	}
}

// FastGradientMethod perturbs each image one step of size Eps in the
// direction that maximally increases the cross-entropy loss, and clips the
// result to the data range. labels are sparse class indices shaped
// [batch, 1]. The returned node carries no gradients back into the model.
func FastGradientMethod(cfg Config, logitsFn LogitsFn, x, labels *Node) *Node {
	cfg.check()
	direction := lossGradient(logitsFn, x, labels, cfg.Norm)
	adv := Add(x, MulScalar(direction, cfg.Eps))
	return StopGradient(ClipScalar(adv, cfg.ClipMin, cfg.ClipMax))
}

// ProjectedGradientDescent iterates FGM steps of size StepSize, after each
// one projecting back onto the Eps ball around the clean image and clipping
// to the data range. ctx supplies the random state for the initial
// perturbation; it is unused when RandomInit is false. The returned node
// carries no gradients back into the model, so it can be inlined into a
// training graph as adversarial input.
func ProjectedGradientDescent(ctx *context.Context, cfg PGDConfig, logitsFn LogitsFn, x, labels *Node) *Node {
	cfg.check()
	if cfg.Steps < 1 || cfg.StepSize <= 0 {
		exceptions.Panicf("attacks: PGD needs steps >= 1 and a positive step size, got %d and %g",
			cfg.Steps, cfg.StepSize)
	}
	g := x.Graph()

	adv := x
	if cfg.RandomInit {
		uniform := ctx.RandomUniform(g, x.Shape())
		eta := MulScalar(AddScalar(MulScalar(uniform, 2), -1), cfg.Eps)
		adv = ClipScalar(Add(x, clipEta(eta, cfg.Config)), cfg.ClipMin, cfg.ClipMax)
	}
	for step := 0; step < cfg.Steps; step++ {
		adv = StopGradient(adv)
		direction := lossGradient(logitsFn, adv, labels, cfg.Norm)
		adv = Add(adv, MulScalar(direction, cfg.StepSize))
		adv = Add(x, clipEta(Sub(adv, x), cfg.Config))
		adv = ClipScalar(adv, cfg.ClipMin, cfg.ClipMax)
	}
	return StopGradient(adv)
}

// lossGradient returns the normalized ascent direction of the cross-entropy
// loss at x: its sign under L∞, the unit-norm gradient under L2.
func lossGradient(logitsFn LogitsFn, x, labels *Node, norm Norm) *Node {
	logits := logitsFn(x)
	loss := ReduceAllSum(losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{labels}, []*Node{logits}))
	grad := Gradient(loss, x)[0]
	switch norm {
	case NormLInf:
		return Sign(grad)
	case NormL2:
		return Div(grad, perExampleL2(grad))
	}
	exceptions.Panicf("attacks: invalid norm %d", norm)
	panic(nil)
}

// clipEta projects the perturbation eta onto the cfg.Eps ball.
func clipEta(eta *Node, cfg Config) *Node {
	switch cfg.Norm {
	case NormLInf:
		return ClipScalar(eta, -cfg.Eps, cfg.Eps)
	case NormL2:
		norm := perExampleL2(eta)
		factor := MinScalar(Div(Scalar(eta.Graph(), eta.DType(), cfg.Eps), norm), 1.0)
		return Mul(eta, factor)
	}
	exceptions.Panicf("attacks: invalid norm %d", cfg.Norm)
	panic(nil)
}

// perExampleL2 is the L2 norm of each example, bounded away from zero,
// shaped [batch, 1, ..., 1] for broadcasting.
func perExampleL2(x *Node) *Node {
	axes := make([]int, x.Rank()-1)
	for i := range axes {
		axes[i] = i + 1
	}
	norm := Sqrt(ReduceSum(Square(x), axes...))
	norm = Max(norm, Scalar(x.Graph(), x.DType(), 1e-12))
	dims := make([]int, x.Rank())
	dims[0] = x.Shape().Dimensions[0]
	for i := 1; i < len(dims); i++ {
		dims[i] = 1
	}
	return Reshape(norm, dims...)
}
