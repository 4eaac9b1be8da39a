package training

import (
	"math/rand"

	"github.com/KurtPask/TropicalNN/attacks"
	"github.com/KurtPask/TropicalNN/datasets"
	"github.com/KurtPask/TropicalNN/mmr"
	"github.com/KurtPask/TropicalNN/models"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// ModelGraph implements train.ModelFn. It builds the classifier selected by
// the hyperparameters and, on training graphs only, adds the margin penalties
// and swaps the clean images for PGD-perturbed ones when adversarial training
// is enabled. inputs are the images and their sparse labels; the labels come
// in as an input too because the penalties and the attack need them inside
// the model graph.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.In("model")
	images, labels := inputs[0], inputs[1]
	g := images.Graph()

	c := models.Build(ctx, images)
	logits := c.Logits
	if !ctx.IsTraining(g) {
		return []*Node{logits}
	}

	addMarginPenalties(ctx, c, labels)
	if context.GetParamOr(ctx, ParamAdvTrain, false) {
		logitsFn := func(x *Node) *Node {
			return models.Build(ctx.Reuse(), x).Logits
		}
		adv := attacks.ProjectedGradientDescent(ctx, PGDFromContext(ctx), logitsFn, images, labels)
		logits = logitsFn(adv)
	}
	return []*Node{logits}
}

// addMarginPenalties adds the margin penalty selected by ParamMMRNorm as
// extra loss terms.
func addMarginPenalties(ctx *context.Context, c models.Classifier, labels *Node) {
	norm := context.GetParamOr(ctx, ParamMMRNorm, "none")
	if norm == "none" {
		return
	}
	if c.Net == nil {
		exceptions.Panicf("training: %q=%q requires a plain dense classification head, set %q to %q",
			ParamMMRNorm, norm, models.ParamTopLayer, "relu")
	}

	numClasses := c.Logits.Shape().Dimensions[1]
	batchSize := labels.Shape().Dimensions[0]
	oneHot := OneHot(Reshape(labels, batchSize), numClasses, c.Logits.DType())

	numRB := boundaryCount(context.GetParamOr(ctx, ParamMMRFracRB, 0.2), numHiddenUnits(c.Net))
	numDB := boundaryCount(context.GetParamOr(ctx, ParamMMRFracDB, 1.0), numClasses-1)
	rng := rand.New(rand.NewSource(int64(context.GetParamOr(ctx, ParamMMRSeed, 42))))

	if norm == "univ" {
		cfg := mmr.UniversalConfig{
			NumRB:       numRB,
			NumDB:       numDB,
			GammaRBL1:   context.GetParamOr(ctx, ParamMMRGammaRBL1, 1.0),
			GammaRBLInf: context.GetParamOr(ctx, ParamMMRGammaRBLInf, 0.2),
			GammaDBL1:   context.GetParamOr(ctx, ParamMMRGammaDBL1, 1.0),
			GammaDBLInf: context.GetParamOr(ctx, ParamMMRGammaDBLInf, 0.2),
			Rng:         rng,
		}
		terms := cfg.Regularize(c.Net, oneHot)
		lambdaL1 := context.GetParamOr(ctx, ParamMMRLambdaL1, 1.0)
		lambdaLInf := context.GetParamOr(ctx, ParamMMRLambdaLInf, 1.0)
		train.AddLoss(ctx, MulScalar(Add(ReduceAllMean(terms.RBL1), ReduceAllMean(terms.DBL1)), lambdaL1))
		train.AddLoss(ctx, MulScalar(Add(ReduceAllMean(terms.RBLInf), ReduceAllMean(terms.DBLInf)), lambdaLInf))
		return
	}

	var q mmr.Norm
	switch norm {
	case "1":
		q = mmr.NormL1
	case "2":
		q = mmr.NormL2
	case "inf":
		q = mmr.NormLInf
	default:
		exceptions.Panicf("training: invalid %q hyperparameter %q, must be one of 1, 2, inf, univ or none",
			ParamMMRNorm, norm)
	}
	cfg := mmr.Config{
		NumRB:   numRB,
		NumDB:   numDB,
		GammaRB: context.GetParamOr(ctx, ParamMMRGammaRB, 0.2),
		GammaDB: context.GetParamOr(ctx, ParamMMRGammaDB, 0.2),
		Q:       q,
		Rng:     rng,
	}
	rb, db := cfg.Regularize(c.Net, oneHot)
	lambda := context.GetParamOr(ctx, ParamMMRLambda, 1.0)
	train.AddLoss(ctx, MulScalar(Add(ReduceAllMean(rb), ReduceAllMean(db)), lambda))
}

// numHiddenUnits counts the hidden neurons of the descriptor network, the
// pre-activation sizes of all layers but the output.
func numHiddenUnits(net *mmr.Network) int {
	total := 0
	for _, layer := range net.Layers[:len(net.Layers)-1] {
		dims := layer.PreActivation.Shape().Dimensions
		size := 1
		for _, dim := range dims[1:] {
			size *= dim
		}
		total += size
	}
	return total
}

// boundaryCount converts a fraction of the available boundaries into a count,
// at least 1 and at most the total.
func boundaryCount(frac float64, total int) int {
	count := int(frac * float64(total))
	if count < 1 {
		count = 1
	}
	if count > total {
		count = total
	}
	return count
}

// PGDFromContext builds the PGD schedule from the hyperparameters; a zero
// ParamAttackEps falls back to the dataset's conventional budget.
func PGDFromContext(ctx *context.Context) attacks.PGDConfig {
	eps := context.GetParamOr(ctx, ParamAttackEps, 0.0)
	if eps <= 0 {
		eps = datasets.ByName(context.GetParamOr(ctx, ParamDataset, "mnist")).Eps
	}
	cfg := attacks.NewPGDConfig(eps)
	cfg.Steps = context.GetParamOr(ctx, ParamPGDSteps, cfg.Steps)
	cfg.StepSize = context.GetParamOr(ctx, ParamPGDStepSize, cfg.StepSize)
	return cfg
}
