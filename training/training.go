// Package training wires the datasets, model builders, margin regularizer
// and adversarial attacks into gomlx's train.Trainer, and provides the
// hyperparameter plumbing shared by the command-line tools.
package training

import (
	"fmt"
	"os"
	"time"

	"github.com/KurtPask/TropicalNN/datasets"
	"github.com/KurtPask/TropicalNN/models"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
)

// Context hyperparameters understood by the training loop, on top of the ones
// defined in the models package.
const (
	// ParamDataset selects the dataset: one of datasets.Names().
	ParamDataset = "dataset"

	// ParamMMRNorm selects which margin penalties to add during training:
	// "1", "2" or "inf" for a single-norm penalty, "univ" for the combined
	// L1+L∞ penalty, "none" to train without it.
	ParamMMRNorm = "mmr_norm"

	// ParamMMRFracRB is the fraction of hidden units whose region boundaries
	// are penalized each step (the closest ones).
	ParamMMRFracRB = "mmr_frac_rb"
	// ParamMMRFracDB is the fraction of the numClasses-1 decision boundaries
	// penalized each step.
	ParamMMRFracDB = "mmr_frac_db"

	// ParamMMRGammaRB and ParamMMRGammaDB are the margin widths of the
	// single-norm penalty.
	ParamMMRGammaRB = "mmr_gamma_rb"
	ParamMMRGammaDB = "mmr_gamma_db"
	// ParamMMRLambda weighs the single-norm penalty against the
	// cross-entropy loss.
	ParamMMRLambda = "mmr_lambda"

	// Margin widths of the combined penalty, one pair per norm.
	ParamMMRGammaRBL1   = "mmr_gamma_rb_l1"
	ParamMMRGammaRBLInf = "mmr_gamma_rb_linf"
	ParamMMRGammaDBL1   = "mmr_gamma_db_l1"
	ParamMMRGammaDBLInf = "mmr_gamma_db_linf"
	// Weights of the combined penalty, one per norm.
	ParamMMRLambdaL1   = "mmr_lambda_l1"
	ParamMMRLambdaLInf = "mmr_lambda_linf"

	// ParamMMRSeed seeds the jitter used to break ties among boundary
	// distances.
	ParamMMRSeed = "mmr_seed"

	// ParamAdvTrain enables adversarial training: the cross-entropy loss is
	// taken on PGD-perturbed images instead of the clean ones.
	ParamAdvTrain = "adv_train"
	// ParamAttackEps is the attack budget; 0 means the dataset's
	// conventional budget.
	ParamAttackEps = "attack_eps"
	// ParamPGDSteps and ParamPGDStepSize configure the PGD schedule.
	ParamPGDSteps    = "pgd_steps"
	ParamPGDStepSize = "pgd_step_size"
)

var (
	// DType of the images and model weights.
	DType = dtypes.Float32

	// ParamsExcludedFromSaving are hyperparameters that shouldn't be saved
	// along the model checkpoints, and may be overwritten in further
	// training sessions.
	ParamsExcludedFromSaving = []string{"train_steps", "num_checkpoints"}
)

// CreateDefaultContext returns a context with the default hyperparameters
// preset.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	ctx.SetParams(map[string]any{
		ParamDataset:             "mnist",
		models.ParamBaseModel:    "lenet5",
		models.ParamTopLayer:     "relu",
		models.ParamMaxoutPieces: 3,

		"train_steps":     3000,
		"num_checkpoints": 3,
		"batch_size":      128,
		"eval_batch_size": 512,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 5e-4,

		ParamMMRNorm:   "none",
		ParamMMRFracRB: 0.2,
		ParamMMRFracDB: 1.0,

		ParamMMRGammaRB: 0.2,
		ParamMMRGammaDB: 0.2,
		ParamMMRLambda:  1.0,

		ParamMMRGammaRBL1:   1.0,
		ParamMMRGammaRBLInf: 0.2,
		ParamMMRGammaDBL1:   1.0,
		ParamMMRGammaDBLInf: 0.2,
		ParamMMRLambdaL1:    1.0,
		ParamMMRLambdaLInf:  1.0,

		ParamMMRSeed: 42,

		ParamAdvTrain:    false,
		ParamAttackEps:   0.0,
		ParamPGDSteps:    40,
		ParamPGDStepSize: 0.01,
	})
	return ctx
}

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// TrainModel trains the classifier selected by the hyperparameters in ctx,
// optionally checkpointing it under checkpointPath (relative paths land under
// dataDir). paramsSet lists hyperparameters overridden on the command line,
// which are then excluded from checkpoint saving.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	info := datasets.ByName(context.GetParamOr(ctx, ParamDataset, "mnist"))
	ctx.SetParam(models.ParamNumClasses, info.NumClasses)
	trainDS, trainEvalDS, testEvalDS := CreateDatasets(Backend, ctx, dataDir)

	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	trainer := train.NewTrainer(Backend, ctx, ModelGraph,
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if evaluateOnEnd {
		if verbosity >= 1 {
			fmt.Println()
		}
		must.M(commandline.ReportEval(trainer, testEvalDS, trainEvalDS))
	}
}

// CreateDatasets returns the training and evaluation datasets selected by the
// ctx hyperparameters.
func CreateDatasets(backend backends.Backend, ctx *context.Context, dataDir string) (trainDS, trainEvalDS, testEvalDS train.Dataset) {
	info := datasets.ByName(context.GetParamOr(ctx, ParamDataset, "mnist"))
	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		exceptions.Panicf("training: batch_size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	baseTrain := info.NewDataset(backend, "Training", dataDir, DType, datasets.Train)
	baseTest := info.NewDataset(backend, "Validation", dataDir, DType, datasets.Test)
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)
	return
}
