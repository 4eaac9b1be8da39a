// Attack evaluation for trained classifiers: loads a checkpoint, runs the
// test partition through FGM and PGD, and writes the robust accuracies to a
// CSV file under the data directory.
//
//	tropicalnn_attack --data=~/work/tropicalnn --checkpoint=mnist_mmr \
//	    --set="dataset=mnist;pgd_steps=40"
package main

import (
	"flag"
	"fmt"

	"github.com/KurtPask/TropicalNN/datasets"
	"github.com/KurtPask/TropicalNN/models"
	"github.com/KurtPask/TropicalNN/results"
	"github.com/KurtPask/TropicalNN/training"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataDir = flag.String("data", "~/work/tropicalnn",
		"Directory holding the downloaded datasets and checkpoints.")
	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to load the model checkpoint from, relative to --data. Required.")
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	_ = must.M1(commandline.ParseContextSettings(ctx, *settings))

	if *flagCheckpoint == "" {
		klog.Exit("--checkpoint is required: it names the trained model to attack")
	}
	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)
	checkpoint := must.M1(checkpoints.Build(ctx).
		DirFromBase(*flagCheckpoint, dataDir).Done())
	fmt.Printf("Loaded model from %q\n", checkpoint.Dir())

	info := datasets.ByName(context.GetParamOr(ctx, training.ParamDataset, "mnist"))
	ctx.SetParam(models.ParamNumClasses, info.NumClasses)

	backend := backends.MustNew()
	_, _, testEvalDS := training.CreateDatasets(backend, ctx, dataDir)
	eval := must.M1(results.Evaluate(backend, ctx, testEvalDS))

	for i, row := range eval.Rows {
		summary := eval.Summaries[i]
		fmt.Printf("%-6s accuracy=%.4f (per batch: mean=%.4f ±%.4f, median=%.4f)\n",
			row.Attack, row.RobustAccuracy, summary.Mean, summary.StdDev, summary.Median)
	}

	csvPath := results.CSVPath(dataDir, info.Name,
		context.GetParamOr(ctx, models.ParamBaseModel, "lenet5"),
		context.GetParamOr(ctx, models.ParamTopLayer, "relu"))
	must.M(results.WriteCSV(csvPath, eval.Rows))
	fmt.Printf("Results written to %s\n", csvPath)
}
