// Trainer for the robust image classifiers: LeNet-style and feed-forward
// models with relu, maxout or tropical heads, optionally trained with the
// maximum-margin penalties or with PGD adversarial training.
//
// All hyperparameters are set through the --set flag, e.g.:
//
//	tropicalnn_train --data=~/work/tropicalnn --checkpoint=mnist_mmr \
//	    --set="dataset=mnist;mmr_norm=univ;train_steps=10000"
package main

import (
	"flag"

	"github.com/KurtPask/TropicalNN/training"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataDir = flag.String("data", "~/work/tropicalnn",
		"Directory to cache downloaded datasets and store checkpoints.")
	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to save and load checkpoints from, relative to --data. If left empty, no checkpoints are created.")
	flagEval = flag.Bool("eval", true,
		"Whether to evaluate the model on the validation data in the end.")
	flagVerbosity = flag.Int("verbosity", 1,
		"Level of verbosity, the higher the more verbose.")
)

func main() {
	ctx := training.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	training.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
}
