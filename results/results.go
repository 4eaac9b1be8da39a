// Package results evaluates trained classifiers against white-box attacks
// and writes the per-model outcomes to CSV files, one row per attack
// configuration.
package results

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"

	"github.com/KurtPask/TropicalNN/attacks"
	"github.com/KurtPask/TropicalNN/training"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Row is the outcome of evaluating one model under one attack configuration.
type Row struct {
	Dataset, BaseModel, TopLayer string
	Attack                       string
	Norm                         string
	Eps                          float64
	CleanAccuracy                float64
	RobustAccuracy               float64
	NumExamples                  int
}

// Summary aggregates the per-batch robust accuracies of one evaluation.
type Summary struct {
	Mean, StdDev, Median float64
}

// Evaluation holds the finished rows plus the per-batch spread of each.
type Evaluation struct {
	Rows      []Row
	Summaries []Summary
}

// Evaluate runs the dataset through the model clean, under FGM and under PGD
// with the budget configured in ctx, and returns one Row per attack. The
// model variables must already be loaded into ctx (trained in-process or
// restored from a checkpoint).
func Evaluate(backend backends.Backend, ctx *context.Context, ds train.Dataset) (*Evaluation, error) {
	pgdCfg := training.PGDFromContext(ctx)
	fgmCfg := pgdCfg.Config

	exec := context.MustNewExec(backend, ctx.Reuse(), func(ctx *context.Context, images, labels *Node) []*Node {
		logitsFn := func(x *Node) *Node {
			return training.ModelGraph(ctx, nil, []*Node{x, labels})[0]
		}
		clean := correctCount(logitsFn(images), labels)
		fgm := correctCount(logitsFn(attacks.FastGradientMethod(fgmCfg, logitsFn, images, labels)), labels)
		pgd := correctCount(logitsFn(attacks.ProjectedGradientDescent(ctx, pgdCfg, logitsFn, images, labels)), labels)
		return []*Node{clean, fgm, pgd}
	})

	var total int
	var correct [3]float64
	var batchAccuracies [3][]float64
	ds.Reset()
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating dataset %q", ds.Name())
		}
		images, labels := inputs[0], inputs[1]
		batchSize := images.Shape().Dimensions[0]
		counts := exec.MustExec(images, labels)
		total += batchSize
		for i, count := range counts {
			batchCorrect := float64(tensors.ToScalar[float32](count))
			correct[i] += batchCorrect
			batchAccuracies[i] = append(batchAccuracies[i], batchCorrect/float64(batchSize))
		}
	}
	if total == 0 {
		return nil, errors.Errorf("dataset %q yielded no examples", ds.Name())
	}

	dataset := context.GetParamOr(ctx, training.ParamDataset, "mnist")
	baseModel := context.GetParamOr(ctx, "base_model", "lenet5")
	topLayer := context.GetParamOr(ctx, "top_layer", "relu")
	cleanAccuracy := correct[0] / float64(total)
	eval := &Evaluation{}
	for i, attack := range []string{"clean", "fgm", "pgd"} {
		eval.Rows = append(eval.Rows, Row{
			Dataset:        dataset,
			BaseModel:      baseModel,
			TopLayer:       topLayer,
			Attack:         attack,
			Norm:           fgmCfg.Norm.String(),
			Eps:            fgmCfg.Eps,
			CleanAccuracy:  cleanAccuracy,
			RobustAccuracy: correct[i] / float64(total),
			NumExamples:    total,
		})
		eval.Summaries = append(eval.Summaries, summarize(batchAccuracies[i]))
	}
	return eval, nil
}

// correctCount counts the examples whose top logit matches the label.
func correctCount(logits, labels *Node) *Node {
	predicted := ArgMax(logits, -1, dtypes.Int64)
	hits := Equal(predicted, Reshape(labels, -1))
	return ReduceAllSum(ConvertDType(hits, dtypes.Float32))
}

// summarize computes the spread of the per-batch accuracies.
func summarize(accuracies []float64) Summary {
	sorted := append([]float64(nil), accuracies...)
	sort.Float64s(sorted)
	return Summary{
		Mean:   stat.Mean(sorted, nil),
		StdDev: stat.StdDev(sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
	}
}

// CSVPath is the conventional location of a model's attack results.
func CSVPath(baseDir, dataset, baseModel, topLayer string) string {
	return path.Join(baseDir, "attack_results",
		fmt.Sprintf("%s_%s_%s.csv", dataset, baseModel, topLayer))
}

var csvHeader = []string{
	"dataset", "base_model", "top_layer", "attack", "norm", "eps",
	"clean_accuracy", "robust_accuracy", "num_examples",
}

// WriteCSV saves the rows to filePath, creating parent directories as needed.
func WriteCSV(filePath string, rows []Row) error {
	if err := os.MkdirAll(path.Dir(filePath), 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	w := csv.NewWriter(f)
	if err = w.Write(csvHeader); err != nil {
		return errors.Wrapf(err, "writing header to %q", filePath)
	}
	for _, row := range rows {
		record := []string{
			row.Dataset, row.BaseModel, row.TopLayer, row.Attack, row.Norm,
			strconv.FormatFloat(row.Eps, 'g', -1, 64),
			strconv.FormatFloat(row.CleanAccuracy, 'g', -1, 64),
			strconv.FormatFloat(row.RobustAccuracy, 'g', -1, 64),
			strconv.Itoa(row.NumExamples),
		}
		if err = w.Write(record); err != nil {
			return errors.Wrapf(err, "writing row to %q", filePath)
		}
	}
	w.Flush()
	if err = w.Error(); err != nil {
		return errors.Wrapf(err, "flushing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}

// ReadCSV loads rows previously written by WriteCSV.
func ReadCSV(filePath string) ([]Row, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filePath)
	}
	defer func() { _ = f.Close() }()
	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", filePath)
	}
	if len(records) == 0 {
		return nil, errors.Errorf("%q is empty", filePath)
	}
	var rows []Row
	for _, record := range records[1:] {
		if len(record) != len(csvHeader) {
			return nil, errors.Errorf("%q has a row with %d fields, want %d", filePath, len(record), len(csvHeader))
		}
		row := Row{
			Dataset:   record[0],
			BaseModel: record[1],
			TopLayer:  record[2],
			Attack:    record[3],
			Norm:      record[4],
		}
		if row.Eps, err = strconv.ParseFloat(record[5], 64); err != nil {
			return nil, errors.Wrapf(err, "parsing eps in %q", filePath)
		}
		if row.CleanAccuracy, err = strconv.ParseFloat(record[6], 64); err != nil {
			return nil, errors.Wrapf(err, "parsing clean_accuracy in %q", filePath)
		}
		if row.RobustAccuracy, err = strconv.ParseFloat(record[7], 64); err != nil {
			return nil, errors.Wrapf(err, "parsing robust_accuracy in %q", filePath)
		}
		if row.NumExamples, err = strconv.Atoi(record[8]); err != nil {
			return nil, errors.Wrapf(err, "parsing num_examples in %q", filePath)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
