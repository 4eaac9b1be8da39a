// Package datasets downloads and loads the image classification datasets the
// robustness experiments run on, and records the attack budget conventionally
// used with each of them.
//
// Images are loaded as [numExamples, height, width, channels] tensors scaled
// to [-1, 1]; labels are sparse class indices shaped [numExamples, 1] of
// Int64. Loaded data is served through gomlx's in-memory dataset, which
// provides batching, shuffling and infinite looping.
package datasets

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mldatasets "github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Partition selects the train or test split of a dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

// String implements fmt.Stringer.
func (p Partition) String() string {
	switch p {
	case Train:
		return "train"
	case Test:
		return "test"
	}
	return "invalid"
}

// Info describes a supported dataset: its geometry and the L∞ attack budget
// (Eps) conventionally used with it. Eps is given in the [-1, 1] scale of the
// loaded images.
type Info struct {
	Name                    string
	Height, Width, Channels int
	NumClasses              int
	Eps                     float64
}

var registry = []Info{
	{Name: "mnist", Height: 28, Width: 28, Channels: 1, NumClasses: 10, Eps: 0.2},
	{Name: "svhn", Height: 32, Width: 32, Channels: 3, NumClasses: 10, Eps: 8.0 / 255.0},
	{Name: "cifar10", Height: 32, Width: 32, Channels: 3, NumClasses: 10, Eps: 8.0 / 255.0},
	{Name: "cifar100", Height: 32, Width: 32, Channels: 3, NumClasses: 100, Eps: 8.0 / 255.0},
}

// Names lists the supported dataset names.
func Names() []string {
	names := make([]string, len(registry))
	for i, info := range registry {
		names[i] = info.Name
	}
	return names
}

// ByName returns the Info of a supported dataset. It panics on unknown names.
func ByName(name string) Info {
	for _, info := range registry {
		if info.Name == name {
			return info
		}
	}
	exceptions.Panicf("datasets: unknown dataset %q, must be one of %v", name, Names())
	panic(nil)
}

type imagesAndLabels struct {
	images, labels *tensors.Tensor
}

// partitionedImagesAndLabels holds one set of images and labels per
// partition, indexed by Train and Test.
type partitionedImagesAndLabels [2]imagesAndLabels

type cacheKey struct {
	name  string
	dtype dtypes.DType
}

var loadedCache map[cacheKey]partitionedImagesAndLabels

// ResetCache drops all loaded datasets, forcing the next NewDataset to reload
// from disk.
func ResetCache() {
	loadedCache = make(map[cacheKey]partitionedImagesAndLabels)
}

func init() {
	ResetCache()
}

// NewDataset downloads (if needed) and loads the given partition of the
// dataset, returning it as an in-memory dataset usable by train.Trainer
// methods. Only Float32 and Float64 image dtypes are supported.
//
// Loaded data is cached, so creating multiple datasets over the same data
// costs no extra time or memory.
func (info Info) NewDataset(backend backends.Backend, name, baseDir string, dtype dtypes.DType, partition Partition) *mldatasets.InMemoryDataset {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	key := cacheKey{name: info.Name, dtype: dtype}
	partitioned, found := loadedCache[key]
	if !found {
		var err error
		switch info.Name {
		case "mnist":
			partitioned, err = loadMnist(baseDir, dtype)
		case "svhn":
			partitioned, err = loadSvhn(baseDir, dtype)
		case "cifar10":
			partitioned, err = loadCifar10(baseDir, dtype)
		case "cifar100":
			partitioned, err = loadCifar100(baseDir, dtype)
		default:
			exceptions.Panicf("datasets: unknown dataset %q, must be one of %v", info.Name, Names())
		}
		if err != nil {
			panic(errors.WithMessagef(err, "loading dataset %q", info.Name))
		}
		loadedCache[key] = partitioned
	}
	// The labels are yielded both as an input and as the label: graphs that
	// need them inside the model (the margin penalties, attacks) read the
	// second input.
	part := partitioned[partition]
	ds, err := mldatasets.InMemoryFromData(backend, name, []any{part.images, part.labels}, []any{part.labels})
	if err != nil {
		panic(err)
	}
	return ds
}
