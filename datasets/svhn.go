package datasets

import (
	"os"
	"path"

	"github.com/KurtPask/TropicalNN/datasets/downloader"
	"github.com/daniellowtw/matlab"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// SVHN "cropped digits" format description in
// http://ufldl.stanford.edu/housenumbers/: one MATLAB file per partition,
// holding the images as X [32, 32, 3, numExamples] and the labels as
// y [numExamples, 1], both uint8 and column-major.
const (
	svhnBaseURL   = "http://ufldl.stanford.edu/housenumbers/"
	svhnTrainFile = "train_32x32.mat"
	svhnTestFile  = "test_32x32.mat"

	svhnHeight      = 32
	svhnWidth       = 32
	svhnDepth       = 3
	svhnImageValues = svhnHeight * svhnWidth * svhnDepth
)

// DownloadSvhn fetches the SVHN cropped-digits MATLAB files into baseDir,
// skipping files already present.
func DownloadSvhn(baseDir string) error {
	for _, file := range []string{svhnTrainFile, svhnTestFile} {
		err := downloader.DownloadIfMissing(svhnBaseURL+file, path.Join(baseDir, file), "")
		if err != nil {
			return errors.WithMessagef(err, "downloading SVHN file %q", file)
		}
	}
	return nil
}

// loadSvhn downloads SVHN if needed and loads both partitions from their
// MATLAB files.
func loadSvhn(baseDir string, dtype dtypes.DType) (partitioned partitionedImagesAndLabels, err error) {
	if err = DownloadSvhn(baseDir); err != nil {
		return
	}
	files := [2]string{Train: svhnTrainFile, Test: svhnTestFile}
	for partition, file := range files {
		partitioned[partition], err = loadSvhnFile(path.Join(baseDir, file), dtype)
		if err != nil {
			err = errors.WithMessagef(err, "loading %q", file)
			return
		}
	}
	return
}

// loadSvhnFile parses one SVHN MATLAB file into image and label tensors.
func loadSvhnFile(filePath string, dtype dtypes.DType) (data imagesAndLabels, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		err = errors.Wrapf(err, "opening %q", filePath)
		return
	}
	defer func() { _ = f.Close() }()
	matFile, err := matlab.NewFileFromReader(f)
	if err != nil {
		err = errors.Wrapf(err, "parsing MATLAB file %q", filePath)
		return
	}
	matX, found := matFile.GetVar("X")
	if !found {
		err = errors.Errorf("no variable \"X\" in MATLAB file %q", filePath)
		return
	}
	matY, found := matFile.GetVar("y")
	if !found {
		err = errors.Errorf("no variable \"y\" in MATLAB file %q", filePath)
		return
	}
	return svhnFromMatVars(matX.Value(), matY.Value(), dtype)
}

// svhnFromMatVars converts the parsed MATLAB arrays into a channels-last
// images tensor scaled to [-1, 1] and Int64 labels. X is column-major, so the
// value of pixel (h, w, d) of example n sits at h + 32*(w + 32*(d + 3*n)).
// The MATLAB labels run 1..10 with 10 standing for the digit zero.
func svhnFromMatVars(xValues, yValues []interface{}, dtype dtypes.DType) (data imagesAndLabels, err error) {
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		err = errors.Errorf("dtype %s not supported, use Float32 or Float64", dtype)
		return
	}
	numExamples := len(yValues)
	if len(xValues) != numExamples*svhnImageValues {
		err = errors.Errorf("X holds %d values, want %d for the %d labels in y",
			len(xValues), numExamples*svhnImageValues, numExamples)
		return
	}
	images := tensors.FromShape(shapes.Make(dtype, numExamples, svhnHeight, svhnWidth, svhnDepth))
	labels := tensors.FromShape(shapes.Make(dtypes.Int64, numExamples, 1))
	tensors.MustMutableFlatData[int64](labels, func(labelsData []int64) {
		for i, v := range yValues {
			label, ok := v.(uint8)
			if !ok || label < 1 || label > 10 {
				err = errors.Errorf("label #%d is %v, want uint8 in 1..10", i, v)
				return
			}
			labelsData[i] = int64(label) % 10
		}
	})
	if err != nil {
		return
	}
	switch dtype {
	case dtypes.Float32:
		err = fillSvhnImages[float32](images, xValues)
	case dtypes.Float64:
		err = fillSvhnImages[float64](images, xValues)
	}
	if err != nil {
		return
	}
	data = imagesAndLabels{images: images, labels: labels}
	return
}

// fillSvhnImages transposes the column-major X values into the row-major
// channels-last images tensor, scaled to [-1, 1].
func fillSvhnImages[T dtypes.GoFloat](images *tensors.Tensor, xValues []interface{}) (err error) {
	tensors.MustMutableFlatData[T](images, func(flat []T) {
		numExamples := len(xValues) / svhnImageValues
		pos := 0
		for n := 0; n < numExamples; n++ {
			for h := 0; h < svhnHeight; h++ {
				for w := 0; w < svhnWidth; w++ {
					for d := 0; d < svhnDepth; d++ {
						v, ok := xValues[h+svhnHeight*(w+svhnWidth*(d+svhnDepth*n))].(uint8)
						if !ok {
							err = errors.Errorf("X value for example #%d is not uint8", n)
							return
						}
						flat[pos] = T(v)/127.5 - 1
						pos++
					}
				}
			}
		}
	})
	return
}
