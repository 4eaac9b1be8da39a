package datasets

import (
	"fmt"
	"os"
	"path"

	"github.com/KurtPask/TropicalNN/datasets/downloader"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// CIFAR binary format description in https://www.cs.toronto.edu/~kriz/cifar.html.
const (
	cifar10URL     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	cifar10TarName = "cifar-10-binary.tar.gz"
	cifar10SubDir  = "cifar-10-batches-bin"
	cifar10Hash    = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"

	cifar100URL     = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	cifar100TarName = "cifar-100-binary.tar.gz"
	cifar100SubDir  = "cifar-100-binary"
	cifar100Hash    = "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec"

	cifarHeight     = 32
	cifarWidth      = 32
	cifarDepth      = 3
	cifarImageBytes = cifarHeight * cifarWidth * cifarDepth
)

// DownloadCifar10 fetches and extracts the CIFAR-10 binary archive into
// baseDir, skipping whatever is already present.
func DownloadCifar10(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(cifar10URL, baseDir, cifar10TarName, cifar10SubDir, cifar10Hash)
}

// DownloadCifar100 fetches and extracts the CIFAR-100 binary archive into
// baseDir, skipping whatever is already present.
func DownloadCifar100(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(cifar100URL, baseDir, cifar100TarName, cifar100SubDir, cifar100Hash)
}

// loadCifar10 downloads CIFAR-10 if needed and loads both partitions. The
// five data batches hold the training examples, test_batch the test ones, so
// the file boundaries already give the split.
func loadCifar10(baseDir string, dtype dtypes.DType) (partitioned partitionedImagesAndLabels, err error) {
	if err = DownloadCifar10(baseDir); err != nil {
		return
	}
	dir := path.Join(baseDir, cifar10SubDir)
	trainFiles := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		trainFiles = append(trainFiles, path.Join(dir, fmt.Sprintf("data_batch_%d.bin", i)))
	}
	partitioned[Train], err = loadCifarFiles(trainFiles, 1, dtype)
	if err != nil {
		return
	}
	partitioned[Test], err = loadCifarFiles([]string{path.Join(dir, "test_batch.bin")}, 1, dtype)
	return
}

// loadCifar100 downloads CIFAR-100 if needed and loads both partitions. Each
// record carries a coarse and a fine label byte; only the fine label is kept.
func loadCifar100(baseDir string, dtype dtypes.DType) (partitioned partitionedImagesAndLabels, err error) {
	if err = DownloadCifar100(baseDir); err != nil {
		return
	}
	dir := path.Join(baseDir, cifar100SubDir)
	partitioned[Train], err = loadCifarFiles([]string{path.Join(dir, "train.bin")}, 2, dtype)
	if err != nil {
		return
	}
	partitioned[Test], err = loadCifarFiles([]string{path.Join(dir, "test.bin")}, 2, dtype)
	return
}

// loadCifarFiles reads binary CIFAR batch files into image and label tensors.
// Each record is labelBytes label bytes, of which the last is the class,
// followed by a 32x32x3 image stored as whole-channel planes. Pixels are
// scaled to [-1, 1].
func loadCifarFiles(files []string, labelBytes int, dtype dtypes.DType) (data imagesAndLabels, err error) {
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		err = errors.Errorf("dtype %s not supported, use Float32 or Float64", dtype)
		return
	}
	recordSize := labelBytes + cifarImageBytes
	contents := make([][]byte, len(files))
	numExamples := 0
	for i, file := range files {
		contents[i], err = os.ReadFile(file)
		if err != nil {
			err = errors.Wrapf(err, "reading %q", file)
			return
		}
		if len(contents[i])%recordSize != 0 {
			err = errors.Errorf("%q holds %d bytes, not a multiple of the %d bytes record size",
				file, len(contents[i]), recordSize)
			return
		}
		numExamples += len(contents[i]) / recordSize
	}
	images := tensors.FromShape(shapes.Make(dtype, numExamples, cifarHeight, cifarWidth, cifarDepth))
	labels := tensors.FromShape(shapes.Make(dtypes.Int64, numExamples, 1))
	tensors.MustMutableFlatData[int64](labels, func(labelsData []int64) {
		exampleIdx := 0
		for _, content := range contents {
			for pos := 0; pos < len(content); pos += recordSize {
				record := content[pos : pos+recordSize]
				labelsData[exampleIdx] = int64(record[labelBytes-1])
				switch dtype {
				case dtypes.Float32:
					fillCifarImage[float32](images, record[labelBytes:], exampleIdx)
				case dtypes.Float64:
					fillCifarImage[float64](images, record[labelBytes:], exampleIdx)
				}
				exampleIdx++
			}
		}
	})
	data = imagesAndLabels{images: images, labels: labels}
	return
}

// fillCifarImage transposes one channel-major record into the channels-last
// images tensor, scaled to [-1, 1].
func fillCifarImage[T dtypes.GoFloat](images *tensors.Tensor, image []byte, exampleIdx int) {
	tensors.MustMutableFlatData[T](images, func(flat []T) {
		pos := exampleIdx * cifarImageBytes
		for h := 0; h < cifarHeight; h++ {
			for w := 0; w < cifarWidth; w++ {
				for d := 0; d < cifarDepth; d++ {
					flat[pos] = T(image[d*cifarHeight*cifarWidth+h*cifarWidth+w])/127.5 - 1
					pos++
				}
			}
		}
	})
}
