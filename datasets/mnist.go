package datasets

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/KurtPask/TropicalNN/datasets/downloader"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// MNIST is distributed as four gzipped idx files, images and labels for each
// partition. Format description in http://yann.lecun.com/exdb/mnist/.
const (
	mnistURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	mnistTrainImages = "train-images-idx3-ubyte.gz"
	mnistTrainLabels = "train-labels-idx1-ubyte.gz"
	mnistTestImages  = "t10k-images-idx3-ubyte.gz"
	mnistTestLabels  = "t10k-labels-idx1-ubyte.gz"

	mnistImageMagic = 0x00000803
	mnistLabelMagic = 0x00000801
)

// DownloadMnist fetches the four MNIST idx files into baseDir, skipping files
// already present.
func DownloadMnist(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	files := []string{mnistTrainImages, mnistTrainLabels, mnistTestImages, mnistTestLabels}
	for _, file := range files {
		fileURL, err := url.JoinPath(mnistURL, file)
		if err != nil {
			return errors.Wrapf(err, "joining url for %q", file)
		}
		if err = downloader.DownloadIfMissing(fileURL, path.Join(baseDir, file), ""); err != nil {
			return err
		}
	}
	return nil
}

// loadMnist downloads MNIST if needed and loads both partitions. The file
// pairs map directly to the partitions, so no splitting is needed.
func loadMnist(baseDir string, dtype dtypes.DType) (partitioned partitionedImagesAndLabels, err error) {
	if err = DownloadMnist(baseDir); err != nil {
		return
	}
	filePairs := [2][2]string{
		Train: {mnistTrainImages, mnistTrainLabels},
		Test:  {mnistTestImages, mnistTestLabels},
	}
	for part, pair := range filePairs {
		var images, labels *tensors.Tensor
		images, err = loadIdxImages(path.Join(baseDir, pair[0]), dtype)
		if err != nil {
			return
		}
		labels, err = loadIdxLabels(path.Join(baseDir, pair[1]))
		if err != nil {
			return
		}
		numImages := images.Shape().Dimensions[0]
		numLabels := labels.Shape().Dimensions[0]
		if numImages != numLabels {
			err = errors.Errorf("%q holds %d images but %q holds %d labels", pair[0], numImages, pair[1], numLabels)
			return
		}
		partitioned[part] = imagesAndLabels{images: images, labels: labels}
	}
	return
}

type idxImageHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type idxLabelHeader struct {
	Magic     int32
	NumLabels int32
}

// loadIdxImages parses a gzipped idx3-ubyte image file into a tensor shaped
// [numImages, height, width, 1], with pixels scaled to [-1, 1].
func loadIdxImages(filePath string, dtype dtypes.DType) (*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "un-gzipping %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header idxImageHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filePath)
	}
	if header.Magic != mnistImageMagic {
		return nil, errors.Errorf("%q is not an idx image file, magic=0x%08x", filePath, header.Magic)
	}
	numImages, height, width := int(header.NumImages), int(header.Height), int(header.Width)
	pixels := make([]byte, numImages*height*width)
	if _, err = io.ReadFull(reader, pixels); err != nil {
		return nil, errors.Wrapf(err, "reading %d images of %dx%d pixels from %q",
			numImages, height, width, filePath)
	}
	images := tensors.FromShape(shapes.Make(dtype, numImages, height, width, 1))
	switch dtype {
	case dtypes.Float32:
		fillGrayImages[float32](images, pixels)
	case dtypes.Float64:
		fillGrayImages[float64](images, pixels)
	default:
		return nil, errors.Errorf("dtype %s not supported, use Float32 or Float64", dtype)
	}
	return images, nil
}

// fillGrayImages copies single-channel pixel bytes into the images tensor,
// scaled to [-1, 1]. The idx layout is already row-major, matching the
// tensor.
func fillGrayImages[T dtypes.GoFloat](images *tensors.Tensor, pixels []byte) {
	tensors.MustMutableFlatData[T](images, func(flat []T) {
		for i, b := range pixels {
			flat[i] = T(b)/127.5 - 1
		}
	})
}

// loadIdxLabels parses a gzipped idx1-ubyte label file into an Int64 tensor
// shaped [numLabels, 1].
func loadIdxLabels(filePath string) (*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "un-gzipping %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header idxLabelHeader
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filePath)
	}
	if header.Magic != mnistLabelMagic {
		return nil, errors.Errorf("%q is not an idx label file, magic=0x%08x", filePath, header.Magic)
	}
	raw := make([]byte, int(header.NumLabels))
	if _, err = io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "reading %d labels from %q", header.NumLabels, filePath)
	}
	labels := tensors.FromShape(shapes.Make(dtypes.Int64, int(header.NumLabels), 1))
	tensors.MustMutableFlatData[int64](labels, func(flat []int64) {
		for i, b := range raw {
			flat[i] = int64(b)
		}
	})
	return labels, nil
}
