// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package depthdata

import (
	"image"
	"io"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Config of a depth dataset.
type Config struct {
	// Dataset is either KITTI or NYU.
	Dataset string

	// DataPath and GTPath are the base directories of the images and of the depth maps.
	DataPath, GTPath string

	// FilenamesFile lists the samples, see ParseFilenames.
	FilenamesFile string

	// Height and Width of the crops given to the model during training.
	Height, Width int

	// KBCrop crops the KITTI benchmark region (352x1216) before anything else.
	KBCrop bool
}

// Dataset yields training batches of images and depth maps. It implements train.Dataset and is safe
// for concurrent use, so it can be wrapped with data.Parallel, see Dataset.Parallel.
//
// Each yield returns the inputs `[images]`, shaped [batch_size, height, width, 3] with ImageNet
// normalized values, and the labels `[depth]`, shaped [batch_size, height, width, 1] in meters.
// Samples without ground-truth are ignored, and the last partial batch of each epoch is dropped.
type Dataset struct {
	name       string
	cfg        Config
	samples    []Sample
	depthScale float64
	batchSize  int

	infinite bool

	mu       sync.Mutex
	rng      *rand.Rand
	shuffle  bool
	order    []int
	position int
}

// New creates a training Dataset. If shuffle is true the samples are shuffled at every epoch and
// crops are taken at random positions, otherwise they are centered.
//
// If infinite is true, the Dataset loops over the samples forever, otherwise it returns io.EOF at
// the end of each epoch.
func New(name string, cfg Config, batchSize int, shuffle, infinite bool, seed int64) (*Dataset, error) {
	scale, err := DepthScale(cfg.Dataset)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	if cfg.Height <= 0 || cfg.Width <= 0 {
		return nil, errors.Errorf("invalid input size %dx%d", cfg.Height, cfg.Width)
	}
	all, err := ReadFilenames(cfg.FilenamesFile)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{
		name:       name,
		cfg:        cfg,
		depthScale: scale,
		batchSize:  batchSize,
		infinite:   infinite,
		rng:        rand.New(rand.NewSource(seed)),
		shuffle:    shuffle,
	}
	for _, sample := range all {
		if sample.HasDepth() {
			ds.samples = append(ds.samples, sample)
		}
	}
	if len(ds.samples) < batchSize {
		return nil, errors.Errorf("dataset %q has %d samples with ground-truth, not enough for one batch of %d",
			cfg.FilenamesFile, len(ds.samples), batchSize)
	}
	ds.Reset()
	return ds, nil
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Len returns the number of samples with ground-truth.
func (ds *Dataset) Len() int { return len(ds.samples) }

// BatchesPerEpoch is the number of batches yielded in one epoch.
func (ds *Dataset) BatchesPerEpoch() int { return len(ds.samples) / ds.batchSize }

// Reset implements train.Dataset, restarting the epoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.resetLocked()
}

func (ds *Dataset) resetLocked() {
	ds.position = 0
	if ds.shuffle {
		ds.order = ds.rng.Perm(len(ds.samples))
		return
	}
	if len(ds.order) != len(ds.samples) {
		ds.order = make([]int, len(ds.samples))
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
}

// cropPosition is the relative position, in [0, 1], of the crop in the image.
type cropPosition struct {
	vertical, horizontal float64
}

// nextBatch selects the samples of the next batch and their crop positions.
func (ds *Dataset) nextBatch() (indices []int, positions []cropPosition, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.position+ds.batchSize > len(ds.order) {
		if !ds.infinite {
			return nil, nil, io.EOF
		}
		ds.resetLocked()
	}
	indices = make([]int, ds.batchSize)
	copy(indices, ds.order[ds.position:ds.position+ds.batchSize])
	ds.position += ds.batchSize
	positions = make([]cropPosition, ds.batchSize)
	for ii := range positions {
		positions[ii] = cropPosition{0.5, 0.5}
		if ds.shuffle {
			positions[ii] = cropPosition{ds.rng.Float64(), ds.rng.Float64()}
		}
	}
	return
}

// Yield implements train.Dataset. Images are loaded outside the lock, so concurrent calls load
// different batches in parallel.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	indices, positions, err := ds.nextBatch()
	if err != nil {
		return
	}
	height, width := ds.cfg.Height, ds.cfg.Width
	images := tensors.FromShape(shapes.Make(dtypes.Float32, ds.batchSize, height, width, 3))
	depths := tensors.FromShape(shapes.Make(dtypes.Float32, ds.batchSize, height, width, 1))
	imageSize, depthSize := height*width*3, height*width
	tensors.MutableFlatData(images, func(imagesFlat []float32) {
		tensors.MutableFlatData(depths, func(depthsFlat []float32) {
			for ii, sampleIdx := range indices {
				err = ds.loadSample(sampleIdx, positions[ii],
					imagesFlat[ii*imageSize:(ii+1)*imageSize], depthsFlat[ii*depthSize:(ii+1)*depthSize])
				if err != nil {
					return
				}
			}
		})
	})
	if err != nil {
		return
	}
	return ds, []*tensors.Tensor{images}, []*tensors.Tensor{depths}, nil
}

// loadSample loads, crops and normalizes one sample into the image and depth buffers.
func (ds *Dataset) loadSample(sampleIdx int, pos cropPosition, imageDst, depthDst []float32) error {
	sample := ds.samples[sampleIdx]
	img, err := LoadImage(filepath.Join(ds.cfg.DataPath, sample.Image))
	if err != nil {
		return err
	}
	depthMap, err := LoadDepth(filepath.Join(ds.cfg.GTPath, sample.Depth), ds.depthScale)
	if err != nil {
		return err
	}
	if img.Bounds().Dx() != depthMap.Width || img.Bounds().Dy() != depthMap.Height {
		return errors.Errorf("sample %q: image is %dx%d but depth map is %dx%d", sample.Image,
			img.Bounds().Dy(), img.Bounds().Dx(), depthMap.Height, depthMap.Width)
	}
	if ds.cfg.KBCrop {
		if img, err = KBCropImage(img); err != nil {
			return errors.WithMessagef(err, "sample %q", sample.Image)
		}
		if depthMap, err = KBCropDepth(depthMap); err != nil {
			return errors.WithMessagef(err, "sample %q", sample.Image)
		}
	}

	height, width := ds.cfg.Height, ds.cfg.Width
	if depthMap.Height < height || depthMap.Width < width {
		return errors.Errorf("sample %q of size %dx%d is smaller than the input size %dx%d",
			sample.Image, depthMap.Height, depthMap.Width, height, width)
	}
	top := int(pos.vertical * float64(depthMap.Height-height))
	left := int(pos.horizontal * float64(depthMap.Width-width))
	depthMap, err = depthMap.Crop(top, left, height, width)
	if err != nil {
		return err
	}
	copy(depthDst, depthMap.Values)
	bounds := img.Bounds()
	img = imaging.Crop(img, image.Rect(left, top, left+width, top+height).Add(bounds.Min))
	NormalizeImage(img, imageDst)
	return nil
}

// Parallel wraps the dataset with data.Parallel, loading batches with the given number of goroutines
// (0 for the default).
func (ds *Dataset) Parallel(parallelism int) train.Dataset {
	pds := data.Parallel(ds)
	if parallelism > 0 {
		pds = pds.Parallelism(parallelism).Buffer(parallelism)
	}
	return pds.Start()
}
