// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package depthdata

import (
	"path/filepath"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// EvalSample is one evaluation sample: the image given to the model and the full ground-truth.
type EvalSample struct {
	// Image shaped [1, height, width, 3], KB-cropped if configured.
	Image *tensors.Tensor

	// Depth is the uncropped ground-truth, nil if HasValidDepth is false.
	Depth *DepthMap

	HasValidDepth bool
}

// EvalSet gives random access to the evaluation samples, in the order of the filenames file.
type EvalSet struct {
	cfg        Config
	samples    []Sample
	depthScale float64
}

// NewEvalSet creates the evaluation set. cfg.Height and cfg.Width are not used: images are given
// to the model whole (or KB-cropped).
func NewEvalSet(cfg Config) (*EvalSet, error) {
	scale, err := DepthScale(cfg.Dataset)
	if err != nil {
		return nil, err
	}
	samples, err := ReadFilenames(cfg.FilenamesFile)
	if err != nil {
		return nil, err
	}
	return &EvalSet{cfg: cfg, samples: samples, depthScale: scale}, nil
}

// Len returns the number of samples, including the ones without ground-truth.
func (es *EvalSet) Len() int { return len(es.samples) }

// Sample loads the i-th sample. Samples whose depth map is listed but can't be found are returned
// with HasValidDepth set to false.
func (es *EvalSet) Sample(i int) (*EvalSample, error) {
	if i < 0 || i >= len(es.samples) {
		return nil, errors.Errorf("eval sample %d out of range [0, %d)", i, len(es.samples))
	}
	sample := es.samples[i]
	img, err := LoadImage(filepath.Join(es.cfg.DataPath, sample.Image))
	if err != nil {
		return nil, err
	}
	if es.cfg.KBCrop {
		if img, err = KBCropImage(img); err != nil {
			return nil, errors.WithMessagef(err, "eval sample %q", sample.Image)
		}
	}
	bounds := img.Bounds()
	imgTensor := tensors.FromShape(shapes.Make(dtypes.Float32, 1, bounds.Dy(), bounds.Dx(), 3))
	tensors.MutableFlatData(imgTensor, func(flat []float32) {
		NormalizeImage(img, flat)
	})

	result := &EvalSample{Image: imgTensor}
	if !sample.HasDepth() {
		return result, nil
	}
	result.Depth, err = LoadDepth(filepath.Join(es.cfg.GTPath, sample.Depth), es.depthScale)
	if err != nil {
		// Some KITTI eval samples have no ground-truth: they are skipped.
		result.Depth = nil
		return result, nil
	}
	result.HasValidDepth = true
	return result, nil
}
