// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package onlineeval evaluates a depth model on an evaluation set during training, one image at a
// time, accumulating the depth metrics on the host.
package onlineeval

import (
	"fmt"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/transdepth/depth"
	"github.com/gomlx/transdepth/depthdata"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source of evaluation samples, usually a *depthdata.EvalSet.
type Source interface {
	Len() int
	Sample(i int) (*depthdata.EvalSample, error)
}

// PredictFn returns the estimated depth, shaped [1, height, width, 1], for an image shaped
// [1, height, width, 3].
type PredictFn func(image *tensors.Tensor) (*tensors.Tensor, error)

// Evaluator runs a model over all the samples of Source.
type Evaluator struct {
	Source  Source
	Predict PredictFn
	Config  depth.EvalConfig

	// Quiet disables printing the results table.
	Quiet bool
}

// New creates an Evaluator.
func New(source Source, predict PredictFn, cfg depth.EvalConfig) *Evaluator {
	return &Evaluator{Source: source, Predict: predict, Config: cfg}
}

// Run evaluates every sample with valid ground-truth and returns the accumulated measures.
// Samples without ground-truth, or without any valid pixel, are skipped. If all are skipped the
// returned measures have Count 0.
func (e *Evaluator) Run() (depth.Measures, error) {
	var measures depth.Measures
	numSamples := e.Source.Len()
	var skipped int
	for ii := range numSamples {
		sample, err := e.Source.Sample(ii)
		if err != nil {
			return measures, errors.WithMessagef(err, "loading eval sample #%d", ii)
		}
		if !sample.HasValidDepth {
			skipped++
			continue
		}
		pred, err := e.Predict(sample.Image)
		if err != nil {
			return measures, errors.WithMessagef(err, "predicting eval sample #%d", ii)
		}
		errs, ok, err := e.evaluateSample(sample, pred)
		if err != nil {
			return measures, errors.WithMessagef(err, "evaluating eval sample #%d", ii)
		}
		if !ok {
			skipped++
			continue
		}
		measures.Add(errs)
	}
	klog.V(1).Infof("Online evaluation: %d samples evaluated, %d skipped", measures.Count, skipped)
	if measures.Count == 0 {
		klog.Warningf("Online evaluation: none of the %d eval samples had valid ground-truth", numSamples)
		return measures, nil
	}
	if !e.Quiet {
		fmt.Println(measures.Table())
	}
	return measures, nil
}

func (e *Evaluator) evaluateSample(sample *depthdata.EvalSample, pred *tensors.Tensor) (errs depth.Errors, ok bool, err error) {
	dims := pred.Shape().Dimensions
	if len(dims) != 4 || dims[0] != 1 || dims[3] != 1 {
		return errs, false, errors.Errorf("prediction must be shaped [1, height, width, 1], got %s", pred.Shape())
	}
	predHeight, predWidth := dims[1], dims[2]
	gt := sample.Depth
	tensors.ConstFlatData(pred, func(flat []float32) {
		errs, ok, err = e.Config.Evaluate(gt.Values, gt.Height, gt.Width, flat, predHeight, predWidth)
	})
	return
}
