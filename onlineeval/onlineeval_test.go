// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package onlineeval

import (
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/transdepth/depth"
	"github.com/gomlx/transdepth/depthdata"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource []*depthdata.EvalSample

func (s fakeSource) Len() int { return len(s) }

func (s fakeSource) Sample(i int) (*depthdata.EvalSample, error) {
	if s[i] == nil {
		return nil, errors.Errorf("sample %d is broken", i)
	}
	return s[i], nil
}

func makeSample(height, width int, depths []float32) *depthdata.EvalSample {
	img := tensors.FromShape(shapes.Make(dtypes.Float32, 1, height, width, 3))
	if depths == nil {
		return &depthdata.EvalSample{Image: img}
	}
	return &depthdata.EvalSample{
		Image:         img,
		Depth:         &depthdata.DepthMap{Height: height, Width: width, Values: depths},
		HasValidDepth: true,
	}
}

// predictConstant returns a predictor of a constant depth.
func predictConstant(value float32, calls *int) PredictFn {
	return func(image *tensors.Tensor) (*tensors.Tensor, error) {
		*calls++
		dims := image.Shape().Dimensions
		pred := tensors.FromShape(shapes.Make(dtypes.Float32, 1, dims[1], dims[2], 1))
		tensors.MutableFlatData(pred, func(flat []float32) {
			for ii := range flat {
				flat[ii] = value
			}
		})
		return pred, nil
	}
}

func TestRun(t *testing.T) {
	source := fakeSource{
		makeSample(2, 2, []float32{2, 2, 2, 2}),
		makeSample(2, 2, nil),
		makeSample(2, 2, []float32{0, 0, 0, 0}), // No valid pixel.
		makeSample(2, 2, []float32{2, 0, 2, 2}),
	}
	var calls int
	eval := New(source, predictConstant(2, &calls), depth.EvalConfig{MinDepth: 1e-3, MaxDepth: 80})
	eval.Quiet = true
	measures, err := eval.Run()
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "samples without ground-truth are not predicted")
	assert.Equal(t, 2, measures.Count)
	mean, ok := measures.Mean()
	require.True(t, ok)
	assert.InDelta(t, 0.0, mean[depth.AbsRel], 1e-6)
	assert.InDelta(t, 0.0, mean[depth.RMS], 1e-6)
	assert.InDelta(t, 1.0, mean[depth.D1], 1e-6)
}

func TestRunClampsPredictions(t *testing.T) {
	source := fakeSource{makeSample(1, 2, []float32{4, 4})}
	var calls int
	// Predictions of 100 are clamped to MaxDepth=8: abs_rel = |8-4|/4 = 1.
	eval := New(source, predictConstant(100, &calls), depth.EvalConfig{MinDepth: 1e-3, MaxDepth: 8})
	eval.Quiet = true
	measures, err := eval.Run()
	require.NoError(t, err)
	mean, ok := measures.Mean()
	require.True(t, ok)
	assert.InDelta(t, 1.0, mean[depth.AbsRel], 1e-6)
	assert.InDelta(t, 0.0, mean[depth.D1], 1e-6)
}

func TestRunNoValidSamples(t *testing.T) {
	var calls int
	eval := New(fakeSource{makeSample(2, 2, nil)}, predictConstant(1, &calls), depth.EvalConfig{MinDepth: 1e-3, MaxDepth: 80})
	measures, err := eval.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, measures.Count)
	assert.Equal(t, 0, calls)
}

func TestRunErrors(t *testing.T) {
	var calls int
	cfg := depth.EvalConfig{MinDepth: 1e-3, MaxDepth: 80}
	_, err := New(fakeSource{nil}, predictConstant(1, &calls), cfg).Run()
	require.Error(t, err)

	// Prediction size differs from the ground-truth.
	sample := makeSample(2, 2, []float32{1, 1, 1, 1})
	wrongSize := func(*tensors.Tensor) (*tensors.Tensor, error) {
		return tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 3, 1)), nil
	}
	_, err = New(fakeSource{sample}, wrongSize, cfg).Run()
	require.Error(t, err)

	failing := func(*tensors.Tensor) (*tensors.Tensor, error) { return nil, errors.New("device lost") }
	_, err = New(fakeSource{sample}, failing, cfg).Run()
	require.ErrorContains(t, err, "device lost")
}
