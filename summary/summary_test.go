// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "summaries")
	w, err := NewWriter(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, w.Dir())
	assert.Equal(t, filepath.Join(dir, plots.TrainingPlotFileName), w.Path())
	require.NoError(t, w.AddScalar("silog_loss", "loss", 1.5, 100))
	require.NoError(t, w.AddScalar("learning_rate", "learning rate", 1e-4, 100))

	require.NoError(t, w.Flush())
	points, err := ReadScalars(dir)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "silog_loss", points[0].MetricName)
	assert.Equal(t, "loss", points[0].MetricType)
	assert.Equal(t, 1.5, points[0].Value)
	assert.Equal(t, 100.0, points[0].Step)
	assert.Equal(t, 1e-4, points[1].Value)

	// Writing continues after a flush.
	require.NoError(t, w.AddScalar("silog_loss", "loss", 1.2, 200))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	points, err = ReadScalars(dir)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, 200.0, points[2].Step)
	require.Error(t, w.AddScalar("silog_loss", "loss", 1.0, 300))

	// A new writer on the same directory appends.
	w, err = NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.AddScalar("silog_loss", "loss", 0.9, 300))
	require.NoError(t, w.Close())
	points, err = ReadScalars(dir)
	require.NoError(t, err)
	require.Len(t, points, 4)
}

func TestWriterFlushInterval(t *testing.T) {
	saved := FlushInterval
	defer func() { FlushInterval = saved }()
	FlushInterval = 0
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.AddScalar("var average", "variables", 0.5, 1))
	points, err := ReadScalars(w.Dir())
	require.NoError(t, err)
	require.Len(t, points, 1)
}

func TestAddImage(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	require.NoError(t, w.AddImage("depth_est/0", image.NewGray(image.Rect(0, 0, 4, 2)), 50))
	assert.FileExists(t, filepath.Join(w.Dir(), ImagesDir, "depth_est", "0", "50.png"))
}

func TestInverseDepthImage(t *testing.T) {
	// Depths 1, 2 and 4: inverse 1, 0.5 and 0.25.
	img := InverseDepthImage([]float32{1, 2, 4, 4}, 2, 2)
	assert.Equal(t, uint8(255), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0), img.GrayAt(1, 1).Y)
	assert.InDelta(t, 85, int(img.GrayAt(1, 0).Y), 1)

	img = InverseDepthImage([]float32{3, 3}, 1, 2)
	assert.Equal(t, []uint8{0, 0}, img.Pix)

	// Estimates are not substituted: a tiny depth is the closest, and dominates the normalization.
	img = InverseDepthImage([]float32{1, 2, 5e-4, 4}, 2, 2)
	assert.Equal(t, uint8(255), img.GrayAt(0, 1).Y)
	assert.Equal(t, uint8(0), img.GrayAt(0, 0).Y)

	// Zero depth has an infinite inverse.
	img = InverseDepthImage([]float32{1, 0, 4, 4}, 2, 2)
	assert.Equal(t, uint8(255), img.GrayAt(1, 0).Y)
	assert.Equal(t, uint8(255), img.GrayAt(0, 0).Y)
}

func TestGroundTruthImage(t *testing.T) {
	// Missing ground-truth (0 and 5e-4) is displayed as far away.
	img := GroundTruthImage([]float32{1, 2, 5e-4, 0}, 2, 2)
	assert.Equal(t, uint8(255), img.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(0), img.GrayAt(0, 1).Y)
	assert.Equal(t, uint8(0), img.GrayAt(1, 1).Y)
	assert.InDelta(t, 127, int(img.GrayAt(1, 0).Y), 1)
}
