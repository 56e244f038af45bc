// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summary writes training summaries under a summary directory: scalars as plot points
// (see plots.Point) appended to plots.TrainingPlotFileName, and images as PNG files.
//
// Scalars are written in the background and are guaranteed to be in the file at most every
// FlushInterval, or after Flush and Close.
package summary

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
)

// FlushInterval is the maximum time scalars may stay pending.
var FlushInterval = 30 * time.Second

// ImagesDir is the subdirectory of the summary directory where images are saved.
const ImagesDir = "images"

// Writer of summaries to a directory. It is safe for concurrent use.
type Writer struct {
	dir, path string

	mu        sync.Mutex
	points    chan<- plots.Point
	errs      <-chan error
	lastFlush time.Time
}

// NewWriter creates the directory if needed. Scalars are appended to the plot points file in it,
// so a resumed training continues the same file.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create summary directory %q", dir)
	}
	w := &Writer{dir: dir, path: filepath.Join(dir, plots.TrainingPlotFileName)}
	w.open()
	return w, nil
}

func (w *Writer) open() {
	w.points, w.errs = plots.CreatePointsWriter(w.path)
	w.lastFlush = time.Now()
}

// Dir returns the summary directory.
func (w *Writer) Dir() string { return w.dir }

// Path returns the path of the plot points file.
func (w *Writer) Path() string { return w.path }

// AddScalar records the value of the metric at step. The metricType groups similar metrics
// (e.g. "loss", "error", "accuracy") when they are plotted.
func (w *Writer) AddScalar(name, metricType string, value float64, step int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.points == nil {
		return errors.Errorf("summary writer for %q already closed", w.dir)
	}
	w.points <- plots.Point{
		MetricName: name,
		Short:      name,
		MetricType: metricType,
		Step:       float64(step),
		Value:      value,
	}
	if time.Since(w.lastFlush) >= FlushInterval {
		return w.flushLocked(true)
	}
	return nil
}

// AddImage saves img as a PNG file in <dir>/images/<tag>/<step>.png.
func (w *Writer) AddImage(tag string, img image.Image, step int64) error {
	dir := filepath.Join(w.dir, ImagesDir, filepath.FromSlash(tag))
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create image summary directory %q", dir)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.png", step))
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "failed to save image summary %q", path)
	}
	return nil
}

// Flush waits for the pending scalars to be written to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.points == nil {
		return nil
	}
	return w.flushLocked(true)
}

// flushLocked closes the current points writer, waiting for its result, and opens a new one if
// reopen is set.
func (w *Writer) flushLocked(reopen bool) error {
	close(w.points)
	err := <-w.errs
	w.points, w.errs = nil, nil
	if reopen {
		w.open()
	}
	if err != nil {
		return errors.WithMessagef(err, "failed to write summaries to %q", w.path)
	}
	return nil
}

// Close flushes the pending scalars. It is a no-op if already closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.points == nil {
		return nil
	}
	return w.flushLocked(false)
}

// ReadScalars reads all the scalars written to the summary directory.
func ReadScalars(dir string) ([]plots.Point, error) {
	return plots.LoadPoints(filepath.Join(dir, plots.TrainingPlotFileName))
}
