// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package depth

import (
	"math"

	"github.com/pkg/errors"
)

// Crop selects the evaluation crop applied to the ground-truth frame.
type Crop int

const (
	NoCrop Crop = iota

	// GargCrop is the crop used by Garg et al. ECCV16.
	GargCrop

	// EigenCrop is the crop used by Eigen et al. NIPS14.
	EigenCrop
)

// String implements fmt.Stringer.
func (c Crop) String() string {
	switch c {
	case GargCrop:
		return "garg"
	case EigenCrop:
		return "eigen"
	default:
		return "none"
	}
}

// Rect is a half-open rectangle of rows [Top, Bottom) and columns [Left, Right).
type Rect struct {
	Top, Bottom, Left, Right int
}

// Contains reports whether the pixel at (row, col) is inside the rectangle.
func (r Rect) Contains(row, col int) bool {
	return row >= r.Top && row < r.Bottom && col >= r.Left && col < r.Right
}

// CropRect returns the region of a ground-truth image of the given size that is evaluated.
// For NoCrop it is the whole image.
func CropRect(crop Crop, height, width int) Rect {
	h, w := float64(height), float64(width)
	switch crop {
	case GargCrop:
		return Rect{Top: int(0.40810811 * h), Bottom: int(0.99189189 * h), Left: int(0.03594771 * w), Right: int(0.96405229 * w)}
	case EigenCrop:
		return Rect{Top: int(0.3324324 * h), Bottom: int(0.91351351 * h), Left: int(0.0359477 * w), Right: int(0.96405229 * w)}
	default:
		return Rect{Top: 0, Bottom: height, Left: 0, Right: width}
	}
}

const (
	// KBCropHeight is the height of the KITTI benchmark crop.
	KBCropHeight = 352

	// KBCropWidth is the width of the KITTI benchmark crop.
	KBCropWidth = 1216
)

// KBCropOffsets returns the top-left corner of the KITTI benchmark crop on an image of the given size:
// the crop is anchored at the bottom and centered horizontally.
func KBCropOffsets(height, width int) (top, left int) {
	return height - KBCropHeight, (width - KBCropWidth) / 2
}

// Uncrop places a KITTI benchmark cropped prediction (KBCropHeight x KBCropWidth) back on a zero
// canvas of the ground-truth size.
func Uncrop(pred []float32, height, width int) ([]float32, error) {
	if len(pred) != KBCropHeight*KBCropWidth {
		return nil, errors.Errorf("KB-cropped prediction must have %dx%d values, got %d",
			KBCropHeight, KBCropWidth, len(pred))
	}
	if height < KBCropHeight || width < KBCropWidth {
		return nil, errors.Errorf("cannot uncrop %dx%d prediction into smaller %dx%d frame",
			KBCropHeight, KBCropWidth, height, width)
	}
	top, left := KBCropOffsets(height, width)
	canvas := make([]float32, height*width)
	for row := 0; row < KBCropHeight; row++ {
		copy(canvas[(top+row)*width+left:(top+row)*width+left+KBCropWidth], pred[row*KBCropWidth:(row+1)*KBCropWidth])
	}
	return canvas, nil
}

// ClampPrediction restricts a predicted depth to [minDepth, maxDepth]. NaN maps to minDepth.
func ClampPrediction(v, minDepth, maxDepth float64) float64 {
	switch {
	case math.IsNaN(v), v < minDepth:
		return minDepth
	case v > maxDepth:
		return maxDepth
	default:
		return v
	}
}

// EvalConfig holds the settings of online evaluation.
type EvalConfig struct {
	MinDepth, MaxDepth float64
	Crop               Crop

	// KBCrop indicates predictions are made on the KITTI benchmark crop of the image, and must be
	// uncropped to the ground-truth frame before comparison.
	KBCrop bool
}

// Evaluate compares a prediction with the ground-truth depth of one image, both given as flat
// row-major slices.
//
// The prediction is clamped to [MinDepth, MaxDepth], and only ground-truth pixels strictly within
// (MinDepth, MaxDepth) and inside the crop are evaluated. It returns ok=false if no pixel is valid.
func (c EvalConfig) Evaluate(gt []float32, height, width int, pred []float32, predHeight, predWidth int) (e Errors, ok bool, err error) {
	if len(gt) != height*width {
		return e, false, errors.Errorf("ground-truth has %d values, expected %dx%d", len(gt), height, width)
	}
	if len(pred) != predHeight*predWidth {
		return e, false, errors.Errorf("prediction has %d values, expected %dx%d", len(pred), predHeight, predWidth)
	}
	if c.KBCrop {
		if predHeight != KBCropHeight || predWidth != KBCropWidth {
			return e, false, errors.Errorf("with KB crop the prediction must be %dx%d, got %dx%d",
				KBCropHeight, KBCropWidth, predHeight, predWidth)
		}
		pred, err = Uncrop(pred, height, width)
		if err != nil {
			return e, false, err
		}
	} else if predHeight != height || predWidth != width {
		return e, false, errors.Errorf("prediction is %dx%d, but ground-truth is %dx%d",
			predHeight, predWidth, height, width)
	}

	rect := CropRect(c.Crop, height, width)
	gtValid := make([]float64, 0, len(gt))
	predValid := make([]float64, 0, len(gt))
	for row := rect.Top; row < rect.Bottom; row++ {
		for col := rect.Left; col < rect.Right; col++ {
			idx := row*width + col
			g := float64(gt[idx])
			if !(g > c.MinDepth && g < c.MaxDepth) {
				continue
			}
			gtValid = append(gtValid, g)
			predValid = append(predValid, ClampPrediction(float64(pred[idx]), c.MinDepth, c.MaxDepth))
		}
	}
	if len(gtValid) == 0 {
		return e, false, nil
	}
	e, err = ComputeErrors(gtValid, predValid)
	return e, err == nil, err
}
