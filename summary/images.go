// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summary

import (
	"image"
	"math"
)

// MinDisplayDepth is the smallest ground-truth depth displayed: lower values (missing ground-truth)
// are displayed as if they were at MissingDisplayDepth.
const (
	MinDisplayDepth     = 1e-3
	MissingDisplayDepth = 1e3
)

// GroundTruthImage renders a ground-truth depth map like InverseDepthImage, with the depths below
// MinDisplayDepth replaced by MissingDisplayDepth.
func GroundTruthImage(depths []float32, height, width int) *image.Gray {
	substituted := make([]float32, len(depths))
	for ii, d := range depths {
		if d < MinDisplayDepth {
			d = MissingDisplayDepth
		}
		substituted[ii] = d
	}
	return InverseDepthImage(substituted, height, width)
}

// InverseDepthImage renders a depth map (row-major) as a grayscale image of its inverse depth,
// normalized to the [0, 255] range: close objects are bright. A constant map renders black.
//
// Depths of 0 have an infinite inverse: they are rendered at 255 and don't take part in the
// normalization.
func InverseDepthImage(depths []float32, height, width int) *image.Gray {
	inverse := make([]float64, len(depths))
	minValue, maxValue := math.Inf(1), math.Inf(-1)
	for ii, d := range depths {
		inverse[ii] = 1 / float64(d)
		if math.IsInf(inverse[ii], 0) || math.IsNaN(inverse[ii]) {
			continue
		}
		minValue = min(minValue, inverse[ii])
		maxValue = max(maxValue, inverse[ii])
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	scale := 0.0
	if maxValue > minValue {
		scale = 255 / (maxValue - minValue)
	}
	for row := range height {
		for col := range width {
			v := inverse[row*width+col]
			var pixel uint8
			switch {
			case math.IsInf(v, 1):
				pixel = 255
			case math.IsInf(v, -1) || math.IsNaN(v):
				pixel = 0
			default:
				pixel = uint8(math.Round((v - minValue) * scale))
			}
			img.Pix[row*img.Stride+col] = pixel
		}
	}
	return img
}
