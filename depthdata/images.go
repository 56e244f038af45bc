// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package depthdata

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/gomlx/transdepth/depth"
	"github.com/pkg/errors"
)

// Dataset names accepted by DepthScale.
const (
	KITTI = "kitti"
	NYU   = "nyu"
)

// DepthScale returns the value the 16-bit depth maps of the dataset must be divided by to get meters.
func DepthScale(dataset string) (float64, error) {
	switch dataset {
	case KITTI:
		return 256, nil
	case NYU:
		return 1000, nil
	}
	return 0, errors.Errorf("unknown dataset %q, valid values are %q and %q", dataset, KITTI, NYU)
}

// ImageNet normalization of the RGB values (in [0, 1]) given to the model.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// DepthMap is a dense depth map in meters, in row-major order.
type DepthMap struct {
	Height, Width int
	Values        []float32
}

// At returns the depth at the given row and column.
func (d *DepthMap) At(row, col int) float32 {
	return d.Values[row*d.Width+col]
}

// Crop returns a copy of the rectangle of the depth map with the top-left corner at (top, left).
func (d *DepthMap) Crop(top, left, height, width int) (*DepthMap, error) {
	if top < 0 || left < 0 || top+height > d.Height || left+width > d.Width {
		return nil, errors.Errorf("crop %dx%d at (%d, %d) out of bounds of %dx%d depth map",
			height, width, top, left, d.Height, d.Width)
	}
	cropped := &DepthMap{Height: height, Width: width, Values: make([]float32, height*width)}
	for row := range height {
		start := (top+row)*d.Width + left
		copy(cropped.Values[row*width:(row+1)*width], d.Values[start:start+width])
	}
	return cropped, nil
}

// LoadImage loads an RGB image.
func LoadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", path)
	}
	return img, nil
}

// LoadDepth loads a 16-bit depth map image and divides its values by scale.
func LoadDepth(path string, scale float64) (*DepthMap, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load depth map %q", path)
	}
	return DepthFromImage(img, scale), nil
}

// DepthFromImage converts a (preferably 16-bit grayscale) image to a depth map, dividing the
// values by scale.
func DepthFromImage(img image.Image, scale float64) *DepthMap {
	bounds := img.Bounds()
	d := &DepthMap{Height: bounds.Dy(), Width: bounds.Dx()}
	d.Values = make([]float32, d.Height*d.Width)
	inv := 1.0 / scale
	if gray, ok := img.(*image.Gray16); ok {
		for row := range d.Height {
			for col := range d.Width {
				v := gray.Gray16At(bounds.Min.X+col, bounds.Min.Y+row).Y
				d.Values[row*d.Width+col] = float32(float64(v) * inv)
			}
		}
		return d
	}
	for row := range d.Height {
		for col := range d.Width {
			v := color.Gray16Model.Convert(img.At(bounds.Min.X+col, bounds.Min.Y+row)).(color.Gray16).Y
			d.Values[row*d.Width+col] = float32(float64(v) * inv)
		}
	}
	return d
}

// KBCropImage crops the KITTI benchmark region (352x1216, bottom-centered) of img.
func KBCropImage(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Dy() < depth.KBCropHeight || bounds.Dx() < depth.KBCropWidth {
		return nil, errors.Errorf("image of %dx%d is smaller than the KB crop", bounds.Dy(), bounds.Dx())
	}
	top, left := depth.KBCropOffsets(bounds.Dy(), bounds.Dx())
	rect := image.Rect(left, top, left+depth.KBCropWidth, top+depth.KBCropHeight).Add(bounds.Min)
	return imaging.Crop(img, rect), nil
}

// KBCropDepth crops the KITTI benchmark region of a depth map.
func KBCropDepth(d *DepthMap) (*DepthMap, error) {
	top, left := depth.KBCropOffsets(d.Height, d.Width)
	return d.Crop(top, left, depth.KBCropHeight, depth.KBCropWidth)
}

// NormalizeImage writes the RGB values of img into dst (row-major, channels last), scaled to [0, 1]
// and normalized with ImageNetMean and ImageNetStd. dst must hold height*width*3 values.
func NormalizeImage(img image.Image, dst []float32) {
	nrgba := imaging.Clone(img)
	height, width := nrgba.Rect.Dy(), nrgba.Rect.Dx()
	for row := range height {
		pixels := nrgba.Pix[row*nrgba.Stride : row*nrgba.Stride+4*width]
		for col := range width {
			for channel := range 3 {
				v := float32(pixels[4*col+channel]) / 255
				dst[(row*width+col)*3+channel] = (v - ImageNetMean[channel]) / ImageNetStd[channel]
			}
		}
	}
}

// DenormalizeImage inverts NormalizeImage: values holds height*width*3 normalized RGB values.
func DenormalizeImage(values []float32, height, width int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for row := range height {
		for col := range width {
			offset := img.PixOffset(col, row)
			for channel := range 3 {
				v := values[(row*width+col)*3+channel]*ImageNetStd[channel] + ImageNetMean[channel]
				img.Pix[offset+channel] = uint8(min(max(v, 0), 1)*255 + 0.5)
			}
			img.Pix[offset+3] = 255
		}
	}
	return img
}
