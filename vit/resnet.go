// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
)

const (
	resNetBaseWidth    = 64
	maxNormGroups      = 32
	groupNormEpsilon   = 1e-5
	weightStdEpsilon   = 1e-5
	bottleneckExpand   = 4
	resNetOutputStride = 16
)

// groupNorm normalizes x (channels last) over the spatial axes and groups of channels, with a learned
// scale and offset per channel. It uses up to 32 groups, the largest number that divides the channels.
func groupNorm(ctx *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	numGroups := maxNormGroups
	for channels%numGroups != 0 {
		numGroups--
	}
	dtype := x.DType()
	grouped := Reshape(x, batch, height, width, numGroups, channels/numGroups)
	mean := ReduceAndKeep(grouped, ReduceMean, 1, 2, 4)
	centered := Sub(grouped, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 1, 2, 4)
	normalized := Div(centered, Sqrt(AddScalar(variance, groupNormEpsilon)))
	normalized = Reshape(normalized, batch, height, width, channels)

	scale := ctx.WithInitializer(initializers.One).VariableWithShape("scale", shapes.Make(dtype, channels)).ValueGraph(x.Graph())
	offset := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", shapes.Make(dtype, channels)).ValueGraph(x.Graph())
	scale = Reshape(scale, 1, 1, 1, channels)
	offset = Reshape(offset, 1, 1, 1, channels)
	return Add(Mul(normalized, scale), offset)
}

// standardizeKernel normalizes each output filter of a [kernel, kernel, in, out] kernel to zero mean
// and unit variance.
func standardizeKernel(kernel *Node) *Node {
	mean := ReduceAndKeep(kernel, ReduceMean, 0, 1, 2)
	centered := Sub(kernel, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 0, 1, 2)
	return Div(centered, Sqrt(AddScalar(variance, weightStdEpsilon)))
}

// stdConv is a convolution without bias whose kernel is standardized per output filter.
func stdConv(ctx *context.Context, x *Node, filters, kernel, stride int) *Node {
	inputChannels := x.Shape().Dimensions[3]
	kernelShape := shapes.Make(x.DType(), kernel, kernel, inputChannels, filters)
	weights := ctx.In("conv").VariableWithShape("weights", kernelShape).ValueGraph(x.Graph())
	return Convolve(x, standardizeKernel(weights)).Strides(stride).PadSame().Done()
}

// convNorm applies a weight standardized convolution followed by group normalization.
func convNorm(ctx *context.Context, x *Node, filters, kernel, stride int) *Node {
	x = stdConv(ctx, x, filters, kernel, stride)
	return groupNorm(ctx.In("norm"), x)
}

// bottleneck is a ResNet bottleneck unit: 1x1 reduce, 3x3 (strided), 1x1 expand, with a projected
// residual connection when the shape changes.
func bottleneck(ctx *context.Context, x *Node, midChannels, outChannels, stride int) *Node {
	residual := x
	if stride != 1 || x.Shape().Dimensions[3] != outChannels {
		residual = convNorm(ctx.In("projection"), x, outChannels, 1, stride)
	}
	y := activations.Relu(convNorm(ctx.In("conv1"), x, midChannels, 1, 1))
	y = activations.Relu(convNorm(ctx.In("conv2"), y, midChannels, 3, stride))
	y = convNorm(ctx.In("conv3"), y, outChannels, 1, 1)
	return activations.Relu(Add(residual, y))
}

// resNetStem runs the hybrid ResNet stem on images with dimensions divisible by 16.
//
// It returns the features at 1/16 of the resolution, and the intermediary features used for skip
// connections ordered from the coarsest (1/8) to the finest (1/2) resolution.
func resNetStem(ctx *context.Context, cfg *ResNetConfig, images *Node) (output *Node, features []*Node) {
	width := int(resNetBaseWidth * cfg.WidthFactor)
	if width < 1 {
		width = 1
	}
	x := activations.Relu(convNorm(ctx.In("root"), images, width, 7, 2))
	features = append(features, x)
	x = MaxPool(x).Window(3).Strides(2).PadSame().Done()

	for blockIdx, numUnits := range cfg.BlockUnits {
		blockCtx := ctx.Inf("block%d", blockIdx+1)
		multiplier := 1 << blockIdx
		midChannels := width * multiplier
		outChannels := midChannels * bottleneckExpand
		for unitIdx := range numUnits {
			stride := 1
			if unitIdx == 0 && blockIdx > 0 {
				stride = 2
			}
			x = bottleneck(blockCtx.Inf("unit%d", unitIdx+1), x, midChannels, outChannels, stride)
		}
		if blockIdx < len(cfg.BlockUnits)-1 {
			features = append(features, x)
		}
	}

	// Coarsest first, to match the order of the decoder blocks.
	for ii, jj := 0, len(features)-1; ii < jj; ii, jj = ii+1, jj-1 {
		features[ii], features[jj] = features[jj], features[ii]
	}
	return x, features
}
