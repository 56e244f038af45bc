// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vit implements a vision transformer segmentation model (TransUNet) used to estimate depth.
//
// The model embeds image patches (or, for the hybrid configurations, the features of a ResNet stem)
// as tokens, runs them through a transformer encoder and upsamples the encoded grid back to the
// image resolution with a convolutional decoder, optionally using skip connections from the ResNet
// features.
//
// The final per-pixel prediction is squashed with a sigmoid and scaled by the maximum depth.
package vit

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/types/shapes"
)

// DecoderHeadChannels is the number of channels of the convolution applied to the encoded grid
// before the decoder blocks.
const DecoderHeadChannels = 512

// ModelGraph builds the depth estimation model for images shaped [batch, height, width, 3], and
// returns the estimated depth shaped [batch, height, width, cfg.NumClasses], with values in the
// range (0, maxDepth).
//
// For hybrid models height and width must be divisible by 16.
// If the patch grid of the images differs from the one in cfg, the position embeddings are
// interpolated.
func ModelGraph(ctx *context.Context, cfg Config, images *Node, maxDepth float64) *Node {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	images.AssertRank(4)
	dims := images.Shape().Dimensions
	height, width := dims[1], dims[2]
	if cfg.Hybrid() && (height%resNetOutputStride != 0 || width%resNetOutputStride != 0) {
		Panicf("vit %q: image size %dx%d must be divisible by %d", cfg.Name, height, width, resNetOutputStride)
	}

	tokens, gridHeight, gridWidth, features := embeddings(ctx.In("embeddings"), cfg, images)
	encoded := encoder(ctx.In("encoder"), cfg, tokens)
	decoded := decoder(ctx.In("decoder"), cfg, encoded, gridHeight, gridWidth, features)

	logits := layers.Convolution(ctx.In("head"), decoded).Filters(cfg.NumClasses).KernelSize(3).PadSame().Done()
	if logits.Shape().Dimensions[1] != height || logits.Shape().Dimensions[2] != width {
		logits = Interpolate(logits, -1, height, width, -1).Bilinear().Done()
	}
	return MulScalar(Sigmoid(logits), maxDepth)
}

// embeddings returns the tokens shaped [batch, gridHeight*gridWidth, hidden], the grid size and the
// skip connection features (nil if not hybrid).
func embeddings(ctx *context.Context, cfg Config, images *Node) (tokens *Node, gridHeight, gridWidth int, features []*Node) {
	x := images
	patchSize := cfg.PatchSize
	if cfg.Hybrid() {
		x, features = resNetStem(ctx.In("resnet"), cfg.ResNet, images)
		patchSize = max(1, cfg.PatchSize/resNetOutputStride)
	}
	x = layers.Convolution(ctx.In("patch_embeddings"), x).Filters(cfg.HiddenSize).
		KernelSize(patchSize).Strides(patchSize).NoPadding().Done()
	dims := x.Shape().Dimensions
	batchSize := dims[0]
	gridHeight, gridWidth = dims[1], dims[2]
	tokens = Reshape(x, batchSize, gridHeight*gridWidth, cfg.HiddenSize)

	g := images.Graph()
	posVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).VariableWithShape("position_embeddings",
		shapes.Make(images.DType(), 1, cfg.GridHeight*cfg.GridWidth, cfg.HiddenSize))
	pos := posVar.ValueGraph(g)
	if gridHeight != cfg.GridHeight || gridWidth != cfg.GridWidth {
		pos = Reshape(pos, 1, cfg.GridHeight, cfg.GridWidth, cfg.HiddenSize)
		pos = Interpolate(pos, -1, gridHeight, gridWidth, -1).Bilinear().Done()
		pos = Reshape(pos, 1, gridHeight*gridWidth, cfg.HiddenSize)
	}
	tokens = Add(tokens, pos)
	tokens = layers.DropoutStatic(ctx.In("dropout"), tokens, cfg.Dropout)
	return
}

// encoder applies the pre-norm transformer blocks to tokens shaped [batch, numTokens, hidden].
func encoder(ctx *context.Context, cfg Config, x *Node) *Node {
	headDim := cfg.HiddenSize / cfg.NumHeads
	for layerNum := range cfg.NumLayers {
		ctx := ctx.Inf("layer_%02d", layerNum)

		residual := x
		x = layers.LayerNormalization(ctx.In("attention_norm"), x, -1).Done()
		x = layers.MultiHeadAttention(ctx.In("attention"), x, x, x, cfg.NumHeads, headDim).
			SetOutputDim(cfg.HiddenSize).
			SetValueHeadDim(headDim).Done()
		x = layers.DropoutStatic(ctx.In("attention_dropout"), x, cfg.Dropout)
		x = Add(x, residual)

		residual = x
		x = layers.LayerNormalization(ctx.In("ffn_norm"), x, -1).Done()
		x = layers.Dense(ctx.In("fc1"), x, true, cfg.MLPDim)
		x = activations.Gelu(x)
		x = layers.DropoutStatic(ctx.In("fc1_dropout"), x, cfg.Dropout)
		x = layers.Dense(ctx.In("fc2"), x, true, cfg.HiddenSize)
		x = layers.DropoutStatic(ctx.In("fc2_dropout"), x, cfg.Dropout)
		x = Add(x, residual)
	}
	return layers.LayerNormalization(ctx.In("encoder_norm"), x, -1).Done()
}

// convBatchNormRelu is a 3x3 convolution followed by batch normalization and a relu.
func convBatchNormRelu(ctx *context.Context, x *Node, channels int) *Node {
	x = layers.Convolution(ctx, x).Filters(channels).KernelSize(3).PadSame().UseBias(false).Done()
	x = batchnorm.New(ctx, x, -1).Done()
	return activations.Relu(x)
}

// decoder reshapes the encoded tokens back to the patch grid and upsamples it by 2 in each of the
// decoder blocks, concatenating the skip features where configured.
func decoder(ctx *context.Context, cfg Config, encoded *Node, gridHeight, gridWidth int, features []*Node) *Node {
	batchSize := encoded.Shape().Dimensions[0]
	x := Reshape(encoded, batchSize, gridHeight, gridWidth, cfg.HiddenSize)
	x = convBatchNormRelu(ctx.In("conv_more"), x, DecoderHeadChannels)
	for ii, channels := range cfg.DecoderChannels {
		ctx := ctx.Inf("block_%d", ii)
		dims := x.Shape().Dimensions
		x = Interpolate(x, -1, 2*dims[1], 2*dims[2], -1).Bilinear().AlignCorner(true).Done()
		if ii < cfg.NumSkip && ii < len(features) {
			skip := features[ii]
			skipDims := skip.Shape().Dimensions
			if skipDims[1] != x.Shape().Dimensions[1] || skipDims[2] != x.Shape().Dimensions[2] {
				Panicf("vit %q: decoder block %d of size %v can't use skip connection of size %v",
					cfg.Name, ii, x.Shape().Dimensions, skipDims)
			}
			x = Concatenate([]*Node{x, skip}, -1)
		}
		x = convBatchNormRelu(ctx.In("conv1"), x, channels)
		x = convBatchNormRelu(ctx.In("conv2"), x, channels)
	}
	return x
}
