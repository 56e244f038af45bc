// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestConfigByName(t *testing.T) {
	cfg, err := ConfigByName("R50-ViT-L_16")
	require.NoError(t, err)
	assert.True(t, cfg.Hybrid())
	assert.Equal(t, 1024, cfg.HiddenSize)
	assert.Equal(t, 24, cfg.NumLayers)
	assert.Equal(t, 3, cfg.NumSkip)

	// Changes to the copy don't leak to the registered configuration.
	cfg.ResNet.BlockUnits[0] = 100
	cfg.DecoderChannels[0] = 100
	again, err := ConfigByName("R50-ViT-L_16")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 9}, again.ResNet.BlockUnits)
	assert.Equal(t, 256, again.DecoderChannels[0])

	_, err = ConfigByName("ViT-unknown")
	require.Error(t, err)
	assert.Contains(t, ConfigNames(), "ViT-B_16")
}

func TestWithImageSize(t *testing.T) {
	cfg := must1(ConfigByName("ViT-B_32")).WithImageSize(352, 704, 16)
	assert.Equal(t, 11, cfg.GridHeight)
	assert.Equal(t, 22, cfg.GridWidth)

	cfg = must1(ConfigByName("R50-ViT-B_16")).WithImageSize(352, 704, 16)
	assert.Equal(t, 22, cfg.GridHeight)
	assert.Equal(t, 44, cfg.GridWidth)
	require.NoError(t, cfg.Validate())

	// Grid not set.
	require.Error(t, must1(ConfigByName("ViT-B_16")).Validate())

	bad := cfg.Clone()
	bad.NumHeads = 5
	require.Error(t, bad.Validate())
	bad = cfg.Clone()
	bad.NumSkip = 5
	require.Error(t, bad.Validate())
}

func TestConfigFromContext(t *testing.T) {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamName:        "ViT-B_16",
		ParamNumSkip:     3,
		ParamImageHeight: 64,
		ParamImageWidth:  128,
		ParamDropoutRate: 0.0,
	})
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.NumSkip, "non-hybrid models have no skip connections")
	assert.Equal(t, 4, cfg.GridHeight)
	assert.Equal(t, 8, cfg.GridWidth)
	assert.Equal(t, 0.0, cfg.Dropout)

	ctx.SetParam(ParamName, "nonexistent")
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)
}

func must1[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func TestStandardizeKernel(t *testing.T) {
	graphtest.RunTestGraphFn(t, "standardizeKernel", func(g *Graph) (inputs, outputs []*Node) {
		// Kernel [1, 1, 4, 2]: the first filter is {1, 2, 3, 4}, the second is constant.
		inputs = []*Node{Const(g, [][][][]float32{{{{1, 5}, {2, 5}, {3, 5}, {4, 5}}}})}
		outputs = []*Node{standardizeKernel(inputs[0])}
		return
	}, []any{[][][][]float32{{{{-1.3416355, 0}, {-0.4472118, 0}, {0.4472118, 0}, {1.3416355, 0}}}}}, 1e-4)
}

func TestGroupNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) []*Node {
		normalized := groupNorm(ctx, x)
		return []*Node{
			normalized,
			ReduceAllMean(normalized),
			ReduceAllMean(Square(normalized)),
		}
	})
	input := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 3, 3, 64))
	tensors.MutableFlatData(input, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(ii%17) * 0.5
		}
	})
	outputs := exec.Call(input)
	assert.Equal(t, []int{2, 3, 3, 64}, outputs[0].Shape().Dimensions)
	assert.InDelta(t, 0.0, outputs[1].Value(), 1e-4)
	assert.InDelta(t, 1.0, outputs[2].Value(), 1e-2)
}

func TestResNetStem(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := must1(ConfigByName("R50-testing"))
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		output, features := resNetStem(ctx, cfg.ResNet, images)
		outputs := []*Node{output}
		return append(outputs, features...)
	})
	images := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 32, 64, 3))
	outputs := exec.Call(images)
	require.Len(t, outputs, 1+len(cfg.ResNet.BlockUnits))
	assert.Equal(t, []int{2, 4}, outputs[0].Shape().Dimensions[1:3], "1/16 resolution")
	// Skip features from the coarsest to the finest.
	assert.Equal(t, []int{4, 8}, outputs[1].Shape().Dimensions[1:3])
	assert.Equal(t, []int{16, 32}, outputs[len(outputs)-1].Shape().Dimensions[1:3])
}

func testModelShape(t *testing.T, name string, height, width, imageHeight, imageWidth int) {
	t.Run(name, func(t *testing.T) {
		backend := graphtest.BuildTestBackend()
		cfg := must1(ConfigByName(name)).WithImageSize(height, width, 16)
		const maxDepth = 80.0
		ctx := context.New()
		exec := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
			depth := ModelGraph(ctx, cfg, images, maxDepth)
			return []*Node{depth, ReduceAllMin(depth), ReduceAllMax(depth)}
		})
		images := tensors.FromShape(shapes.Make(dtypes.Float32, 2, imageHeight, imageWidth, 3))
		tensors.MutableFlatData(images, func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(ii%11)/5 - 1
			}
		})
		outputs := exec.Call(images)
		assert.Equal(t, []int{2, imageHeight, imageWidth, 1}, outputs[0].Shape().Dimensions)
		assert.Greater(t, outputs[1].Value().(float32), float32(0))
		assert.Less(t, outputs[2].Value().(float32), float32(maxDepth))
	})
}

func TestModelGraph(t *testing.T) {
	testModelShape(t, "testing", 32, 64, 32, 64)
	testModelShape(t, "R50-testing", 32, 64, 32, 64)
	// Different image size: position embeddings are interpolated.
	testModelShape(t, "R50-testing", 32, 64, 64, 64)
}
