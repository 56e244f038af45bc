// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vit

import (
	"slices"
	"sort"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// ResNetConfig configures the hybrid ResNet stem.
type ResNetConfig struct {
	// BlockUnits is the number of bottleneck units in each of the 3 blocks.
	BlockUnits []int

	// WidthFactor multiplies the base width of 64 channels.
	WidthFactor float64
}

// Config of a vision transformer segmentation model.
type Config struct {
	Name string

	HiddenSize, MLPDim, NumHeads, NumLayers int
	Dropout                                 float64

	// PatchSize is the size of the (square) patches embedded as tokens. Hybrid models embed the
	// ResNet features instead, with patches of PatchSize/16 (at least 1).
	PatchSize int

	// GridHeight and GridWidth are the number of patches in each spatial dimension of the images
	// the model is built for: they define the position embeddings. See WithImageSize.
	GridHeight, GridWidth int

	// ResNet is set for hybrid models.
	ResNet *ResNetConfig

	// DecoderChannels is the number of channels of each upsampling block of the decoder.
	DecoderChannels []int

	// NumSkip is the number of skip connections from the ResNet features to the decoder.
	NumSkip int

	// NumClasses is the number of output channels.
	NumClasses int
}

// Hybrid reports whether the model uses a ResNet stem before the transformer.
func (c Config) Hybrid() bool {
	return c.ResNet != nil
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	c.DecoderChannels = slices.Clone(c.DecoderChannels)
	if c.ResNet != nil {
		resnet := *c.ResNet
		resnet.BlockUnits = slices.Clone(resnet.BlockUnits)
		c.ResNet = &resnet
	}
	return c
}

// WithImageSize returns a copy of the configuration with the patch grid set for images of the given
// size. For hybrid models the grid is (height/patchesSize, width/patchesSize) and PatchSize is set to
// patchesSize, for the others patchesSize is ignored and the model's PatchSize is used.
func (c Config) WithImageSize(height, width, patchesSize int) Config {
	c = c.Clone()
	if c.Hybrid() && patchesSize > 0 {
		c.PatchSize = patchesSize
	}
	if c.PatchSize > 0 {
		c.GridHeight, c.GridWidth = height/c.PatchSize, width/c.PatchSize
	}
	return c
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 || c.MLPDim <= 0 || c.NumHeads <= 0 || c.NumLayers < 0 {
		return errors.Errorf("vit config %q: invalid transformer sizes", c.Name)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return errors.Errorf("vit config %q: hidden size %d not divisible by %d heads", c.Name, c.HiddenSize, c.NumHeads)
	}
	if c.PatchSize <= 0 {
		return errors.Errorf("vit config %q: patch size must be positive", c.Name)
	}
	if c.Hybrid() && len(c.ResNet.BlockUnits) != 3 {
		return errors.Errorf("vit config %q: ResNet stem requires 3 blocks, got %d", c.Name, len(c.ResNet.BlockUnits))
	}
	if c.GridHeight <= 0 || c.GridWidth <= 0 {
		return errors.Errorf("vit config %q: patch grid not set, see WithImageSize", c.Name)
	}
	if c.NumClasses <= 0 {
		return errors.Errorf("vit config %q: number of classes must be positive", c.Name)
	}
	if c.NumSkip < 0 || c.NumSkip > len(c.DecoderChannels) {
		return errors.Errorf("vit config %q: number of skip connections %d must be in [0, %d]",
			c.Name, c.NumSkip, len(c.DecoderChannels))
	}
	return nil
}

var defaultDecoderChannels = []int{256, 128, 64, 16}

func base16() Config {
	return Config{
		HiddenSize:      768,
		MLPDim:          3072,
		NumHeads:        12,
		NumLayers:       12,
		Dropout:         0.1,
		PatchSize:       16,
		DecoderChannels: defaultDecoderChannels,
		NumClasses:      1,
	}
}

func large16() Config {
	c := base16()
	c.HiddenSize = 1024
	c.MLPDim = 4096
	c.NumHeads = 16
	c.NumLayers = 24
	return c
}

func withName(c Config, name string) Config {
	c.Name = name
	return c.Clone()
}

func withPatch(c Config, patch int) Config {
	c.PatchSize = patch
	return c
}

func withResNet(c Config) Config {
	c.ResNet = &ResNetConfig{BlockUnits: []int{3, 4, 9}, WidthFactor: 1}
	c.NumSkip = 3
	return c
}

// Configs holds the known model configurations by name.
var Configs = map[string]Config{
	"ViT-B_16":     withName(base16(), "ViT-B_16"),
	"ViT-B_32":     withName(withPatch(base16(), 32), "ViT-B_32"),
	"ViT-L_16":     withName(large16(), "ViT-L_16"),
	"ViT-L_32":     withName(withPatch(large16(), 32), "ViT-L_32"),
	"ViT-H_14":     withName(Config{HiddenSize: 1280, MLPDim: 5120, NumHeads: 16, NumLayers: 32, Dropout: 0.1, PatchSize: 14, DecoderChannels: defaultDecoderChannels, NumClasses: 1}, "ViT-H_14"),
	"R50-ViT-B_16": withName(withResNet(base16()), "R50-ViT-B_16"),
	"R50-ViT-L_16": withName(withResNet(large16()), "R50-ViT-L_16"),
	"testing": {
		Name:            "testing",
		HiddenSize:      8,
		MLPDim:          16,
		NumHeads:        2,
		NumLayers:       1,
		PatchSize:       16,
		DecoderChannels: []int{8, 8, 4, 4},
		NumClasses:      1,
	},
	"R50-testing": {
		Name:            "R50-testing",
		HiddenSize:      8,
		MLPDim:          16,
		NumHeads:        2,
		NumLayers:       1,
		PatchSize:       16,
		ResNet:          &ResNetConfig{BlockUnits: []int{1, 1, 1}, WidthFactor: 0.125},
		DecoderChannels: []int{8, 8, 4, 4},
		NumSkip:         3,
		NumClasses:      1,
	},
}

// ConfigNames returns the names of the known configurations, sorted.
func ConfigNames() []string {
	names := make([]string, 0, len(Configs))
	for name := range Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConfigByName returns a copy of the named configuration.
func ConfigByName(name string) (Config, error) {
	c, found := Configs[name]
	if !found {
		return Config{}, errors.Errorf("unknown vit model %q, valid values are %q", name, ConfigNames())
	}
	return c.Clone(), nil
}

// Defaults used by ConfigFromContext when the parameters are not set.
const (
	DefaultName        = "R50-ViT-L_16"
	DefaultImageHeight = 352
	DefaultImageWidth  = 704
	DefaultPatchesSize = 16
)

// Context parameters used by ConfigFromContext.
var (
	ParamName        = "vit_name"
	ParamNumSkip     = "n_skip"
	ParamNumClasses  = "num_classes"
	ParamPatchesSize = "patches_size"
	ParamImageHeight = "img_size_height"
	ParamImageWidth  = "img_size_width"
	ParamMaxDepth    = "max_depth"
	ParamDropoutRate = "vit_dropout_rate"
)

// ConfigFromContext builds the model configuration from the context parameters: the configuration
// named by ParamName, with the number of skip connections, of classes and the patch grid overridden
// by ParamNumSkip, ParamNumClasses, ParamImageHeight, ParamImageWidth and ParamPatchesSize.
//
// If ParamDropoutRate is set (>= 0) it overrides the dropout of the configuration.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	c, err := ConfigByName(context.GetParamOr(ctx, ParamName, DefaultName))
	if err != nil {
		return c, err
	}
	c.NumClasses = context.GetParamOr(ctx, ParamNumClasses, c.NumClasses)
	c.NumSkip = context.GetParamOr(ctx, ParamNumSkip, c.NumSkip)
	if !c.Hybrid() {
		// Without a ResNet stem there are no features to skip-connect.
		c.NumSkip = 0
	}
	if rate := context.GetParamOr(ctx, ParamDropoutRate, -1.0); rate >= 0 {
		c.Dropout = rate
	}
	height := context.GetParamOr(ctx, ParamImageHeight, DefaultImageHeight)
	width := context.GetParamOr(ctx, ParamImageWidth, DefaultImageWidth)
	patchesSize := context.GetParamOr(ctx, ParamPatchesSize, DefaultPatchesSize)
	c = c.WithImageSize(height, width, patchesSize)
	return c, c.Validate()
}
