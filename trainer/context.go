// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/transdepth/depth"
	"github.com/gomlx/transdepth/ml/train/optimizers/momentum"
	"github.com/gomlx/transdepth/ml/train/optimizers/polyschedule"
	"github.com/gomlx/transdepth/vit"
)

// Context hyperparameters not owned by other packages.
var (
	// ParamBaseLR is the learning rate the optimizer is created with, before the schedule sets it.
	ParamBaseLR = "base_lr"

	// ParamWeightDecay is recorded for reference only: the optimizer uses momentum.ParamWeightDecay.
	ParamWeightDecay = "weight_decay"

	// ParamNaNLogger enables the GoMLX NaN logger, reporting where NaNs first appear. It is expensive.
	ParamNaNLogger = "nan_logger"

	// ParamNumCheckpoints is the number of checkpoints kept to resume training.
	ParamNumCheckpoints = "num_checkpoints"
)

// CreateDefaultContext returns a context with the default hyperparameters of the model, the loss
// and the optimizer. They can be changed with ApplyConfig and with the "-set" command line flag.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Model.
		vit.ParamName:        vit.DefaultName,
		vit.ParamNumSkip:     3,
		vit.ParamNumClasses:  1,
		vit.ParamPatchesSize: vit.DefaultPatchesSize,
		vit.ParamImageHeight: vit.DefaultImageHeight,
		vit.ParamImageWidth:  vit.DefaultImageWidth,
		vit.ParamMaxDepth:    10.0,
		vit.ParamDropoutRate: -1.0,

		// Loss.
		depth.ParamVarianceFocus: depth.DefaultVarianceFocus,
		depth.ParamLossMinDepth:  depth.DefaultLossMinDepth,

		// Optimizer and learning rate schedule.
		ParamBaseLR:                       0.01,
		optimizers.ParamLearningRate:      1e-4,
		polyschedule.ParamEndLearningRate: -1.0,
		polyschedule.ParamPower:           polyschedule.DefaultPower,
		polyschedule.ParamTotalSteps:      0,
		momentum.ParamMomentum:            momentum.DefaultMomentum,
		momentum.ParamWeightDecay:         momentum.DefaultWeightDecay,
		optimizers.ParamClipStepByValue:   0.0,
		ParamWeightDecay:                  1e-2,

		// Debugging and checkpoints.
		ParamNaNLogger:      false,
		ParamNumCheckpoints: 3,
	})
	return ctx
}

// ApplyConfig sets the context hyperparameters that have command line flags.
func ApplyConfig(ctx *context.Context, cfg *Config) {
	ctx.SetParams(map[string]any{
		vit.ParamName:                     cfg.VitName,
		vit.ParamNumSkip:                  cfg.NumSkip,
		vit.ParamNumClasses:               cfg.NumClasses,
		vit.ParamPatchesSize:              cfg.PatchesSize,
		vit.ParamImageHeight:              cfg.ImgSizeHeight,
		vit.ParamImageWidth:               cfg.ImgSizeWidth,
		vit.ParamMaxDepth:                 cfg.MaxDepth,
		depth.ParamVarianceFocus:          cfg.VarianceFocus,
		ParamBaseLR:                       cfg.BaseLR,
		optimizers.ParamLearningRate:      cfg.LearningRate,
		polyschedule.ParamEndLearningRate: cfg.EndLearningRate,
		ParamWeightDecay:                  cfg.WeightDecay,
	})
}

// paramNames returns the names of all the parameters set in the context, in any scope.
func paramNames(ctx *context.Context) []string {
	var names []string
	seen := make(map[string]bool)
	ctx.EnumerateParams(func(_, key string, _ any) {
		if !seen[key] {
			seen[key] = true
			names = append(names, key)
		}
	})
	return names
}
