// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package depth

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
)

var (
	// ParamVarianceFocus is the context parameter with the lambda of the scale-invariant log loss:
	// in [0, 1], higher values focus more on minimizing the variance of the error.
	ParamVarianceFocus = "variance_focus"

	// ParamLossMinDepth is the context parameter with the ground-truth depth threshold: only pixels
	// with a larger ground-truth depth contribute to the training loss.
	ParamLossMinDepth = "loss_min_depth"
)

const (
	// DefaultVarianceFocus is used if ParamVarianceFocus is not set.
	DefaultVarianceFocus = 0.85

	// DefaultLossMinDepth is used if ParamLossMinDepth is not set.
	DefaultLossMinDepth = 1.0
)

// SilogLoss returns the scale-invariant log loss between the estimated and the ground-truth depths,
// over the pixels where mask is true:
//
//	d = log(est) - log(gt)
//	loss = sqrt(mean(d²) - varianceFocus * mean(d)²) * 10
//
// All of est, gt and mask must have the same shape. The masked-out pixels are replaced by 1 before
// taking the logarithm, so they never produce NaNs in the gradient.
func SilogLoss(est, gt, mask *Node, varianceFocus float64) *Node {
	if !est.Shape().Equal(gt.Shape()) {
		Panicf("SilogLoss: estimate shape %s differs from ground-truth shape %s", est.Shape(), gt.Shape())
	}
	if !mask.Shape().EqualDimensions(gt.Shape()) {
		Panicf("SilogLoss: mask shape %s differs from ground-truth shape %s", mask.Shape(), gt.Shape())
	}
	g := est.Graph()
	dtype := est.DType()
	ones := OnesLike(est)
	safeEst := Where(mask, est, ones)
	safeGT := Where(mask, StopGradient(gt), ones)
	d := Sub(Log(safeEst), Log(safeGT))

	count := ReduceAllSum(ConvertDType(mask, dtype))
	count = Max(count, ScalarOne(g, dtype))
	meanD := Div(ReduceAllSum(d), count)
	meanSqD := Div(ReduceAllSum(Square(d)), count)
	variance := Sub(meanSqD, MulScalar(Square(meanD), varianceFocus))
	variance = Max(variance, ScalarZero(g, dtype))
	return MulScalar(Sqrt(variance), 10)
}

// LossFromContext returns a loss function for the trainer that applies SilogLoss to the first
// label (ground-truth depth) and the first prediction (estimated depth).
//
// The variance focus is read from ParamVarianceFocus and the ground-truth threshold from
// ParamLossMinDepth.
func LossFromContext(ctx *context.Context) losses.LossFn {
	varianceFocus := context.GetParamOr(ctx, ParamVarianceFocus, DefaultVarianceFocus)
	minDepth := context.GetParamOr(ctx, ParamLossMinDepth, DefaultLossMinDepth)
	return func(labels, predictions []*Node) *Node {
		gt, est := labels[0], predictions[0]
		if gt.DType() != est.DType() {
			gt = ConvertDType(gt, est.DType())
		}
		mask := GreaterThan(gt, Scalar(gt.Graph(), gt.DType(), minDepth))
		return SilogLoss(est, gt, mask, varianceFocus)
	}
}
