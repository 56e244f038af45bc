// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package polyschedule

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
)

func TestValue(t *testing.T) {
	assert.InDelta(t, 1e-4, Value(1e-4, -1, 0.9, 0, 100), 1e-12)
	assert.InDelta(t, 1e-5, Value(1e-4, -1, 0.9, 100, 100), 1e-12)
	assert.InDelta(t, (1e-4-1e-5)*math.Pow(0.5, 0.9)+1e-5, Value(1e-4, -1, 0.9, 50, 100), 1e-12)
	assert.InDelta(t, 0.0, Value(1e-4, 0, 1, 100, 100), 1e-12)
	assert.InDelta(t, 2e-6, Value(1e-4, 2e-6, 0.9, 200, 100), 1e-12)
	assert.Equal(t, 1e-4, Value(1e-4, -1, 0.9, 10, 0))
}

func TestEndValue(t *testing.T) {
	assert.InDelta(t, 1e-5, EndValue(1e-4, DefaultEndLearningRate), 1e-12)
	assert.Equal(t, 0.0, EndValue(1e-4, 0))
	assert.Equal(t, -0.5, EndValue(1e-4, -0.5))
}

func TestScheduleGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 1e-2,
		ParamEndLearningRate:         -1.0,
		ParamTotalSteps:              100,
	})
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		ctx.SetTraining(g, true)
		New(ctx, g, dtypes.Float32).FromContext().Done()
		return optimizers.LearningRateVar(ctx, dtypes.Float32, 0).ValueGraph(g)
	})

	lr := exec.Call()[0].Value().(float32)
	assert.InDelta(t, 1e-2, float64(lr), 1e-7)

	optimizers.GetGlobalStepVar(ctx).SetValue(tensors.FromScalar(int64(50)))
	lr = exec.Call()[0].Value().(float32)
	assert.InDelta(t, Value(1e-2, -1, DefaultPower, 50, 100), float64(lr), 1e-6)

	optimizers.GetGlobalStepVar(ctx).SetValue(tensors.FromScalar(int64(100)))
	lr = exec.Call()[0].Value().(float32)
	assert.InDelta(t, 1e-3, float64(lr), 1e-7)
}
