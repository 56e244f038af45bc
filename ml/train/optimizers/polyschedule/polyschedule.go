// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package polyschedule implements a polynomial decay schedule for the learning rate:
//
//	lr(step) = (initial - end) * (1 - step/total_steps)^power + end
//
// where step is the global step before the current training step is applied.
//
// See New for details and example of usage.
package polyschedule

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

var (
	// ParamTotalSteps is the number of training steps over which the learning rate decays.
	// If 0 (default) the schedule is disabled.
	ParamTotalSteps = "poly_schedule_total_steps"

	// ParamEndLearningRate is the learning rate at the end of the schedule.
	// If set to DefaultEndLearningRate (-1, the default), 0.1 times the initial learning rate is used.
	ParamEndLearningRate = "end_learning_rate"

	// ParamPower is the exponent of the decay. Default is DefaultPower.
	ParamPower = "poly_schedule_power"
)

const (
	// DefaultPower of the polynomial decay.
	DefaultPower = 0.9

	// DefaultEndLearningRate selects an end learning rate of 0.1 times the initial one.
	DefaultEndLearningRate = -1.0
)

// Config is returned by New to configure the polynomial decay schedule. When finished call Done.
type Config struct {
	graph                         *Graph
	ctx                           *context.Context
	dtype                         dtypes.DType
	learningRate, endLearningRate float64
	power                         float64
	totalSteps                    int
}

// New creates a configuration to apply a polynomial decay schedule for the learning rate.
// It should be called at the start of the model graph function, so the learning rate is updated
// before the optimizer uses it:
//
//	func modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		g := inputs[0].Graph()
//		polyschedule.New(ctx, g, dtypes.Float32).FromContext().Done()
//		...
//	}
func New(ctx *context.Context, graph *Graph, dtype dtypes.DType) *Config {
	return &Config{
		ctx:             ctx,
		graph:           graph,
		dtype:           dtype,
		endLearningRate: DefaultEndLearningRate,
		power:           DefaultPower,
	}
}

// FromContext configures the schedule from the context parameters optimizers.ParamLearningRate,
// ParamEndLearningRate, ParamTotalSteps and ParamPower.
func (c *Config) FromContext() *Config {
	c.learningRate = context.GetParamOr(c.ctx, optimizers.ParamLearningRate, 0.0)
	c.endLearningRate = context.GetParamOr(c.ctx, ParamEndLearningRate, DefaultEndLearningRate)
	c.totalSteps = context.GetParamOr(c.ctx, ParamTotalSteps, 0)
	c.power = context.GetParamOr(c.ctx, ParamPower, DefaultPower)
	return c
}

// LearningRate sets the initial learning rate.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// EndLearningRate sets the final learning rate. If DefaultEndLearningRate, 0.1 times the initial
// one is used.
func (c *Config) EndLearningRate(value float64) *Config {
	c.endLearningRate = value
	return c
}

// TotalSteps sets the number of steps of the schedule. If 0 the schedule is disabled.
func (c *Config) TotalSteps(value int) *Config {
	c.totalSteps = value
	return c
}

// Power sets the exponent of the decay.
func (c *Config) Power(value float64) *Config {
	c.power = value
	return c
}

// EndValue returns the effective end learning rate for the given initial and configured end values:
// DefaultEndLearningRate means 0.1 times the initial learning rate, any other value is used as is.
func EndValue(learningRate, endLearningRate float64) float64 {
	if endLearningRate == DefaultEndLearningRate {
		return 0.1 * learningRate
	}
	return endLearningRate
}

// Value returns the learning rate at the given step, computed on the host. It matches what Done
// sets in the graph.
func Value(learningRate, endLearningRate, power float64, step, totalSteps int) float64 {
	end := EndValue(learningRate, endLearningRate)
	if totalSteps <= 0 {
		return learningRate
	}
	fraction := 1.0 - float64(step)/float64(totalSteps)
	fraction = math.Max(fraction, 0)
	return (learningRate-end)*math.Pow(fraction, power) + end
}

// Done generates the graph that sets the learning rate variable (see optimizers.LearningRateVar)
// to the scheduled value.
//
// It is a no-op when the graph is not training or the schedule is disabled.
func (c *Config) Done() {
	ctx := c.ctx.Checked(false)
	if !ctx.IsTraining(c.graph) || c.totalSteps == 0 {
		return
	}
	if c.totalSteps < 0 {
		Panicf("polyschedule: total steps must be positive, got %d", c.totalSteps)
	}
	if c.learningRate <= 0 {
		Panicf("polyschedule: learning rate not configured and not set in the context as parameter %q",
			optimizers.ParamLearningRate)
	}
	end := EndValue(c.learningRate, c.endLearningRate)

	// Global step before the optimizer increments it.
	step := ConvertDType(optimizers.GetGlobalStepVar(ctx).ValueGraph(c.graph), c.dtype)
	fraction := OneMinus(DivScalar(step, float64(c.totalSteps)))
	fraction = MaxScalar(fraction, 0)
	lr := Pow(fraction, Scalar(c.graph, c.dtype, c.power))
	lr = AddScalar(MulScalar(lr, c.learningRate-end), end)

	lrVar := optimizers.LearningRateVarWithValue(ctx, c.dtype, c.learningRate)
	lrVar.SetValueGraph(lr)
}
