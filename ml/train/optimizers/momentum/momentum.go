// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package momentum implements stochastic gradient descent with momentum and (coupled) weight decay.
//
// The update for each trainable variable w with gradient g is:
//
//	g' = g + weight_decay * w
//	v = momentum * v + g'
//	w = w - learning_rate * v
//
// The velocity v starts at zero and is stored in the context as a non-trainable variable, so it
// is saved and restored with checkpoints.
//
// Unlike optimizers.StochasticGradientDescent, the learning rate is not decayed with the global
// step: it is expected to be driven by a schedule (see package polyschedule).
package momentum

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

var (
	// ParamMomentum is the context parameter with the momentum factor. Default is DefaultMomentum.
	ParamMomentum = "sgd_momentum"

	// ParamWeightDecay is the context parameter with the weight decay factor, added to the gradients.
	// Default is DefaultWeightDecay.
	ParamWeightDecay = "sgd_weight_decay"
)

const (
	DefaultMomentum     = 0.9
	DefaultWeightDecay  = 1e-4
	DefaultLearningRate = 0.01

	// DefaultScope where the velocity variables are stored.
	DefaultScope = "SGDMomentum"
)

// Config for the optimizer. Create with New, and when finished call Done.
type Config struct {
	momentum, weightDecay, learningRate float64
	scopeName                           string
}

// New returns the configuration for a SGD with momentum optimizer, with the defaults set.
func New() *Config {
	return &Config{
		momentum:     DefaultMomentum,
		weightDecay:  DefaultWeightDecay,
		learningRate: -1,
		scopeName:    DefaultScope,
	}
}

// FromContext reads the momentum and weight decay from the context parameters
// ParamMomentum and ParamWeightDecay.
func (c *Config) FromContext(ctx *context.Context) *Config {
	c.momentum = context.GetParamOr(ctx, ParamMomentum, c.momentum)
	c.weightDecay = context.GetParamOr(ctx, ParamWeightDecay, c.weightDecay)
	return c
}

// Momentum sets the momentum factor. 0 disables momentum.
func (c *Config) Momentum(value float64) *Config {
	c.momentum = value
	return c
}

// WeightDecay sets the weight decay factor. 0 disables weight decay.
func (c *Config) WeightDecay(value float64) *Config {
	c.weightDecay = value
	return c
}

// LearningRate sets the initial learning rate. If not set, optimizers.ParamLearningRate is used,
// falling back to DefaultLearningRate.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// Scope sets the absolute scope where the velocity variables are stored.
func (c *Config) Scope(name string) *Config {
	c.scopeName = name
	return c
}

// Done returns the optimizer.
func (c *Config) Done() optimizers.Interface {
	if c.momentum < 0 || c.momentum >= 1 {
		Panicf("momentum must be in [0, 1), got %g", c.momentum)
	}
	if c.weightDecay < 0 {
		Panicf("weight decay must be >= 0, got %g", c.weightDecay)
	}
	return &optimizer{config: c}
}

type optimizer struct {
	config *Config
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *optimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	dtype := loss.DType()
	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate)
	}
	learningRate := optimizers.LearningRateVarWithValue(ctx, dtype, lrValue).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("no trainable variables to optimize")
	}
	numTrainable := len(grads)
	varIdx := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		if varIdx >= numTrainable {
			Panicf("gradients computed for %d variables, but more trainable variables are in use -- "+
				"were new variables created in between ?", numTrainable)
		}
		o.applyGraph(ctx, g, v, grads[varIdx], learningRate)
		varIdx++
	})
	if varIdx != numTrainable {
		Panicf("gradients computed for %d variables, but only %d trainable variables are in use",
			numTrainable, varIdx)
	}
}

func (o *optimizer) applyGraph(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate *Node) {
	velocityVar := o.velocityVar(ctx, v)
	velocity := velocityVar.ValueGraph(g)
	value := v.ValueGraph(g)
	if o.config.weightDecay > 0 {
		grad = Add(grad, MulScalar(value, o.config.weightDecay))
	}
	if o.config.momentum > 0 {
		velocity = Add(MulScalar(velocity, o.config.momentum), grad)
	} else {
		velocity = grad
	}
	velocityVar.SetValueGraph(velocity)

	if learningRate.DType() != value.DType() {
		learningRate = ConvertDType(learningRate, value.DType())
	}
	step := optimizers.ClipStepByValue(ctx, Mul(learningRate, velocity))
	v.SetValueGraph(Sub(value, step))
}

// velocityVar returns the velocity variable for the trainable variable, creating it (zero
// initialized) if needed. It mirrors the scope of the trainable variable under the optimizer scope.
func (o *optimizer) velocityVar(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.config.scopeName, trainable.Scope())
	name := fmt.Sprintf("%s_velocity", trainable.Name())
	return ctx.InAbsPath(scopePath).Checked(false).WithInitializer(initializers.Zero).
		VariableWithShape(name, trainable.Shape()).SetTrainable(false)
}

// Clear all velocity variables.
// It implements optimizers.Interface.
func (o *optimizer) Clear(ctx *context.Context) {
	ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).DeleteVariablesInScope()
}
