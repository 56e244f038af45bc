// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer orchestrates the training of the depth estimation model: datasets, learning rate
// schedule, checkpoints, summaries, online evaluation and the tracking of the best models.
package trainer

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/transdepth/bestmodels"
	"github.com/gomlx/transdepth/depth"
	"github.com/gomlx/transdepth/depthdata"
	"github.com/gomlx/transdepth/ml/train/optimizers/momentum"
	"github.com/gomlx/transdepth/ml/train/optimizers/polyschedule"
	"github.com/gomlx/transdepth/onlineeval"
	"github.com/gomlx/transdepth/summary"
	"github.com/gomlx/transdepth/vit"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProgressBar attaches the command line progress bar to the training loop.
var ProgressBar = true

// Train the model configured by cfg and by the hyperparameters in ctx (see CreateDefaultContext and
// ApplyConfig) until the configured number of epochs is reached.
//
// Checkpoints are saved in cfg.CheckpointsDir() and training resumes from the latest one there,
// or from cfg.CheckpointPath if given. It returns ErrNaNLoss if the loss becomes NaN.
func Train(backend backends.Backend, ctx *context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var err error
	exception := exceptions.TryCatch[error](func() {
		var s *session
		s, err = newSession(backend, ctx, cfg)
		if err != nil {
			return
		}
		defer s.close()
		err = s.run()
	})
	if exception != nil {
		return exception
	}
	return err
}

// session holds the state of one training run.
type session struct {
	cfg     *Config
	backend backends.Backend
	ctx     *context.Context
	vitCfg  vit.Config

	// Hyperparameters read from the context.
	maxDepth, learningRate, endLearningRate, power float64

	trainDS                   *recordingDataset
	stepsPerEpoch, totalSteps int

	handler   *checkpoints.Handler
	snapshots *snapshotter
	keeper    *bestmodels.Keeper
	evaluator *onlineeval.Evaluator

	writer, evalWriter *summary.Writer
	predictExec        *context.Exec
	varSumExec         *context.Exec
	numTrainableVars   int

	modelJustLoaded bool
	startTime       time.Time
	lastStepTime    time.Time
	duration        time.Duration
}

func newSession(backend backends.Backend, ctx *context.Context, cfg *Config) (s *session, err error) {
	s = &session{cfg: cfg, backend: backend, ctx: ctx}
	s.vitCfg, err = vit.ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	s.maxDepth = context.GetParamOr(ctx, vit.ParamMaxDepth, cfg.MaxDepth)
	s.learningRate = context.GetParamOr(ctx, optimizers.ParamLearningRate, cfg.LearningRate)
	s.endLearningRate = context.GetParamOr(ctx, polyschedule.ParamEndLearningRate, cfg.EndLearningRate)
	s.power = context.GetParamOr(ctx, polyschedule.ParamPower, polyschedule.DefaultPower)
	if err = os.MkdirAll(cfg.ModelDir(), 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create model directory %q", cfg.ModelDir())
	}

	if err = s.buildDatasets(); err != nil {
		return nil, err
	}
	ctx.SetParam(polyschedule.ParamTotalSteps, s.totalSteps)
	if err = s.loadCheckpoint(); err != nil {
		return nil, err
	}

	s.writer, err = summary.NewWriter(cfg.SummaryDir())
	if err != nil {
		return nil, err
	}
	if cfg.DoOnlineEval {
		s.evalWriter, err = summary.NewWriter(cfg.EvalSummaryDir())
		if err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) buildDatasets() error {
	cfg := s.cfg
	dsCfg := depthdata.Config{
		Dataset:       cfg.Dataset,
		DataPath:      cfg.DataPath,
		GTPath:        cfg.GTPath,
		FilenamesFile: cfg.FilenamesFile,
		Height:        cfg.InputHeight,
		Width:         cfg.InputWidth,
		KBCrop:        cfg.DoKBCrop,
	}
	ds, err := depthdata.New("train", dsCfg, cfg.BatchSize, true, true, time.Now().UnixNano())
	if err != nil {
		return err
	}
	s.stepsPerEpoch = ds.BatchesPerEpoch()
	s.totalSteps = cfg.NumEpochs * s.stepsPerEpoch
	var trainDS train.Dataset = ds
	if workers := cfg.DataWorkers(); workers > 1 {
		trainDS = ds.Parallel(workers)
	}
	s.trainDS = &recordingDataset{Dataset: trainDS}
	fmt.Printf("Training on %d samples: %d steps per epoch, %d steps in total\n",
		ds.Len(), s.stepsPerEpoch, s.totalSteps)

	if !cfg.DoOnlineEval {
		return nil
	}
	evalCfg := dsCfg
	evalCfg.DataPath, evalCfg.GTPath, evalCfg.FilenamesFile = cfg.DataPathEval, cfg.GTPathEval, cfg.FilenamesFileEval
	evalSet, err := depthdata.NewEvalSet(evalCfg)
	if err != nil {
		return err
	}
	s.evaluator = onlineeval.New(evalSet, s.predict, depth.EvalConfig{
		MinDepth: cfg.MinDepthEval,
		MaxDepth: cfg.MaxDepthEval,
		Crop:     cfg.EvalCrop(),
		KBCrop:   cfg.DoKBCrop,
	})
	return nil
}

// loadCheckpoint creates the checkpoints handler, which loads the latest checkpoint, if any, and the
// best evaluation values saved with it.
func (s *session) loadCheckpoint() error {
	cfg, ctx := s.cfg, s.ctx
	if cfg.CheckpointPath != "" {
		found, err := seedCheckpoint(cfg.CheckpointPath, cfg.CheckpointsDir())
		if err != nil {
			return err
		}
		if found {
			fmt.Printf("Loading checkpoint '%s'\n", cfg.CheckpointPath)
		} else {
			fmt.Printf("No checkpoint found at '%s'\n", cfg.CheckpointPath)
		}
		s.modelJustLoaded = true
	}

	// Hyperparameters come from the command line, not from the checkpoint.
	var err error
	s.handler, err = checkpoints.Build(ctx).
		Dir(cfg.CheckpointsDir()).
		Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
		ExcludeParams(paramNames(ctx)...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "checkpoints in %q", cfg.CheckpointsDir())
	}
	existing, err := s.handler.ListCheckpoints()
	if err != nil {
		return err
	}

	tracker := bestmodels.New()
	if len(existing) > 0 {
		s.modelJustLoaded = true
		globalStep := optimizers.GetGlobalStep(ctx)
		fmt.Printf("Loaded checkpoint %q (global_step %d)\n", existing[len(existing)-1], globalStep)
		if cfg.DoOnlineEval {
			if tracker, err = bestmodels.Load(s.handler.Dir()); err != nil {
				return err
			}
		}
		if cfg.Retrain {
			optimizers.GetGlobalStepVar(ctx).SetValue(tensors.FromScalar(int64(0)))
		}
	}
	s.snapshots = &snapshotter{handler: s.handler, tracker: tracker}
	s.keeper = bestmodels.NewKeeper(cfg.ModelDir(), tracker, s.snapshots.snapshot)
	return nil
}

// modelGraph is the train.ModelFn: it applies the learning rate schedule and returns the
// estimated depth.
func (s *session) modelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	images := inputs[0]
	polyschedule.New(ctx, images.Graph(), dtypes.Float32).FromContext().Done()
	return []*Node{vit.ModelGraph(ctx, s.vitCfg, images, s.maxDepth)}
}

// predict runs the model in inference mode.
func (s *session) predict(images *tensors.Tensor) (pred *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		pred = s.predictExec.Call(images)[0]
	})
	return
}

// initVariables creates (or loads from the checkpoint) the model variables, and prints their
// statistics.
func (s *session) initVariables() {
	ctx := s.ctx.Checked(false)
	s.predictExec = context.NewExec(s.backend, ctx, func(ctx *context.Context, images *Node) *Node {
		return vit.ModelGraph(ctx, s.vitCfg, images, s.maxDepth)
	})
	dummy := tensors.FromShape(shapes.Make(dtypes.Float32, 1, s.cfg.InputHeight, s.cfg.InputWidth, 3))
	_ = s.predictExec.Call(dummy)

	var numParams int
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable {
			s.numTrainableVars++
			numParams += v.Shape().Size()
		}
	})
	fmt.Printf("Model %q initialized: %s trainable parameters in %d variables\n",
		s.vitCfg.Name, humanize.Comma(int64(numParams)), s.numTrainableVars)

	s.varSumExec = context.NewExec(s.backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		sum := ScalarZero(g, dtypes.Float64)
		ctx.EnumerateVariables(func(v *context.Variable) {
			if v.Trainable {
				sum = Add(sum, ReduceAllSum(ConvertDType(v.ValueGraph(g), dtypes.Float64)))
			}
		})
		return sum
	})
	sum, avg := s.variablesSum()
	fmt.Printf("Initial variables sum: %.3f, avg: %.3f\n", sum, avg)
}

// variablesSum returns the sum of all trainable variables values, and its average per variable.
func (s *session) variablesSum() (sum, avg float64) {
	sum = s.varSumExec.Call()[0].Value().(float64)
	return sum, sum / float64(max(s.numTrainableVars, 1))
}

func (s *session) run() error {
	cfg, ctx := s.cfg, s.ctx
	s.initVariables()

	baseLR := context.GetParamOr(ctx, ParamBaseLR, cfg.BaseLR)
	optimizer := momentum.New().FromContext(ctx).LearningRate(baseLR).Done()
	trainer := train.NewTrainer(s.backend, ctx, s.modelGraph, depth.LossFromContext(ctx), optimizer, nil, nil)
	trainer.SetContext(ctx.Checked(false))
	if context.GetParamOr(ctx, ParamNaNLogger, false) {
		nanLogger := nanlogger.New()
		nanLogger.SetHandler(nanHandler)
		nanLogger.AttachToTrainer(trainer)
	}

	loop := train.NewLoop(trainer)
	if ProgressBar {
		commandline.AttachProgressBar(loop)
	}
	loop.OnStep("transdepth", 0, s.onStep)

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep >= s.totalSteps {
		fmt.Printf("Global step %d already reached the %d steps of %d epochs\n", globalStep, s.totalSteps, cfg.NumEpochs)
		return nil
	}
	s.startTime = time.Now()
	s.lastStepTime = s.startTime
	if err := runSteps(loop, s.trainDS, s.totalSteps-globalStep); err != nil {
		return err
	}
	fmt.Printf("\tMedian train step duration: %d ms\n", loop.MedianTrainStepDuration().Milliseconds())
	return s.snapshots.save()
}

// runSteps runs the training loop, converting panics raised during a step (e.g. by nanHandler) to
// errors.
func runSteps(loop *train.Loop, ds train.Dataset, steps int) (err error) {
	exception := exceptions.TryCatch[error](func() {
		_, err = loop.RunSteps(ds, steps)
	})
	if exception != nil {
		err = exception
	}
	if errors.Is(err, ErrNaNLoss) {
		fmt.Println("NaN in loss occurred. Aborting training.")
	}
	return err
}

// nanHandler aborts training when the nanlogger observes a NaN or an infinity.
func nanHandler(nanType float64, info *nanlogger.Trace) {
	panic(errors.WithMessagef(ErrNaNLoss, "observed %f in scope %q, node created at:\n%+v",
		nanType, info.Scope, info.StackTrace))
}

// onStep runs after every training step. The step number it uses is the global step before the
// training step was applied.
func (s *session) onStep(_ *train.Loop, metrics []*tensors.Tensor) error {
	cfg := s.cfg
	now := time.Now()
	s.duration += now.Sub(s.lastStepTime)
	s.lastStepTime = now

	globalStep := int(optimizers.GetGlobalStep(s.ctx)) - 1
	loss := float64(metrics[0].Value().(float32))
	lr := polyschedule.Value(s.learningRate, s.endLearningRate, s.power, globalStep, s.totalSteps)
	klog.V(1).Infof("[epoch][s/s_per_e/gs]: [%d][%d/%d/%d], lr: %.12f, loss: %.12f",
		globalStep/s.stepsPerEpoch, globalStep%s.stepsPerEpoch, s.stepsPerEpoch, globalStep, lr, loss)
	if math.IsNaN(loss) {
		return errors.WithMessagef(ErrNaNLoss, "loss at global step %d", globalStep)
	}

	if globalStep > 0 && globalStep%cfg.LogFreq == 0 && !s.modelJustLoaded {
		if err := s.logStep(globalStep, loss, lr); err != nil {
			return err
		}
	}
	if globalStep > 0 && globalStep%cfg.SaveFreq == 0 {
		if cfg.DoOnlineEval {
			// Only the checkpoints to resume from, best models are kept by the evaluation.
			if err := s.snapshots.save(); err != nil {
				return err
			}
		} else if err := s.snapshots.snapshot(filepath.Join(cfg.ModelDir(), fmt.Sprintf("model-%d", globalStep))); err != nil {
			return err
		}
	}
	if cfg.DoOnlineEval && globalStep > 0 && globalStep%cfg.EvalFreq == 0 && !s.modelJustLoaded {
		if err := s.evaluate(globalStep); err != nil {
			return err
		}
	}
	s.modelJustLoaded = false
	return nil
}

// logStep prints the training statistics and writes the summaries.
func (s *session) logStep(globalStep int, loss, lr float64) error {
	cfg := s.cfg
	varSum, varAvg := s.variablesSum()
	examplesPerSec := float64(cfg.BatchSize) / s.duration.Seconds() * float64(cfg.LogFreq)
	s.duration = 0
	elapsed := time.Since(s.startTime).Hours()
	timeLeft := (float64(s.totalSteps)/float64(globalStep) - 1.0) * elapsed
	fmt.Printf("\n%s\n", cfg.ModelName)
	fmt.Printf("GPU: %d | examples/s: %4.2f | loss: %.5f | var sum: %.3f avg: %.3f | time elapsed: %.2fh | time left: %.2fh\n",
		cfg.GPU, examplesPerSec, loss, varSum, varAvg, elapsed, timeLeft)

	step := int64(globalStep)
	scalars := []struct {
		name, metricType string
		value            float64
	}{{"silog_loss", "loss", loss}, {"learning_rate", "learning rate", lr}, {"var average", "variables", varAvg}}
	for _, scalar := range scalars {
		if err := s.writer.AddScalar(scalar.name, scalar.metricType, scalar.value, step); err != nil {
			return err
		}
	}
	if err := s.logImages(step); err != nil {
		return err
	}
	return s.writer.Flush()
}

// logImages writes, for each example of the last training batch, the image and the inverse of
// the ground-truth and estimated depths.
func (s *session) logImages(step int64) error {
	images, depths := s.trainDS.last()
	if images == nil {
		return nil
	}
	pred, err := s.predict(images)
	if err != nil {
		return err
	}
	dims := images.Shape().Dimensions
	batchSize, height, width := dims[0], dims[1], dims[2]
	var imageValues, gtValues, predValues []float32
	tensors.ConstFlatData(images, func(flat []float32) { imageValues = append(imageValues, flat...) })
	tensors.ConstFlatData(depths, func(flat []float32) { gtValues = append(gtValues, flat...) })
	tensors.ConstFlatData(pred, func(flat []float32) { predValues = append(predValues, flat...) })
	pixels := height * width
	for ii := range batchSize {
		gt := summary.GroundTruthImage(gtValues[ii*pixels:(ii+1)*pixels], height, width)
		if err := s.writer.AddImage(fmt.Sprintf("depth_gt/image/%d", ii), gt, step); err != nil {
			return err
		}
		est := summary.InverseDepthImage(predValues[ii*pixels:(ii+1)*pixels], height, width)
		if err := s.writer.AddImage(fmt.Sprintf("depth_est/image/%d", ii), est, step); err != nil {
			return err
		}
		img := depthdata.DenormalizeImage(imageValues[ii*pixels*3:(ii+1)*pixels*3], height, width)
		if err := s.writer.AddImage(fmt.Sprintf("image/image/%d", ii), img, step); err != nil {
			return err
		}
	}
	return nil
}

// evaluate runs the online evaluation, writes its summaries and keeps the best models.
func (s *session) evaluate(globalStep int) error {
	measures, err := s.evaluator.Run()
	if err != nil {
		return err
	}
	mean, ok := measures.Mean()
	if !ok {
		return nil
	}
	step := int64(globalStep)
	for ii, value := range mean {
		metric := depth.Metric(ii)
		metricType := "accuracy"
		if metric.LowerIsBetter() {
			metricType = "error"
		}
		if err := s.evalWriter.AddScalar(metric.String(), metricType, value, step); err != nil {
			return err
		}
	}
	if _, err := s.keeper.Record(step, mean); err != nil {
		return err
	}
	return s.evalWriter.Flush()
}

func (s *session) close() {
	for _, w := range []*summary.Writer{s.writer, s.evalWriter} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			klog.Errorf("Failed to close summaries: %+v", err)
		}
	}
}

// recordingDataset keeps the last batch yielded, for the image summaries.
type recordingDataset struct {
	train.Dataset

	mu             sync.Mutex
	images, depths *tensors.Tensor
}

// Yield implements train.Dataset.
func (r *recordingDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = r.Dataset.Yield()
	if err == nil {
		r.mu.Lock()
		r.images, r.depths = inputs[0], labels[0]
		r.mu.Unlock()
	}
	return
}

// IsOwnershipTransferred tells the training loop the yielded tensors are still used after the step.
func (r *recordingDataset) IsOwnershipTransferred() bool {
	return false
}

func (r *recordingDataset) last() (images, depths *tensors.Tensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images, r.depths
}
