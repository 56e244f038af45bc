// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"flag"
	"path/filepath"

	"github.com/gomlx/transdepth/depth"
	"github.com/gomlx/transdepth/depthdata"
	"github.com/gomlx/transdepth/internal/devices"
	"github.com/gomlx/transdepth/ml/train/optimizers/polyschedule"
	"github.com/gomlx/transdepth/vit"
	"github.com/pkg/errors"
)

var (
	// ErrNotTrainMode is returned when the configured mode is not "train".
	ErrNotTrainMode = errors.New("only the \"train\" mode is supported")

	// ErrDistributedUnsupported is returned for multi-process training configurations.
	ErrDistributedUnsupported = errors.New("distributed multi-process training is not supported, select one device with --gpu")

	// ErrNaNLoss is returned when training is aborted because the loss became NaN.
	ErrNaNLoss = errors.New("NaN in loss occurred, training aborted")
)

// Config holds the settings of a training run, usually set from the command line.
type Config struct {
	Mode      string
	ModelName string

	// Dataset.
	Dataset                         string
	DataPath, GTPath, FilenamesFile string
	InputHeight, InputWidth         int
	MaxDepth                        float64
	DoKBCrop                        bool
	NumThreads                      int

	// Logging and checkpoints.
	LogDirectory, CheckpointPath string
	LogFreq, SaveFreq            int
	Retrain                      bool

	// Training.
	BatchSize, NumEpochs                  int
	LearningRate, EndLearningRate, BaseLR float64
	WeightDecay, VarianceFocus            float64

	// Devices and distributed training.
	WorldSize, Rank            int
	DistURL, DistBackend       string
	GPU                        int
	MultiprocessingDistributed bool

	// Online evaluation.
	DoOnlineEval                                bool
	DataPathEval, GTPathEval, FilenamesFileEval string
	MinDepthEval, MaxDepthEval                  float64
	EigenCrop, GargCrop                         bool
	EvalFreq                                    int
	EvalSummaryDirectory                        string

	// Model.
	VitName                          string
	NumClasses, NumSkip, PatchesSize int
	ImgSizeHeight, ImgSizeWidth      int
}

// DefaultConfig returns the configuration with the default values of the command line flags.
func DefaultConfig() *Config {
	return &Config{
		Mode:            "train",
		ModelName:       "transdepth",
		Dataset:         depthdata.KITTI,
		InputHeight:     480,
		InputWidth:      640,
		MaxDepth:        10,
		NumThreads:      1,
		LogDirectory:    "",
		LogFreq:         100,
		SaveFreq:        500,
		BatchSize:       4,
		NumEpochs:       50,
		LearningRate:    1e-4,
		EndLearningRate: -1,
		BaseLR:          0.01,
		WeightDecay:     1e-2,
		VarianceFocus:   depth.DefaultVarianceFocus,
		WorldSize:       1,
		Rank:            0,
		DistURL:         "tcp://127.0.0.1:1234",
		DistBackend:     "gloo",
		GPU:             -1,
		MinDepthEval:    1e-3,
		MaxDepthEval:    80,
		EvalFreq:        500,
		VitName:         vit.DefaultName,
		NumClasses:      1,
		NumSkip:         3,
		PatchesSize:     vit.DefaultPatchesSize,
		ImgSizeHeight:   vit.DefaultImageHeight,
		ImgSizeWidth:    vit.DefaultImageWidth,
	}
}

// RegisterFlags binds the configuration fields to flags in fs, with the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Mode, "mode", c.Mode, "train or test")
	fs.StringVar(&c.ModelName, "model_name", c.ModelName, "model name")
	fs.StringVar(&c.Dataset, "dataset", c.Dataset, "dataset to train on, kitti or nyu")
	fs.StringVar(&c.DataPath, "data_path", c.DataPath, "path to the data")
	fs.StringVar(&c.GTPath, "gt_path", c.GTPath, "path to the groundtruth data")
	fs.StringVar(&c.FilenamesFile, "filenames_file", c.FilenamesFile, "path to the filenames text file")
	fs.IntVar(&c.InputHeight, "input_height", c.InputHeight, "input height")
	fs.IntVar(&c.InputWidth, "input_width", c.InputWidth, "input width")
	fs.Float64Var(&c.MaxDepth, "max_depth", c.MaxDepth, "maximum depth in estimation")
	fs.BoolVar(&c.DoKBCrop, "do_kb_crop", c.DoKBCrop, "if set, crop input images as kitti benchmark images")
	fs.IntVar(&c.NumThreads, "num_threads", c.NumThreads, "number of goroutines for data loading, 0 uses one per logical core")

	fs.StringVar(&c.LogDirectory, "log_directory", c.LogDirectory, "directory to save checkpoints and summaries")
	fs.StringVar(&c.CheckpointPath, "checkpoint_path", c.CheckpointPath, "path to a checkpoint to load")
	fs.IntVar(&c.LogFreq, "log_freq", c.LogFreq, "logging frequency in global steps")
	fs.IntVar(&c.SaveFreq, "save_freq", c.SaveFreq, "checkpoint saving frequency in global steps")
	fs.BoolVar(&c.Retrain, "retrain", c.Retrain, "if used with checkpoint_path, will restart training from step zero")

	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "batch size")
	fs.IntVar(&c.NumEpochs, "num_epochs", c.NumEpochs, "number of epochs")
	fs.Float64Var(&c.LearningRate, "learning_rate", c.LearningRate, "initial learning rate of the schedule")
	fs.Float64Var(&c.EndLearningRate, "end_learning_rate", c.EndLearningRate,
		"end learning rate, -1 for 0.1 times the learning rate")
	fs.Float64Var(&c.BaseLR, "base_lr", c.BaseLR, "learning rate the optimizer is created with")
	fs.Float64Var(&c.WeightDecay, "weight_decay", c.WeightDecay, "weight decay factor for optimization")
	fs.Float64Var(&c.VarianceFocus, "variance_focus", c.VarianceFocus,
		"lambda in the silog loss, higher focuses more on minimizing the variance of the error")

	fs.IntVar(&c.WorldSize, "world_size", c.WorldSize, "number of nodes for distributed training")
	fs.IntVar(&c.Rank, "rank", c.Rank, "node rank for distributed training")
	fs.StringVar(&c.DistURL, "dist_url", c.DistURL, "url used to set up distributed training")
	fs.StringVar(&c.DistBackend, "dist_backend", c.DistBackend, "distributed backend")
	fs.IntVar(&c.GPU, "gpu", c.GPU, "GPU id to use, -1 lets the backend choose")
	fs.BoolVar(&c.MultiprocessingDistributed, "multiprocessing_distributed", c.MultiprocessingDistributed,
		"use multi-processing distributed training")

	fs.BoolVar(&c.DoOnlineEval, "do_online_eval", c.DoOnlineEval, "if set, perform online evaluation")
	fs.StringVar(&c.DataPathEval, "data_path_eval", c.DataPathEval, "path to the data for online evaluation")
	fs.StringVar(&c.GTPathEval, "gt_path_eval", c.GTPathEval, "path to the groundtruth data for online evaluation")
	fs.StringVar(&c.FilenamesFileEval, "filenames_file_eval", c.FilenamesFileEval,
		"path to the filenames text file for online evaluation")
	fs.Float64Var(&c.MinDepthEval, "min_depth_eval", c.MinDepthEval, "minimum depth for evaluation")
	fs.Float64Var(&c.MaxDepthEval, "max_depth_eval", c.MaxDepthEval, "maximum depth for evaluation")
	fs.BoolVar(&c.EigenCrop, "eigen_crop", c.EigenCrop, "if set, crops according to Eigen NIPS14")
	fs.BoolVar(&c.GargCrop, "garg_crop", c.GargCrop, "if set, crops according to Garg ECCV16")
	fs.IntVar(&c.EvalFreq, "eval_freq", c.EvalFreq, "online evaluation frequency in global steps")
	fs.StringVar(&c.EvalSummaryDirectory, "eval_summary_directory", c.EvalSummaryDirectory,
		"output directory for eval summary, if empty outputs to log_directory/eval")

	fs.StringVar(&c.VitName, "vit_name", c.VitName, "vision transformer configuration name")
	fs.IntVar(&c.NumClasses, "num_classes", c.NumClasses, "output channels of the network")
	fs.IntVar(&c.NumSkip, "n_skip", c.NumSkip, "number of skip connections")
	fs.IntVar(&c.PatchesSize, "patches_size", c.PatchesSize, "patch size of the hybrid models")
	fs.IntVar(&c.ImgSizeHeight, "img_size_height", c.ImgSizeHeight, "image height the model is built for")
	fs.IntVar(&c.ImgSizeWidth, "img_size_width", c.ImgSizeWidth, "image width the model is built for")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Mode != "train" {
		return errors.WithMessagef(ErrNotTrainMode, "mode %q", c.Mode)
	}
	if c.WorldSize > 1 || c.MultiprocessingDistributed {
		return ErrDistributedUnsupported
	}
	if c.ModelName == "" {
		return errors.New("--model_name must be set")
	}
	if c.LogDirectory == "" {
		return errors.New("--log_directory must be set")
	}
	if _, err := depthdata.DepthScale(c.Dataset); err != nil {
		return err
	}
	if c.FilenamesFile == "" {
		return errors.New("--filenames_file must be set")
	}
	if c.BatchSize <= 0 || c.NumEpochs <= 0 {
		return errors.Errorf("batch size (%d) and number of epochs (%d) must be positive", c.BatchSize, c.NumEpochs)
	}
	if c.LogFreq <= 0 || c.SaveFreq <= 0 || c.EvalFreq <= 0 {
		return errors.Errorf("log (%d), save (%d) and eval (%d) frequencies must be positive",
			c.LogFreq, c.SaveFreq, c.EvalFreq)
	}
	if c.LearningRate <= 0 || c.BaseLR <= 0 {
		return errors.Errorf("learning rates must be positive, got learning_rate=%g and base_lr=%g",
			c.LearningRate, c.BaseLR)
	}
	if c.MaxDepth <= 0 {
		return errors.Errorf("max_depth must be positive, got %g", c.MaxDepth)
	}
	if c.DoOnlineEval {
		if c.FilenamesFileEval == "" {
			return errors.New("--filenames_file_eval must be set for online evaluation")
		}
		if c.MinDepthEval >= c.MaxDepthEval {
			return errors.Errorf("min_depth_eval (%g) must be smaller than max_depth_eval (%g)",
				c.MinDepthEval, c.MaxDepthEval)
		}
	}
	if _, err := vit.ConfigByName(c.VitName); err != nil {
		return err
	}
	return nil
}

// EndLR returns the learning rate at the end of the schedule.
func (c *Config) EndLR() float64 {
	return polyschedule.EndValue(c.LearningRate, c.EndLearningRate)
}

// DataWorkers returns the number of goroutines loading training data.
func (c *Config) DataWorkers() int {
	if c.NumThreads <= 0 {
		return devices.DefaultNumThreads()
	}
	return c.NumThreads
}

// EvalCrop returns the crop used for evaluation. Garg takes precedence over Eigen.
func (c *Config) EvalCrop() depth.Crop {
	switch {
	case c.GargCrop:
		return depth.GargCrop
	case c.EigenCrop:
		return depth.EigenCrop
	}
	return depth.NoCrop
}

// ModelDir is the directory of the model, where its arguments, checkpoints and summaries are saved.
func (c *Config) ModelDir() string {
	return filepath.Join(c.LogDirectory, c.ModelName)
}

// CheckpointsDir is where the checkpoints used to resume training are kept.
func (c *Config) CheckpointsDir() string {
	return filepath.Join(c.ModelDir(), "checkpoints")
}

// SummaryDir is where the training summaries are written.
func (c *Config) SummaryDir() string {
	return filepath.Join(c.ModelDir(), "summaries")
}

// EvalSummaryDir is where the online evaluation summaries are written.
func (c *Config) EvalSummaryDir() string {
	if c.EvalSummaryDirectory != "" {
		return filepath.Join(c.EvalSummaryDirectory, c.ModelName)
	}
	return filepath.Join(c.LogDirectory, "eval")
}
