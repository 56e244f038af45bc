// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// transdepth trains a vision transformer (TransUNet) to estimate depth from a single image.
//
// The flags can also be given in a file, passed as the only positional argument:
//
//	transdepth arguments_train_kitti.txt
//
// The file is copied into the model directory. Model hyperparameters without a flag can be set with
// -set="param=value;...", e.g. -set="vit_dropout_rate=0;sgd_momentum=0.95".
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/transdepth/internal/argsfile"
	"github.com/gomlx/transdepth/internal/devices"
	"github.com/gomlx/transdepth/trainer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var flagDevices = flag.Bool("devices", false, "Print the CPU and the CUDA devices available and exit.")

func main() {
	klog.InitFlags(nil)
	cfg := trainer.DefaultConfig()
	cfg.RegisterFlags(flag.CommandLine)
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "set")
	flag.Parse()

	if *flagDevices {
		fmt.Println(devices.Report())
		return
	}
	var argsFile string
	switch flag.NArg() {
	case 0:
	case 1:
		argsFile = flag.Arg(0)
		args, err := argsfile.Read(argsFile)
		if err != nil {
			klog.Exitf("%+v", err)
		}
		if err := flag.CommandLine.Parse(args); err != nil {
			klog.Exitf("Failed to parse arguments from %q: %v", argsFile, err)
		}
	default:
		klog.Exitf("At most one positional argument (a file with the arguments) is accepted, got %q", flag.Args())
	}

	err := exceptions.TryCatch[error](func() {
		must.M(cfg.Validate())
		trainer.ApplyConfig(ctx, cfg)
		paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
		if len(paramsSet) > 0 {
			fmt.Printf("Hyperparameters set:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
		}

		must.M(devices.SelectGPU(cfg.GPU))
		klog.V(1).Infof("Devices:\n%s", devices.Report())
		must.M(os.MkdirAll(cfg.ModelDir(), 0777))
		if argsFile != "" {
			must.M(argsfile.CopyTo(argsFile, cfg.ModelDir()))
		}

		backend := backends.New()
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
		must.M(trainer.Train(backend, ctx, cfg))
	})
	if err != nil {
		klog.Exitf("Training failed:\n%+v", err)
	}
}
