// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices reports the accelerators and the CPU available for training, and selects the GPU
// used by the backend.
//
// CUDA devices are only discovered when built with the "cuda" build tag, which requires the CUDA
// driver libraries.
package devices

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// CUDADevice describes a CUDA device.
type CUDADevice struct {
	Index    int
	Name     string
	TotalMem int64
}

func (d CUDADevice) String() string {
	return fmt.Sprintf("GPU %d: %s (%s)", d.Index, d.Name, humanize.IBytes(uint64(d.TotalMem)))
}

// CPUInfo summarizes the host CPU.
type CPUInfo struct {
	Brand                       string
	PhysicalCores, LogicalCores int
	AVX2, AVX512                bool
}

// CPU returns the description of the host CPU.
func CPU() CPUInfo {
	return CPUInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

func (c CPUInfo) String() string {
	var features []string
	if c.AVX2 {
		features = append(features, "AVX2")
	}
	if c.AVX512 {
		features = append(features, "AVX512")
	}
	return fmt.Sprintf("CPU: %s, %d cores (%d threads) [%s]", c.Brand, c.PhysicalCores, c.LogicalCores,
		strings.Join(features, ","))
}

// DefaultNumThreads is the default number of data loading goroutines: the number of logical cores,
// or 1 if unknown.
func DefaultNumThreads() int {
	return max(1, cpuid.CPU.LogicalCores)
}

// EnvVisibleDevices is the environment variable that restricts the CUDA devices used by the backend.
const EnvVisibleDevices = "CUDA_VISIBLE_DEVICES"

// SelectGPU restricts the backend to the given GPU. A negative gpu is a no-op.
// If the CUDA devices can be listed, gpu must be one of them.
func SelectGPU(gpu int) error {
	if gpu < 0 {
		return nil
	}
	devices, err := CUDADevices()
	if err != nil {
		return err
	}
	if len(devices) > 0 && gpu >= len(devices) {
		return errors.Errorf("GPU %d selected, but only %d CUDA devices are available", gpu, len(devices))
	}
	if err := os.Setenv(EnvVisibleDevices, strconv.Itoa(gpu)); err != nil {
		return errors.Wrapf(err, "failed to set %s", EnvVisibleDevices)
	}
	return nil
}

// Report returns a human-readable description of the CPU and the CUDA devices, one per line.
func Report() string {
	lines := []string{CPU().String()}
	devices, err := CUDADevices()
	if err != nil {
		lines = append(lines, fmt.Sprintf("CUDA devices: %v", err))
	}
	for _, d := range devices {
		lines = append(lines, d.String())
	}
	return strings.Join(lines, "\n")
}
