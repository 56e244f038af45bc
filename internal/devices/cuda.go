// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build cuda

package devices

import (
	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

// CUDADevices lists the CUDA devices using the driver API.
func CUDADevices() ([]CUDADevice, error) {
	count, err := cu.NumDevices()
	if err != nil {
		return nil, errors.Wrap(err, "failed to count CUDA devices")
	}
	devices := make([]CUDADevice, 0, count)
	for ii := range count {
		dev := cu.Device(ii)
		name, err := dev.Name()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get name of CUDA device %d", ii)
		}
		mem, err := dev.TotalMem()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get memory of CUDA device %d", ii)
		}
		devices = append(devices, CUDADevice{Index: ii, Name: name, TotalMem: mem})
	}
	return devices, nil
}
