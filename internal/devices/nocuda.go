// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !cuda

package devices

// CUDADevices returns no devices: build with the "cuda" tag to list them.
func CUDADevices() ([]CUDADevice, error) {
	return nil, nil
}
