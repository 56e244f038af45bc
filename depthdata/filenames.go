// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package depthdata reads KITTI and NYU style depth datasets described by a "filenames file", and
// serves them as batches for training or as individual samples for evaluation.
//
// Each line of the filenames file describes one sample with 3 whitespace separated fields: the RGB
// image path (relative to the data path), the depth map path (relative to the ground-truth path, or
// "None" when there is no ground-truth) and the focal length.
package depthdata

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NoDepth is the depth path used in filenames files for samples without ground-truth.
const NoDepth = "None"

// Sample is one entry of a filenames file.
type Sample struct {
	// Image and Depth are relative paths. Depth is empty if the sample has no ground-truth.
	Image, Depth string
	Focal        float64
}

// HasDepth returns whether the sample has a ground-truth depth map.
func (s Sample) HasDepth() bool { return s.Depth != "" }

// ParseFilenames parses the contents of a filenames file. Blank lines are skipped.
func ParseFilenames(r io.Reader) ([]Sample, error) {
	var samples []Sample
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("line %d: expected \"<image> <depth> [focal]\", got %q", lineNum, scanner.Text())
		}
		sample := Sample{Image: fields[0], Depth: fields[1]}
		if sample.Depth == NoDepth {
			sample.Depth = ""
		}
		if len(fields) > 2 {
			focal, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: invalid focal length %q", lineNum, fields[2])
			}
			sample.Focal = focal
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading filenames")
	}
	return samples, nil
}

// ReadFilenames reads and parses the filenames file at path.
func ReadFilenames(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open filenames file %q", path)
	}
	defer func() { _ = f.Close() }()
	samples, err := ParseFilenames(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", path)
	}
	return samples, nil
}
