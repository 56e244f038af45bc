// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package argsfile reads command-line arguments from a file, so a training run can be described by
// a single file given as the only positional argument.
//
// The file holds whitespace separated tokens, typically one flag per line, e.g.:
//
//	--model_name kitti_transdepth
//	--batch_size 4
//
// Lines starting with '#' are comments.
package argsfile

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Parse returns the tokens in r.
func Parse(r io.Reader) ([]string, error) {
	var args []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args = append(args, strings.Fields(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading arguments")
	}
	return args, nil
}

// Read returns the tokens of the file at path.
func Read(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open arguments file %q", path)
	}
	defer func() { _ = f.Close() }()
	args, err := Parse(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "arguments file %q", path)
	}
	return args, nil
}

// CopyTo copies the arguments file at path into dir, keeping its base name.
func CopyTo(path, dir string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read arguments file %q", path)
	}
	target := filepath.Join(dir, filepath.Base(path))
	if err := os.WriteFile(target, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to copy arguments file to %q", target)
	}
	return nil
}
