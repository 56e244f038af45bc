// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/transdepth/bestmodels"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Checkpoint files, as written by checkpoints.Handler: a JSON file with the parameters and the
// variables layout, and a binary file with the variables values.
const (
	checkpointPrefix     = "checkpoint-"
	checkpointJSONSuffix = ".json"
	checkpointBinSuffix  = ".bin"
)

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// listCheckpoints returns the base names of the checkpoints in dir, oldest first.
// A missing directory has no checkpoints.
func listCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list checkpoints in %q", dir)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointJSONSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, checkpointJSONSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// nextCheckpointCount returns the count of the next checkpoint saved in dir.
func nextCheckpointCount(names []string) int {
	maxCount := -1
	for _, name := range names {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		count, err := strconv.Atoi(matches[1])
		if err == nil && count > maxCount {
			maxCount = count
		}
	}
	return maxCount + 1
}

// resolveCheckpoint finds the checkpoint at path: either a directory, whose latest checkpoint is
// used, or the path of a checkpoint with or without its file suffix.
// It returns found=false if there is none.
func resolveCheckpoint(path string) (dir, baseName string, found bool, err error) {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		names, err := listCheckpoints(path)
		if err != nil || len(names) == 0 {
			return path, "", false, err
		}
		return path, names[len(names)-1], true, nil
	}
	base := strings.TrimSuffix(strings.TrimSuffix(path, checkpointJSONSuffix), checkpointBinSuffix)
	for _, suffix := range []string{checkpointJSONSuffix, checkpointBinSuffix} {
		if _, err := os.Stat(base + suffix); err != nil {
			if os.IsNotExist(err) {
				return "", "", false, nil
			}
			return "", "", false, errors.Wrapf(err, "checkpoint %q", base+suffix)
		}
	}
	return filepath.Dir(base), filepath.Base(base), true, nil
}

// seedCheckpoint copies the checkpoint at src into dstDir, as its newest checkpoint, so the
// checkpoints.Handler for dstDir loads it. The best evaluation values saved along src are copied
// too; if there are none, stale values in dstDir are removed.
//
// It returns found=false, and copies nothing, if there is no checkpoint at src.
func seedCheckpoint(src, dstDir string) (found bool, err error) {
	srcDir, srcBase, found, err := resolveCheckpoint(src)
	if err != nil || !found {
		return false, err
	}
	if err := os.MkdirAll(dstDir, 0777); err != nil {
		return false, errors.Wrapf(err, "failed to create checkpoints directory %q", dstDir)
	}
	existing, err := listCheckpoints(dstDir)
	if err != nil {
		return false, err
	}
	dstBase := fmt.Sprintf("%sn%07d-%s-seeded", checkpointPrefix, nextCheckpointCount(existing),
		time.Now().Format("20060102-150405"))
	for _, suffix := range []string{checkpointJSONSuffix, checkpointBinSuffix} {
		if err := copyFile(filepath.Join(srcDir, srcBase+suffix), filepath.Join(dstDir, dstBase+suffix)); err != nil {
			return false, err
		}
	}

	trackerPath := filepath.Join(srcDir, bestmodels.FileName)
	dstTrackerPath := filepath.Join(dstDir, bestmodels.FileName)
	if _, err := os.Stat(trackerPath); err == nil {
		if err := copyFile(trackerPath, dstTrackerPath); err != nil {
			return false, err
		}
	} else if err := os.Remove(dstTrackerPath); err != nil && !os.IsNotExist(err) {
		return false, errors.Wrapf(err, "failed to remove stale %q", dstTrackerPath)
	}
	klog.V(1).Infof("Seeded %q from checkpoint %q", filepath.Join(dstDir, dstBase), filepath.Join(srcDir, srcBase))
	return true, nil
}

// snapshotter saves the model into snapshot directories, outside the rotation of the checkpoints
// handler.
type snapshotter struct {
	handler *checkpoints.Handler
	tracker *bestmodels.Tracker
}

// save writes a new checkpoint with the handler, and the tracker state along with it.
func (s *snapshotter) save() error {
	if err := s.handler.Save(); err != nil {
		return errors.WithMessage(err, "saving checkpoint")
	}
	return s.tracker.Save(s.handler.Dir())
}

// snapshot saves a new checkpoint and links (or copies) its files into dir.
// It implements bestmodels.SnapshotFn.
func (s *snapshotter) snapshot(dir string) error {
	if err := s.save(); err != nil {
		return err
	}
	names, err := listCheckpoints(s.handler.Dir())
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.Errorf("no checkpoint found in %q after saving", s.handler.Dir())
	}
	latest := names[len(names)-1]
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create snapshot directory %q", dir)
	}
	for _, suffix := range []string{checkpointJSONSuffix, checkpointBinSuffix} {
		src := filepath.Join(s.handler.Dir(), latest+suffix)
		dst := filepath.Join(dir, latest+suffix)
		if err := os.Link(src, dst); err == nil {
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}
	return s.tracker.Save(dir)
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", src)
	}
	defer func() { _ = in.Close() }()

	// Written under a temporary name, so a partial copy is never taken for a checkpoint.
	tmp := fmt.Sprintf("%s.tmp-%s", dst, uuid.NewString())
	out, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmp)
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "failed to copy %q to %q", src, dst)
	}
	if err = os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "failed to rename %q to %q", tmp, dst)
	}
	return nil
}
