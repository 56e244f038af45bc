// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bestmodels

import (
	"os"
	"path/filepath"

	"github.com/gomlx/transdepth/depth"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SnapshotFn saves a snapshot of the model into the directory dir, which it must create.
type SnapshotFn func(dir string) error

// Keeper updates a Tracker with evaluation results and maintains one model snapshot per metric
// under Dir.
type Keeper struct {
	Dir      string
	Tracker  *Tracker
	Snapshot SnapshotFn
}

// NewKeeper creates a Keeper for the snapshots in dir.
// If tracker is nil, a new one is created.
func NewKeeper(dir string, tracker *Tracker, snapshot SnapshotFn) *Keeper {
	if tracker == nil {
		tracker = New()
	}
	return &Keeper{Dir: dir, Tracker: tracker, Snapshot: snapshot}
}

// Record updates the tracker with the mean errors of the evaluation at step, and for each improved
// metric replaces its previous snapshot (if it exists) by a new one.
//
// Metrics are handled in order: each snapshot holds the tracker state right after its metric was
// updated, without the improvements of the following metrics.
func (k *Keeper) Record(step int64, mean depth.Errors) ([]Improvement, error) {
	var improvements []Improvement
	for ii, value := range mean {
		imp, ok := k.Tracker.UpdateMetric(step, depth.Metric(ii), value)
		if !ok {
			continue
		}
		improvements = append(improvements, imp)
		if err := k.replace(imp); err != nil {
			return improvements, err
		}
	}
	return improvements, nil
}

// replace removes the previous best snapshot of the improved metric and saves the new one.
func (k *Keeper) replace(imp Improvement) error {
	oldPath := filepath.Join(k.Dir, imp.OldName())
	if _, err := os.Stat(oldPath); err == nil {
		if err := os.RemoveAll(oldPath); err != nil {
			return errors.Wrapf(err, "failed to remove previous best %q", oldPath)
		}
	}
	newPath := filepath.Join(k.Dir, imp.NewName())
	klog.Infof("New best for %s. Saving model: %s", imp.Metric, imp.NewName())
	if k.Snapshot != nil {
		if err := k.Snapshot(newPath); err != nil {
			return errors.WithMessagef(err, "saving best model for %s", imp.Metric)
		}
	} else if err := os.MkdirAll(newPath, 0777); err != nil {
		return errors.Wrapf(err, "failed to create %q", newPath)
	}
	return k.Tracker.Save(newPath)
}
