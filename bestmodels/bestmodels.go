// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bestmodels keeps track of the best value reached by each depth metric during online
// evaluation, and of the model snapshots saved for each of them.
//
// Each metric has its own best snapshot, named after the step and the value reached, see Name.
// When a metric improves, the previous snapshot for that metric is removed and a new one is saved.
package bestmodels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/transdepth/depth"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// InitialLowerIsBetter is the initial best value for metrics where lower is better.
	InitialLowerIsBetter = 1e3

	// FileName of the tracker state, saved along with checkpoints.
	FileName = "best_eval.json"
)

// JSON keys of the tracker state.
const (
	keyHigherBetter = "best_eval_measures_higher_better"
	keyLowerBetter  = "best_eval_measures_lower_better"
	keySteps        = "best_eval_steps"
)

// Tracker holds the best values and the steps where they were reached.
type Tracker struct {
	LowerIsBetter  [depth.NumLowerIsBetter]float64
	HigherIsBetter [depth.NumMetrics - depth.NumLowerIsBetter]float64
	Steps          [depth.NumMetrics]int64
}

// New returns a Tracker with the initial values: 1e3 for the metrics where lower is better,
// and 0 for the others.
func New() *Tracker {
	t := &Tracker{}
	for ii := range t.LowerIsBetter {
		t.LowerIsBetter[ii] = InitialLowerIsBetter
	}
	return t
}

// Best returns the best value recorded for the metric.
func (t *Tracker) Best(m depth.Metric) float64 {
	if m.LowerIsBetter() {
		return t.LowerIsBetter[m]
	}
	return t.HigherIsBetter[int(m)-depth.NumLowerIsBetter]
}

func (t *Tracker) setBest(m depth.Metric, value float64) {
	if m.LowerIsBetter() {
		t.LowerIsBetter[m] = value
		return
	}
	t.HigherIsBetter[int(m)-depth.NumLowerIsBetter] = value
}

// Improvement describes a metric that reached a new best value.
type Improvement struct {
	Metric depth.Metric

	// OldValue and OldStep are the previous best. OldStep is 0 if there was none.
	OldValue float64
	OldStep  int64

	Value float64
	Step  int64
}

// OldName is the name of the snapshot of the previous best.
func (imp Improvement) OldName() string {
	return Name(imp.OldStep, imp.Metric, imp.OldValue)
}

// NewName is the name of the snapshot of the new best.
func (imp Improvement) NewName() string {
	return Name(imp.Step, imp.Metric, imp.Value)
}

// Name returns the snapshot name for a best value of a metric reached at the given step.
func Name(step int64, m depth.Metric, value float64) string {
	return fmt.Sprintf("model-%d-best_%s_%.5f", step, m, value)
}

// Update compares the mean errors of an evaluation at the given step with the best values, and
// records the metrics that strictly improved. It returns the improvements in metric order.
func (t *Tracker) Update(step int64, mean depth.Errors) []Improvement {
	var improvements []Improvement
	for ii, value := range mean {
		if imp, ok := t.UpdateMetric(step, depth.Metric(ii), value); ok {
			improvements = append(improvements, imp)
		}
	}
	return improvements
}

// UpdateMetric records value for the metric m evaluated at step, if it is strictly better than
// the current best.
func (t *Tracker) UpdateMetric(step int64, m depth.Metric, value float64) (imp Improvement, improved bool) {
	best := t.Best(m)
	improved = value < best
	if !m.LowerIsBetter() {
		improved = value > best
	}
	if !improved {
		return
	}
	imp = Improvement{
		Metric:   m,
		OldValue: best,
		OldStep:  t.Steps[m],
		Value:    value,
		Step:     step,
	}
	t.setBest(m, value)
	t.Steps[m] = step
	return imp, true
}

// Save writes the tracker state to FileName in dir.
func (t *Tracker) Save(dir string) error {
	state := map[string]any{
		keyHigherBetter: t.HigherIsBetter,
		keyLowerBetter:  t.LowerIsBetter,
		keySteps:        t.Steps,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize best evaluation tracker")
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write best evaluation tracker to %q", path)
	}
	return nil
}

// Load reads the tracker state saved in dir.
//
// Missing state is not an error: if the file or any of its values are not there, a warning is
// logged and the values not yet read keep their initial values.
func Load(dir string) (*Tracker, error) {
	t := New()
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			klog.Warningf("Could not load values for online evaluation: %q not found", path)
			return t, nil
		}
		return nil, errors.Wrapf(err, "failed to read best evaluation tracker from %q", path)
	}
	var state map[string]json.RawMessage
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrapf(err, "failed to parse best evaluation tracker from %q", path)
	}

	// Values are read in order, and reading stops at the first missing one.
	targets := []struct {
		key string
		ptr any
	}{
		{keyHigherBetter, &t.HigherIsBetter},
		{keyLowerBetter, &t.LowerIsBetter},
		{keySteps, &t.Steps},
	}
	for _, target := range targets {
		raw, found := state[target.key]
		if !found {
			klog.Warningf("Could not load values for online evaluation: %q missing in %q", target.key, path)
			return t, nil
		}
		if err := json.Unmarshal(raw, target.ptr); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %q from %q", target.key, path)
		}
	}
	return t, nil
}
