// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bestmodels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/transdepth/depth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tracker := New()
	for m := range depth.NumMetrics {
		metric := depth.Metric(m)
		if metric.LowerIsBetter() {
			assert.Equal(t, 1e3, tracker.Best(metric))
		} else {
			assert.Equal(t, 0.0, tracker.Best(metric))
		}
		assert.Equal(t, int64(0), tracker.Steps[m])
	}
}

func TestName(t *testing.T) {
	assert.Equal(t, "model-500-best_abs_rel_0.12346", Name(500, depth.AbsRel, 0.123456))
	assert.Equal(t, "model-0-best_silog_1000.00000", Name(0, depth.SILog, 1e3))
	assert.Equal(t, "model-1000-best_d1_0.90000", Name(1000, depth.D1, 0.9))
}

func TestUpdate(t *testing.T) {
	tracker := New()
	first := depth.Errors{10, 0.1, 0.05, 3, 0.5, 0.2, 0.8, 0.9, 0.95}
	improvements := tracker.Update(500, first)
	require.Len(t, improvements, depth.NumMetrics)
	assert.Equal(t, depth.SILog, improvements[0].Metric)
	assert.Equal(t, 1e3, improvements[0].OldValue)
	assert.Equal(t, int64(0), improvements[0].OldStep)
	assert.Equal(t, "model-0-best_silog_1000.00000", improvements[0].OldName())
	assert.Equal(t, "model-500-best_silog_10.00000", improvements[0].NewName())
	assert.Equal(t, 0.0, improvements[6].OldValue)

	// Only strict improvements count: silog equal, abs_rel worse, rms better, d1 better, d2 worse.
	second := depth.Errors{10, 0.2, 0.05, 2.5, 0.5, 0.2, 0.85, 0.85, 0.95}
	improvements = tracker.Update(1000, second)
	require.Len(t, improvements, 2)
	assert.Equal(t, depth.RMS, improvements[0].Metric)
	assert.Equal(t, 3.0, improvements[0].OldValue)
	assert.Equal(t, int64(500), improvements[0].OldStep)
	assert.Equal(t, depth.D1, improvements[1].Metric)

	assert.Equal(t, 2.5, tracker.Best(depth.RMS))
	assert.Equal(t, int64(1000), tracker.Steps[depth.RMS])
	assert.Equal(t, 0.1, tracker.Best(depth.AbsRel))
	assert.Equal(t, int64(500), tracker.Steps[depth.AbsRel])
	assert.Equal(t, 0.9, tracker.Best(depth.D2))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	tracker := New()
	tracker.Update(700, depth.Errors{10, 0.1, 0.05, 3, 0.5, 0.2, 0.8, 0.9, 0.95})
	require.NoError(t, tracker.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, tracker, loaded)
}

func TestLoadMissing(t *testing.T) {
	// No file: defaults.
	loaded, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, New(), loaded)

	// Only the first key present: it is loaded, the rest keep the defaults.
	dir := t.TempDir()
	content := `{"best_eval_measures_higher_better": [0.5, 0.6, 0.7]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
	loaded, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0.5, loaded.Best(depth.D1))
	assert.Equal(t, 1e3, loaded.Best(depth.SILog))
	assert.Equal(t, int64(0), loaded.Steps[depth.D1])

	// Corrupted file is an error.
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{"), 0644))
	_, err = Load(dir)
	require.Error(t, err)
}

func TestKeeper(t *testing.T) {
	dir := t.TempDir()
	var snapshots []string
	keeper := NewKeeper(dir, nil, func(path string) error {
		snapshots = append(snapshots, filepath.Base(path))
		return os.MkdirAll(path, 0777)
	})

	_, err := keeper.Record(100, depth.Errors{10, 0.1, 0.05, 3, 0.5, 0.2, 0.8, 0.9, 0.95})
	require.NoError(t, err)
	require.Len(t, snapshots, depth.NumMetrics)
	assert.DirExists(t, filepath.Join(dir, "model-100-best_rms_3.00000"))
	assert.FileExists(t, filepath.Join(dir, "model-100-best_rms_3.00000", FileName))

	improvements, err := keeper.Record(200, depth.Errors{10, 0.1, 0.05, 2, 0.5, 0.2, 0.8, 0.9, 0.95})
	require.NoError(t, err)
	require.Len(t, improvements, 1)
	assert.NoDirExists(t, filepath.Join(dir, "model-100-best_rms_3.00000"))
	assert.DirExists(t, filepath.Join(dir, "model-200-best_rms_2.00000"))
	assert.DirExists(t, filepath.Join(dir, "model-100-best_silog_10.00000"))

	saved, err := Load(filepath.Join(dir, "model-200-best_rms_2.00000"))
	require.NoError(t, err)
	assert.Equal(t, int64(200), saved.Steps[depth.RMS])
}

func TestKeeperSnapshotState(t *testing.T) {
	dir := t.TempDir()
	var keeper *Keeper
	stepsAtSnapshot := map[string][depth.NumMetrics]int64{}
	keeper = NewKeeper(dir, nil, func(path string) error {
		stepsAtSnapshot[filepath.Base(path)] = keeper.Tracker.Steps
		return os.MkdirAll(path, 0777)
	})
	_, err := keeper.Record(100, depth.Errors{10, 0.1, 0.05, 3, 0.5, 0.2, 0.8, 0.9, 0.95})
	require.NoError(t, err)

	// Each snapshot sees its own metric updated, but not the ones after it.
	silogSteps := stepsAtSnapshot["model-100-best_silog_10.00000"]
	assert.Equal(t, int64(100), silogSteps[depth.SILog])
	assert.Equal(t, int64(0), silogSteps[depth.RMS])
	saved, err := Load(filepath.Join(dir, "model-100-best_silog_10.00000"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), saved.Steps[depth.RMS])
	assert.Equal(t, 1e3, saved.Best(depth.RMS))

	saved, err = Load(filepath.Join(dir, "model-100-best_d3_0.95000"))
	require.NoError(t, err)
	assert.Equal(t, [depth.NumMetrics]int64{100, 100, 100, 100, 100, 100, 100, 100, 100}, saved.Steps)
}
