// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/transdepth/bestmodels"
	"github.com/gomlx/transdepth/depth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeCheckpoint(t *testing.T, dir, baseName, contents string) {
	require.NoError(t, os.MkdirAll(dir, 0777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, baseName+".json"), []byte(contents), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, baseName+".bin"), []byte(contents), 0644))
}

func TestListCheckpoints(t *testing.T) {
	dir := t.TempDir()
	names, err := listCheckpoints(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, 0, nextCheckpointCount(names))

	writeFakeCheckpoint(t, dir, "checkpoint-n0000010-20240101-000000-step-00000100", "b")
	writeFakeCheckpoint(t, dir, "checkpoint-n0000002-20250101-000000-step-00000020", "a")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "args.txt"), nil, 0644))
	names, err = listCheckpoints(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"checkpoint-n0000002-20250101-000000-step-00000020",
		"checkpoint-n0000010-20240101-000000-step-00000100",
	}, names)
	assert.Equal(t, 11, nextCheckpointCount(names))
}

func TestSeedCheckpoint(t *testing.T) {
	src := filepath.Join(t.TempDir(), "model-100-best_rms_2.50000")
	writeFakeCheckpoint(t, src, "checkpoint-n0000001-20240101-000000-step-00000050", "old")
	writeFakeCheckpoint(t, src, "checkpoint-n0000004-20240101-000000-step-00000100", "latest")
	tracker := bestmodels.New()
	tracker.Update(100, depth.Errors{1, 1, 1, 2.5, 1, 1, 0.5, 0.6, 0.7})
	require.NoError(t, tracker.Save(src))

	dst := filepath.Join(t.TempDir(), "checkpoints")
	writeFakeCheckpoint(t, dst, "checkpoint-n0000007-20240101-000000-step-00000300", "resume")
	found, err := seedCheckpoint(src, dst)
	require.NoError(t, err)
	require.True(t, found)

	names, err := listCheckpoints(dst)
	require.NoError(t, err)
	require.Len(t, names, 2)
	latest := names[len(names)-1]
	assert.True(t, strings.HasPrefix(latest, "checkpoint-n0000008-"), latest)
	contents, err := os.ReadFile(filepath.Join(dst, latest+".bin"))
	require.NoError(t, err)
	assert.Equal(t, "latest", string(contents))

	loaded, err := bestmodels.Load(dst)
	require.NoError(t, err)
	assert.Equal(t, 2.5, loaded.Best(depth.RMS))
	assert.Equal(t, int64(100), loaded.Steps[depth.RMS])
}

func TestSeedCheckpointFromFile(t *testing.T) {
	src := t.TempDir()
	base := "checkpoint-n0000003-20240101-000000-step-00000030"
	writeFakeCheckpoint(t, src, base, "weights")

	// Stale best values in the destination are removed, since the source has none.
	dst := t.TempDir()
	require.NoError(t, bestmodels.New().Save(dst))
	found, err := seedCheckpoint(filepath.Join(src, base+".json"), dst)
	require.NoError(t, err)
	require.True(t, found)
	assert.NoFileExists(t, filepath.Join(dst, bestmodels.FileName))
	names, err := listCheckpoints(dst)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.True(t, strings.HasPrefix(names[0], "checkpoint-n0000000-"), names[0])

	found, err = seedCheckpoint(filepath.Join(src, "checkpoint-n0000009-missing"), dst)
	require.NoError(t, err)
	assert.False(t, found)
	found, err = seedCheckpoint(t.TempDir(), dst)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSnapshot(t *testing.T) {
	ctx := context.New()
	_ = ctx.VariableWithValue("weights", []float32{1, 2, 3})
	handler, err := checkpoints.Build(ctx).Dir(filepath.Join(t.TempDir(), "checkpoints")).Keep(1).Done()
	require.NoError(t, err)
	tracker := bestmodels.New()
	s := &snapshotter{handler: handler, tracker: tracker}

	dir := filepath.Join(t.TempDir(), "model-10")
	require.NoError(t, s.snapshot(dir))
	names, err := listCheckpoints(dir)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.FileExists(t, filepath.Join(dir, names[0]+".bin"))
	assert.FileExists(t, filepath.Join(dir, bestmodels.FileName))
	assert.FileExists(t, filepath.Join(handler.Dir(), bestmodels.FileName))

	// Rotation of the handler checkpoints doesn't affect the snapshot.
	require.NoError(t, s.save())
	require.NoError(t, s.save())
	assert.FileExists(t, filepath.Join(dir, names[0]+".json"))
	found, err := seedCheckpoint(dir, filepath.Join(t.TempDir(), "seeded"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0644))
	dst := filepath.Join(dir, "dst.bin")
	require.NoError(t, copyFile(src, dst))
	contents, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(contents))

	require.Error(t, copyFile(filepath.Join(dir, "missing"), filepath.Join(dir, "other.bin")))
	require.Error(t, copyFile(src, filepath.Join(dir, "no_dir", "dst.bin")))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files left behind")
}
