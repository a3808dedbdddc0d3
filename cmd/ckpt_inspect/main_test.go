package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/core/tensors/numpy"
	"github.com/gomlx/distckpt/pkg/trees"
)

func TestComputeLeafStats(t *testing.T) {
	stats, err := ComputeLeafStats(tensors.FromFlatDataAndDimensions([]float32{3, -4}, 2))
	require.NoError(t, err)
	assert.InDelta(t, 3.5, stats.MAV, 1e-9)
	assert.InDelta(t, math.Sqrt(12.5), stats.RMS, 1e-9)
	assert.InDelta(t, 4.0, stats.MaxAV, 1e-9)

	stats, err = ComputeLeafStats(tensors.FromScalar(int64(-7)))
	require.NoError(t, err)
	assert.Equal(t, -7.0, stats.MAV)
	assert.Equal(t, 7.0, stats.MaxAV)
}

func TestTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	manager, err := checkpoints.Build(nil).Dir(dir).Done()
	require.NoError(t, err)
	state := checkpoints.State{
		Step: checkpoints.NewStep(12),
		MdlVars: trees.NewMap(map[string]*trees.Tree[*distributed.Tensor]{
			"w": trees.NewLeaf(distributed.Local(tensors.FromFlatDataAndDimensions([]float32{1, -2, 3, -4}, 2, 2))),
		}),
	}
	_, err = manager.Save(ctx, state)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(checkpoints.TempDirPath(dir, 20), 0o755))

	steps := StepsTable(manager)
	assert.Equal(t, 2, steps.Count)
	assert.Equal(t, map[int]bool{1: true}, steps.Reds)
	rendered := steps.Render()
	assert.Contains(t, rendered, "checkpoint_00000012")
	assert.Contains(t, rendered, "incomplete")

	info, err := checkpoints.Inspect(checkpoints.FinalDirPath(dir, 12))
	require.NoError(t, err)
	summary := SummaryTable(manager, info)
	assert.Equal(t, map[int]bool{2: true}, summary.Reds)
	assert.Contains(t, summary.Render(), "sharded")

	leaves := LeavesTable(info, true)
	assert.Equal(t, 2, leaves.Count)
	assert.Contains(t, leaves.Render(), "mdl_vars.w")

	npzPath := filepath.Join(t.TempDir(), "leaves.npz")
	exportNpz(info, npzPath)
	values, err := numpy.FromNpzFile(npzPath)
	require.NoError(t, err)
	require.Contains(t, values, "mdl_vars.w")
	assert.Equal(t, []float32{1, -2, 3, -4}, tensors.MustCopyFlatData[float32](values["mdl_vars.w"]))
	assert.Equal(t, int64(12), tensors.ToScalar[int64](values["step"]))
}
