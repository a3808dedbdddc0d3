// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/distckpt/pkg/coordination"
	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/trees"
	"github.com/gomlx/distckpt/pkg/zarr"
)

func arange(offset float32, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float32, size)
	for ii := range values {
		values[ii] = offset + float32(ii)
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}

type nested = map[string]any

// newTestState returns a state on a single device. Different offsets give different values with the same
// structure.
func newTestState(step int64, offset float32) State {
	local := distributed.Local
	return State{
		Step: NewStep(step),
		MdlVars: trees.MustFromNested[*distributed.Tensor](nested{
			"dense": nested{
				"w": local(arange(offset, 4, 8)),
				"b": local(arange(offset, 8)),
			},
			"scale": local(tensors.FromScalar(offset)),
		}),
		OptStates: trees.MustFromNested[*distributed.Tensor]([]any{
			nested{"count": local(tensors.FromScalar(int32(step)))},
			nested{"m": nested{"dense": nested{"w": local(arange(-offset, 4, 8))}}},
		}),
	}
}

// statesEqual returns an error describing the first difference between the states, or nil if they are equal.
func statesEqual(want, got State) error {
	if wantStructure, gotStructure := want.Tree().StructureString(), got.Tree().StructureString(); wantStructure != gotStructure {
		return errors.Errorf("want structure %s, got %s", wantStructure, gotStructure)
	}
	addresses, err := Addresses(want)
	if err != nil {
		return err
	}
	leafAddresses := trees.Flatten(addresses.Tree())
	wantLeaves, gotLeaves := trees.Flatten(want.Tree()), trees.Flatten(got.Tree())
	for ii := range wantLeaves {
		if !wantLeaves[ii].Equal(gotLeaves[ii]) {
			return errors.Errorf("leaf %q: want %s, got %s", leafAddresses[ii], wantLeaves[ii], gotLeaves[ii])
		}
	}
	return nil
}

func requireStatesEqual(t *testing.T, want, got State) {
	t.Helper()
	require.NoError(t, statesEqual(want, got))
}

func newTestManager(t *testing.T, dir string, format Format) *Manager {
	m, err := Build(nil).Dir(dir).Format(format).Concurrency(3).Done()
	require.NoError(t, err)
	return m
}

var allFormats = []Format{FormatSharded, FormatTree}

func TestConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := Build(nil).Done()
	require.ErrorContains(t, err, "Config.Dir")
	_, err = Build(nil).Dir(dir).Keep(0).Done()
	require.Error(t, err)
	_, err = Build(nil).Dir(dir).FormatName("orbax").Done()
	require.ErrorIs(t, err, ErrUnsupportedFormat)
	_, err = Build(nil).Dir(dir).Concurrency(0).Done()
	require.Error(t, err)
	_, err = Build(nil).Dir(dir).Compression("lz4").Done()
	require.Error(t, err)

	filePath := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0o600))
	_, err = Build(nil).Dir(filePath).Done()
	require.ErrorContains(t, err, "not a directory")

	m, err := Build(nil).Dir(dir).FormatName("flax").Done()
	require.NoError(t, err)
	assert.Equal(t, FormatTree, m.Format())
	assert.Equal(t, dir, m.Dir())
	assert.Panics(t, func() { Build(nil).MustDone() })
}

func TestParseFormat(t *testing.T) {
	for name, want := range map[string]Format{
		"sharded": FormatSharded, "persistence": FormatSharded, "GDA": FormatSharded,
		"tree": FormatTree, "flax": FormatTree,
	} {
		got, err := ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, "format %q", name)
	}
	_, err := ParseFormat("")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestSaveRestore(t *testing.T) {
	ctx := context.Background()
	for _, format := range allFormats {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			m := newTestManager(t, dir, format)
			_, found, err := m.Latest()
			require.NoError(t, err)
			require.False(t, found)
			_, err = m.Restore(ctx, ShapesOf(newTestState(0, 0)))
			require.ErrorIs(t, err, ErrNotFound)

			state := newTestState(100, 1)
			saved, err := m.Save(ctx, state)
			require.NoError(t, err)
			require.True(t, saved)
			path, found, err := m.Latest()
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, filepath.Join(dir, "checkpoint_00000100"), path)
			tempDirs, err := m.ListTempDirs()
			require.NoError(t, err)
			assert.Empty(t, tempDirs)

			// The state given to Save is not modified.
			requireStatesEqual(t, newTestState(100, 1), state)

			restored, err := m.Restore(ctx, ShapesOf(state))
			require.NoError(t, err)
			requireStatesEqual(t, state, restored)
			step, err := StepOf(restored)
			require.NoError(t, err)
			assert.Equal(t, int64(100), step)

			// A new Manager on the same directory sees the same checkpoints.
			restored, err = newTestManager(t, dir, format).Restore(ctx, ShapesOf(state), AtStep(100))
			require.NoError(t, err)
			requireStatesEqual(t, state, restored)
		})
	}
}

func TestSaveRestoreDTypes(t *testing.T) {
	ctx := context.Background()
	state := State{
		Step: NewStep(1),
		MdlVars: trees.MustFromNested[*distributed.Tensor](nested{
			"f64":  distributed.Local(tensors.FromFlatDataAndDimensions([]float64{1, 2, 3}, 3)),
			"i8":   distributed.Local(tensors.FromFlatDataAndDimensions([]int8{-1, 2}, 2)),
			"bool": distributed.Local(tensors.FromFlatDataAndDimensions([]bool{true, false, true, true}, 2, 2)),
			"u16":  distributed.Local(tensors.FromScalar(uint16(7))),
		}),
	}
	for _, format := range allFormats {
		t.Run(format.String(), func(t *testing.T) {
			m := newTestManager(t, t.TempDir(), format)
			_, err := m.Save(ctx, state)
			require.NoError(t, err)
			restored, err := m.Restore(ctx, ShapesOf(state))
			require.NoError(t, err)
			requireStatesEqual(t, state, restored)
		})
	}
}

func TestCompression(t *testing.T) {
	ctx := context.Background()
	for _, compression := range []zarr.Compression{zarr.CompressionGzip, zarr.CompressionZstd} {
		t.Run(string(compression), func(t *testing.T) {
			dir := t.TempDir()
			m, err := Build(nil).Dir(dir).Compression(compression).Done()
			require.NoError(t, err)
			state := newTestState(3, 0.5)
			_, err = m.Save(ctx, state)
			require.NoError(t, err)

			// Restoring reads the compression from the metadata.
			restored, err := newTestManager(t, dir, FormatSharded).Restore(ctx, ShapesOf(state))
			require.NoError(t, err)
			requireStatesEqual(t, state, restored)

			info, err := Inspect(FinalDirPath(dir, 3))
			require.NoError(t, err)
			for _, leaf := range info.Leaves {
				assert.Equal(t, compression, leaf.Compression, "leaf %q", leaf.Address)
			}
		})
	}
}

func TestStaleSave(t *testing.T) {
	ctx := context.Background()
	for _, format := range allFormats {
		t.Run(format.String(), func(t *testing.T) {
			m := newTestManager(t, t.TempDir(), format)
			saved, err := m.Save(ctx, newTestState(10, 1))
			require.NoError(t, err)
			require.True(t, saved)

			// Same and earlier steps are skipped, and the saved checkpoint is unchanged.
			for _, step := range []int64{10, 5} {
				saved, err = m.Save(ctx, newTestState(step, 2))
				require.NoError(t, err)
				require.False(t, saved)
			}
			steps, err := m.ListSteps()
			require.NoError(t, err)
			assert.Equal(t, []int64{10}, steps)
			restored, err := m.Restore(ctx, ShapesOf(newTestState(10, 1)))
			require.NoError(t, err)
			requireStatesEqual(t, newTestState(10, 1), restored)

			// Unless overwriting.
			saved, err = m.Save(ctx, newTestState(10, 3), WithOverwrite())
			require.NoError(t, err)
			require.True(t, saved)
			restored, err = m.Restore(ctx, ShapesOf(newTestState(10, 3)))
			require.NoError(t, err)
			requireStatesEqual(t, newTestState(10, 3), restored)
			steps, err = m.ListSteps()
			require.NoError(t, err)
			assert.Equal(t, []int64{10}, steps)
		})
	}
}

func TestInvalidStep(t *testing.T) {
	m := newTestManager(t, t.TempDir(), FormatSharded)
	_, err := m.Save(context.Background(), newTestState(-1, 0))
	require.ErrorIs(t, err, ErrInvalidStep)
	_, err = m.Save(context.Background(), newTestState(MaxStep, 0))
	require.ErrorIs(t, err, ErrInvalidStep)
	_, err = m.Restore(context.Background(), ShapesOf(newTestState(0, 0)), AtStep(-3))
	require.ErrorIs(t, err, ErrInvalidStep)
}

func TestTempDirsInvisible(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager(t, dir, FormatSharded)

	// Left over by an interrupted save.
	tempDir := filepath.Join(dir, "checkpoint_00000010.tmp_3")
	require.NoError(t, os.MkdirAll(filepath.Join(tempDir, "mdl_vars.dense.w"), 0o770))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not_a_checkpoint"), 0o770))

	_, found, err := m.Latest()
	require.NoError(t, err)
	assert.False(t, found)
	_, err = m.Restore(ctx, ShapesOf(newTestState(10, 0)), AtStep(10))
	require.ErrorIs(t, err, ErrNotFound)
	tempDirs, err := m.ListTempDirs()
	require.NoError(t, err)
	assert.Equal(t, []string{tempDir}, tempDirs)

	// The next save removes it, and doesn't touch other directories.
	_, err = m.Save(ctx, newTestState(20, 0))
	require.NoError(t, err)
	tempDirs, err = m.ListTempDirs()
	require.NoError(t, err)
	assert.Empty(t, tempDirs)
	assert.DirExists(t, filepath.Join(dir, "not_a_checkpoint"))

	// An empty final directory is not a checkpoint.
	require.NoError(t, os.Mkdir(FinalDirPath(dir, 30), 0o770))
	_, err = m.Restore(ctx, ShapesOf(newTestState(30, 0)), AtStep(30))
	require.ErrorIs(t, err, ErrNotFound)

	// Nor when it is the latest one, in any format.
	for _, format := range allFormats {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			m := newTestManager(t, dir, format)
			require.NoError(t, os.Mkdir(FinalDirPath(dir, 30), 0o770))
			_, err := m.Restore(ctx, ShapesOf(newTestState(30, 0)))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStructureMismatch(t *testing.T) {
	ctx := context.Background()
	state := newTestState(1, 0)
	local := distributed.Local
	for _, format := range allFormats {
		t.Run(format.String(), func(t *testing.T) {
			m := newTestManager(t, t.TempDir(), format)
			_, err := m.Save(ctx, state)
			require.NoError(t, err)

			// Extra leaf.
			bigger := newTestState(1, 0)
			bigger.MdlVars = trees.MustFromNested[*distributed.Tensor](nested{
				"dense": bigger.MdlVars.Map["dense"],
				"scale": bigger.MdlVars.Map["scale"],
				"extra": local(arange(0, 2)),
			})
			_, err = m.Restore(ctx, ShapesOf(bigger))
			require.ErrorIs(t, err, ErrStructureMismatch)
			assert.Contains(t, err.Error(), `"extra"`)

			// Missing leaf.
			smaller := newTestState(1, 0)
			smaller.OptStates = trees.NewList(smaller.OptStates.List[0])
			_, err = m.Restore(ctx, ShapesOf(smaller))
			require.ErrorIs(t, err, ErrStructureMismatch)

			// Same structure, different shape.
			reshaped := ShapesOf(state)
			reshaped.MdlVars = trees.Map(reshaped.MdlVars, func(_ trees.Path, shape shapes.Shape) shapes.Shape {
				if shape.Rank() == 1 {
					return shapes.Make(shape.DType, 2*shape.Dimensions[0])
				}
				return shape
			})
			_, err = m.Restore(ctx, reshaped)
			require.ErrorContains(t, err, "mdl_vars.dense.b")
		})
	}
}

func TestKeepNCheckpoints(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager(t, dir, FormatSharded)
	for step := int64(1); step <= DefaultKeep+1; step++ {
		_, err := m.Save(ctx, newTestState(step, float32(step)))
		require.NoError(t, err)
	}
	steps, err := m.ListSteps()
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, steps)
	assert.NoDirExists(t, FinalDirPath(dir, 1))

	m, err = Build(nil).Dir(dir).Keep(-1).Done()
	require.NoError(t, err)
	for step := int64(12); step <= 14; step++ {
		_, err = m.Save(ctx, newTestState(step, 0))
		require.NoError(t, err)
	}
	steps, err = m.ListSteps()
	require.NoError(t, err)
	assert.Len(t, steps, 13)

	m, err = Build(nil).Dir(dir).Keep(2).Done()
	require.NoError(t, err)
	_, err = m.Save(ctx, newTestState(15, 0))
	require.NoError(t, err)
	steps, err = m.ListSteps()
	require.NoError(t, err)
	assert.Equal(t, []int64{14, 15}, steps)
}

// recordingCoordinator is a single process Coordinator that records the barriers and how many leaves were
// done when each barrier was reached.
type recordingCoordinator struct {
	leavesDone atomic.Int32

	mu        sync.Mutex
	tags      []string
	doneAtTag map[string]int32
}

func newRecordingCoordinator() *recordingCoordinator {
	return &recordingCoordinator{doneAtTag: make(map[string]int32)}
}

func (c *recordingCoordinator) ProcessIndex() int { return 0 }
func (c *recordingCoordinator) ProcessCount() int { return 1 }

func (c *recordingCoordinator) Barrier(ctx context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = append(c.tags, tag)
	c.doneAtTag[tag] = c.leavesDone.Load()
	return ctx.Err()
}

func TestBarriers(t *testing.T) {
	ctx := context.Background()
	for _, format := range allFormats {
		t.Run(format.String(), func(t *testing.T) {
			coordinator := newRecordingCoordinator()
			m, err := Build(coordinator).Dir(t.TempDir()).Format(format).Concurrency(4).Done()
			require.NoError(t, err)
			var slowness atomic.Int32
			m.leafDone = func(address string) {
				// Leaves finish at different times.
				time.Sleep(time.Duration(slowness.Add(1)) * time.Millisecond)
				coordinator.leavesDone.Add(1)
			}
			state := newTestState(7, 0)
			numLeaves := int32(state.Tree().NumLeaves())
			_, err = m.Save(ctx, state)
			require.NoError(t, err)
			assert.Equal(t, []string{
				"checkpoint:temp-deleted:00000007",
				"checkpoint:temp-created:00000007",
				"checkpoint:writes-done:00000007",
			}, coordinator.tags)
			assert.Equal(t, int32(0), coordinator.doneAtTag["checkpoint:temp-created:00000007"])
			assert.Equal(t, numLeaves, coordinator.doneAtTag["checkpoint:writes-done:00000007"],
				"all leaves must be written before the barrier")

			// Stale save: only the first barrier.
			coordinator.tags = nil
			saved, err := m.Save(ctx, state)
			require.NoError(t, err)
			require.False(t, saved)
			assert.Equal(t, []string{"checkpoint:temp-deleted:00000007"}, coordinator.tags)

			coordinator.tags = nil
			coordinator.leavesDone.Store(0)
			_, err = m.Restore(ctx, ShapesOf(state))
			require.NoError(t, err)
			assert.Equal(t, []string{"checkpoint:restored:00000007"}, coordinator.tags)
			assert.Equal(t, numLeaves, coordinator.doneAtTag["checkpoint:restored:00000007"])
		})
	}
}

func TestCancelledSave(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, FormatSharded)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Save(ctx, newTestState(1, 0))
	require.ErrorIs(t, err, context.Canceled)
	_, found, err := m.Latest()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLeafErrorNamesLeaf(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := newTestManager(t, dir, FormatSharded)
	state := newTestState(1, 0)
	_, err := m.Save(ctx, state)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(FinalDirPath(dir, 1), "mdl_vars.dense.w", "0.0")))
	_, err = m.Restore(ctx, ShapesOf(state))
	require.ErrorContains(t, err, "mdl_vars.dense.w")
}

func newMesh(t *testing.T, numProcesses int) *distributed.DeviceMesh {
	mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"data", "model"})
	require.NoError(t, err)
	require.NoError(t, mesh.SetNumProcesses(numProcesses))
	return mesh
}

// newShardedState returns the part of a state sharded over mesh held by the given devices.
func newShardedState(t *testing.T, mesh *distributed.DeviceMesh, devices []int, step int64) State {
	wSpec, err := distributed.BuildSpec(mesh).S("data").S("model").Done()
	require.NoError(t, err)
	bSpec, err := distributed.BuildSpec(mesh).S("model").Done()
	require.NoError(t, err)
	replicated := distributed.NewReplicatedShardingSpec(mesh)
	shard := func(global *tensors.Tensor, spec *distributed.ShardingSpec) *distributed.Tensor {
		dt, err := distributed.FromGlobal(global, spec, devices)
		require.NoError(t, err)
		return dt
	}
	return State{
		Step: NewStep(step),
		MdlVars: trees.MustFromNested[*distributed.Tensor](nested{
			"w": shard(arange(0, 4, 8), wSpec),
			"b": shard(arange(100, 8), bSpec),
			"r": shard(arange(200, 3), replicated),
		}),
		OptStates: trees.MustFromNested[*distributed.Tensor]([]any{
			nested{"w": shard(arange(300, 4, 8), wSpec)},
		}),
	}
}

func TestReshardOnRestore(t *testing.T) {
	ctx := context.Background()
	mesh := newMesh(t, 1)
	allDevices := []int{0, 1, 2, 3}
	state := newShardedState(t, mesh, allDevices, 5)
	m := newTestManager(t, t.TempDir(), FormatSharded)
	_, err := m.Save(ctx, state)
	require.NoError(t, err)

	info, err := Inspect(FinalDirPath(m.Dir(), 5))
	require.NoError(t, err)
	require.Equal(t, FormatSharded, info.Format)
	require.Len(t, info.Leaves, 5)
	for _, leaf := range info.Leaves {
		if leaf.Address == "mdl_vars.w" {
			assert.Equal(t, []int{2, 4}, leaf.ChunkShape.Dimensions)
			assert.Equal(t, 5, leaf.NumFiles) // 4 chunks + metadata.
		}
	}

	// Same specs.
	restored, err := m.Restore(ctx, ShapesOf(state), WithSpecs(SpecsOf(state)))
	require.NoError(t, err)
	requireStatesEqual(t, state, restored)

	// Different partitioning: everything sharded only over "model" along the last axis.
	specs, err := MapTrainState(ShapesOf(state), func(path trees.Path, shape shapes.Shape) (*distributed.ShardingSpec, error) {
		if shape.Rank() == 0 || shape.Dimensions[shape.Rank()-1]%2 != 0 {
			return distributed.NewReplicatedShardingSpec(mesh), nil
		}
		builder := distributed.BuildSpec(mesh)
		for range shape.Rank() - 1 {
			builder.R()
		}
		return builder.S("model").Done()
	})
	require.NoError(t, err)
	specs.Step = distributed.NewReplicatedShardingSpec(distributed.SingleDeviceMesh())
	restored, err = m.Restore(ctx, ShapesOf(state), WithSpecs(specs))
	require.NoError(t, err)
	wantLeaves, gotLeaves := trees.Flatten(state.Tree()), trees.Flatten(restored.Tree())
	for ii, want := range wantLeaves {
		wantGlobal, err := want.Gather()
		require.NoError(t, err)
		gotGlobal, err := gotLeaves[ii].Gather()
		require.NoError(t, err)
		assert.True(t, wantGlobal.Equal(gotGlobal), "leaf #%d", ii)
	}
	assert.Equal(t, []int{4, 4}, restored.MdlVars.Map["w"].Value.Shard(1).Shape().Dimensions)

	// Whole leaves replicated over the mesh.
	restored, err = m.Restore(ctx, ShapesOf(state), WithMesh(mesh))
	require.NoError(t, err)
	w := restored.MdlVars.Map["w"]
	require.Equal(t, allDevices, w.Value.LocalDevices())
	assert.True(t, arange(0, 4, 8).Equal(w.Value.Shard(3)))

	// Specs must match the target structure.
	specs.OptStates = trees.NewList[*distributed.ShardingSpec]()
	_, err = m.Restore(ctx, ShapesOf(state), WithSpecs(specs))
	require.ErrorIs(t, err, ErrStructureMismatch)
}

// runProcesses runs fn concurrently for each participant of a local cluster with n processes.
func runProcesses(t *testing.T, n int, fn func(process int, coordinator Coordinator) error) {
	t.Helper()
	cluster := coordination.NewLocalCluster(n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for process := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[process] = fn(process, cluster.Participant(process))
		}()
	}
	wg.Wait()
	for process, err := range errs {
		require.NoErrorf(t, err, "process #%d", process)
	}
}

// shardedStates returns the part of the sharded state held by each process.
func shardedStates(t *testing.T, mesh *distributed.DeviceMesh, step int64) []State {
	states := make([]State, mesh.NumProcesses())
	for process := range states {
		states[process] = newShardedState(t, mesh, mesh.LocalDevices(process), step)
	}
	return states
}

func TestMultiProcess(t *testing.T) {
	const numProcesses = 2
	ctx := context.Background()
	dir := t.TempDir()
	mesh := newMesh(t, numProcesses)
	statesPerStep := map[int64][]State{
		10: shardedStates(t, mesh, 10),
		15: shardedStates(t, mesh, 15),
		20: shardedStates(t, mesh, 20),
	}
	var savedCount atomic.Int32
	runProcesses(t, numProcesses, func(process int, coordinator Coordinator) error {
		m, err := Build(coordinator).Dir(dir).Done()
		if err != nil {
			return err
		}
		// Step 15 is stale for every process.
		for _, step := range []int64{10, 20, 15} {
			saved, err := m.Save(ctx, statesPerStep[step][process])
			if err != nil {
				return err
			}
			if saved {
				savedCount.Add(1)
			}
		}
		state := statesPerStep[20][process]
		restored, err := m.Restore(ctx, ShapesOf(state), WithSpecs(SpecsOf(state)))
		if err != nil {
			return err
		}
		return statesEqual(state, restored)
	})
	assert.Equal(t, int32(2*numProcesses), savedCount.Load())

	// The whole state can be read back by a single process.
	full := newShardedState(t, newMesh(t, 1), []int{0, 1, 2, 3}, 20)
	restored, err := newTestManager(t, dir, FormatSharded).Restore(ctx, ShapesOf(full), WithSpecs(SpecsOf(full)))
	require.NoError(t, err)
	requireStatesEqual(t, full, restored)
}

func TestMultiProcessTreeFormat(t *testing.T) {
	const numProcesses = 3
	ctx := context.Background()
	dir := t.TempDir()
	runProcesses(t, numProcesses, func(process int, coordinator Coordinator) error {
		m, err := Build(coordinator).Dir(dir).Format(FormatTree).Done()
		if err != nil {
			return err
		}
		// Every process holds the whole state.
		state := newTestState(8, 2)
		if _, err = m.Save(ctx, state); err != nil {
			return err
		}
		restored, err := m.Restore(ctx, ShapesOf(state))
		if err != nil {
			return err
		}
		return statesEqual(state, restored)
	})
	info, err := Inspect(FinalDirPath(dir, 8))
	require.NoError(t, err)
	assert.Equal(t, FormatTree, info.Format)
	assert.Len(t, info.Leaves, newTestState(8, 2).Tree().NumLeaves())
}

func TestPerProcessSubdir(t *testing.T) {
	const numProcesses = 2
	ctx := context.Background()
	dir := t.TempDir()
	states := shardedStates(t, newMesh(t, numProcesses), 4)
	runProcesses(t, numProcesses, func(process int, coordinator Coordinator) error {
		m, err := Build(coordinator).Dir(dir).PerProcessSubdir().Done()
		if err != nil {
			return err
		}
		state := states[process]
		if _, err = m.Save(ctx, state); err != nil {
			return err
		}
		restored, err := m.Restore(ctx, ShapesOf(state), WithSpecs(SpecsOf(state)))
		if err != nil {
			return err
		}
		return statesEqual(state, restored)
	})
	assert.DirExists(t, FinalDirPath(filepath.Join(dir, "000"), 4))
	assert.DirExists(t, FinalDirPath(filepath.Join(dir, "001"), 4))
	assert.NoDirExists(t, FinalDirPath(dir, 4))
}
