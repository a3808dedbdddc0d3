// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements the saving and restoring of the training state of a model whose leaves may be
// distributed across the devices of many processes.
//
// The main object is the Manager, created by calling Build, followed by the various options setting and finally
// calling Config.Done. Every process of the job creates its own Manager, with a Coordinator that identifies the
// process and synchronizes the processes, and all of them call Manager.Save and Manager.Restore together.
//
// Checkpoints are directories named after the step ("checkpoint_00005000"). A save writes into a temporary
// directory ("checkpoint_00005000.tmp_5000"), which is renamed to the final name only after every process
// finished writing, so readers never see incomplete checkpoints. The sequence of a save is:
//
//  1. The primary process (index 0) deletes temporary directories left by interrupted saves. Barrier.
//  2. If a checkpoint with the same or a later step exists, the save is skipped (with a warning) by every process.
//     The check runs after the first barrier, so that every process sees the same listing: a skipped save
//     still deletes the temporary directories of step 1.
//  3. The primary process creates the temporary directory. Barrier.
//  4. Every process writes its leaves (or shards of leaves) concurrently. Barrier.
//  5. The primary process renames the temporary directory and prunes the oldest checkpoints beyond Config.Keep.
//
// Example:
//
//	manager, err := checkpoints.Build(coordinator).Dir(*flagCheckpoint).Keep(10).Done()
//	if err != nil { … }
//	if _, found, _ := manager.Latest(); found {
//		state, err = manager.Restore(ctx, checkpoints.ShapesOf(state), checkpoints.WithSpecs(checkpoints.SpecsOf(state)))
//		…
//	}
//	for … {
//		// train …
//		if step%saveInterval == 0 {
//			_, err = manager.Save(ctx, state)
//		}
//	}
package checkpoints

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
	"github.com/gomlx/distckpt/pkg/trees"
	"github.com/gomlx/distckpt/pkg/zarr"
)

// DefaultKeep is the default number of checkpoints kept by the Manager.
const DefaultKeep = 10

// Config for the Manager to be created. This is created with Build and configured with the various methods.
// Once finished, call Done and it will output a Manager.
type Config struct {
	coordinator Coordinator
	err         error

	dir              string
	keep             int
	format           Format
	perProcessSubdir bool
	concurrency      int
	compression      zarr.Compression
}

// Build a configuration for a Manager. After configuring the Config object returned, call Done to get
// the Manager.
//
// The coordinator identifies the process within the job and synchronizes the processes.
// If nil, SingleProcess() is used.
//
// Config.Dir must be set.
func Build(coordinator Coordinator) *Config {
	if coordinator == nil {
		coordinator = SingleProcess()
	}
	return &Config{
		coordinator: coordinator,
		keep:        DefaultKeep,
		format:      FormatSharded,
		concurrency: runtime.NumCPU(),
		compression: zarr.CompressionNone,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the base directory of the checkpoints. A "~" prefix is replaced by the user's home directory.
//
// The directory is created (by the primary process) on the first save.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	fi, err := os.Stat(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", dir))
		return c
	}
	c.dir = dir
	return c
}

// Keep configures the number of checkpoints to keep. If set to a negative number, it will never erase older
// checkpoints. The default is DefaultKeep.
//
// Keep(0) is an error, since it would remove every checkpoint right after saving it.
func (c *Config) Keep(n int) *Config {
	if n == 0 {
		c.setError(errors.New("Keep(0) would remove every checkpoint, use a negative value to keep all of them"))
		return c
	}
	c.keep = n
	return c
}

// Format of the checkpoints to save and restore. The default is FormatSharded.
func (c *Config) Format(format Format) *Config {
	if _, err := format.strategy(); err != nil {
		c.setError(err)
		return c
	}
	c.format = format
	return c
}

// FormatName sets the format by its name: see ParseFormat.
func (c *Config) FormatName(name string) *Config {
	format, err := ParseFormat(name)
	if err != nil {
		c.setError(err)
		return c
	}
	return c.Format(format)
}

// PerProcessSubdir makes each process keep its own checkpoints in the subdirectory "%03d" (of its process
// index) of the base directory. Each process then writes all of its local shards and is responsible for the
// directory operations of its own subdirectory.
//
// Restoring requires the same topology used when saving.
func (c *Config) PerProcessSubdir() *Config {
	c.perProcessSubdir = true
	return c
}

// Concurrency sets the maximum number of leaves written or read concurrently. The default is runtime.NumCPU().
func (c *Config) Concurrency(n int) *Config {
	if n <= 0 {
		c.setError(errors.Errorf("Concurrency(%d) must be > 0", n))
		return c
	}
	c.concurrency = n
	return c
}

// Compression of the chunks of FormatSharded checkpoints. The default is zarr.CompressionNone.
// Restoring reads the compression of each leaf from its metadata.
func (c *Config) Compression(compression zarr.Compression) *Config {
	if _, err := zarr.ParseCompression(string(compression)); err != nil {
		c.setError(err)
		return c
	}
	c.compression = compression
	return c
}

// Done creates a Manager with the current configuration. It returns an error if the configuration is
// invalid or if it's missing information.
func (c *Config) Done() (*Manager, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("directory for checkpoints not configured: use Config.Dir")
	}
	strategy, err := c.format.strategy()
	if err != nil {
		return nil, err
	}
	m := &Manager{config: *c, strategy: strategy, baseDir: c.dir}
	if c.perProcessSubdir {
		m.baseDir = filepath.Join(c.dir, fmt.Sprintf("%03d", c.coordinator.ProcessIndex()))
	}
	klog.V(1).Infof("created %s", m)
	return m, nil
}

// MustDone constructs the Manager. It panics if there was an error.
func (c *Config) MustDone() *Manager {
	m, err := c.Done()
	if err != nil {
		panic(errors.WithMessage(err, "failed to create checkpoints.Manager"))
	}
	return m
}

// Manager saves and restores checkpoints of a TrainState in a directory.
//
// It is created and configured using Build(), followed by options setting and then calling Config.Done().
// The Manager holds no state besides its configuration, so it's safe to use a new one for each call. Calls
// to Save and Restore must be made by every process of the job in the same order.
type Manager struct {
	config   Config
	strategy formatStrategy
	baseDir  string

	// leafDone, if set, is called whenever the writing or reading of a leaf finishes. Used for testing.
	leafDone func(address string)
}

// String implements fmt.Stringer.
func (m *Manager) String() string {
	return fmt.Sprintf("checkpoints.Manager(%q, format=%s, process %d of %d)",
		m.baseDir, m.config.format, m.config.coordinator.ProcessIndex(), m.config.coordinator.ProcessCount())
}

// Dir returns the directory holding the checkpoints of this process. It's the configured directory, or its
// per-process subdirectory if PerProcessSubdir was configured.
func (m *Manager) Dir() string {
	return m.baseDir
}

// Format returns the configured checkpoint format.
func (m *Manager) Format() Format {
	return m.config.format
}

// Coordinator returns the coordinator used by the Manager.
func (m *Manager) Coordinator() Coordinator {
	return m.config.coordinator
}

// ownsDir returns whether this process makes the changes to the checkpoints directory.
func (m *Manager) ownsDir() bool {
	return m.config.perProcessSubdir || IsPrimary(m.config.coordinator)
}

// listDir returns the names of the final and temporary checkpoint directories. Final names are sorted by step.
func (m *Manager) listDir() (finals, temps []string, err error) {
	names, err := fsutil.ListSubdirs(m.baseDir)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		switch ClassifyDirName(name) {
		case FinalDir:
			finals = append(finals, name)
		case TempDir:
			temps = append(temps, name)
		default:
			klog.V(1).Infof("%s: ignoring directory %q", m, name)
		}
	}
	// Zero-padded steps: lexicographic order is the numeric order.
	slices.Sort(finals)
	return finals, temps, nil
}

// ListSteps returns the steps of the complete checkpoints, in increasing order.
func (m *Manager) ListSteps() ([]int64, error) {
	finals, _, err := m.listDir()
	if err != nil {
		return nil, err
	}
	steps := make([]int64, 0, len(finals))
	for _, name := range finals {
		step, err := StepFromDirName(name)
		if err != nil {
			klog.Warningf("%s: skipping checkpoint directory %q: %v", m, name, err)
			continue
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// ListTempDirs returns the paths of the temporary directories: saves in progress, or left by interrupted saves.
func (m *Manager) ListTempDirs() ([]string, error) {
	_, temps, err := m.listDir()
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(temps))
	for ii, name := range temps {
		paths[ii] = filepath.Join(m.baseDir, name)
	}
	return paths, nil
}

// Latest returns the path of the complete checkpoint with the highest step. If there are no checkpoints
// (or the directory doesn't exist) found is false, and it's not an error.
func (m *Manager) Latest() (path string, found bool, err error) {
	step, found, err := m.LatestStep()
	if err != nil || !found {
		return "", false, err
	}
	return FinalDirPath(m.baseDir, step), true, nil
}

// LatestStep returns the step of the latest complete checkpoint. See Latest.
func (m *Manager) LatestStep() (step int64, found bool, err error) {
	steps, err := m.ListSteps()
	if err != nil || len(steps) == 0 {
		return 0, false, err
	}
	return steps[len(steps)-1], true, nil
}

// Save the state as a new checkpoint, at the step given by the state (see StepOf).
//
// It must be called by every process of the job. It returns whether the checkpoint was saved: if a checkpoint
// with the same or a later step already exists, the save is skipped with a warning (unless WithOverwrite is
// given), and that is not an error.
//
// The state is not modified. On error no new checkpoint is observable, but a temporary directory may be left
// behind: it is deleted by the next save.
func (m *Manager) Save(ctx context.Context, state State, options ...SaveOption) (saved bool, err error) {
	opts := collectSaveOptions(options...)
	coordinator := m.config.coordinator
	step, err := StepOf(state)
	if err != nil {
		return false, errors.WithMessagef(err, "%s: Save()", m)
	}
	if err = ValidateStep(step); err != nil {
		return false, errors.WithMessagef(err, "%s: Save()", m)
	}
	addresses, err := Addresses(state)
	if err != nil {
		return false, errors.WithMessagef(err, "%s: Save(step=%d)", m, step)
	}
	start := time.Now()

	// Delete temporary directories of interrupted saves.
	if m.ownsDir() {
		if err = m.deleteTempDirs(); err != nil {
			return false, err
		}
	}
	if err = coordinator.Barrier(ctx, barrierTag(barrierTempDeleted, step)); err != nil {
		return false, errors.WithMessagef(err, "%s: Save(step=%d) waiting for temporary directories deletion", m, step)
	}

	// Staleness check: after the barrier, any previous save of the primary process is complete, so
	// every process sees the same list and takes the same decision.
	latestStep, found, err := m.LatestStep()
	if err != nil {
		return false, err
	}
	if found && latestStep >= step && !opts.overwrite {
		klog.Warningf("%s: a checkpoint for step %d is already saved, skipping checkpoint for step %d",
			m, latestStep, step)
		return false, nil
	}

	tempDir := TempDirPath(m.baseDir, step)
	finalDir := FinalDirPath(m.baseDir, step)
	if m.ownsDir() {
		if err = os.MkdirAll(tempDir, fsutil.DirPermMode); err != nil {
			return false, errors.Wrapf(err, "%s: failed to create temporary checkpoint directory", m)
		}
		klog.V(1).Infof("%s: created temporary checkpoint directory %q", m, tempDir)
	}
	if err = coordinator.Barrier(ctx, barrierTag(barrierTempCreated, step)); err != nil {
		return false, errors.WithMessagef(err, "%s: Save(step=%d) waiting for temporary directory creation", m, step)
	}

	if err = m.strategy.save(ctx, m, tempDir, state, addresses); err != nil {
		return false, errors.WithMessagef(err, "%s: Save(step=%d) into %q", m, step, tempDir)
	}
	if err = coordinator.Barrier(ctx, barrierTag(barrierWritesDone, step)); err != nil {
		return false, errors.WithMessagef(err, "%s: Save(step=%d) waiting for all processes to write", m, step)
	}

	if m.ownsDir() {
		if opts.overwrite {
			if err = os.RemoveAll(finalDir); err != nil {
				return false, errors.Wrapf(err, "%s: failed to remove checkpoint to overwrite", m)
			}
		}
		if err = os.Rename(tempDir, finalDir); err != nil {
			return false, errors.Wrapf(err, "%s: failed to rename temporary checkpoint directory", m)
		}
		if err = m.keepNCheckpoints(); err != nil {
			return true, err
		}
	}
	klog.Infof("%s: saved checkpoint for step %d (%d leaves) to %q in %s",
		m, step, state.Tree().NumLeaves(), finalDir, time.Since(start).Round(time.Millisecond))
	return true, nil
}

func (m *Manager) deleteTempDirs() error {
	temps, err := m.ListTempDirs()
	if err != nil {
		return err
	}
	if len(temps) > 0 {
		klog.Warningf("%s: found incompletely saved checkpoints %q, deleting them", m, temps)
	}
	for _, dir := range temps {
		if err = os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "%s: failed to delete incomplete checkpoint", m)
		}
	}
	return nil
}

// keepNCheckpoints removes the oldest complete checkpoints beyond the number configured by Config.Keep.
// Temporary directories are not touched.
func (m *Manager) keepNCheckpoints() error {
	if m.config.keep < 0 {
		return nil
	}
	finals, _, err := m.listDir()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", m)
	}
	if len(finals) <= m.config.keep {
		return nil
	}
	for _, name := range finals[:len(finals)-m.config.keep] {
		dir := filepath.Join(m.baseDir, name)
		klog.V(1).Infof("%s: removing old checkpoint %q", m, dir)
		if err = os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint", m)
		}
	}
	return nil
}

// Restore the checkpoint of the latest step (or of the step given with AtStep), with the structure of target.
//
// It must be called by every process of the job. It returns a new State: the structure of the saved state must
// match target exactly, otherwise it returns an error wrapping ErrStructureMismatch. If there is no checkpoint
// to restore it returns an error wrapping ErrNotFound.
//
// By default, each leaf is restored whole on a single device. Use WithMesh or WithSpecs to restore the leaves
// distributed over the local devices of the process.
func (m *Manager) Restore(ctx context.Context, target TrainState[shapes.Shape], options ...RestoreOption) (State, error) {
	opts := collectRestoreOptions(options...)
	step, err := m.resolveRestoreStep(opts)
	if err != nil {
		return State{}, err
	}
	dir := FinalDirPath(m.baseDir, step)
	addresses, err := Addresses(target)
	if err != nil {
		return State{}, errors.WithMessagef(err, "%s: Restore(step=%d)", m, step)
	}
	specs, err := m.restoreSpecs(target, opts)
	if err != nil {
		return State{}, errors.WithMessagef(err, "%s: Restore(step=%d)", m, step)
	}

	start := time.Now()
	state, err := m.strategy.restore(ctx, m, dir, target, addresses, specs)
	if err != nil {
		return State{}, errors.WithMessagef(err, "%s: Restore(step=%d) from %q", m, step, dir)
	}
	if err = m.config.coordinator.Barrier(ctx, barrierTag(barrierRestored, step)); err != nil {
		return State{}, errors.WithMessagef(err, "%s: Restore(step=%d) waiting for all processes to restore", m, step)
	}
	klog.Infof("%s: restored checkpoint for step %d from %q in %s", m, step, dir, time.Since(start).Round(time.Millisecond))
	return state, nil
}

// resolveRestoreStep returns the step to restore: the one requested or the latest one, which must be a complete
// non-empty checkpoint.
func (m *Manager) resolveRestoreStep(opts *restoreOptions) (int64, error) {
	step := opts.step
	if opts.hasStep {
		if err := ValidateStep(step); err != nil {
			return 0, errors.WithMessagef(err, "%s: Restore()", m)
		}
	} else {
		var found bool
		var err error
		step, found, err = m.LatestStep()
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, errors.Wrapf(ErrNotFound, "%s: no checkpoints in %q", m, m.baseDir)
		}
	}
	dir := FinalDirPath(m.baseDir, step)
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, errors.Wrapf(ErrNotFound, "%s: no checkpoint for step %d (%q)", m, step, dir)
	}
	empty, err := fsutil.IsDirEmpty(dir)
	if err != nil {
		return 0, err
	}
	if empty {
		return 0, errors.Wrapf(ErrNotFound, "%s: checkpoint for step %d (%q) is empty", m, step, dir)
	}
	return step, nil
}

// restoreSpecs returns the sharding spec to use for each leaf of target.
func (m *Manager) restoreSpecs(target TrainState[shapes.Shape], opts *restoreOptions) (TrainState[*distributed.ShardingSpec], error) {
	if opts.specs != nil {
		if err := trees.CheckCongruent(target.Tree(), opts.specs.Tree()); err != nil {
			return TrainState[*distributed.ShardingSpec]{}, errors.WithMessage(err, "sharding specs don't match the target")
		}
		return *opts.specs, nil
	}
	mesh := opts.mesh
	if mesh == nil {
		mesh = distributed.SingleDeviceMesh()
	}
	spec := distributed.NewReplicatedShardingSpec(mesh)
	return MapTrainState(target, func(_ trees.Path, _ shapes.Shape) (*distributed.ShardingSpec, error) {
		return spec, nil
	})
}

// localDevices returns the devices of the mesh that this process holds.
//
// A mesh owned by a single process is taken to be local to every process.
func (m *Manager) localDevices(mesh *distributed.DeviceMesh) ([]int, error) {
	if mesh.NumProcesses() == 1 {
		devices := make([]int, mesh.NumDevices())
		for ii := range devices {
			devices[ii] = ii
		}
		return devices, nil
	}
	coordinator := m.config.coordinator
	if mesh.NumProcesses() != coordinator.ProcessCount() {
		return nil, errors.Errorf("%s is distributed over %d processes, but the job has %d processes",
			mesh, mesh.NumProcesses(), coordinator.ProcessCount())
	}
	return mesh.LocalDevices(coordinator.ProcessIndex()), nil
}

// forEachLeaf calls fn concurrently for the leaves 0 to numLeaves-1, with at most Config.Concurrency calls at a
// time. It returns the first error, which cancels the context given to the pending calls.
func (m *Manager) forEachLeaf(ctx context.Context, numLeaves int, fn func(ctx context.Context, leafIdx int) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.concurrency)
	for leafIdx := range numLeaves {
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return fn(gCtx, leafIdx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Manager) notifyLeafDone(address string, numBytes uintptr) {
	if klog.V(2).Enabled() {
		klog.Infof("%s: leaf %q done (%s)", m, address, humanize.Bytes(uint64(numBytes)))
	}
	if m.leafDone != nil {
		m.leafDone(address)
	}
}
