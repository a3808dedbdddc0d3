// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
	"github.com/gomlx/distckpt/pkg/support/sets"
	"github.com/gomlx/distckpt/pkg/trees"
	"github.com/gomlx/distckpt/pkg/zarr"
)

// shardedFormat implements FormatSharded: one zarr array per leaf, in a directory named after the leaf address.
type shardedFormat struct{}

func (shardedFormat) save(ctx context.Context, m *Manager, dir string, state State, addresses TrainState[string]) error {
	leaves := trees.Flatten(state.Tree())
	leafAddresses := trees.Flatten(addresses.Tree())
	return m.forEachLeaf(ctx, len(leaves), func(ctx context.Context, leafIdx int) error {
		address := leafAddresses[leafIdx]
		leaf := leaves[leafIdx]
		numBytes, err := m.writeShards(ctx, filepath.Join(dir, address), leaf)
		if err != nil {
			return errors.WithMessagef(err, "saving leaf %q", address)
		}
		m.notifyLeafDone(address, numBytes)
		return nil
	})
}

// writeShards writes the shards of the leaf this process is responsible for, and returns the number of bytes
// written (before compression).
//
// The chunks of the zarr array are the shards of the leaf. The primary process writes the metadata, and each
// shard is written only by the process holding the device with replica id 0 for the shard.
func (m *Manager) writeShards(ctx context.Context, leafDir string, leaf *distributed.Tensor) (uintptr, error) {
	shape := leaf.Shape()
	spec := leaf.Spec()
	shardShape := spec.ShardShape(shape)
	if !shardShape.Ok() {
		return 0, errors.Errorf("%s cannot shard tensor shaped %s", spec, shape)
	}
	meta, err := zarr.NewMetadata(shape, shardShape.Dimensions, m.config.compression)
	if err != nil {
		return 0, err
	}
	array, err := zarr.Create(leafDir, meta, m.ownsDir())
	if err != nil {
		return 0, err
	}

	var numBytes uintptr
	written := sets.Make[string]()
	for _, device := range leaf.LocalDevices() {
		if err = ctx.Err(); err != nil {
			return 0, err
		}
		owns, err := m.ownsShard(spec, device)
		if err != nil {
			return 0, err
		}
		if !owns {
			continue
		}
		starts, _, err := spec.ShardRegion(shape, device)
		if err != nil {
			return 0, err
		}
		regionKey := fmt.Sprint(starts)
		if written.Has(regionKey) {
			continue
		}
		shard := leaf.Shard(device)
		if err = array.WriteRegion(starts, shard); err != nil {
			return 0, errors.WithMessagef(err, "writing shard of device #%d", device)
		}
		written.Insert(regionKey)
		numBytes += shard.Memory()
	}
	return numBytes, nil
}

// ownsShard returns whether this process should write the shard of the given device.
func (m *Manager) ownsShard(spec *distributed.ShardingSpec, device int) (bool, error) {
	if m.config.perProcessSubdir {
		// Each process keeps a copy of all its local shards.
		return true, nil
	}
	if spec.Mesh.NumProcesses() == 1 {
		// Every process holds all shards: only the primary writes them.
		return IsPrimary(m.config.coordinator), nil
	}
	if spec.Mesh.NumProcesses() != m.config.coordinator.ProcessCount() {
		return false, errors.Errorf("%s is distributed over %d processes, but the job has %d processes",
			spec.Mesh, spec.Mesh.NumProcesses(), m.config.coordinator.ProcessCount())
	}
	if spec.Mesh.ProcessOfDevice(device) != m.config.coordinator.ProcessIndex() {
		return false, nil
	}
	replicaID, err := spec.ReplicaID(device)
	if err != nil {
		return false, err
	}
	return replicaID == 0, nil
}

func (shardedFormat) restore(ctx context.Context, m *Manager, dir string, target TrainState[shapes.Shape],
	addresses TrainState[string], specs TrainState[*distributed.ShardingSpec]) (State, error) {
	targetTree := target.Tree()
	leafAddresses := trees.Flatten(addresses.Tree())
	if err := checkLeafDirs(dir, leafAddresses, targetTree.StructureString()); err != nil {
		return State{}, err
	}
	leafShapes := trees.Flatten(targetTree)
	leafSpecs := trees.Flatten(specs.Tree())
	results := make([]*distributed.Tensor, len(leafShapes))
	err := m.forEachLeaf(ctx, len(leafShapes), func(ctx context.Context, leafIdx int) error {
		address := leafAddresses[leafIdx]
		leaf, err := m.readShards(ctx, filepath.Join(dir, address), leafShapes[leafIdx], leafSpecs[leafIdx])
		if err != nil {
			return errors.WithMessagef(err, "restoring leaf %q", address)
		}
		results[leafIdx] = leaf
		m.notifyLeafDone(address, leafShapes[leafIdx].Memory())
		return nil
	})
	if err != nil {
		return State{}, err
	}
	tree, err := trees.Unflatten(targetTree, results)
	if err != nil {
		return State{}, err
	}
	return TrainStateFromTree(tree)
}

// checkLeafDirs verifies that the checkpoint has exactly one directory per expected leaf address.
func checkLeafDirs(dir string, leafAddresses []string, targetStructure string) error {
	names, err := fsutil.ListSubdirs(dir)
	if err != nil {
		return err
	}
	expected := sets.MakeWith(leafAddresses...)
	found := sets.MakeWith(names...)
	missing := sets.Sorted(expected.Sub(found))
	unexpected := sets.Sorted(found.Sub(expected))
	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	return errors.Wrapf(ErrStructureMismatch,
		"checkpoint doesn't match the requested structure: missing leaves %q, unexpected leaves %q:"+
			"\n\tsaved leaves        %q\n\trequested structure %s",
		missing, unexpected, sets.Sorted(found), targetStructure)
}

// readShards reads the shards of the leaf for the local devices of this process, according to spec.
// The spec may differ from the one used when saving.
func (m *Manager) readShards(ctx context.Context, leafDir string, shape shapes.Shape, spec *distributed.ShardingSpec) (*distributed.Tensor, error) {
	array, err := zarr.Open(leafDir)
	if err != nil {
		return nil, err
	}
	if !array.Shape().Equal(shape) {
		return nil, errors.Errorf("saved leaf is shaped %s, but %s was requested", array.Shape(), shape)
	}
	devices, err := m.localDevices(spec.Mesh)
	if err != nil {
		return nil, err
	}
	shards := make(map[int]*tensors.Tensor, len(devices))
	regions := make(map[string]*tensors.Tensor)
	for _, device := range devices {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		starts, ends, err := spec.ShardRegion(shape, device)
		if err != nil {
			return nil, err
		}
		regionKey := fmt.Sprint(starts)
		if shard, found := regions[regionKey]; found {
			shards[device] = shard.Clone()
			continue
		}
		shard, err := array.ReadRegion(starts, ends)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading shard of device #%d", device)
		}
		regions[regionKey] = shard
		shards[device] = shard
	}
	return distributed.New(spec, shape, shards)
}
