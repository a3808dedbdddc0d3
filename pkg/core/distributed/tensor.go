// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the following objects related to data distributed across devices and processes:
//
//   - DeviceMesh: expresses the topology of a set of devices, in terms of axis and their sizes, and which
//     process owns each device.
//   - ShardingSpec: defines how a logical tensor is sharded across a DeviceMesh.
//   - Tensor: a logical tensor distributed across multiple devices organized as a DeviceMesh, of which
//     a process holds only the shards of its local devices.
package distributed

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
)

// Tensor is a logical tensor distributed across multiple devices organized as a DeviceMesh.
//
// It holds the physical tensor shards of the devices local to the process (not necessarily all devices of the
// mesh), and the sharding specification.
//
// A Tensor is treated as an immutable value: its shards should not be changed after creation.
type Tensor struct {
	spec  *ShardingSpec
	shape shapes.Shape

	// shards holds the physical tensor data for each local device.
	shards map[int]*tensors.Tensor
}

// New creates a new Tensor with the given logical shape, from the shards of some devices.
//
// Each shard must have the shape given by spec.ShardShape(logicalShape).
func New(spec *ShardingSpec, logicalShape shapes.Shape, shards map[int]*tensors.Tensor) (*Tensor, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid ShardingSpec")
	}
	shardShape := spec.ShardShape(logicalShape)
	if !shardShape.Ok() {
		return nil, errors.Errorf("%s cannot shard tensor shaped %s", spec, logicalShape)
	}
	for device, shard := range shards {
		if device < 0 || device >= spec.Mesh.NumDevices() {
			return nil, errors.Errorf("shard for device #%d out of range for %s", device, spec.Mesh)
		}
		if !shard.Shape().Equal(shardShape) {
			return nil, errors.Errorf("shard for device #%d has shape %s, but %s requires %s for logical shape %s",
				device, shard.Shape(), spec, shardShape, logicalShape)
		}
	}
	return &Tensor{spec: spec, shape: logicalShape.Clone(), shards: maps.Clone(shards)}, nil
}

// FromGlobal creates a distributed Tensor from a tensor holding the full logical value, by taking the
// shards of the given devices.
func FromGlobal(global *tensors.Tensor, spec *ShardingSpec, devices []int) (*Tensor, error) {
	shape := global.Shape()
	shards := make(map[int]*tensors.Tensor, len(devices))
	for _, device := range devices {
		starts, ends, err := spec.ShardRegion(shape, device)
		if err != nil {
			return nil, err
		}
		shard, err := global.Slice(starts, ends)
		if err != nil {
			return nil, errors.WithMessagef(err, "taking shard of device #%d", device)
		}
		shards[device] = shard
	}
	return New(spec, shape, shards)
}

// Local returns a Tensor placed on a single-device mesh. It takes ownership of t.
func Local(t *tensors.Tensor) *Tensor {
	spec := NewReplicatedShardingSpec(SingleDeviceMesh())
	return &Tensor{spec: spec, shape: t.Shape().Clone(), shards: map[int]*tensors.Tensor{0: t}}
}

// Mesh returns the DeviceMesh for this tensor.
func (dt *Tensor) Mesh() *DeviceMesh {
	return dt.spec.Mesh
}

// Spec returns the sharding specification for this tensor.
func (dt *Tensor) Spec() *ShardingSpec {
	return dt.spec
}

// Shape returns the logical, unsharded shape of the tensor.
func (dt *Tensor) Shape() shapes.Shape {
	return dt.shape
}

// LocalDevices returns the sorted list of devices for which this Tensor holds shards.
func (dt *Tensor) LocalDevices() []int {
	return slices.Sorted(maps.Keys(dt.shards))
}

// Shard returns the shard of the given device, or nil if it is not held.
func (dt *Tensor) Shard(device int) *tensors.Tensor {
	return dt.shards[device]
}

// IsFullyAddressable returns whether the shards held cover the whole logical tensor.
func (dt *Tensor) IsFullyAddressable() bool {
	numShards := 1
	for axis := range dt.shape.Rank() {
		numShards *= dt.spec.NumDevicesShardingAxis(axis)
	}
	seen := make(map[string]bool, numShards)
	for device := range dt.shards {
		starts, _, err := dt.spec.ShardRegion(dt.shape, device)
		if err != nil {
			return false
		}
		seen[fmt.Sprint(starts)] = true
	}
	return len(seen) == numShards
}

// Gather assembles the full logical value from the local shards.
//
// It returns an error if the local shards don't cover the whole tensor: see IsFullyAddressable.
func (dt *Tensor) Gather() (*tensors.Tensor, error) {
	if !dt.IsFullyAddressable() {
		return nil, errors.Errorf("tensor shaped %s with %s is not fully addressable from local devices %v",
			dt.shape, dt.spec, dt.LocalDevices())
	}
	if len(dt.shards) == 1 && dt.spec.IsReplicated() {
		for _, shard := range dt.shards {
			return shard.Clone(), nil
		}
	}
	global := tensors.FromShape(dt.shape)
	for device, shard := range dt.shards {
		starts, _, err := dt.spec.ShardRegion(dt.shape, device)
		if err != nil {
			return nil, err
		}
		if err = global.SetSlice(starts, shard); err != nil {
			return nil, errors.WithMessagef(err, "gathering shard of device #%d", device)
		}
	}
	return global, nil
}

// Equal returns whether both tensors have the same logical shape, hold shards for the same devices,
// and the shards are equal. Sharding specs are not compared.
func (dt *Tensor) Equal(other *Tensor) bool {
	if dt == other {
		return true
	}
	if dt == nil || other == nil || !dt.shape.Equal(other.shape) || len(dt.shards) != len(other.shards) {
		return false
	}
	for device, shard := range dt.shards {
		if !shard.Equal(other.shards[device]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (dt *Tensor) String() string {
	if dt == nil {
		return "distributed.Tensor<nil>"
	}
	devices := make([]string, 0, len(dt.shards))
	for _, device := range dt.LocalDevices() {
		devices = append(devices, fmt.Sprint(device))
	}
	return fmt.Sprintf("distributed.Tensor(%s, %s, devices=[%s])", dt.shape, dt.spec, strings.Join(devices, " "))
}
