// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/core/shapes"
)

// ShardingSpec describes how a logical tensor is split across the devices of a DeviceMesh.
//
// Axes has one entry per tensor axis (not per mesh axis): the list of mesh axes the tensor axis is sharded over,
// or an empty list if it is replicated. Tensor axes beyond len(Axes) are replicated. Mesh axes not used by any
// tensor axis hold replicas of the same shard.
//
// Example, for a mesh {data: 2, model: 2}:
//
//	// Rows replicated, columns split in 2 along "model".
//	spec, _ := BuildSpec(mesh).R().S("model").Done()
//
//	// Rows split in 4, over both mesh axes.
//	spec, _ = BuildSpec(mesh).S("data", "model").Done()
type ShardingSpec struct {
	Mesh *DeviceMesh
	Axes [][]string
}

// NewReplicatedShardingSpec returns a spec where every device holds the whole tensor.
func NewReplicatedShardingSpec(mesh *DeviceMesh) *ShardingSpec {
	return &ShardingSpec{Mesh: mesh}
}

// Validate checks that the spec refers only to axes of its mesh, each one at most once.
func (s *ShardingSpec) Validate() error {
	if s.Mesh == nil {
		return errors.New("ShardingSpec has no mesh")
	}
	used := make(map[string]bool)
	for axis, meshAxes := range s.Axes {
		for _, name := range meshAxes {
			if _, found := s.Mesh.axisIndex[name]; !found {
				return errors.Errorf("ShardingSpec axis #%d refers to unknown mesh axis %q", axis, name)
			}
			if used[name] {
				return errors.Errorf("mesh axis %q used more than once in ShardingSpec", name)
			}
			used[name] = true
		}
	}
	return nil
}

// checkShape returns an error if a tensor of the given logical shape can't be split by the spec: it has fewer axes
// than the spec, or one of its dimensions is not divisible by its number of shards.
func (s *ShardingSpec) checkShape(logicalShape shapes.Shape) error {
	if len(s.Axes) > logicalShape.Rank() {
		return errors.Errorf("%s has more axes than the tensor shaped %s", s, logicalShape)
	}
	for axis, dim := range logicalShape.Dimensions {
		if numShards := s.NumDevicesShardingAxis(axis); dim%numShards != 0 {
			return errors.Errorf("%s: tensor shaped %s axis %d (dimension %d) is not divisible by %d shards",
				s, logicalShape, axis, dim, numShards)
		}
	}
	return nil
}

// IsReplicated returns whether no tensor axis is sharded.
func (s *ShardingSpec) IsReplicated() bool {
	for _, meshAxes := range s.Axes {
		if len(meshAxes) > 0 {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer. Replicated axes are printed as "R" and sharded ones as "S(<mesh axes>)".
func (s *ShardingSpec) String() string {
	if s == nil {
		return "ShardingSpec<nil>"
	}
	parts := make([]string, len(s.Axes))
	for axis, meshAxes := range s.Axes {
		if len(meshAxes) == 0 {
			parts[axis] = "R"
		} else {
			parts[axis] = "S(" + strings.Join(meshAxes, ",") + ")"
		}
	}
	return "ShardingSpec[" + strings.Join(parts, ", ") + "]"
}

// SpecBuilder builds a ShardingSpec one tensor axis at a time. Create it with BuildSpec.
type SpecBuilder struct {
	spec *ShardingSpec
}

// BuildSpec starts the construction of a ShardingSpec over mesh.
//
// Example:
//
//	spec, err := distributed.BuildSpec(mesh).R().S("model").Done()
func BuildSpec(mesh *DeviceMesh) *SpecBuilder {
	return &SpecBuilder{spec: &ShardingSpec{Mesh: mesh}}
}

// R appends a replicated tensor axis.
func (b *SpecBuilder) R() *SpecBuilder {
	b.spec.Axes = append(b.spec.Axes, nil)
	return b
}

// S appends a tensor axis sharded over meshAxes.
func (b *SpecBuilder) S(meshAxes ...string) *SpecBuilder {
	b.spec.Axes = append(b.spec.Axes, meshAxes)
	return b
}

// Done validates and returns the spec.
func (b *SpecBuilder) Done() (*ShardingSpec, error) {
	if err := b.spec.Validate(); err != nil {
		return nil, err
	}
	return b.spec, nil
}

// NumDevicesShardingAxis returns in how many shards the tensor axis is split, 1 if it is replicated.
func (s *ShardingSpec) NumDevicesShardingAxis(axis int) int {
	if axis >= len(s.Axes) {
		return 1
	}
	numShards := 1
	for _, name := range s.Axes[axis] {
		numShards *= s.Mesh.axesSizes[s.Mesh.axisIndex[name]]
	}
	return numShards
}

// LogicalShapeForShard is the inverse of ShardShape. A nil spec returns shardShape unchanged.
func (s *ShardingSpec) LogicalShapeForShard(shardShape shapes.Shape) shapes.Shape {
	if s == nil || len(s.Axes) == 0 {
		return shardShape
	}
	logicalShape := shardShape.Clone()
	for axis := range min(len(s.Axes), logicalShape.Rank()) {
		logicalShape.Dimensions[axis] *= s.NumDevicesShardingAxis(axis)
	}
	return logicalShape
}

// ShardShape returns the shape of the piece of a tensor of logicalShape held by each device.
//
// A nil spec returns logicalShape unchanged. If the spec can't split logicalShape, it returns shapes.Invalid().
func (s *ShardingSpec) ShardShape(logicalShape shapes.Shape) shapes.Shape {
	if s == nil {
		return logicalShape
	}
	if s.checkShape(logicalShape) != nil {
		return shapes.Invalid()
	}
	dims := make([]int, logicalShape.Rank())
	for axis, dim := range logicalShape.Dimensions {
		dims[axis] = dim / s.NumDevicesShardingAxis(axis)
	}
	return shapes.Shape{DType: logicalShape.DType, Dimensions: dims}
}

// meshAxesOf returns the indices of the mesh axes named by names.
func (s *ShardingSpec) meshAxesOf(names []string) []int {
	axes := make([]int, len(names))
	for ii, name := range names {
		axes[ii] = s.Mesh.axisIndex[name]
	}
	return axes
}

// ShardRegion returns the box [starts, ends) of the logical tensor held by device.
func (s *ShardingSpec) ShardRegion(logicalShape shapes.Shape, device int) (starts, ends []int, err error) {
	if err = s.checkShape(logicalShape); err != nil {
		return nil, nil, err
	}
	coords, err := s.Mesh.DeviceCoordinates(device)
	if err != nil {
		return nil, nil, err
	}
	starts = make([]int, logicalShape.Rank())
	ends = make([]int, logicalShape.Rank())
	for axis, dim := range logicalShape.Dimensions {
		shardSize := dim / s.NumDevicesShardingAxis(axis)
		if axis < len(s.Axes) {
			starts[axis] = s.Mesh.flatIndex(coords, s.meshAxesOf(s.Axes[axis])) * shardSize
		}
		ends[axis] = starts[axis] + shardSize
	}
	return starts, ends, nil
}

// ReplicaID returns the index of device among the devices holding the same shard, counting along the mesh axes
// not used by the spec.
//
// Exactly one device per shard has ReplicaID 0: that is the one responsible for persisting the shard.
func (s *ShardingSpec) ReplicaID(device int) (int, error) {
	coords, err := s.Mesh.DeviceCoordinates(device)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool)
	for _, meshAxes := range s.Axes {
		for _, axis := range s.meshAxesOf(meshAxes) {
			used[axis] = true
		}
	}
	var replicaAxes []int
	for axis := range s.Mesh.Rank() {
		if !used[axis] {
			replicaAxes = append(replicaAxes, axis)
		}
	}
	return s.Mesh.flatIndex(coords, replicaAxes), nil
}
