// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"math"
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/trees"
)

// Names of the branches of a TrainState, used as the first element of the leaf addresses.
const (
	BranchStep      = "step"
	BranchMdlVars   = "mdl_vars"
	BranchOptStates = "opt_states"
)

// TrainState is the unit of checkpointing: the training step, the model variables and the optimizer states.
//
// T is the type of the leaves: *distributed.Tensor for the actual state (see State), shapes.Shape to describe
// the structure expected on Restore, *distributed.ShardingSpec for the partitioning of each leaf, etc.
//
// TrainState values are treated as immutable: Manager.Save doesn't change the state, and Manager.Restore
// returns a new one.
type TrainState[T any] struct {
	Step      T
	MdlVars   *trees.Tree[T]
	OptStates *trees.Tree[T]
}

// State is a TrainState holding the actual values.
type State = TrainState[*distributed.Tensor]

// Tree returns the TrainState as one tree, with a map root with the keys BranchStep, BranchMdlVars
// and BranchOptStates. Nil branches are represented by empty maps.
func (s TrainState[T]) Tree() *trees.Tree[T] {
	mdlVars, optStates := s.MdlVars, s.OptStates
	if mdlVars == nil {
		mdlVars = trees.NewMap[T](nil)
	}
	if optStates == nil {
		optStates = trees.NewMap[T](nil)
	}
	return trees.NewMap(map[string]*trees.Tree[T]{
		BranchStep:      trees.NewLeaf(s.Step),
		BranchMdlVars:   mdlVars,
		BranchOptStates: optStates,
	})
}

// TrainStateFromTree is the inverse of TrainState.Tree.
func TrainStateFromTree[T any](tree *trees.Tree[T]) (TrainState[T], error) {
	var s TrainState[T]
	if !tree.IsMap() || len(tree.Map) != 3 {
		return s, errors.Wrapf(ErrStructureMismatch, "train state tree must be a map with keys %q, %q and %q, got %s",
			BranchStep, BranchMdlVars, BranchOptStates, tree.StructureString())
	}
	step, mdlVars, optStates := tree.Map[BranchStep], tree.Map[BranchMdlVars], tree.Map[BranchOptStates]
	if step == nil || mdlVars == nil || optStates == nil || !step.IsLeaf() {
		return s, errors.Wrapf(ErrStructureMismatch, "train state tree must be a map with keys %q (a leaf), %q and %q, got %s",
			BranchStep, BranchMdlVars, BranchOptStates, tree.StructureString())
	}
	s.Step = step.Value
	s.MdlVars = mdlVars
	s.OptStates = optStates
	return s, nil
}

// MapTrainState returns a new TrainState with the leaves converted by mapFn. The path given to mapFn
// starts with the branch name.
//
// If mapFn returns an error, the mapping is interrupted and the error returned.
func MapTrainState[T, U any](s TrainState[T], mapFn func(path trees.Path, value T) (U, error)) (TrainState[U], error) {
	tree, err := trees.MapWithError(s.Tree(), mapFn)
	if err != nil {
		return TrainState[U]{}, err
	}
	return TrainStateFromTree(tree)
}

// ShapesOf returns the logical shapes of the leaves of the state.
//
// It's the structure given to Manager.Restore to restore a state like s.
func ShapesOf(s State) TrainState[shapes.Shape] {
	result, _ := MapTrainState(s, func(_ trees.Path, t *distributed.Tensor) (shapes.Shape, error) {
		return t.Shape(), nil
	})
	return result
}

// SpecsOf returns the sharding specifications of the leaves of the state.
//
// It can be used with WithSpecs to restore a state with the same partitioning.
func SpecsOf(s State) TrainState[*distributed.ShardingSpec] {
	result, _ := MapTrainState(s, func(_ trees.Path, t *distributed.Tensor) (*distributed.ShardingSpec, error) {
		return t.Spec(), nil
	})
	return result
}

// NewStep returns a step leaf for a TrainState: an int64 scalar on a single device.
func NewStep(step int64) *distributed.Tensor {
	return distributed.Local(tensors.FromScalar(step))
}

// StepOf returns the step stored in the state.
//
// The step leaf must be an integer scalar or, for replicated (data parallel) training, a vector whose entries
// are all equal. Any other rank returns an error wrapping ErrStepRank.
func StepOf(s State) (int64, error) {
	if s.Step == nil {
		return 0, errors.New("train state has no step")
	}
	shape := s.Step.Shape()
	if shape.Rank() > 1 {
		return 0, errors.Wrapf(ErrStepRank, "step must be a scalar or a vector of replicated values, got rank %d (shape %s)",
			shape.Rank(), shape)
	}
	devices := s.Step.LocalDevices()
	if len(devices) == 0 {
		return 0, errors.Errorf("step tensor shaped %s has no local shards", shape)
	}
	var values []float64
	for _, device := range devices {
		shardValues, err := s.Step.Shard(device).ToFloat64s()
		if err != nil {
			return 0, errors.WithMessage(err, "reading step")
		}
		values = append(values, shardValues...)
	}
	first := values[0]
	if idx := slices.IndexFunc(values, func(v float64) bool { return v != first }); idx >= 0 {
		return 0, errors.Errorf("replicated step values differ: %g != %g", first, values[idx])
	}
	if first != math.Trunc(first) {
		return 0, errors.Errorf("step must be an integer, got %g", first)
	}
	return int64(first), nil
}
