// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/support/xslices"
	"github.com/gomlx/distckpt/pkg/trees"
	"github.com/gomlx/gopjrt/dtypes"
)

// The demo model is a set of parameters pulled towards targetValue by SGD with momentum.
const (
	learningRate = 0.1
	momentum     = 0.9
	targetValue  = 0.5
)

// Shapes of the model parameters.
var paramDims = map[string][]int{
	"w": {8, 4},
	"b": {4},
}

// paramSpec shards each axis of the parameter over the mesh axis of the same index, when its dimension is
// divisible by the mesh axis size. Other axes are replicated.
func paramSpec(mesh *distributed.DeviceMesh, dims []int) (*distributed.ShardingSpec, error) {
	builder := distributed.BuildSpec(mesh)
	axesNames, axesSizes := mesh.AxesNames(), mesh.AxesSizes()
	for axis, dim := range dims {
		if axis < len(axesNames) && dim%axesSizes[axis] == 0 {
			builder = builder.S(axesNames[axis])
		} else {
			builder = builder.R()
		}
	}
	return builder.Done()
}

// newModelState returns the initial state of the model, holding only the shards of the devices of the
// given process.
func newModelState(mesh *distributed.DeviceMesh, processIndex int) (checkpoints.State, error) {
	devices := mesh.LocalDevices(processIndex)
	vars := make(map[string]*trees.Tree[*distributed.Tensor], len(paramDims))
	velocities := make(map[string]*trees.Tree[*distributed.Tensor], len(paramDims))
	for _, name := range xslices.SortedKeys(paramDims) {
		dims := paramDims[name]
		spec, err := paramSpec(mesh, dims)
		if err != nil {
			return checkpoints.State{}, errors.WithMessagef(err, "parameter %q", name)
		}
		shape := shapes.Make(dtypes.Float32, dims...)
		initial := make([]float32, shape.Size())
		for ii := range initial {
			initial[ii] = float32(ii%5)/5 - 1
		}
		param, err := distributed.FromGlobal(tensors.FromFlatDataAndDimensions(initial, dims...), spec, devices)
		if err != nil {
			return checkpoints.State{}, err
		}
		velocity, err := distributed.FromGlobal(tensors.FromShape(shape), spec, devices)
		if err != nil {
			return checkpoints.State{}, err
		}
		vars[name] = trees.NewLeaf(param)
		velocities[name] = trees.NewLeaf(velocity)
	}
	return checkpoints.State{
		Step:    checkpoints.NewStep(0),
		MdlVars: trees.NewMap(vars),
		OptStates: trees.NewList(
			trees.NewMap(map[string]*trees.Tree[*distributed.Tensor]{
				"count": trees.NewLeaf(distributed.Local(tensors.FromScalar(int64(0)))),
			}),
			trees.NewMap(map[string]*trees.Tree[*distributed.Tensor]{
				"m": trees.NewMap(velocities),
			}),
		),
	}, nil
}

// trainStep returns the state after one step of training. The given state is not changed.
func trainStep(state checkpoints.State) (checkpoints.State, error) {
	step, err := checkpoints.StepOf(state)
	if err != nil {
		return checkpoints.State{}, err
	}
	if state.OptStates == nil || len(state.OptStates.List) != 2 {
		return checkpoints.State{}, errors.New("optimizer state must be a list with the count and the velocities")
	}
	countTensor := state.OptStates.List[0].Map["count"].Value
	count := tensors.ToScalar[int64](countTensor.Shard(countTensor.LocalDevices()[0]))
	velocities := state.OptStates.List[1].Map["m"]

	newVars := make(map[string]*trees.Tree[*distributed.Tensor], len(state.MdlVars.Map))
	newVelocities := make(map[string]*trees.Tree[*distributed.Tensor], len(state.MdlVars.Map))
	for name, param := range state.MdlVars.Map {
		velocity, found := velocities.Map[name]
		if !found {
			return checkpoints.State{}, errors.Errorf("no velocity for parameter %q", name)
		}
		newParam, newVelocity, err := momentumUpdate(param.Value, velocity.Value)
		if err != nil {
			return checkpoints.State{}, errors.WithMessagef(err, "parameter %q", name)
		}
		newVars[name] = trees.NewLeaf(newParam)
		newVelocities[name] = trees.NewLeaf(newVelocity)
	}
	return checkpoints.State{
		Step:    checkpoints.NewStep(step + 1),
		MdlVars: trees.NewMap(newVars),
		OptStates: trees.NewList(
			trees.NewMap(map[string]*trees.Tree[*distributed.Tensor]{
				"count": trees.NewLeaf(distributed.Local(tensors.FromScalar(count + 1))),
			}),
			trees.NewMap(map[string]*trees.Tree[*distributed.Tensor]{
				"m": trees.NewMap(newVelocities),
			}),
		),
	}, nil
}

// momentumUpdate applies one step of SGD with momentum, shard by shard, for the loss (param-targetValue)^2/2.
func momentumUpdate(param, velocity *distributed.Tensor) (newParam, newVelocity *distributed.Tensor, err error) {
	paramShards := make(map[int]*tensors.Tensor)
	velocityShards := make(map[int]*tensors.Tensor)
	for _, device := range param.LocalDevices() {
		p, err := tensors.CopyFlatData[float32](param.Shard(device))
		if err != nil {
			return nil, nil, err
		}
		velocityShard := velocity.Shard(device)
		if velocityShard == nil {
			return nil, nil, errors.Errorf("velocity has no shard for device #%d", device)
		}
		v, err := tensors.CopyFlatData[float32](velocityShard)
		if err != nil {
			return nil, nil, err
		}
		for ii := range p {
			v[ii] = momentum*v[ii] + (p[ii] - targetValue)
			p[ii] -= learningRate * v[ii]
		}
		dims := param.Shard(device).Shape().Dimensions
		paramShards[device] = tensors.FromFlatDataAndDimensions(p, dims...)
		velocityShards[device] = tensors.FromFlatDataAndDimensions(v, dims...)
	}
	newParam, err = distributed.New(param.Spec(), param.Shape(), paramShards)
	if err != nil {
		return nil, nil, err
	}
	newVelocity, err = distributed.New(velocity.Spec(), velocity.Shape(), velocityShards)
	if err != nil {
		return nil, nil, err
	}
	return newParam, newVelocity, nil
}
