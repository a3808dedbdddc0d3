// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"github.com/gomlx/distckpt/pkg/core/distributed"
)

type saveOptions struct {
	overwrite bool
}

// SaveOption configures a call to Manager.Save.
type SaveOption func(opts *saveOptions)

func collectSaveOptions(options ...SaveOption) *saveOptions {
	opts := &saveOptions{}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// WithOverwrite saves the checkpoint even if a checkpoint with the same or a later step already exists.
// A checkpoint with the same step is replaced.
func WithOverwrite() SaveOption {
	return func(opts *saveOptions) {
		opts.overwrite = true
	}
}

type restoreOptions struct {
	step    int64
	hasStep bool
	mesh    *distributed.DeviceMesh
	specs   *TrainState[*distributed.ShardingSpec]
}

// RestoreOption configures a call to Manager.Restore.
type RestoreOption func(opts *restoreOptions)

func collectRestoreOptions(options ...RestoreOption) *restoreOptions {
	opts := &restoreOptions{}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// AtStep restores the checkpoint of the given step, instead of the latest one.
func AtStep(step int64) RestoreOption {
	return func(opts *restoreOptions) {
		opts.step = step
		opts.hasStep = true
	}
}

// WithMesh restores every leaf replicated over the given mesh: the process gets a full copy of each leaf
// for each of its local devices.
//
// Ignored if WithSpecs is also given.
func WithMesh(mesh *distributed.DeviceMesh) RestoreOption {
	return func(opts *restoreOptions) {
		opts.mesh = mesh
	}
}

// WithSpecs restores each leaf partitioned according to its sharding spec: the process reads only the
// shards of its local devices.
//
// The specs don't need to match the ones used when saving the checkpoint.
func WithSpecs(specs TrainState[*distributed.ShardingSpec]) RestoreOption {
	return func(opts *restoreOptions) {
		opts.specs = &specs
	}
}
