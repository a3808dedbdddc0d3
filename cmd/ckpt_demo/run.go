// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/evaluation"
	"github.com/gomlx/distckpt/pkg/jobconfig"
	"github.com/gomlx/distckpt/pkg/trees"
)

// Job holds what is shared by all the processes of a demo run.
type Job struct {
	Config *jobconfig.Config

	// DecodeDir is where decode mode writes its outputs.
	DecodeDir string

	// DecodeStep selects the checkpoint to decode. If negative, the latest one is used.
	DecodeStep int64

	// ShowProgress shows a progress bar on the primary process while training.
	ShowProgress bool
}

// setup returns the checkpoints manager, and the initial state held by the process of coordinator.
func (job *Job) setup(coordinator checkpoints.Coordinator) (*checkpoints.Manager, checkpoints.State, error) {
	manager, err := job.Config.ManagerConfig(coordinator).Done()
	if err != nil {
		return nil, checkpoints.State{}, err
	}
	meshConfig := job.Config.Mesh
	meshConfig.NumProcesses = coordinator.ProcessCount()
	mesh, err := meshConfig.Build()
	if err != nil {
		return nil, checkpoints.State{}, errors.WithMessagef(err, "mesh for %d processes", coordinator.ProcessCount())
	}
	state, err := newModelState(mesh, coordinator.ProcessIndex())
	if err != nil {
		return nil, checkpoints.State{}, err
	}
	return manager, state, nil
}

// Train the model from the latest checkpoint, if there is one, saving a checkpoint every save_interval_steps.
func (job *Job) Train(ctx context.Context, coordinator checkpoints.Coordinator) (checkpoints.State, error) {
	manager, state, err := job.setup(coordinator)
	if err != nil {
		return state, err
	}
	if _, found, err := manager.Latest(); err != nil {
		return state, err
	} else if found {
		state, err = manager.Restore(ctx, checkpoints.ShapesOf(state), checkpoints.WithSpecs(checkpoints.SpecsOf(state)))
		if err != nil {
			return state, err
		}
	}
	step, err := checkpoints.StepOf(state)
	if err != nil {
		return state, err
	}
	numTrainSteps, saveInterval := job.Config.NumTrainSteps, job.Config.SaveIntervalSteps
	if step >= numTrainSteps {
		klog.Infof("%s: already trained for %d steps", manager, step)
		return state, nil
	}
	klog.Infof("%s: training from step %d to %d, parameters sharded over %s", manager, step, numTrainSteps, meshOf(state))

	var bar *progressbar.ProgressBar
	if job.ShowProgress && checkpoints.IsPrimary(coordinator) {
		bar = progressbar.NewOptions64(numTrainSteps-step,
			progressbar.OptionSetDescription("training"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII))
	}
	for step < numTrainSteps {
		if state, err = trainStep(state); err != nil {
			return state, err
		}
		step++
		if bar != nil {
			_ = bar.Add(1)
		}
		if step%saveInterval == 0 || step == numTrainSteps {
			if _, err = manager.Save(ctx, state); err != nil {
				return state, err
			}
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return state, nil
}

// Eval runs the evaluation loop over the checkpoints of a training job, until the last one is evaluated.
func (job *Job) Eval(ctx context.Context, coordinator checkpoints.Coordinator) ([]Metrics, error) {
	manager, state, err := job.setup(coordinator)
	if err != nil {
		return nil, err
	}
	evaluator := &metricsEvaluator{processIndex: coordinator.ProcessIndex()}
	loop, err := job.Config.EvaluationConfig(manager, evaluator).
		RestoreOptions(checkpoints.WithSpecs(checkpoints.SpecsOf(state))).
		Done()
	if err != nil {
		return nil, err
	}
	if _, err = loop.Run(ctx, state); err != nil {
		return evaluator.History(), err
	}
	return evaluator.History(), nil
}

// Decode writes the mean of the parameters of one checkpoint to DecodeDir.
func (job *Job) Decode(ctx context.Context, coordinator checkpoints.Coordinator) (int64, error) {
	manager, state, err := job.setup(coordinator)
	if err != nil {
		return 0, err
	}
	options := []checkpoints.RestoreOption{checkpoints.WithSpecs(checkpoints.SpecsOf(state))}
	if job.DecodeStep >= 0 {
		options = append(options, checkpoints.AtStep(job.DecodeStep))
	}
	return evaluation.DecodeOnce(ctx, manager, checkpoints.ShapesOf(state), []evaluation.Decoder{paramsDecoder{}},
		job.DecodeDir, options...)
}

// meshOf returns the mesh of the model parameters.
func meshOf(state checkpoints.State) *distributed.DeviceMesh {
	params := trees.Flatten(state.MdlVars)
	if len(params) == 0 {
		return nil
	}
	return params[0].Mesh()
}
