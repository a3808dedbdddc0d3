// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluation implements the evaluation of the checkpoints written by a training job running in
// parallel: Loop polls the checkpoints directory and evaluates each new checkpoint, until training is done.
//
// It also includes DecodeOnce, to run a set of decoders over one checkpoint and write their outputs.
package evaluation

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/core/shapes"
)

// DefaultPollInterval is the default interval between checks for new checkpoints.
const DefaultPollInterval = 60 * time.Second

// Evaluator evaluates a train state.
type Evaluator interface {
	// Evaluate the state restored from the checkpoint for the given step.
	Evaluate(ctx context.Context, state checkpoints.State, step int64) error
}

// EvaluatorFunc adapts a function to an Evaluator.
type EvaluatorFunc func(ctx context.Context, state checkpoints.State, step int64) error

// Evaluate implements Evaluator.
func (fn EvaluatorFunc) Evaluate(ctx context.Context, state checkpoints.State, step int64) error {
	return fn(ctx, state, step)
}

// SleepFn waits for the duration d, or until ctx is done, in which case it returns the context error.
type SleepFn func(ctx context.Context, d time.Duration) error

// Config for a Loop. Create it with Build, set the options and call Done.
type Config struct {
	manager   *checkpoints.Manager
	evaluator Evaluator
	err       error

	pollInterval      time.Duration
	saveIntervalSteps int64
	numTrainSteps     int64
	restoreOptions    []checkpoints.RestoreOption
	sleep             SleepFn
}

// Build the configuration of an evaluation Loop that evaluates the checkpoints of manager with evaluator.
//
// Config.SaveIntervalSteps and Config.NumTrainSteps must be set: they are used to find out when the
// training job is done.
func Build(manager *checkpoints.Manager, evaluator Evaluator) *Config {
	c := &Config{
		manager:      manager,
		evaluator:    evaluator,
		pollInterval: DefaultPollInterval,
		sleep:        sleepContext,
	}
	if manager == nil || evaluator == nil {
		c.err = errors.New("evaluation.Build requires a checkpoints.Manager and an Evaluator")
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// PollInterval sets the interval between checks for a new checkpoint. The default is DefaultPollInterval.
func (c *Config) PollInterval(d time.Duration) *Config {
	if d <= 0 {
		c.setError(errors.Errorf("PollInterval(%s) must be > 0", d))
		return c
	}
	c.pollInterval = d
	return c
}

// SaveIntervalSteps is the number of steps between checkpoints of the training job.
func (c *Config) SaveIntervalSteps(n int64) *Config {
	if n <= 0 {
		c.setError(errors.Errorf("SaveIntervalSteps(%d) must be > 0", n))
		return c
	}
	c.saveIntervalSteps = n
	return c
}

// NumTrainSteps is the total number of steps of the training job.
func (c *Config) NumTrainSteps(n int64) *Config {
	if n <= 0 {
		c.setError(errors.Errorf("NumTrainSteps(%d) must be > 0", n))
		return c
	}
	c.numTrainSteps = n
	return c
}

// RestoreOptions are passed to every checkpoints.Manager.Restore call, e.g. checkpoints.WithSpecs.
// checkpoints.AtStep is set by the loop and should not be given.
func (c *Config) RestoreOptions(options ...checkpoints.RestoreOption) *Config {
	c.restoreOptions = append(c.restoreOptions, options...)
	return c
}

// WithSleep replaces the function used to wait between polls. Used for testing.
func (c *Config) WithSleep(sleep SleepFn) *Config {
	c.sleep = sleep
	return c
}

// Done returns the configured Loop.
func (c *Config) Done() (*Loop, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.saveIntervalSteps == 0 || c.numTrainSteps == 0 {
		return nil, errors.New("evaluation loop requires SaveIntervalSteps and NumTrainSteps to be set")
	}
	return &Loop{config: *c}, nil
}

// Loop evaluates every new checkpoint, as they are saved by a training job.
type Loop struct {
	config Config
}

// String implements fmt.Stringer.
func (l *Loop) String() string {
	return fmt.Sprintf("evaluation.Loop(%q)", l.config.manager.Dir())
}

// Run the evaluation loop:
//
//  1. The latest checkpoint is restored, or if there is none, the initial state is used.
//  2. The state is evaluated.
//  3. If the step of the last checkpoint plus the save interval reaches the number of training steps, the
//     training is done and Run returns.
//  4. Otherwise, it polls for a newer checkpoint every PollInterval, restores it and goes back to 2.
//
// The initial state also defines the structure of the checkpoints. Run returns the step of the last
// checkpoint evaluated. Errors from the evaluator or while restoring a checkpoint are returned, as is the
// context error if ctx is done.
func (l *Loop) Run(ctx context.Context, initial checkpoints.State) (lastStep int64, err error) {
	manager := l.config.manager
	target := checkpoints.ShapesOf(initial)
	state := initial
	lastPath, found, err := manager.Latest()
	if err != nil {
		return 0, err
	}
	if found {
		state, lastStep, err = l.restore(ctx, target, lastPath)
		if err != nil {
			return 0, err
		}
	} else {
		klog.Infof("%s: no checkpoint yet, evaluating the initial state", l)
	}

	for {
		step, err := checkpoints.StepOf(state)
		if err != nil {
			return lastStep, err
		}
		if err = l.evaluate(ctx, state, step); err != nil {
			return lastStep, err
		}
		if lastPath != "" && lastStep+l.config.saveIntervalSteps >= l.config.numTrainSteps {
			klog.Infof("%s: checkpoint for step %d is the last one of the training (%d steps), finished",
				l, lastStep, l.config.numTrainSteps)
			return lastStep, nil
		}

		newPath, err := l.waitNewCheckpoint(ctx, lastPath)
		if err != nil {
			return lastStep, err
		}
		klog.Infof("%s: found new checkpoint %q", l, newPath)
		newState, newStep, err := l.restore(ctx, target, newPath)
		if err != nil {
			return lastStep, err
		}
		state, lastStep, lastPath = newState, newStep, newPath
	}
}

// waitNewCheckpoint polls until the latest checkpoint is different from lastPath.
func (l *Loop) waitNewCheckpoint(ctx context.Context, lastPath string) (string, error) {
	for {
		path, found, err := l.config.manager.Latest()
		if err != nil {
			return "", err
		}
		if found && path != lastPath {
			return path, nil
		}
		if err = l.config.sleep(ctx, l.config.pollInterval); err != nil {
			return "", err
		}
	}
}

func (l *Loop) restore(ctx context.Context, target checkpoints.TrainState[shapes.Shape], path string) (checkpoints.State, int64, error) {
	step, err := checkpoints.StepFromDirName(filepath.Base(path))
	if err != nil {
		return checkpoints.State{}, 0, err
	}
	options := append(append([]checkpoints.RestoreOption{}, l.config.restoreOptions...), checkpoints.AtStep(step))
	state, err := l.config.manager.Restore(ctx, target, options...)
	if err != nil {
		return checkpoints.State{}, 0, errors.WithMessagef(err, "%s: restoring checkpoint %q", l, path)
	}
	return state, step, nil
}

// evaluate calls the evaluator, converting panics to errors.
func (l *Loop) evaluate(ctx context.Context, state checkpoints.State, step int64) error {
	start := time.Now()
	var err error
	panicErr := exceptions.TryCatch[error](func() {
		err = l.config.evaluator.Evaluate(ctx, state, step)
	})
	if panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return errors.WithMessagef(err, "%s: evaluating step %d", l, step)
	}
	klog.V(1).Infof("%s: evaluated step %d in %s", l, step, time.Since(start).Round(time.Millisecond))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
