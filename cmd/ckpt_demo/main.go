// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ckpt_demo trains, evaluates or decodes a toy model, saving and restoring its checkpoints with distributed
// sharded checkpointing.
//
// To simulate several processes in one binary, use -processes=N. To run a real multi-process job, start one
// binary per process with -process_index, -process_count, -run_id and a -barrier_dir on a filesystem shared by
// all of them.
//
// Example:
//
//	ckpt_demo -config=job.yaml -dir=~/tmp/ckpt -processes=2 -mode=train &
//	ckpt_demo -config=job.yaml -dir=~/tmp/ckpt -mode=eval
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/coordination"
	"github.com/gomlx/distckpt/pkg/jobconfig"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
	"github.com/gomlx/distckpt/pkg/support/xslices"
)

var (
	flagMode   = flag.String("mode", "train", "One of \"train\", \"eval\" or \"decode\".")
	flagConfig = flag.String("config", "", "YAML file with the job configuration. If empty, the defaults are used.")
	flagDir    = flag.String("dir", "", "Directory of the checkpoints. It overrides checkpoint_dir of the configuration.")

	flagNumTrainSteps = flag.Int64("num_train_steps", 0, "If > 0, overrides num_train_steps of the configuration.")
	flagSaveInterval  = flag.Int64("save_interval_steps", 0, "If > 0, overrides save_interval_steps of the configuration.")
	flagFormat        = flag.String("format", "", "If set, overrides checkpoint_format of the configuration.")
	flagWriteConfig   = flag.String("write_config", "", "If set, writes the final job configuration to the given file.")

	flagMeshShape = xslices.Flag("mesh_shape", nil,
		"If set, comma-separated sizes of the mesh axes, e.g. \"2,2\". It overrides mesh.shape of the configuration.",
		strconv.Atoi)
	flagMeshAxes = xslices.Flag("mesh_axes", nil,
		"If set, comma-separated names of the mesh axes. It overrides mesh.axes of the configuration.",
		parseAxisName)

	flagProcesses = flag.Int("processes", 1, "Number of processes simulated in this binary, each one a goroutine.")

	flagProcessIndex   = flag.Int("process_index", 0, "Index of this process, for multi-process jobs.")
	flagProcessCount   = flag.Int("process_count", 1, "Number of processes of the job, for multi-process jobs.")
	flagBarrierDir     = flag.String("barrier_dir", "", "Shared directory used to synchronize the processes of a multi-process job.")
	flagRunID          = flag.String("run_id", "", "Identifies the run for the barriers of a multi-process job. Required with -process_count > 1, and it must be the same for all processes.")
	flagBarrierTimeout = flag.Duration("barrier_timeout", 0, "If > 0, the maximum time to wait for the other processes at a barrier.")

	flagDecodeDir  = flag.String("decode_dir", "", "Output directory of -mode=decode. Defaults to <dir>/decode.")
	flagDecodeStep = flag.Int64("decode_step", -1, "Step of the checkpoint to decode. Defaults to the latest.")

	flagProgress = flag.Bool("progress", true, "Shows a progress bar while training.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	job := &Job{
		Config:       loadConfig(),
		DecodeDir:    *flagDecodeDir,
		DecodeStep:   *flagDecodeStep,
		ShowProgress: *flagProgress,
	}
	if job.DecodeDir == "" {
		job.DecodeDir = filepath.Join(job.Config.CheckpointDir, "decode")
	}
	job.DecodeDir = fsutil.MustReplaceTildeInDir(job.DecodeDir)
	if *flagWriteConfig != "" {
		must.M(job.Config.Save(fsutil.MustReplaceTildeInDir(*flagWriteConfig)))
	}

	run, err := modeFn(job, *flagMode)
	if err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
	if err = runProcesses(ctx, run); err != nil {
		klog.Errorf("%s failed: %+v", *flagMode, err)
		os.Exit(1)
	}
}

// loadConfig reads the job configuration and applies the command-line overrides.
func loadConfig() *jobconfig.Config {
	config := jobconfig.Default()
	if *flagConfig != "" {
		config = must.M1(jobconfig.Load(*flagConfig))
	}
	if *flagDir != "" {
		config.CheckpointDir = *flagDir
	}
	if *flagNumTrainSteps > 0 {
		config.NumTrainSteps = *flagNumTrainSteps
	}
	if *flagSaveInterval > 0 {
		config.SaveIntervalSteps = *flagSaveInterval
	}
	if *flagFormat != "" {
		config.CheckpointFormat = *flagFormat
	}
	if len(*flagMeshShape) > 0 {
		config.Mesh.Shape = *flagMeshShape
	}
	if len(*flagMeshAxes) > 0 {
		config.Mesh.Axes = *flagMeshAxes
	}
	if config.CheckpointDir == "" {
		klog.Errorf("No checkpoint directory given: set -dir or checkpoint_dir in the configuration")
		os.Exit(1)
	}
	config.CheckpointDir = fsutil.MustReplaceTildeInDir(config.CheckpointDir)
	must.M(config.Validate())
	return config
}

func parseAxisName(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty mesh axis name")
	}
	return name, nil
}

// modeFn returns the function that runs the given mode for one process.
func modeFn(job *Job, mode string) (func(ctx context.Context, coordinator checkpoints.Coordinator) error, error) {
	switch mode {
	case "train":
		return func(ctx context.Context, coordinator checkpoints.Coordinator) error {
			state, err := job.Train(ctx, coordinator)
			if err != nil {
				return err
			}
			metrics, err := computeMetrics(state, must.M1(checkpoints.StepOf(state)))
			if err != nil {
				return err
			}
			klog.Infof("process #%d: finished training at step %d: loss=%.4g", coordinator.ProcessIndex(), metrics.Step, metrics.Loss)
			return nil
		}, nil
	case "eval":
		return func(ctx context.Context, coordinator checkpoints.Coordinator) error {
			history, err := job.Eval(ctx, coordinator)
			if err != nil {
				return err
			}
			klog.Infof("process #%d: evaluated %d checkpoints", coordinator.ProcessIndex(), len(history))
			return nil
		}, nil
	case "decode":
		return func(ctx context.Context, coordinator checkpoints.Coordinator) error {
			step, err := job.Decode(ctx, coordinator)
			if err != nil {
				return err
			}
			if checkpoints.IsPrimary(coordinator) {
				fmt.Printf("Decoded step %d to %q\n", step, job.DecodeDir)
			}
			return nil
		}, nil
	}
	return nil, errors.Errorf("unknown -mode=%q, valid values are \"train\", \"eval\" and \"decode\"", mode)
}

// runProcesses runs fn for each process of the job run by this binary.
func runProcesses(ctx context.Context, fn func(ctx context.Context, coordinator checkpoints.Coordinator) error) error {
	if *flagProcesses > 1 {
		if *flagProcessCount > 1 {
			return errors.New("-processes and -process_count cannot be used together")
		}
		cluster := coordination.NewLocalCluster(*flagProcesses)
		// The first failure cancels the other processes, which would otherwise wait forever at the next barrier.
		g, gCtx := errgroup.WithContext(ctx)
		for _, participant := range cluster.Participants() {
			g.Go(func() error {
				return errors.WithMessagef(fn(gCtx, participant), "process #%d", participant.ProcessIndex())
			})
		}
		return g.Wait()
	}

	if *flagProcessCount <= 1 {
		return fn(ctx, checkpoints.SingleProcess())
	}
	coordinator, err := newFileCoordinator()
	if err != nil {
		return err
	}
	if err = fn(ctx, coordinator); err != nil {
		return err
	}
	return coordinator.Close()
}

func newFileCoordinator() (*coordination.FileCoordinator, error) {
	if *flagBarrierDir == "" {
		return nil, errors.New("-barrier_dir is required with -process_count > 1")
	}
	if *flagRunID == "" {
		return nil, errors.New("-run_id is required with -process_count > 1")
	}
	coordinator, err := coordination.NewFileCoordinator(fsutil.MustReplaceTildeInDir(*flagBarrierDir), *flagRunID,
		*flagProcessIndex, *flagProcessCount)
	if err != nil {
		return nil, err
	}
	if *flagBarrierTimeout > 0 {
		coordinator = coordinator.WithTimeout(*flagBarrierTimeout)
	}
	klog.V(1).Infof("%s: synchronizing in %q", coordinator, *flagBarrierDir)
	return coordinator.WithWarnInterval(time.Minute), nil
}
