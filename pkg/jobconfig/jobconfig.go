// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jobconfig holds the configuration of a training job, as far as checkpointing and evaluation are
// concerned, read from a YAML file.
//
// Example:
//
//	num_train_steps: 10000
//	save_interval_steps: 500
//	max_checkpoints: 5
//	checkpoint_format: sharded
//	compression: zstd
//	poll_interval: 30s
//	mesh:
//	  shape: [2, 4]
//	  axes: [data, model]
//	  num_processes: 2
package jobconfig

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/evaluation"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
	"github.com/gomlx/distckpt/pkg/zarr"
)

// MeshConfig describes the device mesh the train state is sharded over.
type MeshConfig struct {
	// Shape is the number of devices along each mesh axis.
	Shape []int `yaml:"shape"`

	// Axes are the names of the mesh axes, one per element of Shape.
	Axes []string `yaml:"axes"`

	// NumProcesses the devices are split over, in contiguous blocks. Defaults to 1.
	NumProcesses int `yaml:"num_processes,omitempty"`
}

// Config of a training job.
type Config struct {
	// CheckpointDir is the base directory of the checkpoints. It can be overridden by a command-line flag.
	CheckpointDir string `yaml:"checkpoint_dir,omitempty"`

	NumTrainSteps     int64 `yaml:"num_train_steps"`
	SaveIntervalSteps int64 `yaml:"save_interval_steps"`

	// MaxCheckpoints to keep. A negative value keeps all of them.
	MaxCheckpoints int `yaml:"max_checkpoints"`

	// CheckpointFormat is one of the names accepted by checkpoints.ParseFormat.
	CheckpointFormat string `yaml:"checkpoint_format"`

	// Compression of the sharded checkpoint chunks: "none", "gzip" or "zstd".
	Compression string `yaml:"compression"`

	// PollInterval of the evaluation loop, e.g. "60s".
	PollInterval time.Duration `yaml:"poll_interval"`

	// MultiHostCheckpointing makes each process save its own checkpoints in a separate subdirectory.
	MultiHostCheckpointing bool `yaml:"multi_host_checkpointing"`

	Mesh MeshConfig `yaml:"mesh"`
}

// Default returns the default configuration. NumTrainSteps and SaveIntervalSteps have no default and must
// be set.
func Default() *Config {
	return &Config{
		MaxCheckpoints:   checkpoints.DefaultKeep,
		CheckpointFormat: checkpoints.FormatSharded.String(),
		Compression:      string(zarr.CompressionNone),
		PollInterval:     evaluation.DefaultPollInterval,
		Mesh: MeshConfig{
			Shape:        []int{1},
			Axes:         []string{"data"},
			NumProcesses: 1,
		},
	}
}

// Parse the YAML contents over the default configuration, and validate the result.
// Unknown fields are an error.
func Parse(contents []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrap(err, "failed to parse job configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load the configuration from a YAML file. A "~" prefix in filePath is replaced by the user's home directory.
func Load(filePath string) (*Config, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read job configuration from %q", filePath)
	}
	c, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", filePath)
	}
	return c, nil
}

// Save the configuration as YAML to filePath.
func (c *Config) Save(filePath string) error {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to serialize job configuration")
	}
	return fsutil.WriteFileAtomic(filePath, contents)
}

// Validate checks the values of the configuration.
func (c *Config) Validate() error {
	if c.NumTrainSteps <= 0 {
		return errors.Errorf("num_train_steps must be > 0, got %d", c.NumTrainSteps)
	}
	if c.SaveIntervalSteps <= 0 {
		return errors.Errorf("save_interval_steps must be > 0, got %d", c.SaveIntervalSteps)
	}
	if c.NumTrainSteps >= checkpoints.MaxStep {
		return errors.Errorf("num_train_steps=%d is too large, checkpoint steps must be < %d",
			c.NumTrainSteps, checkpoints.MaxStep)
	}
	if c.MaxCheckpoints == 0 {
		return errors.New("max_checkpoints cannot be 0, use a negative value to keep all checkpoints")
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return errors.WithMessage(err, "checkpoint_format")
	}
	if _, err := zarr.ParseCompression(c.Compression); err != nil {
		return errors.WithMessage(err, "compression")
	}
	if c.PollInterval <= 0 {
		return errors.Errorf("poll_interval must be > 0, got %s", c.PollInterval)
	}
	if _, err := c.Mesh.Build(); err != nil {
		return errors.WithMessage(err, "mesh")
	}
	return nil
}

// Build the device mesh described by the configuration.
func (mc MeshConfig) Build() (*distributed.DeviceMesh, error) {
	mesh, err := distributed.NewDeviceMesh(mc.Shape, mc.Axes)
	if err != nil {
		return nil, err
	}
	numProcesses := mc.NumProcesses
	if numProcesses == 0 {
		numProcesses = 1
	}
	if err = mesh.SetNumProcesses(numProcesses); err != nil {
		return nil, err
	}
	return mesh, nil
}

// ManagerConfig returns a checkpoints.Config set up with the checkpoint options of the job.
// The directory is CheckpointDir, and it can be changed with checkpoints.Config.Dir before calling Done.
func (c *Config) ManagerConfig(coordinator checkpoints.Coordinator) *checkpoints.Config {
	mc := checkpoints.Build(coordinator).
		Keep(c.MaxCheckpoints).
		FormatName(c.CheckpointFormat).
		Compression(zarr.Compression(c.Compression))
	if c.CheckpointDir != "" {
		mc = mc.Dir(c.CheckpointDir)
	}
	if c.MultiHostCheckpointing {
		mc = mc.PerProcessSubdir()
	}
	return mc
}

// EvaluationConfig returns an evaluation.Config for the job's checkpoints, with its polling and step
// options set.
func (c *Config) EvaluationConfig(manager *checkpoints.Manager, evaluator evaluation.Evaluator) *evaluation.Config {
	return evaluation.Build(manager, evaluator).
		PollInterval(c.PollInterval).
		SaveIntervalSteps(c.SaveIntervalSteps).
		NumTrainSteps(c.NumTrainSteps)
}
