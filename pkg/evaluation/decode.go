// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluation

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
	"github.com/gomlx/distckpt/pkg/support/xslices"
)

// KeyValue is one output of a Decoder.
type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Decoder runs a model over one dataset, and returns its outputs.
type Decoder interface {
	// Name of the dataset, used for the output directory. It may be empty.
	Name() string

	// Decode the whole dataset with the state restored from the checkpoint of the given step.
	Decode(ctx context.Context, state checkpoints.State, step int64) ([]KeyValue, error)
}

// DecoderOutputFileName returns the name of the file with the outputs of a decoder for the given step.
func DecoderOutputFileName(step int64) string {
	return fmt.Sprintf("decoder_out_%d", step)
}

// DecoderDirNames returns a unique directory name for each decoder name.
//
// Empty names become "decode_test_<idx>", repeated names get the "_<idx>" suffix, and if that is still taken
// a suffix from the hash of the name is added.
func DecoderDirNames(names []string) []string {
	taken := make(map[string]bool, len(names))
	dirNames := make([]string, len(names))
	for idx, name := range names {
		dirName := name
		if name == "" {
			dirName = fmt.Sprintf("decode_test_%d", idx)
		} else if taken[name] {
			dirName = fmt.Sprintf("%s_%d", name, idx)
		}
		if taken[dirName] {
			sum := md5.Sum([]byte(dirName))
			digest := hex.EncodeToString(sum[:])
			dirName = fmt.Sprintf("%s_%s", dirName, digest[len(digest)-5:])
		}
		taken[dirName] = true
		dirNames[idx] = dirName
	}
	return dirNames
}

// DecodeOnce restores a checkpoint with the structure of target, runs every decoder over it, and writes the
// outputs of each decoder as JSON lines to "<outDir>/<decoder dir name>/decoder_out_<step>" (see DecoderDirNames).
//
// The latest checkpoint is restored, unless checkpoints.AtStep is given in options. It must be called by every
// process of the job, and only the primary process writes the outputs. It returns the step of the checkpoint
// decoded.
func DecodeOnce(ctx context.Context, manager *checkpoints.Manager, target checkpoints.TrainState[shapes.Shape],
	decoders []Decoder, outDir string, options ...checkpoints.RestoreOption) (step int64, err error) {
	state, err := manager.Restore(ctx, target, options...)
	if err != nil {
		return 0, err
	}
	step, err = checkpoints.StepOf(state)
	if err != nil {
		return 0, err
	}
	dirNames := DecoderDirNames(xslices.Map(decoders, Decoder.Name))
	isPrimary := checkpoints.IsPrimary(manager.Coordinator())
	for ii, decoder := range decoders {
		var outputs []KeyValue
		panicErr := exceptions.TryCatch[error](func() {
			outputs, err = decoder.Decode(ctx, state, step)
		})
		if panicErr != nil {
			err = panicErr
		}
		if err != nil {
			return step, errors.WithMessagef(err, "decoding %q for step %d", dirNames[ii], step)
		}
		if !isPrimary {
			continue
		}
		dir := filepath.Join(outDir, dirNames[ii])
		if err = os.MkdirAll(dir, fsutil.DirPermMode); err != nil {
			return step, errors.Wrapf(err, "failed to create decoder output directory")
		}
		outputPath := filepath.Join(dir, DecoderOutputFileName(step))
		klog.Infof("writing decoder output to %q with %d entries", outputPath, len(outputs))
		if err = writeKeyValues(outputPath, outputs); err != nil {
			return step, err
		}
	}
	return step, nil
}

// writeKeyValues writes one JSON object per line.
func writeKeyValues(filePath string, outputs []KeyValue) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, kv := range outputs {
		if err = enc.Encode(kv); err != nil {
			err = errors.Wrapf(err, "failed to encode output %q", kv.Key)
			break
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.WithMessagef(err, "writing %q", filePath)
	}
	return nil
}

// ReadKeyValues reads the outputs written by DecodeOnce.
func ReadKeyValues(filePath string) ([]KeyValue, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var outputs []KeyValue
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var kv KeyValue
		if err = dec.Decode(&kv); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %q", filePath)
		}
		outputs = append(outputs, kv)
	}
	return outputs, nil
}
