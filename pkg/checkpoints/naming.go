// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

const (
	// DirNamePrefix is the prefix of all checkpoint directory names.
	DirNamePrefix = "checkpoint_"

	// TempDirMarker separates the final directory name from the suffix of a temporary directory.
	TempDirMarker = ".tmp_"

	// MaxStep is the first step that can't be represented with the 8 digits of a checkpoint directory name.
	MaxStep = 100_000_000
)

// DirKind classifies a directory name found in the checkpoints directory.
type DirKind int

const (
	// OtherDir is any directory that is not a checkpoint: it is ignored.
	OtherDir DirKind = iota

	// FinalDir is a complete checkpoint.
	FinalDir

	// TempDir is a checkpoint being saved, or left over by an interrupted save.
	TempDir
)

// String implements fmt.Stringer.
func (k DirKind) String() string {
	switch k {
	case FinalDir:
		return "final"
	case TempDir:
		return "temp"
	default:
		return "other"
	}
}

var (
	finalDirNameRegex = regexp.MustCompile(`^checkpoint_(\d{8})$`)
	tempDirNameRegex  = regexp.MustCompile(`^checkpoint_(\d{8})\.tmp_([A-Za-z0-9_-]+)$`)
)

// ValidateStep returns an error wrapping ErrInvalidStep if the step can't be used to name a checkpoint.
func ValidateStep(step int64) error {
	if step < 0 || step >= MaxStep {
		return errors.Wrapf(ErrInvalidStep, "step %d must be in the range [0, %d)", step, int64(MaxStep))
	}
	return nil
}

// FinalDirName returns the name of the directory of the complete checkpoint for the step.
//
// Steps are zero-padded to 8 digits, so the lexicographic order of the names is the numeric order of the steps.
func FinalDirName(step int64) string {
	return fmt.Sprintf("%s%08d", DirNamePrefix, step)
}

// TempDirName returns the name of the directory used while saving the checkpoint for the step.
//
// The suffix is derived from the step, so all processes saving the same step agree on the directory.
func TempDirName(step int64) string {
	return FinalDirName(step) + TempDirMarker + strconv.FormatInt(step, 10)
}

// FinalDirPath returns the path of the complete checkpoint for the step under baseDir.
func FinalDirPath(baseDir string, step int64) string {
	return filepath.Join(baseDir, FinalDirName(step))
}

// TempDirPath returns the path of the temporary checkpoint directory for the step under baseDir.
func TempDirPath(baseDir string, step int64) string {
	return filepath.Join(baseDir, TempDirName(step))
}

// ClassifyDirName returns whether name is a final checkpoint, a temporary one or something else.
// Each name falls in exactly one class.
func ClassifyDirName(name string) DirKind {
	switch {
	case finalDirNameRegex.MatchString(name):
		return FinalDir
	case tempDirNameRegex.MatchString(name):
		return TempDir
	default:
		return OtherDir
	}
}

// IsFinalDirName returns whether name is the name of a complete checkpoint directory.
func IsFinalDirName(name string) bool { return ClassifyDirName(name) == FinalDir }

// IsTempDirName returns whether name is the name of a temporary checkpoint directory.
func IsTempDirName(name string) bool { return ClassifyDirName(name) == TempDir }

// StepFromDirName parses the step of a final or temporary checkpoint directory name.
//
// It returns an error wrapping ErrMalformedDirName for any other name.
func StepFromDirName(name string) (int64, error) {
	matches := finalDirNameRegex.FindStringSubmatch(name)
	if matches == nil {
		matches = tempDirNameRegex.FindStringSubmatch(name)
	}
	if matches == nil {
		return 0, errors.Wrapf(ErrMalformedDirName, "%q", name)
	}
	step, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedDirName, "%q: %v", name, err)
	}
	return step, nil
}
