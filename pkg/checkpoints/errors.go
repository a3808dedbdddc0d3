// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/trees"
)

// Errors returned (wrapped) by the checkpoints package. Use errors.Is to test for them.
var (
	// ErrNotFound is returned by Restore when the requested (or latest) checkpoint doesn't exist or is empty.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStructureMismatch is returned by Restore when the structure of the saved state differs from the
	// requested structure. The message includes both structures.
	ErrStructureMismatch = trees.ErrStructureMismatch

	// ErrStepRank is returned when the step tensor is neither a scalar nor a vector of equal values.
	ErrStepRank = errors.New("unexpected rank for step tensor")

	// ErrInvalidStep is returned for negative steps, or steps that don't fit the 8 digits of the
	// checkpoint directory names.
	ErrInvalidStep = errors.New("invalid checkpoint step")

	// ErrUnsupportedFormat is returned for unknown checkpoint formats.
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")

	// ErrMalformedDirName is returned when a checkpoint directory name can't be parsed.
	ErrMalformedDirName = errors.New("malformed checkpoint directory name")

	// ErrAddressCollision is returned when two different leaves of a state map to the same address.
	ErrAddressCollision = errors.New("leaf address collision")
)
