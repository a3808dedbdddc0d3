// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
)

// Format of the checkpoint on disk.
type Format int

const (
	// FormatSharded stores each leaf in its own directory, named after the leaf address, as a zarr array with
	// one chunk per shard. Each process writes and reads only the shards of its local devices, so no process
	// needs to hold a whole leaf. Leaves can be restored with a different partitioning.
	FormatSharded Format = iota

	// FormatTree stores the whole state in one msgpack file, with the flattened leaves and a fingerprint of
	// the structure of the state. The primary process writes it, so it requires every leaf to be fully
	// addressable from the primary process.
	FormatTree
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatSharded:
		return "sharded"
	case FormatTree:
		return "tree"
	default:
		return "unknown"
	}
}

// ParseFormat converts a format name to a Format. Besides the Format.String names, it accepts "persistence"
// and "gda" for FormatSharded, and "flax" for FormatTree.
//
// Unknown names return an error wrapping ErrUnsupportedFormat.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "sharded", "persistence", "gda":
		return FormatSharded, nil
	case "tree", "flax":
		return FormatTree, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedFormat, "%q, valid formats are \"sharded\" and \"tree\"", name)
}

// formatStrategy implements the reading and writing of the leaves for one Format. The Manager takes care of
// the directories and of the synchronization of the processes.
type formatStrategy interface {
	// save writes the leaves of state, owned by this process, into dir.
	save(ctx context.Context, m *Manager, dir string, state State, addresses TrainState[string]) error

	// restore reads the leaves of target from dir, placing them according to specs.
	restore(ctx context.Context, m *Manager, dir string, target TrainState[shapes.Shape],
		addresses TrainState[string], specs TrainState[*distributed.ShardingSpec]) (State, error)
}

func (f Format) strategy() (formatStrategy, error) {
	switch f {
	case FormatSharded:
		return shardedFormat{}, nil
	case FormatTree:
		return treeFormat{}, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedFormat, "format #%d", int(f))
}
