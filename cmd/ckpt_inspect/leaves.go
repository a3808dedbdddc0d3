// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/core/tensors"
)

// LeafStats summarizes the values of a leaf.
type LeafStats struct {
	// MAV is the mean absolute value, or the value itself for scalars.
	MAV float64

	// RMS is the root-mean-square.
	RMS float64

	// MaxAV is the max absolute value.
	MaxAV float64
}

// ComputeLeafStats of the values of the tensor.
func ComputeLeafStats(t *tensors.Tensor) (LeafStats, error) {
	values, err := t.ToFloat64s()
	if err != nil {
		return LeafStats{}, err
	}
	if len(values) == 0 {
		return LeafStats{}, nil
	}
	if len(values) == 1 {
		return LeafStats{MAV: values[0], RMS: math.Abs(values[0]), MaxAV: math.Abs(values[0])}, nil
	}
	n := float64(len(values))
	return LeafStats{
		MAV:   floats.Norm(values, 1) / n,
		RMS:   floats.Norm(values, 2) / math.Sqrt(n),
		MaxAV: floats.Norm(values, math.Inf(1)),
	}, nil
}

// LeavesTable lists the leaves of a checkpoint, sorted by address. If withStats is set, the values of every
// leaf are read to include their statistics.
func LeavesTable(info *checkpoints.Info, withStats bool) *TableWithReds {
	table := newPlainTableWithReds(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	headers := []string{"Address", "Shape", "Size", "Bytes", "Chunk", "Compression", "# Files", "Disk"}
	if withStats {
		headers = append(headers, "Scalar/MAV", "RMS", "MaxAV")
	}
	table.Table.Headers(headers...)

	leaves := slices.Clone(info.Leaves)
	slices.SortFunc(leaves, func(a, b checkpoints.LeafInfo) int {
		return strings.Compare(a.Address, b.Address)
	})
	for _, leaf := range leaves {
		row := []string{
			leaf.Address,
			leaf.Shape.String(),
			humanize.Comma(int64(leaf.Shape.Size())),
			humanize.Bytes(uint64(leaf.Shape.Memory())),
			fmt.Sprintf("%v", leaf.ChunkShape.Dimensions),
			string(leaf.Compression),
			humanize.Comma(int64(leaf.NumFiles)),
			humanize.Bytes(uint64(leaf.DiskBytes)),
		}
		if withStats {
			value := must.M1(checkpoints.ReadLeaf(info.Dir, leaf.Address))
			stats, err := ComputeLeafStats(value)
			if err != nil {
				row = append(row, "n/a", "", "")
			} else {
				row = append(row,
					fmt.Sprintf("%.3g", stats.MAV),
					fmt.Sprintf("%.3g", stats.RMS),
					fmt.Sprintf("%.3g", stats.MaxAV))
			}
		}
		table.Row(false, row...)
	}
	return table
}
