// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"

	"github.com/pkg/errors"
)

// FlatIndex converts the given per-axis indices to the row-major flat index.
func (s Shape) FlatIndex(indices []int) int {
	flat := 0
	for axis, idx := range indices {
		flat = flat*s.Dimensions[axis] + idx
	}
	return flat
}

// IterRows iterates over the "rows" (contiguous runs along the last axis) of the box
// [starts, ends) of the shape.
//
// It yields the indices of the first element of each row: the last axis index is always starts[rank-1].
// For scalars it yields once, with an empty slice.
//
// The yielded indices slice is owned by the iterator: don't change it inside the loop.
func (s Shape) IterRows(starts, ends []int) iter.Seq[[]int] {
	rank := s.Rank()
	if len(starts) != rank || len(ends) != rank {
		panic(errors.Errorf("Shape.IterRows given len(starts)=%d, len(ends)=%d, want both equal to the rank %d",
			len(starts), len(ends), rank))
	}
	return func(yield func([]int) bool) {
		for axis := range rank {
			if starts[axis] >= ends[axis] {
				return // Empty box.
			}
		}
		indices := make([]int, rank)
		copy(indices, starts)
		if rank <= 1 {
			yield(indices)
			return
		}
	rows:
		for {
			if !yield(indices) {
				return
			}
			// Increment the indices of the outer axes (the last axis is a row).
			for axis := rank - 2; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < ends[axis] {
					continue rows
				}
				indices[axis] = starts[axis]
			}
			return
		}
	}
}
