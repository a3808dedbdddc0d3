// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dtype and dimensions of a checkpointed tensor (leaf).
//
// Example: the array `[][]int32{{0, 1, 2}, {3, 4, 5}}` has shape `(int32)[2 3]`, created with
// `shapes.Make(dtypes.Int32, 2, 3)`. It has rank 2, axis 0 has dimension 2 and axis 1 has dimension 3.
//
// Go float16 support uses github.com/x448/float16 implementation,
// and bfloat16 uses github.com/gomlx/gopjrt/dtypes/bfloat16.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a tensor: its dtype and dimensions. The zero value is invalid.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns the shape with the given dtype and dimensions. It panics if a dimension is not positive:
// use FromDimensions for dimensions read from files.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s, err := FromDimensions(dtype, dimensions)
	if err != nil {
		exceptions.Panicf("shapes.Make: %v", err)
	}
	return s
}

// FromDimensions is like Make, but returns an error for invalid dtypes or dimensions.
func FromDimensions(dtype dtypes.DType, dimensions []int) (Shape, error) {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	if dtype == dtypes.InvalidDType {
		return Invalid(), errors.Errorf("invalid dtype for dimensions %v", dimensions)
	}
	for axis, dim := range dimensions {
		if dim <= 0 {
			return Invalid(), errors.Errorf("shape %s has axis %d with dimension %d <= 0", s, axis, dim)
		}
	}
	return s, nil
}

// Invalid returns an invalid shape, for which Ok returns false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether the shape is valid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank is the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether s is a valid shape with no axes.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// String implements fmt.Stringer, e.g. "(float32)[2 3]", or "(int64)" for scalars.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size is the number of elements: the product of the dimensions.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory is the number of bytes needed to store the elements of the shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal returns whether s and other have the same dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// Clone returns a deep copy of s.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}
