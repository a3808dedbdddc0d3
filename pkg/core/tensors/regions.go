// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/distckpt/pkg/core/shapes"
)

// CopyRegion copies the box of the given sizes from src (starting at srcStarts) into dst (starting at dstStarts).
//
// Both tensors must have the same dtype and rank, and the boxes must fit. src and dst must be different tensors.
func CopyRegion(dst *Tensor, dstStarts []int, src *Tensor, srcStarts []int, sizes []int) error {
	if dst == src {
		return errors.New("CopyRegion: source and destination must be different tensors")
	}
	if dst.shape.DType != src.shape.DType {
		return errors.Errorf("CopyRegion: dtype mismatch, source is %s and destination is %s", src.shape, dst.shape)
	}
	rank := dst.shape.Rank()
	if src.shape.Rank() != rank || len(dstStarts) != rank || len(srcStarts) != rank || len(sizes) != rank {
		return errors.Errorf("CopyRegion: rank mismatch, source %s (starts=%v), destination %s (starts=%v), sizes=%v",
			src.shape, srcStarts, dst.shape, dstStarts, sizes)
	}
	for axis := range rank {
		if sizes[axis] < 0 || srcStarts[axis] < 0 || dstStarts[axis] < 0 ||
			srcStarts[axis]+sizes[axis] > src.shape.Dimensions[axis] ||
			dstStarts[axis]+sizes[axis] > dst.shape.Dimensions[axis] {
			return errors.Errorf("CopyRegion: box of sizes %v out of bounds in axis %d: source %s (starts=%v), destination %s (starts=%v)",
				sizes, axis, src.shape, srcStarts, dst.shape, dstStarts)
		}
	}

	elementSize := int(dst.shape.DType.Memory())
	rowBytes := elementSize
	if rank > 0 {
		rowBytes *= sizes[rank-1]
	}
	box := shapes.Shape{DType: dst.shape.DType, Dimensions: sizes}
	zeros := make([]int, rank)
	srcIndices := make([]int, rank)
	dstIndices := make([]int, rank)

	src.mu.RLock()
	defer src.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	for row := range box.IterRows(zeros, sizes) {
		for axis := range rank {
			srcIndices[axis] = srcStarts[axis] + row[axis]
			dstIndices[axis] = dstStarts[axis] + row[axis]
		}
		srcOffset := src.shape.FlatIndex(srcIndices) * elementSize
		dstOffset := dst.shape.FlatIndex(dstIndices) * elementSize
		copy(dst.data[dstOffset:dstOffset+rowBytes], src.data[srcOffset:srcOffset+rowBytes])
	}
	return nil
}

// Slice returns a new tensor with a copy of the box [starts, ends) of the tensor.
func (t *Tensor) Slice(starts, ends []int) (*Tensor, error) {
	if len(starts) != t.Rank() || len(ends) != t.Rank() {
		return nil, errors.Errorf("Slice(starts=%v, ends=%v) of tensor shaped %s: rank mismatch", starts, ends, t.shape)
	}
	sizes := make([]int, t.Rank())
	for axis := range sizes {
		sizes[axis] = ends[axis] - starts[axis]
		if sizes[axis] <= 0 {
			return nil, errors.Errorf("Slice(starts=%v, ends=%v) of tensor shaped %s: empty slice in axis %d",
				starts, ends, t.shape, axis)
		}
	}
	result := FromShape(shapes.Make(t.shape.DType, sizes...))
	if err := CopyRegion(result, make([]int, t.Rank()), t, starts, sizes); err != nil {
		return nil, errors.WithMessagef(err, "Slice(starts=%v, ends=%v)", starts, ends)
	}
	return result, nil
}

// SetSlice copies src into the tensor, starting at the given position.
func (t *Tensor) SetSlice(starts []int, src *Tensor) error {
	if err := CopyRegion(t, starts, src, make([]int, src.Rank()), src.shape.Dimensions); err != nil {
		return errors.WithMessagef(err, "SetSlice(starts=%v)", starts)
	}
	return nil
}

// ToFloat64s returns the values of the tensor converted to float64. Booleans are converted to 0 or 1.
func (t *Tensor) ToFloat64s() ([]float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch t.shape.DType {
	case dtypes.Bool:
		return convertToFloat64(t.data, func(v bool) float64 {
			if v {
				return 1
			}
			return 0
		}), nil
	case dtypes.Int8:
		return convertToFloat64(t.data, func(v int8) float64 { return float64(v) }), nil
	case dtypes.Int16:
		return convertToFloat64(t.data, func(v int16) float64 { return float64(v) }), nil
	case dtypes.Int32:
		return convertToFloat64(t.data, func(v int32) float64 { return float64(v) }), nil
	case dtypes.Int64:
		return convertToFloat64(t.data, func(v int64) float64 { return float64(v) }), nil
	case dtypes.Uint8:
		return convertToFloat64(t.data, func(v uint8) float64 { return float64(v) }), nil
	case dtypes.Uint16:
		return convertToFloat64(t.data, func(v uint16) float64 { return float64(v) }), nil
	case dtypes.Uint32:
		return convertToFloat64(t.data, func(v uint32) float64 { return float64(v) }), nil
	case dtypes.Uint64:
		return convertToFloat64(t.data, func(v uint64) float64 { return float64(v) }), nil
	case dtypes.Float32:
		return convertToFloat64(t.data, func(v float32) float64 { return float64(v) }), nil
	case dtypes.Float64:
		return convertToFloat64(t.data, func(v float64) float64 { return v }), nil
	case dtypes.Float16:
		return convertToFloat64(t.data, func(v float16.Float16) float64 { return float64(v.Float32()) }), nil
	case dtypes.BFloat16:
		return convertToFloat64(t.data, func(v bfloat16.BFloat16) float64 { return float64(v.Float32()) }), nil
	}
	return nil, errors.Errorf("ToFloat64s: unsupported dtype %s", t.shape.DType)
}

func convertToFloat64[T Supported](data []byte, convertFn func(T) float64) []float64 {
	flat := flatView[T](data)
	result := make([]float64, len(flat))
	for ii, v := range flat {
		result[ii] = convertFn(v)
	}
	return result
}

// InDelta checks whether two tensors have the same shape and all values within delta of each other,
// after converting them to float64.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	values0, err0 := t.ToFloat64s()
	values1, err1 := other.ToFloat64s()
	if err0 != nil || err1 != nil {
		return false
	}
	for ii, v0 := range values0 {
		if math.Abs(v0-values1[ii]) > delta {
			return false
		}
	}
	return true
}
