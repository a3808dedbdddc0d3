// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a host `Tensor`, a representation of a multidimensional array
// stored locally as a flat row-major buffer of bytes.
//
// Tensors are the leaves of the checkpointed train state. Each shard of a distributed
// tensor (see package distributed) is itself a Tensor.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalar[T Supported](value T): creates a scalar Tensor.
//
//   - FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromBytes(shape shapes.Shape, data []byte): takes ownership of a raw little-endian buffer,
//     typically just read from storage.
//
// Tensor is safe for concurrent use: reads (ConstBytes) can happen concurrently, and writes
// (MutableBytes, SetSlice) are exclusive.
package tensors

import (
	"bytes"
	"fmt"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/distckpt/pkg/core/shapes"
)

// Supported lists the Go types that can be used as the element type of a Tensor.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// DTypeFor returns the DType corresponding to the Go type T.
func DTypeFor[T Supported]() dtypes.DType {
	var v T
	switch any(v).(type) {
	case bool:
		return dtypes.Bool
	case int8:
		return dtypes.Int8
	case int16:
		return dtypes.Int16
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case uint8:
		return dtypes.Uint8
	case uint16:
		return dtypes.Uint16
	case uint32:
		return dtypes.Uint32
	case uint64:
		return dtypes.Uint64
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case float16.Float16:
		return dtypes.Float16
	case bfloat16.BFloat16:
		return dtypes.BFloat16
	}
	return dtypes.InvalidDType
}

// Tensor is a multidimensional array stored locally (in host memory).
type Tensor struct {
	mu    sync.RWMutex
	shape shapes.Shape
	data  []byte
}

// FromShape returns a Tensor with the given shape, with the values initialized to zero.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	return &Tensor{shape: shape.Clone(), data: make([]byte, shape.Memory())}
}

// FromBytes creates a Tensor with the given shape, taking ownership of data, which must be
// the row-major little-endian representation of its values.
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromBytes(%s): invalid shape", shape)
	}
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes(%s): got %d bytes, wanted %d", shape, len(data), shape.Memory())
	}
	return &Tensor{shape: shape.Clone(), data: data}, nil
}

// FromScalar returns a scalar Tensor with the given value.
func FromScalar[T Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the
// flattened values given in `data`. The data is copied.
//
// It panics if the size of data doesn't match the dimensions.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(DTypeFor[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copy(flatView[T](t.data), data)
	return t
}

// flatView returns the buffer reinterpreted as a slice of T. It shares the memory.
func flatView[T Supported](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var v T
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))/unsafe.Sizeof(v))
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory is the number of bytes used by the tensor's values.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// ConstBytes calls accessFn with the raw bytes of the tensor, in row-major order.
// accessFn must not modify or hold on to the slice after it returns.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	accessFn(t.data)
}

// MutableBytes calls accessFn with the raw bytes of the tensor, which it may modify in place.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.data)
}

// CopyFlatData returns a copy of the flat values of the tensor.
//
// It returns an error if T doesn't match the tensor's dtype.
func CopyFlatData[T Supported](t *Tensor) ([]T, error) {
	if want := DTypeFor[T](); want != t.shape.DType {
		var v T
		return nil, errors.Errorf("CopyFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]T, t.shape.Size())
	copy(result, flatView[T](t.data))
	return result, nil
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T Supported](t *Tensor) []T {
	flat, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}

// ToScalar returns the scalar value of the tensor.
// It panics if the tensor is not a scalar or if T doesn't match its dtype.
func ToScalar[T Supported](t *Tensor) T {
	if !t.shape.IsScalar() {
		var v T
		exceptions.Panicf("ToScalar[%T] requires scalar Tensor, got shape %s instead", v, t.shape)
	}
	return MustCopyFlatData[T](t)[0]
}

// Equal checks whether two tensors have the same shape and values.
//
// Values are compared bitwise, so a NaN is equal to itself if it has the same representation.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	return bytes.Equal(t.data, other.data)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &Tensor{shape: t.shape.Clone(), data: bytes.Clone(t.data)}
}

// String implements fmt.Stringer. For large tensors only the shape is printed.
func (t *Tensor) String() string {
	const maxElementsToPrint = 16
	if t == nil {
		return "<nil>"
	}
	if t.shape.Size() > maxElementsToPrint {
		return fmt.Sprintf("%s{...}", t.shape)
	}
	values, err := t.ToFloat64s()
	if err != nil {
		return fmt.Sprintf("%s{?}", t.shape)
	}
	return fmt.Sprintf("%s%v", t.shape, values)
}
