// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package zarr

import (
	"iter"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
)

// Array is a handle to a zarr array stored in a directory.
//
// Writes to different chunks are safe to do concurrently, also from different processes.
type Array struct {
	dir               string
	meta              *Metadata
	shape, chunkShape shapes.Shape
	compression       Compression
}

func newArray(dir string, meta *Metadata) (*Array, error) {
	a := &Array{dir: dir, meta: meta}
	var err error
	if a.shape, err = meta.LogicalShape(); err != nil {
		return nil, err
	}
	if a.chunkShape, err = meta.ChunkShape(); err != nil {
		return nil, err
	}
	if a.compression, err = meta.compression(); err != nil {
		return nil, err
	}
	return a, nil
}

// Create returns a handle to a new array in dir, creating the directory if needed.
//
// If writeMetadata is true, the metadata file is written. When many processes write to the same array,
// only one of them should write the metadata: all of them must use the same metadata though.
func Create(dir string, meta *Metadata, writeMetadata bool) (*Array, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	a, err := newArray(dir, meta)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, fsutil.DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create zarr array directory %q", dir)
	}
	if writeMetadata {
		if err = WriteMetadata(dir, meta); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Open an existing array in dir.
func Open(dir string) (*Array, error) {
	meta, err := ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	return newArray(dir, meta)
}

// Dir where the array is stored.
func (a *Array) Dir() string { return a.dir }

// Metadata of the array.
func (a *Array) Metadata() *Metadata { return a.meta }

// Shape of the whole array.
func (a *Array) Shape() shapes.Shape { return a.shape }

// ChunkShape returns the shape of each chunk.
func (a *Array) ChunkShape() shapes.Shape { return a.chunkShape }

// Compression of the chunks.
func (a *Array) Compression() Compression { return a.compression }

func (a *Array) chunkPath(chunkIndices []int) string {
	return filepath.Join(a.dir, ChunkKey(chunkIndices))
}

// WriteChunk writes the chunk with the given indices. The chunk tensor must have the array's chunk shape.
func (a *Array) WriteChunk(chunkIndices []int, chunk *tensors.Tensor) error {
	if !chunk.Shape().Equal(a.chunkShape) {
		return errors.Errorf("chunk %v of %q: got tensor shaped %s, want %s",
			chunkIndices, a.dir, chunk.Shape(), a.chunkShape)
	}
	if err := a.checkChunkIndices(chunkIndices); err != nil {
		return err
	}
	var err error
	chunk.ConstBytes(func(data []byte) {
		var encoded []byte
		encoded, err = encodeChunk(a.compression, data)
		if err == nil {
			err = os.WriteFile(a.chunkPath(chunkIndices), encoded, fsutil.FilePermMode)
		}
	})
	if err != nil {
		return errors.Wrapf(err, "failed to write chunk %v of %q", chunkIndices, a.dir)
	}
	klog.V(2).Infof("zarr: wrote chunk %s of %q", ChunkKey(chunkIndices), a.dir)
	return nil
}

// ReadChunk reads the chunk with the given indices.
//
// A missing chunk is an error (wrapping os.ErrNotExist): fill values are never used for missing chunks,
// since for a checkpoint that means an incomplete write.
func (a *Array) ReadChunk(chunkIndices []int) (*tensors.Tensor, error) {
	if err := a.checkChunkIndices(chunkIndices); err != nil {
		return nil, err
	}
	encoded, err := os.ReadFile(a.chunkPath(chunkIndices))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read chunk %v of %q", chunkIndices, a.dir)
	}
	raw, err := decodeChunk(a.compression, encoded, int(a.chunkShape.Memory()))
	if err != nil {
		return nil, errors.WithMessagef(err, "chunk %v of %q", chunkIndices, a.dir)
	}
	return tensors.FromBytes(a.chunkShape, raw)
}

func (a *Array) checkChunkIndices(chunkIndices []int) error {
	numChunks := a.meta.NumChunks()
	if len(chunkIndices) != len(numChunks) {
		return errors.Errorf("chunk indices %v have wrong rank for %q with %v chunks", chunkIndices, a.dir, numChunks)
	}
	for axis, idx := range chunkIndices {
		if idx < 0 || idx >= numChunks[axis] {
			return errors.Errorf("chunk indices %v out of range for %q with %v chunks", chunkIndices, a.dir, numChunks)
		}
	}
	return nil
}

// WriteRegion writes value into the array starting at starts. The region must be aligned to chunk
// boundaries, and it may span multiple chunks.
func (a *Array) WriteRegion(starts []int, value *tensors.Tensor) error {
	rank := a.shape.Rank()
	dims := value.Shape().Dimensions
	if value.DType() != a.shape.DType || len(starts) != rank || value.Rank() != rank {
		return errors.Errorf("WriteRegion(starts=%v, value shaped %s) incompatible with array %q shaped %s",
			starts, value.Shape(), a.dir, a.shape)
	}
	firstChunk := make([]int, rank)
	endChunk := make([]int, rank)
	for axis := range rank {
		chunkDim := a.chunkShape.Dimensions[axis]
		if starts[axis]%chunkDim != 0 || dims[axis]%chunkDim != 0 || starts[axis]+dims[axis] > a.shape.Dimensions[axis] {
			return errors.Errorf("WriteRegion(starts=%v, value shaped %s) not aligned to chunks %v of array %q shaped %s",
				starts, value.Shape(), a.chunkShape.Dimensions, a.dir, a.shape)
		}
		firstChunk[axis] = starts[axis] / chunkDim
		endChunk[axis] = (starts[axis] + dims[axis]) / chunkDim
	}
	if value.Shape().Equal(a.chunkShape) {
		return a.WriteChunk(firstChunk, value)
	}
	for chunkIndices := range indicesInBox(firstChunk, endChunk) {
		chunkStarts := make([]int, rank)
		chunkEnds := make([]int, rank)
		for axis, idx := range chunkIndices {
			chunkStarts[axis] = idx*a.chunkShape.Dimensions[axis] - starts[axis]
			chunkEnds[axis] = chunkStarts[axis] + a.chunkShape.Dimensions[axis]
		}
		chunk, err := value.Slice(chunkStarts, chunkEnds)
		if err != nil {
			return err
		}
		if err = a.WriteChunk(chunkIndices, chunk); err != nil {
			return err
		}
	}
	return nil
}

// ReadRegion reads the box [starts, ends) of the array, which doesn't need to be aligned to the chunks.
//
// Only the chunks intersecting the region are read.
func (a *Array) ReadRegion(starts, ends []int) (*tensors.Tensor, error) {
	rank := a.shape.Rank()
	if len(starts) != rank || len(ends) != rank {
		return nil, errors.Errorf("ReadRegion(starts=%v, ends=%v) has wrong rank for array %q shaped %s",
			starts, ends, a.dir, a.shape)
	}
	sizes := make([]int, rank)
	firstChunk := make([]int, rank)
	endChunk := make([]int, rank)
	for axis := range rank {
		if starts[axis] < 0 || ends[axis] <= starts[axis] || ends[axis] > a.shape.Dimensions[axis] {
			return nil, errors.Errorf("ReadRegion(starts=%v, ends=%v) out of bounds for array %q shaped %s",
				starts, ends, a.dir, a.shape)
		}
		sizes[axis] = ends[axis] - starts[axis]
		chunkDim := a.chunkShape.Dimensions[axis]
		firstChunk[axis] = starts[axis] / chunkDim
		endChunk[axis] = (ends[axis] + chunkDim - 1) / chunkDim
	}
	regionShape := shapes.Make(a.shape.DType, sizes...)
	if regionShape.Equal(a.chunkShape) && a.isChunkAligned(starts) {
		return a.ReadChunk(firstChunk)
	}

	result := tensors.FromShape(regionShape)
	srcStarts := make([]int, rank)
	dstStarts := make([]int, rank)
	boxSizes := make([]int, rank)
	for chunkIndices := range indicesInBox(firstChunk, endChunk) {
		chunk, err := a.ReadChunk(chunkIndices)
		if err != nil {
			return nil, err
		}
		for axis, idx := range chunkIndices {
			chunkDim := a.chunkShape.Dimensions[axis]
			chunkStart := idx * chunkDim
			from := max(starts[axis], chunkStart)
			to := min(ends[axis], chunkStart+chunkDim)
			srcStarts[axis] = from - chunkStart
			dstStarts[axis] = from - starts[axis]
			boxSizes[axis] = to - from
		}
		if err = tensors.CopyRegion(result, dstStarts, chunk, srcStarts, boxSizes); err != nil {
			return nil, errors.WithMessagef(err, "copying chunk %v of %q", chunkIndices, a.dir)
		}
	}
	return result, nil
}

// ReadAll reads the whole array.
func (a *Array) ReadAll() (*tensors.Tensor, error) {
	return a.ReadRegion(make([]int, a.shape.Rank()), slices.Clone(a.shape.Dimensions))
}

func (a *Array) isChunkAligned(starts []int) bool {
	for axis, start := range starts {
		if start%a.chunkShape.Dimensions[axis] != 0 {
			return false
		}
	}
	return true
}

// indicesInBox iterates over all indices in [starts, ends) in row-major order.
// For rank 0 it yields one empty index.
func indicesInBox(starts, ends []int) iter.Seq[[]int] {
	return func(yield func([]int) bool) {
		rank := len(starts)
		for axis := range rank {
			if ends[axis] <= starts[axis] {
				return
			}
		}
		indices := slices.Clone(starts)
		for {
			if !yield(slices.Clone(indices)) {
				return
			}
			axis := rank - 1
			for ; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < ends[axis] {
					break
				}
				indices[axis] = starts[axis]
			}
			if axis < 0 {
				return
			}
		}
	}
}
