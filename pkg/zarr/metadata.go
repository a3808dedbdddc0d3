// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package zarr implements a minimal zarr (format version 2) array store on the local file system.
//
// An array is a directory holding a ".zarray" JSON metadata file and one file per chunk, named by the
// chunk indices joined by "." ("0" for scalars). Chunks are stored in C (row-major) order and little-endian,
// optionally compressed with gzip or zstd.
//
// It's used to store each leaf of a checkpoint, with one chunk per shard, so each process can read and
// write only the regions it owns.
package zarr

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors/numpy"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
)

// MetadataFileName is the name of the metadata file within the array directory.
const MetadataFileName = ".zarray"

// Compressor configuration, as stored in the metadata. It follows the numcodecs conventions.
type Compressor struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

// Metadata of a zarr array, serialized as JSON to the MetadataFileName file.
type Metadata struct {
	ZarrFormat int         `json:"zarr_format"`
	Shape      []int       `json:"shape"`
	Chunks     []int       `json:"chunks"`
	DType      string      `json:"dtype"`
	Compressor *Compressor `json:"compressor"`
	FillValue  any         `json:"fill_value"`
	Order      string      `json:"order"`
	Filters    []any       `json:"filters"`
}

// NewMetadata for an array of the given shape, split in chunks of chunkDims.
//
// Each chunk dimension must divide the corresponding dimension of the shape.
func NewMetadata(shape shapes.Shape, chunkDims []int, compression Compression) (*Metadata, error) {
	typestr, err := numpy.TypestrFromDType(shape.DType)
	if err != nil {
		return nil, err
	}
	if len(chunkDims) != shape.Rank() {
		return nil, errors.Errorf("chunks %v don't match the rank of shape %s", chunkDims, shape)
	}
	for axis, dim := range shape.Dimensions {
		if chunkDims[axis] <= 0 || dim%chunkDims[axis] != 0 {
			return nil, errors.Errorf("chunks %v don't evenly divide shape %s in axis %d", chunkDims, shape, axis)
		}
	}
	compressor, err := compression.compressor()
	if err != nil {
		return nil, err
	}
	var fillValue any = 0
	if shape.DType == dtypes.Bool {
		fillValue = false
	}
	return &Metadata{
		ZarrFormat: 2,
		Shape:      append([]int{}, shape.Dimensions...),
		Chunks:     append([]int{}, chunkDims...),
		DType:      typestr,
		Compressor: compressor,
		FillValue:  fillValue,
		Order:      "C",
	}, nil
}

// Validate checks the metadata is supported by this package.
func (m *Metadata) Validate() error {
	if m.ZarrFormat != 2 {
		return errors.Errorf("unsupported zarr_format %d", m.ZarrFormat)
	}
	if m.Order != "C" {
		return errors.Errorf("unsupported order %q, only \"C\" is supported", m.Order)
	}
	if len(m.Filters) > 0 {
		return errors.Errorf("filters are not supported, got %v", m.Filters)
	}
	if len(m.Chunks) != len(m.Shape) {
		return errors.Errorf("chunks %v and shape %v have different ranks", m.Chunks, m.Shape)
	}
	for axis, dim := range m.Shape {
		if dim <= 0 || m.Chunks[axis] <= 0 {
			return errors.Errorf("invalid shape %v or chunks %v in axis %d", m.Shape, m.Chunks, axis)
		}
	}
	if _, err := m.compression(); err != nil {
		return err
	}
	_, err := numpy.DTypeFromTypestr(m.DType)
	return err
}

// LogicalShape returns the shape of the whole array.
func (m *Metadata) LogicalShape() (shapes.Shape, error) {
	dtype, err := numpy.DTypeFromTypestr(m.DType)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.FromDimensions(dtype, m.Shape)
}

// ChunkShape returns the shape of one chunk.
func (m *Metadata) ChunkShape() (shapes.Shape, error) {
	dtype, err := numpy.DTypeFromTypestr(m.DType)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shapes.FromDimensions(dtype, m.Chunks)
}

// NumChunks returns the number of chunks in each axis.
func (m *Metadata) NumChunks() []int {
	numChunks := make([]int, len(m.Shape))
	for axis, dim := range m.Shape {
		numChunks[axis] = (dim + m.Chunks[axis] - 1) / m.Chunks[axis]
	}
	return numChunks
}

// ChunkKey returns the file name of the chunk with the given indices.
func ChunkKey(chunkIndices []int) string {
	if len(chunkIndices) == 0 {
		return "0"
	}
	parts := make([]string, len(chunkIndices))
	for ii, idx := range chunkIndices {
		parts[ii] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ".")
}

// WriteMetadata writes the metadata file into dir, which must exist.
func WriteMetadata(dir string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize zarr metadata for %q", dir)
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, MetadataFileName), data)
}

// ReadMetadata reads and validates the metadata file of the array in dir.
//
// If the file doesn't exist the returned error wraps os.ErrNotExist.
func ReadMetadata(dir string) (*Metadata, error) {
	filePath := filepath.Join(dir, MetadataFileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read zarr metadata")
	}
	m := &Metadata{}
	if err = json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(err, "failed to parse zarr metadata in %q", filePath)
	}
	if err = m.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid zarr metadata in %q", filePath)
	}
	return m, nil
}
