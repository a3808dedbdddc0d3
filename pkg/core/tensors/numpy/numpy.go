// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy converts tensors to and from NumPy's .npy and .npz file formats, so checkpoint leaves can be
// exported to Python.
//
// It also converts dtypes to NumPy "typestr" (e.g. "<f4"), the dtype encoding used by the zarr array metadata
// and by the tree checkpoint format.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/support/xslices"
)

// BFloat16Typestr is the dtype name used for bfloat16 by tensorstore and ml_dtypes, since NumPy has no bfloat16.
// It is accepted in zarr metadata but can't be written to .npy files.
const BFloat16Typestr = "bfloat16"

// typestrs maps the supported dtypes to their little-endian typestr.
var typestrs = map[dtypes.DType]string{
	dtypes.Bool:     "|b1",
	dtypes.Int8:     "|i1",
	dtypes.Uint8:    "|u1",
	dtypes.Int16:    "<i2",
	dtypes.Uint16:   "<u2",
	dtypes.Int32:    "<i4",
	dtypes.Uint32:   "<u4",
	dtypes.Int64:    "<i8",
	dtypes.Uint64:   "<u8",
	dtypes.Float16:  "<f2",
	dtypes.Float32:  "<f4",
	dtypes.Float64:  "<f8",
	dtypes.BFloat16: BFloat16Typestr,
}

// dtypesByCode maps the typestr without its byte-order character back to the dtype.
var dtypesByCode = func() map[string]dtypes.DType {
	m := map[string]dtypes.DType{"?": dtypes.Bool}
	for dtype, typestr := range typestrs {
		m[strings.TrimLeft(typestr, "<|")] = dtype
	}
	return m
}()

// TypestrFromDType returns the NumPy typestr of dtype, little-endian for multi-byte types.
// BFloat16 is converted to BFloat16Typestr.
func TypestrFromDType(dtype dtypes.DType) (string, error) {
	typestr, found := typestrs[dtype]
	if !found {
		return "", errors.Errorf("unsupported DType for NumPy: %s", dtype)
	}
	return typestr, nil
}

// DTypeFromTypestr is the inverse of TypestrFromDType. Big-endian typestrs are not supported.
func DTypeFromTypestr(typestr string) (dtypes.DType, error) {
	if strings.HasPrefix(typestr, ">") {
		return dtypes.InvalidDType, errors.Errorf("big-endian dtype %q is not supported", typestr)
	}
	dtype, found := dtypesByCode[strings.TrimLeft(typestr, "<=|")]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unsupported NumPy dtype: %q", typestr)
	}
	return dtype, nil
}

// npyMagic starts every .npy file, followed by the format version.
const npyMagic = "\x93NUMPY"

// ToNpyWriter writes tensor to w in .npy format version 1.0.
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	shape := tensor.Shape()
	if shape.DType == dtypes.BFloat16 {
		return errors.New("bfloat16 has no standard .npy dtype string")
	}
	typestr, err := TypestrFromDType(shape.DType)
	if err != nil {
		return err
	}
	dims := xslices.Map(shape.Dimensions, strconv.Itoa)
	shapeTuple := "(" + strings.Join(dims, ", ") + ")"
	if len(dims) == 1 {
		shapeTuple = "(" + dims[0] + ",)"
	}
	var header bytes.Buffer
	_, _ = fmt.Fprintf(&header, "{'descr': '%s', 'fortran_order': False, 'shape': %s, }", typestr, shapeTuple)
	// The preamble (10 bytes) plus the header, ending with a newline, must align to 16 bytes.
	for (10+header.Len()+1)%16 != 0 {
		header.WriteByte(' ')
	}
	header.WriteByte('\n')

	preamble := binary.LittleEndian.AppendUint16([]byte(npyMagic+"\x01\x00"), uint16(header.Len()))
	if _, err = w.Write(append(preamble, header.Bytes()...)); err != nil {
		return errors.Wrap(err, "failed to write .npy header")
	}
	tensor.ConstBytes(func(data []byte) {
		_, err = w.Write(data)
	})
	return errors.Wrap(err, "failed to write .npy data")
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader parses the Python dict literal of a .npy header, e.g.
// "{'descr': '<f4', 'fortran_order': False, 'shape': (2, 3), }".
func parseNpyHeader(header string) (shapes.Shape, error) {
	descr := reDescr.FindStringSubmatch(header)
	fortran := reFortran.FindStringSubmatch(header)
	shapeTuple := reShape.FindStringSubmatch(header)
	if descr == nil || fortran == nil || shapeTuple == nil {
		return shapes.Invalid(), errors.Errorf("malformed .npy header %q", header)
	}
	if fortran[1] == "True" {
		return shapes.Invalid(), errors.New(".npy files in Fortran (column-major) order are not supported")
	}
	dtype, err := DTypeFromTypestr(descr[1])
	if err != nil {
		return shapes.Invalid(), err
	}
	var dims []int
	for _, part := range strings.Split(shapeTuple[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Scalars "()" and 1D tuples "(n,)".
			continue
		}
		dim, err := strconv.Atoi(part)
		if err != nil {
			return shapes.Invalid(), errors.Wrapf(err, "invalid dimension %q in .npy header", part)
		}
		dims = append(dims, dim)
	}
	return shapes.FromDimensions(dtype, dims)
}

// FromNpyReader reads a tensor in .npy format from r.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	preamble := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, errors.Wrap(err, "failed to read .npy preamble")
	}
	if string(preamble[:len(npyMagic)]) != npyMagic {
		return nil, errors.New("not a .npy file: magic string mismatch")
	}
	// Version 1.x stores the header length in 2 bytes, later versions in 4.
	lenBytes := make([]byte, 2)
	if major := preamble[len(npyMagic)]; major >= 2 {
		lenBytes = make([]byte, 4)
	}
	if _, err := io.ReadFull(r, lenBytes); err != nil {
		return nil, errors.Wrap(err, "failed to read .npy header length")
	}
	var headerLen int
	if len(lenBytes) == 2 {
		headerLen = int(binary.LittleEndian.Uint16(lenBytes))
	} else {
		headerLen = int(binary.LittleEndian.Uint32(lenBytes))
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "failed to read .npy header")
	}
	shape, err := parseNpyHeader(string(header))
	if err != nil {
		return nil, err
	}
	data := make([]byte, shape.Memory())
	if _, err = io.ReadFull(r, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read .npy data of %s", shape)
	}
	return tensors.FromBytes(shape, data)
}

// ToNpzFile writes the tensors to a .npz file (a zip of .npy files), one entry per name, in sorted order.
func ToNpzFile(tensorsByName map[string]*tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	archive := zip.NewWriter(file)
	for _, name := range xslices.SortedKeys(tensorsByName) {
		entry, err := archive.Create(name + ".npy")
		if err != nil {
			return errors.Wrapf(err, "failed to create entry %q in %q", name, filePath)
		}
		if err = ToNpyWriter(tensorsByName[name], entry); err != nil {
			return errors.WithMessagef(err, "tensor %q", name)
		}
	}
	if err = archive.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", filePath)
	}
	return errors.Wrapf(file.Close(), "failed to close %q", filePath)
}

// FromNpzFile reads all the .npy entries of a .npz file, indexed by their name without the ".npy" suffix.
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	archive, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = archive.Close() }()

	tensorsByName := make(map[string]*tensors.Tensor)
	for _, entry := range archive.File {
		if clean := path.Clean(entry.Name); path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return nil, errors.Errorf("invalid entry %q in .npz file %q", entry.Name, filePath)
		}
		name, isNpy := strings.CutSuffix(entry.Name, ".npy")
		if !isNpy {
			continue
		}
		reader, err := entry.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open entry %q of %q", entry.Name, filePath)
		}
		tensor, err := FromNpyReader(reader)
		_ = reader.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "entry %q of %q", entry.Name, filePath)
		}
		tensorsByName[name] = tensor
	}
	return tensorsByName, nil
}
