package numpy

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
)

func TestTypestr(t *testing.T) {
	for _, dtype := range []dtypes.DType{
		dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64,
	} {
		typestr, err := TypestrFromDType(dtype)
		require.NoError(t, err, "dtype %s", dtype)
		got, err := DTypeFromTypestr(typestr)
		require.NoError(t, err, "typestr %q", typestr)
		assert.Equal(t, dtype, got)
	}
	_, err := DTypeFromTypestr(">f4")
	require.Error(t, err)
	_, err = DTypeFromTypestr("<U8")
	require.Error(t, err)
	got, err := DTypeFromTypestr("?")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Bool, got)
}

func TestNpyWriterReader(t *testing.T) {
	want := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	var buf bytes.Buffer
	require.NoError(t, ToNpyWriter(want, &buf))
	assert.Equal(t, 0, (buf.Len()-int(want.Memory()))%16, "header must be padded to 16 bytes")
	got, err := FromNpyReader(&buf)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	_, err = FromNpyReader(bytes.NewReader([]byte("not numpy")))
	require.Error(t, err)
	require.Error(t, ToNpyWriter(tensors.FromShape(shapes.Make(dtypes.BFloat16, 2)), &buf))
}

func TestParseNpyHeader(t *testing.T) {
	shape, err := parseNpyHeader("{'descr': '<i8', 'fortran_order': False, 'shape': (10,), }")
	require.NoError(t, err)
	assert.Equal(t, shapes.Make(dtypes.Int64, 10), shape)
	shape, err = parseNpyHeader("{'descr': '|b1', 'fortran_order': False, 'shape': (), }")
	require.NoError(t, err)
	assert.Equal(t, shapes.Make(dtypes.Bool), shape)
	_, err = parseNpyHeader("{'descr': '<f4', 'fortran_order': True, 'shape': (2, 3), }")
	require.ErrorContains(t, err, "Fortran")
	_, err = parseNpyHeader("{'descr': '<f4'}")
	require.ErrorContains(t, err, "malformed")
}

func TestNpz(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "leaves.npz")
	want := map[string]*tensors.Tensor{
		"step":       tensors.FromScalar(int64(10)),
		"mdl_vars.w": tensors.FromFlatDataAndDimensions([]float64{0.5, -1}, 2),
	}
	require.NoError(t, ToNpzFile(want, filePath))
	got, err := FromNpzFile(filePath)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for name, tensor := range want {
		assert.True(t, tensor.Equal(got[name]), "tensor %q", name)
	}
}
