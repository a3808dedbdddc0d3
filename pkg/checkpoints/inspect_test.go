package checkpoints

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/distckpt/pkg/core/shapes"
)

func TestInspect(t *testing.T) {
	ctx := context.Background()
	wantAddresses := []string{
		"step", "mdl_vars.dense.b", "mdl_vars.dense.w", "mdl_vars.scale",
		"opt_states_0.count", "opt_states_1.m.dense.w",
	}
	for _, format := range allFormats {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			m := newTestManager(t, dir, format)
			_, err := m.Save(ctx, newTestState(7, 1))
			require.NoError(t, err)

			info, err := Inspect(FinalDirPath(dir, 7))
			require.NoError(t, err)
			assert.Equal(t, int64(7), info.Step)
			assert.Equal(t, format, info.Format)
			assert.Greater(t, info.DiskBytes, int64(0))
			var addresses []string
			for _, leaf := range info.Leaves {
				addresses = append(addresses, leaf.Address)
				if leaf.Address == "mdl_vars.dense.w" {
					assert.True(t, leaf.Shape.Equal(shapes.Make(dtypes.Float32, 4, 8)), "got shape %s", leaf.Shape)
					assert.Greater(t, leaf.NumFiles, 0)
				}
			}
			assert.ElementsMatch(t, wantAddresses, addresses)

			value, err := ReadLeaf(FinalDirPath(dir, 7), "mdl_vars.dense.w")
			require.NoError(t, err)
			assert.True(t, arange(1, 4, 8).Equal(value), "got %s", value)
			_, err = ReadLeaf(FinalDirPath(dir, 7), "mdl_vars.missing")
			require.Error(t, err)
		})
	}

	_, err := Inspect(t.TempDir())
	require.ErrorIs(t, err, ErrMalformedDirName)
}
