package distributed_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
)

func TestTensor(t *testing.T) {
	mesh := newMesh(t)
	spec, err := distributed.BuildSpec(mesh).S("data").S("model").Done()
	require.NoError(t, err)
	global := tensors.FromFlatDataAndDimensions([]int32{
		0, 1, 2, 3,
		4, 5, 6, 7}, 2, 4)

	t.Run("FromGlobalAndGather", func(t *testing.T) {
		dt, err := distributed.FromGlobal(global, spec, []int{0, 1, 2, 3})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, dt.LocalDevices())
		assert.Equal(t, []int32{6, 7}, tensors.MustCopyFlatData[int32](dt.Shard(3)))
		assert.True(t, dt.IsFullyAddressable())
		gathered, err := dt.Gather()
		require.NoError(t, err)
		assert.True(t, global.Equal(gathered))
	})

	t.Run("PartiallyAddressable", func(t *testing.T) {
		dt, err := distributed.FromGlobal(global, spec, []int{2, 3})
		require.NoError(t, err)
		assert.False(t, dt.IsFullyAddressable())
		_, err = dt.Gather()
		require.ErrorContains(t, err, "not fully addressable")
	})

	t.Run("New", func(t *testing.T) {
		_, err := distributed.New(spec, shapes.Make(dtypes.Int32, 2, 4),
			map[int]*tensors.Tensor{0: tensors.FromShape(shapes.Make(dtypes.Int32, 2, 2))})
		require.ErrorContains(t, err, "requires")
		_, err = distributed.New(spec, shapes.Make(dtypes.Int32, 3, 4), nil)
		require.ErrorContains(t, err, "cannot shard")
	})

	t.Run("Local", func(t *testing.T) {
		dt := distributed.Local(global.Clone())
		assert.Equal(t, []int{0}, dt.LocalDevices())
		gathered, err := dt.Gather()
		require.NoError(t, err)
		assert.True(t, global.Equal(gathered))
		other := distributed.Local(global.Clone())
		assert.True(t, dt.Equal(other))
	})
}
