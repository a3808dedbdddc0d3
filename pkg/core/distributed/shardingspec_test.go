package distributed_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
)

func newMesh(t *testing.T) *distributed.DeviceMesh {
	mesh, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"data", "model"})
	require.NoError(t, err)
	return mesh
}

func TestShardingSpec(t *testing.T) {
	mesh := newMesh(t)

	t.Run("Validate", func(t *testing.T) {
		_, err := distributed.BuildSpec(mesh).S("unknown").Done()
		require.ErrorContains(t, err, "unknown mesh axis")
		_, err = distributed.BuildSpec(mesh).S("data").S("data").Done()
		require.ErrorContains(t, err, "used more than once")
		spec, err := distributed.BuildSpec(mesh).R().S("model").Done()
		require.NoError(t, err)
		assert.Equal(t, "ShardingSpec[R, S(model)]", spec.String())
		assert.False(t, spec.IsReplicated())
		assert.True(t, distributed.NewReplicatedShardingSpec(mesh).IsReplicated())
		assert.Equal(t, "ShardingSpec<nil>", (*distributed.ShardingSpec)(nil).String())
	})

	t.Run("ShardShape", func(t *testing.T) {
		spec, err := distributed.BuildSpec(mesh).S("data", "model").R().Done()
		require.NoError(t, err)
		logical := shapes.Make(dtypes.Float32, 8, 3)
		shard := spec.ShardShape(logical)
		assert.Equal(t, shapes.Make(dtypes.Float32, 2, 3), shard)
		assert.Equal(t, logical, spec.LogicalShapeForShard(shard))
		assert.False(t, spec.ShardShape(shapes.Make(dtypes.Float32, 6, 3)).Ok())

		// Tail axes not given are replicated.
		spec, err = distributed.BuildSpec(mesh).S("model").Done()
		require.NoError(t, err)
		assert.Equal(t, shapes.Make(dtypes.Int32, 2, 5), spec.ShardShape(shapes.Make(dtypes.Int32, 4, 5)))
		assert.False(t, spec.ShardShape(shapes.Make(dtypes.Int32)).Ok(), "spec with more axes than the tensor")
	})

	t.Run("ShardRegion", func(t *testing.T) {
		spec, err := distributed.BuildSpec(mesh).S("model").R().Done()
		require.NoError(t, err)
		logical := shapes.Make(dtypes.Float32, 4, 3)
		// Devices: 0=(data 0, model 0), 1=(0, 1), 2=(1, 0), 3=(1, 1).
		wantStarts := [][]int{{0, 0}, {2, 0}, {0, 0}, {2, 0}}
		for device, want := range wantStarts {
			starts, ends, err := spec.ShardRegion(logical, device)
			require.NoError(t, err)
			assert.Equal(t, want, starts, "device %d", device)
			assert.Equal(t, []int{want[0] + 2, 3}, ends, "device %d", device)
		}
	})

	t.Run("ReplicaID", func(t *testing.T) {
		spec, err := distributed.BuildSpec(mesh).S("model").Done()
		require.NoError(t, err)
		// Shards are replicated along "data": devices 0 and 1 are the primary replicas.
		for device, want := range []int{0, 0, 1, 1} {
			got, err := spec.ReplicaID(device)
			require.NoError(t, err)
			assert.Equal(t, want, got, "device %d", device)
		}
		_, err = spec.ReplicaID(4)
		require.Error(t, err)
		replicated := distributed.NewReplicatedShardingSpec(mesh)
		for device, want := range []int{0, 1, 2, 3} {
			got, err := replicated.ReplicaID(device)
			require.NoError(t, err)
			assert.Equal(t, want, got, "device %d", device)
		}
	})
}
