package distributed_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/distckpt/pkg/core/distributed"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{name: "1D mesh", shape: []int{8}, axisNames: []string{"replica"}, wantRank: 1, wantNum: 8},
			{name: "2D mesh", shape: []int{2, 4}, axisNames: []string{"x", "y"}, wantRank: 2, wantNum: 8},
			{name: "3D mesh", shape: []int{2, 2, 2}, axisNames: []string{"x", "y", "z"}, wantRank: 3, wantNum: 8},
			{name: "single device", shape: []int{1}, axisNames: []string{"replica"}, wantRank: 1, wantNum: 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
				assert.Equal(t, 1, mesh.NumProcesses())
				assert.Len(t, mesh.LocalDevices(0), tt.wantNum)
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantErr   string
		}{
			{name: "mismatched lengths", shape: []int{2, 4}, axisNames: []string{"x"},
				wantErr: "axesSizes and axesNames must have the same length"},
			{name: "empty shape", shape: []int{}, axisNames: []string{}, wantErr: "axesSizes cannot be empty"},
			{name: "empty axis name", shape: []int{4}, axisNames: []string{""}, wantErr: "is not a valid identifier"},
			{name: "duplicate axis names", shape: []int{2, 4}, axisNames: []string{"x", "x"},
				wantErr: "axis name \"x\" is duplicated"},
			{name: "zero sized axis", shape: []int{0}, axisNames: []string{"x"}, wantErr: "invalid size 0"},
			{name: "axis name starting with digit", shape: []int{2}, axisNames: []string{"2x"},
				wantErr: "is not a valid identifier"},
			{name: "axis name with dash", shape: []int{2}, axisNames: []string{"x-y"},
				wantErr: "is not a valid identifier"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.Error(t, err)
				assert.Nil(t, mesh)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("AxesNamesAndSizes", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)
		axisNames := mesh.AxesNames()
		assert.Equal(t, []string{"x", "y"}, axisNames)
		axisNames[0] = "modified"
		assert.Equal(t, []string{"x", "y"}, mesh.AxesNames())

		sizes := mesh.AxesSizes()
		sizes[0] = 99
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())

		size, err := mesh.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("z")
		require.ErrorContains(t, err, "not found")
	})

	t.Run("String", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)
		assert.Equal(t, "DeviceMesh(axesSizes={x: 2, y: 4})", mesh.String())
		require.NoError(t, mesh.SetNumProcesses(2))
		assert.Equal(t, "DeviceMesh(axesSizes={x: 2, y: 4}, processes=2)", mesh.String())
	})

	t.Run("DeviceCoordinates", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 2, 2}, []string{"x", "y", "z"})
		require.NoError(t, err)
		coords, err := mesh.DeviceCoordinates(6)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 1, 0}, coords)
		_, err = mesh.DeviceCoordinates(8)
		require.Error(t, err)
	})

	t.Run("Processes", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)
		require.NoError(t, mesh.SetNumProcesses(4))
		assert.Equal(t, 4, mesh.NumProcesses())
		assert.Equal(t, []int{2, 3}, mesh.LocalDevices(1))
		assert.Equal(t, 3, mesh.ProcessOfDevice(7))
		require.Error(t, mesh.SetNumProcesses(3))

		require.NoError(t, mesh.SetDeviceProcesses(1, 0, 1, 0, 1, 0, 1, 0))
		assert.Equal(t, []int{1, 3, 5, 7}, mesh.LocalDevices(0))
		require.ErrorContains(t, mesh.SetDeviceProcesses(0, 2, 0, 2, 0, 2, 0, 2), "without gaps")
		require.ErrorContains(t, mesh.SetDeviceProcesses(0, 1), "must have 8 elements")
	})
}
