// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/support/sets"
)

// DeviceMesh is the logical grid of devices a training job runs on, along with the process (host) that owns
// each device.
//
// Devices are numbered from 0 to NumDevices-1 in row-major order of the mesh axes, so for a mesh {data: 2, model: 2}
// device 1 is at coordinates (data=0, model=1).
//
// A DeviceMesh is shared by the ShardingSpec of many tensors: configure its processes before building the specs,
// and don't change it afterward.
type DeviceMesh struct {
	axesNames []string
	axesSizes []int
	axisIndex map[string]int

	numDevices int

	// owner of each device, and the number of distinct owners.
	owner        []int
	numProcesses int
}

// validAxisName reports whether name is an ASCII identifier: a letter or underscore followed by letters, digits
// or underscores.
func validAxisName(name string) bool {
	if name == "" {
		return false
	}
	for ii, r := range name {
		isLetter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		isDigit := r >= '0' && r <= '9'
		if !isLetter && (ii == 0 || !isDigit) {
			return false
		}
	}
	return true
}

// NewDeviceMesh creates a mesh with one axis per element of axesSizes, named by the corresponding axesNames.
//
// Every device starts owned by process 0: see SetNumProcesses and SetDeviceProcesses.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	m := &DeviceMesh{
		axesNames:    slices.Clone(axesNames),
		axesSizes:    slices.Clone(axesSizes),
		axisIndex:    make(map[string]int, len(axesNames)),
		numDevices:   1,
		numProcesses: 1,
	}
	for axis, name := range m.axesNames {
		switch {
		case !validAxisName(name):
			return nil, errors.Errorf("DeviceMesh axis name %q (axis #%d) is not a valid identifier: "+
				"use only ASCII letters, digits and underscores, not starting with a digit", name, axis)
		case m.axesSizes[axis] <= 0:
			return nil, errors.Errorf("DeviceMesh axis %q has invalid size %d", name, m.axesSizes[axis])
		}
		if _, dup := m.axisIndex[name]; dup {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		m.axisIndex[name] = axis
		m.numDevices *= m.axesSizes[axis]
	}
	m.owner = make([]int, m.numDevices)
	return m, nil
}

// SingleDeviceMesh returns a mesh of one device owned by process 0, used by tensors that are not distributed.
func SingleDeviceMesh() *DeviceMesh {
	m, err := NewDeviceMesh([]int{1}, []string{"replica"})
	if err != nil {
		panic(err)
	}
	return m
}

// NumDevices in the mesh.
func (m *DeviceMesh) NumDevices() int { return m.numDevices }

// Rank is the number of mesh axes.
func (m *DeviceMesh) Rank() int { return len(m.axesSizes) }

// AxesNames returns a copy of the names of the mesh axes.
func (m *DeviceMesh) AxesNames() []string { return slices.Clone(m.axesNames) }

// AxesSizes returns a copy of the sizes of the mesh axes.
func (m *DeviceMesh) AxesSizes() []int { return slices.Clone(m.axesSizes) }

// AxisSize returns the number of devices along the mesh axis axisName.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	axis, found := m.axisIndex[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[axis], nil
}

// String implements fmt.Stringer.
func (m *DeviceMesh) String() string {
	parts := make([]string, len(m.axesNames))
	for axis, name := range m.axesNames {
		parts[axis] = fmt.Sprintf("%s: %d", name, m.axesSizes[axis])
	}
	s := "DeviceMesh(axesSizes={" + strings.Join(parts, ", ") + "}"
	if m.numProcesses > 1 {
		s += fmt.Sprintf(", processes=%d", m.numProcesses)
	}
	return s + ")"
}

// DeviceCoordinates returns the position of device along each of the mesh axes.
func (m *DeviceMesh) DeviceCoordinates(device int) ([]int, error) {
	if device < 0 || device >= m.numDevices {
		return nil, errors.Errorf("device #%d out of range for %s", device, m)
	}
	coords := make([]int, len(m.axesSizes))
	for axis := len(m.axesSizes) - 1; axis >= 0; axis-- {
		coords[axis] = device % m.axesSizes[axis]
		device /= m.axesSizes[axis]
	}
	return coords, nil
}

// SetNumProcesses splits the devices in numProcesses contiguous blocks of the same size, process i owning the
// i-th block. It fails if NumDevices is not divisible by numProcesses.
func (m *DeviceMesh) SetNumProcesses(numProcesses int) error {
	if numProcesses <= 0 || m.numDevices%numProcesses != 0 {
		return errors.Errorf("cannot split the %d devices of %s over %d processes", m.numDevices, m, numProcesses)
	}
	blockSize := m.numDevices / numProcesses
	owners := make([]int, m.numDevices)
	for device := range owners {
		owners[device] = device / blockSize
	}
	return m.SetDeviceProcesses(owners...)
}

// SetDeviceProcesses sets the owner process of each device: processes[device] is the owner of device.
//
// Processes must be numbered from 0 without gaps, that is, each one owns at least one device.
func (m *DeviceMesh) SetDeviceProcesses(processes ...int) error {
	if len(processes) != m.numDevices {
		return errors.Errorf("processes must have %d elements (one per device), got %d", m.numDevices, len(processes))
	}
	owners := sets.Make[int]()
	for device, process := range processes {
		if process < 0 {
			return errors.Errorf("device #%d assigned to invalid process %d", device, process)
		}
		owners.Insert(process)
	}
	numProcesses := slices.Max(processes) + 1
	if len(owners) != numProcesses {
		return errors.Errorf("processes must be numbered 0 to %d without gaps, got %v", numProcesses-1, processes)
	}
	m.owner = slices.Clone(processes)
	m.numProcesses = numProcesses
	return nil
}

// NumProcesses owning the devices of the mesh.
func (m *DeviceMesh) NumProcesses() int { return m.numProcesses }

// ProcessOfDevice returns the index of the process owning device.
func (m *DeviceMesh) ProcessOfDevice(device int) int { return m.owner[device] }

// LocalDevices returns the devices owned by processIndex, in increasing order.
func (m *DeviceMesh) LocalDevices(processIndex int) []int {
	var devices []int
	for device, owner := range m.owner {
		if owner == processIndex {
			devices = append(devices, device)
		}
	}
	return devices
}

// flatIndex combines the coordinates along the given mesh axes, in their given order, into a row-major index.
func (m *DeviceMesh) flatIndex(coords, axes []int) int {
	index := 0
	for _, axis := range axes {
		index = index*m.axesSizes[axis] + coords[axis]
	}
	return index
}
