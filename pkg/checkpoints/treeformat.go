// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/core/tensors/numpy"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
	"github.com/gomlx/distckpt/pkg/trees"
)

// TreeFileName is the name of the file holding the whole state in a FormatTree checkpoint.
const TreeFileName = "checkpoint.msgpack"

// treeFileVersion is the current version of the TreeFile format.
const treeFileVersion = 1

// TreeFile is the content of a FormatTree checkpoint file, serialized with msgpack.
type TreeFile struct {
	Version int `msgpack:"version"`

	// Structure is the fingerprint of the structure of the saved state: see trees.Tree.StructureString.
	Structure string `msgpack:"structure"`

	// Leaves in the canonical order of the state tree.
	Leaves []TreeLeaf `msgpack:"leaves"`
}

// TreeLeaf is one leaf of a TreeFile.
type TreeLeaf struct {
	Address    string `msgpack:"address"`
	DType      string `msgpack:"dtype"` // NumPy typestr, see numpy.TypestrFromDType.
	Dimensions []int  `msgpack:"dimensions"`
	Data       []byte `msgpack:"data"`
}

// Shape of the leaf.
func (l *TreeLeaf) Shape() (shapes.Shape, error) {
	dtype, err := numpy.DTypeFromTypestr(l.DType)
	if err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "leaf %q", l.Address)
	}
	shape, err := shapes.FromDimensions(dtype, l.Dimensions)
	return shape, errors.WithMessagef(err, "leaf %q", l.Address)
}

// ReadTreeFile reads the TreeFile of the FormatTree checkpoint in checkpointDir.
func ReadTreeFile(checkpointDir string) (*TreeFile, error) {
	filePath := filepath.Join(checkpointDir, TreeFileName)
	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(ErrStructureMismatch, "%q not found, is it a %s checkpoint?", filePath, FormatTree)
		}
		return nil, errors.Wrapf(err, "failed to open checkpoint file")
	}
	defer func() { _ = f.Close() }()
	treeFile := &TreeFile{}
	if err = msgpack.NewDecoder(bufio.NewReader(f)).Decode(treeFile); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint file %q", filePath)
	}
	if treeFile.Version != treeFileVersion {
		return nil, errors.Errorf("checkpoint file %q has unsupported version %d", filePath, treeFile.Version)
	}
	return treeFile, nil
}

// treeFormat implements FormatTree.
type treeFormat struct{}

func (treeFormat) save(ctx context.Context, m *Manager, dir string, state State, addresses TrainState[string]) error {
	if !m.ownsDir() {
		// The primary process holds every leaf and writes the whole state.
		return nil
	}
	tree := state.Tree()
	leaves := trees.Flatten(tree)
	leafAddresses := trees.Flatten(addresses.Tree())
	treeFile := &TreeFile{
		Version:   treeFileVersion,
		Structure: tree.StructureString(),
		Leaves:    make([]TreeLeaf, len(leaves)),
	}
	err := m.forEachLeaf(ctx, len(leaves), func(_ context.Context, leafIdx int) error {
		address := leafAddresses[leafIdx]
		global, err := leaves[leafIdx].Gather()
		if err != nil {
			return errors.WithMessagef(err, "saving leaf %q", address)
		}
		typestr, err := numpy.TypestrFromDType(global.DType())
		if err != nil {
			return errors.WithMessagef(err, "saving leaf %q", address)
		}
		leaf := TreeLeaf{
			Address:    address,
			DType:      typestr,
			Dimensions: slices.Clone(global.Shape().Dimensions),
		}
		global.ConstBytes(func(data []byte) {
			leaf.Data = slices.Clone(data)
		})
		treeFile.Leaves[leafIdx] = leaf
		m.notifyLeafDone(address, global.Memory())
		return nil
	})
	if err != nil {
		return err
	}
	return writeTreeFile(filepath.Join(dir, TreeFileName), treeFile)
}

func writeTreeFile(filePath string, treeFile *TreeFile) error {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fsutil.FilePermMode)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint file")
	}
	w := bufio.NewWriter(f)
	err = msgpack.NewEncoder(w).Encode(treeFile)
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write checkpoint file %q", filePath)
	}
	return nil
}

func (treeFormat) restore(ctx context.Context, m *Manager, dir string, target TrainState[shapes.Shape],
	addresses TrainState[string], specs TrainState[*distributed.ShardingSpec]) (State, error) {
	treeFile, err := ReadTreeFile(dir)
	if err != nil {
		return State{}, err
	}
	targetTree := target.Tree()
	if wantStructure := targetTree.StructureString(); treeFile.Structure != wantStructure {
		return State{}, errors.Wrapf(ErrStructureMismatch,
			"checkpoint doesn't match the requested structure:\n\tsaved structure     %s\n\trequested structure %s",
			treeFile.Structure, wantStructure)
	}
	leafShapes := trees.Flatten(targetTree)
	leafAddresses := trees.Flatten(addresses.Tree())
	leafSpecs := trees.Flatten(specs.Tree())
	if len(treeFile.Leaves) != len(leafShapes) {
		return State{}, errors.Wrapf(ErrStructureMismatch, "checkpoint has %d leaves, but the structure %s has %d",
			len(treeFile.Leaves), treeFile.Structure, len(leafShapes))
	}

	results := make([]*distributed.Tensor, len(leafShapes))
	err = m.forEachLeaf(ctx, len(leafShapes), func(_ context.Context, leafIdx int) error {
		address := leafAddresses[leafIdx]
		leaf := &treeFile.Leaves[leafIdx]
		if leaf.Address != address {
			return errors.Wrapf(ErrStructureMismatch, "leaf #%d saved as %q, but %q was requested",
				leafIdx, leaf.Address, address)
		}
		shape, err := leaf.Shape()
		if err != nil {
			return err
		}
		if !shape.Equal(leafShapes[leafIdx]) {
			return errors.Errorf("restoring leaf %q: saved leaf is shaped %s, but %s was requested",
				address, shape, leafShapes[leafIdx])
		}
		global, err := tensors.FromBytes(shape, leaf.Data)
		if err != nil {
			return errors.WithMessagef(err, "restoring leaf %q", address)
		}
		spec := leafSpecs[leafIdx]
		devices, err := m.localDevices(spec.Mesh)
		if err != nil {
			return errors.WithMessagef(err, "restoring leaf %q", address)
		}
		results[leafIdx], err = distributed.FromGlobal(global, spec, devices)
		if err != nil {
			return errors.WithMessagef(err, "restoring leaf %q", address)
		}
		m.notifyLeafDone(address, shape.Memory())
		return nil
	})
	if err != nil {
		return State{}, err
	}
	tree, err := trees.Unflatten(targetTree, results)
	if err != nil {
		return State{}, err
	}
	return TrainStateFromTree(tree)
}
