// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
	"github.com/gomlx/distckpt/pkg/zarr"
)

// Info describes a checkpoint directory, as returned by Inspect.
type Info struct {
	Dir    string
	Step   int64
	Format Format
	Leaves []LeafInfo

	// DiskBytes is the sum of the sizes of the files of the checkpoint.
	DiskBytes int64
}

// LeafInfo describes one leaf of a checkpoint.
type LeafInfo struct {
	Address string
	Shape   shapes.Shape

	// ChunkShape is the shape of the chunks (the shards at save time) of a FormatSharded leaf.
	// For FormatTree it is the same as Shape.
	ChunkShape shapes.Shape

	Compression zarr.Compression

	// NumFiles and DiskBytes are the files used by the leaf. For FormatTree all leaves are stored
	// in one file, and DiskBytes is the size of the raw data of the leaf.
	NumFiles  int
	DiskBytes int64
}

// Inspect reads the description of the checkpoint in checkpointDir, without reading the values of the leaves
// of FormatSharded checkpoints.
//
// The format is detected from the contents of the directory.
func Inspect(checkpointDir string) (*Info, error) {
	info := &Info{Dir: checkpointDir}
	step, err := StepFromDirName(filepath.Base(checkpointDir))
	if err != nil {
		return nil, err
	}
	info.Step = step
	isTree, err := fsutil.FileExists(filepath.Join(checkpointDir, TreeFileName))
	if err != nil {
		return nil, err
	}
	if isTree {
		err = inspectTree(info)
	} else {
		err = inspectSharded(info)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "inspecting checkpoint %q", checkpointDir)
	}
	return info, nil
}

func inspectTree(info *Info) error {
	info.Format = FormatTree
	treeFile, err := ReadTreeFile(info.Dir)
	if err != nil {
		return err
	}
	fi, err := os.Stat(filepath.Join(info.Dir, TreeFileName))
	if err != nil {
		return errors.Wrapf(err, "failed to stat checkpoint file")
	}
	info.DiskBytes = fi.Size()
	for ii := range treeFile.Leaves {
		leaf := &treeFile.Leaves[ii]
		shape, err := leaf.Shape()
		if err != nil {
			return err
		}
		info.Leaves = append(info.Leaves, LeafInfo{
			Address:     leaf.Address,
			Shape:       shape,
			ChunkShape:  shape,
			Compression: zarr.CompressionNone,
			NumFiles:    1,
			DiskBytes:   int64(len(leaf.Data)),
		})
	}
	return nil
}

func inspectSharded(info *Info) error {
	info.Format = FormatSharded
	names, err := fsutil.ListSubdirs(info.Dir)
	if err != nil {
		return err
	}
	for _, address := range names {
		leafDir := filepath.Join(info.Dir, address)
		array, err := zarr.Open(leafDir)
		if err != nil {
			return errors.WithMessagef(err, "leaf %q", address)
		}
		leafInfo := LeafInfo{
			Address:     address,
			Shape:       array.Shape(),
			ChunkShape:  array.ChunkShape(),
			Compression: array.Compression(),
		}
		entries, err := os.ReadDir(leafDir)
		if err != nil {
			return errors.Wrapf(err, "failed to list leaf directory %q", leafDir)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			fi, err := entry.Info()
			if err != nil {
				return errors.Wrapf(err, "failed to stat %q", filepath.Join(leafDir, entry.Name()))
			}
			leafInfo.NumFiles++
			leafInfo.DiskBytes += fi.Size()
		}
		info.DiskBytes += leafInfo.DiskBytes
		info.Leaves = append(info.Leaves, leafInfo)
	}
	return nil
}


// ReadLeaf reads the whole value of the leaf with the given address from the checkpoint in checkpointDir.
func ReadLeaf(checkpointDir, address string) (*tensors.Tensor, error) {
	isTree, err := fsutil.FileExists(filepath.Join(checkpointDir, TreeFileName))
	if err != nil {
		return nil, err
	}
	if !isTree {
		array, err := zarr.Open(filepath.Join(checkpointDir, address))
		if err != nil {
			return nil, errors.WithMessagef(err, "leaf %q", address)
		}
		value, err := array.ReadAll()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading leaf %q", address)
		}
		return value, nil
	}

	treeFile, err := ReadTreeFile(checkpointDir)
	if err != nil {
		return nil, err
	}
	for ii := range treeFile.Leaves {
		leaf := &treeFile.Leaves[ii]
		if leaf.Address != address {
			continue
		}
		shape, err := leaf.Shape()
		if err != nil {
			return nil, err
		}
		return tensors.FromBytes(shape, leaf.Data)
	}
	return nil, errors.Wrapf(ErrNotFound, "leaf %q in %q", address, checkpointDir)
}
