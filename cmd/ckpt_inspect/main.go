// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ckpt_inspect prints information about a directory of checkpoints: the checkpoints available, temporary
// directories left by interrupted saves, and the leaves stored in a checkpoint.
//
// Usage:
//
//	ckpt_inspect [-summary] [-steps] [-leaves] [-stats] [-step N] [-npz out.npz] <checkpoints_dir>
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/distckpt/pkg/checkpoints"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/core/tensors/numpy"
	"github.com/gomlx/distckpt/pkg/support/fsutil"
)

var (
	flagSummary = flag.Bool("summary", false, "Display a summary of the checkpoints directory and the selected checkpoint.")
	flagSteps   = flag.Bool("steps", false, "Lists the checkpoints and the temporary directories of interrupted saves.")
	flagLeaves  = flag.Bool("leaves", false, "Lists the leaves of the selected checkpoint.")
	flagStats   = flag.Bool("stats", false, "With -leaves, reads the values of the leaves and adds statistics of their values.")
	flagStep    = flag.Int64("step", -1, "Step of the checkpoint to inspect. The default is the latest one.")
	flagNpz     = flag.String("npz", "", "If set, exports the leaves of the selected checkpoint to the given .npz file.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoints directory to read from. See 'ckpt_inspect -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'ckpt_inspect -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagSteps && !*flagLeaves && *flagNpz == "" {
		*flagSummary = true
	}
	report(fsutil.MustReplaceTildeInDir(args[0]))
}

func report(dir string) {
	manager := must.M1(checkpoints.Build(nil).Dir(dir).Done())
	if *flagSteps {
		fmt.Println(titleStyle.Render("Checkpoints"))
		fmt.Println(StepsTable(manager).Render())
	}

	if !*flagSummary && !*flagLeaves && *flagNpz == "" {
		return
	}
	checkpointDir, found := selectCheckpoint(manager)
	if !found {
		return
	}
	info := must.M1(checkpoints.Inspect(checkpointDir))
	if *flagSummary {
		fmt.Println(titleStyle.Render("Summary"))
		fmt.Println(SummaryTable(manager, info).Render())
	}
	if *flagLeaves {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Leaves of step %s", humanize.Comma(info.Step))))
		fmt.Println(LeavesTable(info, *flagStats).Render())
	}
	if *flagNpz != "" {
		exportNpz(info, fsutil.MustReplaceTildeInDir(*flagNpz))
	}
}

// selectCheckpoint returns the directory of the checkpoint selected by -step, or the latest one.
func selectCheckpoint(manager *checkpoints.Manager) (string, bool) {
	if *flagStep >= 0 {
		checkpointDir := checkpoints.FinalDirPath(manager.Dir(), *flagStep)
		if !must.M1(fsutil.FileExists(checkpointDir)) {
			klog.Errorf("No checkpoint for step %d in %q", *flagStep, manager.Dir())
			os.Exit(1)
		}
		return checkpointDir, true
	}
	checkpointDir, found := must.M2(manager.Latest())
	if !found {
		fmt.Printf("No checkpoints found in %q\n", manager.Dir())
	}
	return checkpointDir, found
}

// SummaryTable of the checkpoints directory and of the checkpoint described by info.
func SummaryTable(manager *checkpoints.Manager, info *checkpoints.Info) *TableWithReds {
	table := newPlainTableWithReds(lipgloss.Right, lipgloss.Left)
	table.Row(false, "directory", manager.Dir())
	steps := must.M1(manager.ListSteps())
	table.Row(false, "# checkpoints", humanize.Comma(int64(len(steps))))
	tempDirs := must.M1(manager.ListTempDirs())
	table.Row(len(tempDirs) > 0, "# temporary dirs", humanize.Comma(int64(len(tempDirs))))
	table.Row(false, "checkpoint", filepath.Base(info.Dir))
	table.Row(false, "step", humanize.Comma(info.Step))
	table.Row(false, "format", info.Format.String())
	var numParams int
	var memory uintptr
	for _, leaf := range info.Leaves {
		numParams += leaf.Shape.Size()
		memory += leaf.Shape.Memory()
	}
	table.Row(false, "# leaves", humanize.Comma(int64(len(info.Leaves))))
	table.Row(false, "# values", humanize.Comma(int64(numParams)))
	table.Row(false, "# bytes", humanize.Bytes(uint64(memory)))
	table.Row(false, "# bytes on disk", humanize.Bytes(uint64(info.DiskBytes)))
	return table
}

// StepsTable lists the final and temporary checkpoint directories. Temporary directories are highlighted.
func StepsTable(manager *checkpoints.Manager) *TableWithReds {
	table := newPlainTableWithReds(lipgloss.Right, lipgloss.Left)
	table.Table.Headers("Step", "Directory", "Status")
	for _, step := range must.M1(manager.ListSteps()) {
		table.Row(false, humanize.Comma(step), checkpoints.FinalDirName(step), "final")
	}
	for _, tempDir := range must.M1(manager.ListTempDirs()) {
		name := filepath.Base(tempDir)
		step := "?"
		if s, err := checkpoints.StepFromDirName(name); err == nil {
			step = humanize.Comma(s)
		}
		table.Row(true, step, name, "incomplete")
	}
	return table
}

func exportNpz(info *checkpoints.Info, filePath string) {
	values := make(map[string]*tensors.Tensor, len(info.Leaves))
	for _, leaf := range info.Leaves {
		values[leaf.Address] = must.M1(checkpoints.ReadLeaf(info.Dir, leaf.Address))
	}
	must.M(numpy.ToNpzFile(values, filePath))
	fmt.Printf("Exported %d leaves of step %s to %q\n", len(values), humanize.Comma(info.Step), filePath)
}
