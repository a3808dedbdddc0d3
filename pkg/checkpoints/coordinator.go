// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"fmt"
)

// Coordinator gives the identity of the calling process within the group of processes saving and restoring
// checkpoints together, and synchronizes them.
//
// See package coordination for implementations.
type Coordinator interface {
	// ProcessIndex of the calling process, from 0 to ProcessCount()-1.
	ProcessIndex() int

	// ProcessCount is the number of cooperating processes.
	ProcessCount() int

	// Barrier blocks until every process called Barrier with the same tag.
	//
	// Implementations should return an error if the processes use different tags, or if ctx is done.
	Barrier(ctx context.Context, tag string) error
}

// IsPrimary returns whether the process is the one responsible for the side effects on the checkpoints
// directory (creation, renaming and deletion of directories): that is the process with index 0.
func IsPrimary(c Coordinator) bool {
	return c.ProcessIndex() == 0
}

// SingleProcess returns a Coordinator for a job with only one process: barriers return immediately.
func SingleProcess() Coordinator {
	return singleProcess{}
}

type singleProcess struct{}

func (singleProcess) ProcessIndex() int { return 0 }
func (singleProcess) ProcessCount() int { return 1 }

func (singleProcess) Barrier(ctx context.Context, _ string) error {
	return ctx.Err()
}

// Barrier tags used by Manager. The step is appended, so processes saving different steps don't
// synchronize with each other by mistake.
const (
	barrierTempDeleted = "checkpoint:temp-deleted"
	barrierTempCreated = "checkpoint:temp-created"
	barrierWritesDone  = "checkpoint:writes-done"
	barrierRestored    = "checkpoint:restored"
)

func barrierTag(name string, step int64) string {
	return fmt.Sprintf("%s:%08d", name, step)
}
