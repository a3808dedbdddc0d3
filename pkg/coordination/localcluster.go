// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package coordination implements coordinators for checkpoints.Manager: the identity of each process in a
// job, and barriers to synchronize them.
//
//   - LocalCluster: N participants within the same Go process (goroutines), used for tests and demos.
//   - FileCoordinator: processes (possibly on different hosts) sharing a directory.
package coordination

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/support/xsync"
)

var (
	// ErrBarrierMismatch is returned when the participants of a barrier use different tags: they are
	// out of sync, e.g. saving different steps.
	ErrBarrierMismatch = errors.New("barrier tags mismatch")

	// ErrBarrierTimeout is returned when not all participants arrive at a barrier within the configured timeout.
	ErrBarrierTimeout = errors.New("barrier timeout")

	// ErrBarrierStale is returned by FileCoordinator when a barrier directory holds arrivals of a previous run.
	ErrBarrierStale = errors.New("stale barrier from a previous run")
)

// LocalCluster coordinates a fixed number of participants in the same Go process.
// Each participant is given by Participant and is used by one goroutine.
type LocalCluster struct {
	numParticipants int

	mu         sync.Mutex
	generation *barrierGeneration
}

// barrierGeneration holds the state of one use of the barrier: it's replaced when the last participant arrives.
type barrierGeneration struct {
	tags    []string
	arrived int
	done    *xsync.LatchWithValue[error]
}

func newBarrierGeneration(numParticipants int) *barrierGeneration {
	return &barrierGeneration{
		tags: make([]string, numParticipants),
		done: xsync.NewLatchWithValue[error](),
	}
}

// NewLocalCluster creates a LocalCluster with n participants.
func NewLocalCluster(n int) *LocalCluster {
	if n <= 0 {
		panic(errors.Errorf("NewLocalCluster(%d): number of participants must be > 0", n))
	}
	return &LocalCluster{
		numParticipants: n,
		generation:      newBarrierGeneration(n),
	}
}

// NumParticipants in the cluster.
func (c *LocalCluster) NumParticipants() int {
	return c.numParticipants
}

// Participant returns the coordinator of the participant with the given index.
func (c *LocalCluster) Participant(index int) *LocalParticipant {
	if index < 0 || index >= c.numParticipants {
		panic(errors.Errorf("LocalCluster.Participant(%d): index out of range [0, %d)", index, c.numParticipants))
	}
	return &LocalParticipant{cluster: c, index: index}
}

// Participants returns the coordinators of all participants, ordered by index.
func (c *LocalCluster) Participants() []*LocalParticipant {
	participants := make([]*LocalParticipant, c.numParticipants)
	for ii := range participants {
		participants[ii] = c.Participant(ii)
	}
	return participants
}

// barrier registers the arrival of the participant and returns the generation to wait on.
func (c *LocalCluster) barrier(index int, tag string) *barrierGeneration {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := c.generation
	gen.tags[index] = tag
	gen.arrived++
	if gen.arrived < c.numParticipants {
		return gen
	}

	// Last to arrive: release everyone and start a new generation.
	var err error
	for ii, otherTag := range gen.tags {
		if otherTag != gen.tags[0] {
			err = errors.Wrapf(ErrBarrierMismatch, "participant #0 used tag %q, participant #%d used tag %q",
				gen.tags[0], ii, otherTag)
			break
		}
	}
	c.generation = newBarrierGeneration(c.numParticipants)
	gen.done.Trigger(err)
	return gen
}

// LocalParticipant is the coordinator of one participant of a LocalCluster.
type LocalParticipant struct {
	cluster *LocalCluster
	index   int
}

// ProcessIndex of the participant.
func (p *LocalParticipant) ProcessIndex() int { return p.index }

// ProcessCount is the number of participants of the cluster.
func (p *LocalParticipant) ProcessCount() int { return p.cluster.numParticipants }

// Barrier blocks until all participants of the cluster call Barrier.
//
// It returns an error wrapping ErrBarrierMismatch if the participants used different tags. If ctx is done
// before all participants arrive, it returns the context error, and the cluster should no longer be used.
func (p *LocalParticipant) Barrier(ctx context.Context, tag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen := p.cluster.barrier(p.index, tag)
	err, ctxErr := gen.done.WaitContext(ctx)
	if ctxErr != nil {
		return errors.Wrapf(ctxErr, "participant #%d waiting on barrier %q", p.index, tag)
	}
	return err
}

// String implements fmt.Stringer.
func (p *LocalParticipant) String() string {
	return fmt.Sprintf("LocalParticipant(%d of %d)", p.index, p.cluster.numParticipants)
}
