// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package coordination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/distckpt/pkg/support/fsutil"
)

// Defaults for FileCoordinator.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultWarnInterval = 30 * time.Second
)

// barrierNamespace is the UUID namespace of the barrier directories names.
var barrierNamespace = uuid.MustParse("6c1b2f7e-3f0a-5d8e-9a41-0b7d3c2e5f19")

// FileCoordinator synchronizes processes that share a directory, typically on a network file system.
//
// Each call to Barrier is numbered. A participant arriving at barrier number n writes a file named after its
// process index, containing the tag, into a directory for barrier n, and then polls the directory until every
// process wrote its file. The primary process (index 0) removes the directory of barrier n-1 once barrier n
// is complete, since by then every process left it, and Close removes the directory of the last barrier.
//
// All processes of a job must use the same directory and run id, and call Barrier the same number of times.
// A later job may reuse the directory and run id only if the primary of the previous job called Close: a process
// that finds its own arrival file already written by a previous job fails with ErrBarrierStale. After a crash,
// use a new run id or clean the directory.
type FileCoordinator struct {
	dir                        string
	runID                      string
	processIndex, processCount int
	pollInterval, warnInterval time.Duration
	timeout                    time.Duration

	mu  sync.Mutex
	seq int
}

// NewFileCoordinator creates a coordinator for the process processIndex (of processCount) using dir for
// the barriers. The runID must be the same for all processes of the job.
//
// dir is created if it doesn't exist.
func NewFileCoordinator(dir, runID string, processIndex, processCount int) (*FileCoordinator, error) {
	if processCount <= 0 || processIndex < 0 || processIndex >= processCount {
		return nil, errors.Errorf("invalid process index %d for a job with %d processes", processIndex, processCount)
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(dir, fsutil.DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create barrier directory %q", dir)
	}
	return &FileCoordinator{
		dir:          dir,
		runID:        runID,
		processIndex: processIndex,
		processCount: processCount,
		pollInterval: DefaultPollInterval,
		warnInterval: DefaultWarnInterval,
	}, nil
}

// WithTimeout sets the maximum time to wait at a barrier. If not all processes arrive in time, Barrier returns
// an error wrapping ErrBarrierTimeout. The default (0) is to wait indefinitely, logging a warning every so often.
func (c *FileCoordinator) WithTimeout(timeout time.Duration) *FileCoordinator {
	c.timeout = timeout
	return c
}

// WithPollInterval sets how often the barrier directory is checked. The default is DefaultPollInterval.
func (c *FileCoordinator) WithPollInterval(interval time.Duration) *FileCoordinator {
	if interval > 0 {
		c.pollInterval = interval
	}
	return c
}

// WithWarnInterval sets how often a warning is logged while waiting at a barrier. The default is
// DefaultWarnInterval.
func (c *FileCoordinator) WithWarnInterval(interval time.Duration) *FileCoordinator {
	if interval > 0 {
		c.warnInterval = interval
	}
	return c
}

// ProcessIndex of this process.
func (c *FileCoordinator) ProcessIndex() int { return c.processIndex }

// ProcessCount is the number of processes of the job.
func (c *FileCoordinator) ProcessCount() int { return c.processCount }

// String implements fmt.Stringer.
func (c *FileCoordinator) String() string {
	return fmt.Sprintf("FileCoordinator(%q, process %d of %d)", c.dir, c.processIndex, c.processCount)
}

// barrierDir returns the directory for the barrier with the given sequence number.
func (c *FileCoordinator) barrierDir(seq int) string {
	id := uuid.NewSHA1(barrierNamespace, []byte(fmt.Sprintf("%s:%d", c.runID, seq)))
	return filepath.Join(c.dir, "barrier-"+id.String())
}

// Barrier blocks until every process of the job arrived at the barrier.
//
// It returns an error wrapping ErrBarrierMismatch if the processes used different tags, ErrBarrierTimeout if
// the configured timeout is reached, or the context error if ctx is done.
func (c *FileCoordinator) Barrier(ctx context.Context, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seq
	c.seq++
	dir := c.barrierDir(seq)
	arrivalPath := filepath.Join(dir, strconv.Itoa(c.processIndex))
	if stale, err := fsutil.FileExists(arrivalPath); err != nil {
		return err
	} else if stale {
		return errors.Wrapf(ErrBarrierStale, "%s: barrier #%d %q found %q from a previous run", c, seq, tag, arrivalPath)
	}
	if err := os.MkdirAll(dir, fsutil.DirPermMode); err != nil {
		return errors.Wrapf(err, "%s: failed to create barrier directory", c)
	}
	if err := fsutil.WriteFileAtomic(arrivalPath, []byte(tag)); err != nil {
		return errors.WithMessagef(err, "%s: failed to arrive at barrier %q", c, tag)
	}
	klog.V(2).Infof("%s: arrived at barrier #%d %q", c, seq, tag)

	start := time.Now()
	lastWarning := start
	for {
		tags, removed, err := c.readArrivals(dir)
		if err != nil {
			return err
		}
		if removed {
			// The primary only removes a barrier directory after every process arrived.
			break
		}
		if len(tags) == c.processCount {
			if err = checkTags(tags); err != nil {
				return errors.WithMessagef(err, "%s: barrier #%d", c, seq)
			}
			break
		}
		elapsed := time.Since(start)
		if c.timeout > 0 && elapsed >= c.timeout {
			return errors.Wrapf(ErrBarrierTimeout, "%s: barrier #%d %q waited %s, missing processes %v",
				c, seq, tag, elapsed.Round(time.Millisecond), c.missing(tags))
		}
		if time.Since(lastWarning) >= c.warnInterval {
			klog.Warningf("%s: waiting for %s at barrier #%d %q, missing processes %v",
				c, elapsed.Round(time.Second), seq, tag, c.missing(tags))
			lastWarning = time.Now()
		}
		if err = sleepContext(ctx, c.pollInterval); err != nil {
			return errors.Wrapf(err, "%s: waiting on barrier %q", c, tag)
		}
	}

	if c.processIndex == 0 && seq > 0 {
		if err := os.RemoveAll(c.barrierDir(seq - 1)); err != nil {
			klog.Warningf("%s: failed to remove previous barrier directory: %v", c, err)
		}
	}
	return nil
}

// Close releases the barrier directory of the last barrier. It is a no-op for processes other than the primary.
//
// It must be called only after the last Barrier returned, and no Barrier can be called afterward.
func (c *FileCoordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processIndex != 0 || c.seq == 0 {
		return nil
	}
	return errors.Wrapf(os.RemoveAll(c.barrierDir(c.seq-1)), "%s: failed to remove last barrier directory", c)
}

// readArrivals returns the tags written by the processes that already arrived, indexed by process.
// If the barrier directory was removed by the primary, it returns removed=true.
func (c *FileCoordinator) readArrivals(dir string) (tags map[int]string, removed bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, true, nil
		}
		return nil, false, errors.Wrapf(err, "%s: failed to list barrier directory %q", c, dir)
	}
	tags = make(map[int]string, len(entries))
	for _, entry := range entries {
		index, err := strconv.Atoi(entry.Name())
		if err != nil || index < 0 || index >= c.processCount {
			// Temporary files of atomic writes, or garbage.
			continue
		}
		contents, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, true, nil
			}
			return nil, false, errors.Wrapf(err, "%s: failed to read barrier file", c)
		}
		tags[index] = string(contents)
	}
	return tags, false, nil
}

func (c *FileCoordinator) missing(tags map[int]string) []int {
	var missing []int
	for index := range c.processCount {
		if _, found := tags[index]; !found {
			missing = append(missing, index)
		}
	}
	return missing
}

func checkTags(tags map[int]string) error {
	distinct := make(map[string][]int)
	for index, tag := range tags {
		distinct[tag] = append(distinct[tag], index)
	}
	if len(distinct) <= 1 {
		return nil
	}
	parts := make([]string, 0, len(distinct))
	for tag, indices := range distinct {
		slices.Sort(indices)
		parts = append(parts, fmt.Sprintf("%q by processes %v", tag, indices))
	}
	slices.Sort(parts)
	return errors.Wrapf(ErrBarrierMismatch, "tags used: %s", strings.Join(parts, ", "))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
