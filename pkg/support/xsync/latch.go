// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import (
	"context"
	"sync"
)

// LatchWithValue is a one-shot signal carrying a value: goroutines wait until some goroutine triggers it,
// and then all of them see the value given to the first Trigger.
//
// Once triggered it never changes state: later calls to Trigger are ignored.
type LatchWithValue[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{done: make(chan struct{})}
}

// Trigger the latch with value, releasing all waiters. It is a no-op if the latch was already triggered.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.once.Do(func() {
		l.value = value
		close(l.done)
	})
}

// Wait until the latch is triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	<-l.done
	return l.value
}

// WaitContext is like Wait, but gives up when ctx is done, returning its error.
func (l *LatchWithValue[T]) WaitContext(ctx context.Context) (T, error) {
	select {
	case <-l.done:
		return l.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Test returns whether the latch has been triggered, without blocking.
func (l *LatchWithValue[T]) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
