// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"cmp"
	"flag"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Map returns fn applied to each element of in.
func Map[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return out
}

// SortedKeys returns the keys of m in increasing order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

// Flag defines a command-line flag holding a comma-separated list of values, each one converted by parseFn.
// It returns a pointer to the parsed list, which stays defaultValue if the flag is not given.
func Flag[T any](name string, defaultValue []T, usage string, parseFn func(value string) (T, error)) *[]T {
	f := &listFlag[T]{values: defaultValue, parseFn: parseFn}
	flag.Var(f, name, usage)
	return &f.values
}

// listFlag implements flag.Value for a comma-separated list.
type listFlag[T any] struct {
	values  []T
	parseFn func(value string) (T, error)
}

func (f *listFlag[T]) String() string {
	return strings.Join(Map(f.values, func(v T) string { return fmt.Sprint(v) }), ",")
}

func (f *listFlag[T]) Set(list string) error {
	f.values = []T{}
	if list == "" {
		return nil
	}
	for _, part := range strings.Split(list, ",") {
		v, err := f.parseFn(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		f.values = append(f.values, v)
	}
	return nil
}
