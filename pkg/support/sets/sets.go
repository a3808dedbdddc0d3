// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets holds a generic set, used to compare the leaves found in a checkpoint with the expected ones.
package sets

import (
	"cmp"
	"maps"
	"slices"
)

// Set of elements of type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty set, with room for capacity[0] elements if given.
func Make[T comparable](capacity ...int) Set[T] {
	if len(capacity) > 0 {
		return make(Set[T], capacity[0])
	}
	return make(Set[T])
}

// MakeWith returns a set holding elements.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := Make[T](len(elements))
	s.Insert(elements...)
	return s
}

// Has reports whether element is in s.
func (s Set[T]) Has(element T) bool {
	_, found := s[element]
	return found
}

// Insert elements in s. Elements already present are ignored.
func (s Set[T]) Insert(elements ...T) {
	for _, e := range elements {
		s[e] = struct{}{}
	}
}

// Sub returns a new set with the elements of s not in other.
func (s Set[T]) Sub(other Set[T]) Set[T] {
	diff := Make[T]()
	for e := range s {
		if !other.Has(e) {
			diff[e] = struct{}{}
		}
	}
	return diff
}

// Sorted returns the elements of s in increasing order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	return slices.Sorted(maps.Keys(s))
}
