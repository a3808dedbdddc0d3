// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trees implements a generic nested structure (a "pytree"), whose nodes are either leaves holding a value,
// maps from string keys to sub-trees, or lists of sub-trees.
//
// Map entries are always visited in sorted order of keys, so the order of the leaves of a tree
// (see Tree.Leaves and Flatten) is fully determined by its structure.
package trees

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ErrStructureMismatch is returned (wrapped) when two trees were expected to have the same structure but don't.
var ErrStructureMismatch = errors.New("tree structure mismatch")

// Tree is a node in a tree: exactly one of the following is true: it is a leaf (Map and List are nil),
// a map (Map is not nil) or a list (List is not nil).
type Tree[T any] struct {
	Value T
	Map   map[string]*Tree[T]
	List  []*Tree[T]
}

// NewLeaf returns a leaf node with the given value.
func NewLeaf[T any](value T) *Tree[T] {
	return &Tree[T]{Value: value}
}

// NewMap returns a map node with the given entries. A nil entries creates an empty map node.
func NewMap[T any](entries map[string]*Tree[T]) *Tree[T] {
	if entries == nil {
		entries = make(map[string]*Tree[T])
	}
	return &Tree[T]{Map: entries}
}

// NewList returns a list node with the given elements.
func NewList[T any](elements ...*Tree[T]) *Tree[T] {
	if elements == nil {
		elements = make([]*Tree[T], 0)
	}
	return &Tree[T]{List: elements}
}

// IsLeaf returns whether the node is a leaf.
func (t *Tree[T]) IsLeaf() bool { return t.Map == nil && t.List == nil }

// IsMap returns whether the node is a map.
func (t *Tree[T]) IsMap() bool { return t.Map != nil }

// IsList returns whether the node is a list.
func (t *Tree[T]) IsList() bool { return t.Map == nil && t.List != nil }

// SortedKeys returns the keys of a map node in sorted order, or nil if it is not a map.
func (t *Tree[T]) SortedKeys() []string {
	if t.Map == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(t.Map))
}

// PathElem is one step in the path from the root to a node: a key of a map node, or an index of a list node.
type PathElem struct {
	Key string

	// Index of the element in a list node. It is -1 for map keys.
	Index int
}

// KeyElem returns a PathElem for a map key.
func KeyElem(key string) PathElem { return PathElem{Key: key, Index: -1} }

// IndexElem returns a PathElem for a list index.
func IndexElem(index int) PathElem { return PathElem{Index: index} }

// IsIndex returns whether the element is a list index.
func (e PathElem) IsIndex() bool { return e.Index >= 0 }

// String implements fmt.Stringer.
func (e PathElem) String() string {
	if e.IsIndex() {
		return fmt.Sprintf("[%d]", e.Index)
	}
	return e.Key
}

// Path from the root of a tree to one of its nodes.
type Path []PathElem

// String returns the path as "a/b/[0]/c".
func (p Path) String() string {
	parts := make([]string, len(p))
	for ii, e := range p {
		parts[ii] = e.String()
	}
	return strings.Join(parts, "/")
}

// Get returns the node at the given path.
func (t *Tree[T]) Get(path Path) (*Tree[T], error) {
	node := t
	for ii, e := range path {
		switch {
		case e.IsIndex() && node.IsList():
			if e.Index >= len(node.List) {
				return nil, errors.Errorf("path %q: index %d out of range for list of %d elements",
					path[:ii+1], e.Index, len(node.List))
			}
			node = node.List[e.Index]
		case !e.IsIndex() && node.IsMap():
			child, found := node.Map[e.Key]
			if !found {
				return nil, errors.Errorf("path %q: key %q not found", path[:ii+1], e.Key)
			}
			node = child
		default:
			return nil, errors.Errorf("path %q: element %s doesn't match node kind", path[:ii+1], e)
		}
	}
	return node, nil
}

// Leaves iterates over the leaves of the tree in canonical order (sorted keys, list order), yielding
// their paths and values.
//
// The yielded path is a new slice for each leaf, so it can be kept by the caller.
func (t *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		t.walk(nil, yield)
	}
}

func (t *Tree[T]) walk(prefix Path, yield func(Path, T) bool) bool {
	switch {
	case t.IsMap():
		for _, key := range t.SortedKeys() {
			if !t.Map[key].walk(append(slices.Clip(prefix), KeyElem(key)), yield) {
				return false
			}
		}
	case t.IsList():
		for ii, child := range t.List {
			if !child.walk(append(slices.Clip(prefix), IndexElem(ii)), yield) {
				return false
			}
		}
	default:
		return yield(slices.Clone(prefix), t.Value)
	}
	return true
}

// NumLeaves returns the number of leaves in the tree.
func (t *Tree[T]) NumLeaves() int {
	count := 0
	for range t.Leaves() {
		count++
	}
	return count
}

// Map returns a new tree with the same structure, with the leaves converted by mapFn.
func Map[T, U any](t *Tree[T], mapFn func(p Path, value T) U) *Tree[U] {
	result, _ := MapWithError(t, func(p Path, value T) (U, error) {
		return mapFn(p, value), nil
	})
	return result
}

// MapWithError is like Map, but mapFn can return an error, which interrupts the mapping and is returned.
func MapWithError[T, U any](t *Tree[T], mapFn func(p Path, value T) (U, error)) (*Tree[U], error) {
	return mapRecursive(t, nil, mapFn)
}

func mapRecursive[T, U any](t *Tree[T], prefix Path, mapFn func(Path, T) (U, error)) (*Tree[U], error) {
	switch {
	case t.IsMap():
		result := NewMap[U](make(map[string]*Tree[U], len(t.Map)))
		for _, key := range t.SortedKeys() {
			child, err := mapRecursive(t.Map[key], append(slices.Clip(prefix), KeyElem(key)), mapFn)
			if err != nil {
				return nil, err
			}
			result.Map[key] = child
		}
		return result, nil
	case t.IsList():
		result := NewList[U](make([]*Tree[U], len(t.List))...)
		for ii, element := range t.List {
			child, err := mapRecursive(element, append(slices.Clip(prefix), IndexElem(ii)), mapFn)
			if err != nil {
				return nil, err
			}
			result.List[ii] = child
		}
		return result, nil
	default:
		value, err := mapFn(slices.Clone(prefix), t.Value)
		if err != nil {
			return nil, err
		}
		return NewLeaf(value), nil
	}
}

// Flatten returns the leaves of the tree in canonical order.
func Flatten[T any](t *Tree[T]) []T {
	leaves := make([]T, 0)
	for _, v := range t.Leaves() {
		leaves = append(leaves, v)
	}
	return leaves
}

// Unflatten builds a tree with the structure of `structure` and the given leaves, in canonical order.
//
// It returns an error wrapping ErrStructureMismatch if the number of leaves doesn't match.
func Unflatten[S, T any](structure *Tree[S], leaves []T) (*Tree[T], error) {
	if n := structure.NumLeaves(); n != len(leaves) {
		return nil, errors.Wrapf(ErrStructureMismatch, "structure %s has %d leaves, but %d leaves were given",
			structure.StructureString(), n, len(leaves))
	}
	idx := 0
	return Map(structure, func(_ Path, _ S) T {
		v := leaves[idx]
		idx++
		return v
	}), nil
}

// StructureString returns a description of the structure of the tree, ignoring the values of the leaves.
//
// Leaves are represented by "*", maps as {"key":...} with sorted keys and lists as [...]. Two trees
// have the same structure if and only if their structure strings are equal, so it can be used as a fingerprint.
func (t *Tree[T]) StructureString() string {
	var sb strings.Builder
	t.writeStructure(&sb)
	return sb.String()
}

func (t *Tree[T]) writeStructure(sb *strings.Builder) {
	switch {
	case t.IsMap():
		sb.WriteByte('{')
		for ii, key := range t.SortedKeys() {
			if ii > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(key))
			sb.WriteByte(':')
			t.Map[key].writeStructure(sb)
		}
		sb.WriteByte('}')
	case t.IsList():
		sb.WriteByte('[')
		for ii, element := range t.List {
			if ii > 0 {
				sb.WriteByte(',')
			}
			element.writeStructure(sb)
		}
		sb.WriteByte(']')
	default:
		sb.WriteByte('*')
	}
}

// CheckCongruent returns nil if both trees have the same structure, or an error wrapping ErrStructureMismatch
// describing both structures and the first differing path otherwise.
func CheckCongruent[A, B any](a *Tree[A], b *Tree[B]) error {
	if diff := firstDifference(a, b, nil); diff != nil {
		return errors.Wrapf(ErrStructureMismatch, "trees differ at %q (%s):\n\tgot structure  %s\n\twant structure %s",
			diff.path, diff.reason, a.StructureString(), b.StructureString())
	}
	return nil
}

type difference struct {
	path   Path
	reason string
}

func firstDifference[A, B any](a *Tree[A], b *Tree[B], prefix Path) *difference {
	switch {
	case a.IsMap() && b.IsMap():
		for _, key := range a.SortedKeys() {
			if _, found := b.Map[key]; !found {
				return &difference{append(prefix, KeyElem(key)), "extra key"}
			}
		}
		for _, key := range b.SortedKeys() {
			if _, found := a.Map[key]; !found {
				return &difference{append(prefix, KeyElem(key)), "missing key"}
			}
		}
		for _, key := range a.SortedKeys() {
			if diff := firstDifference(a.Map[key], b.Map[key], append(slices.Clip(prefix), KeyElem(key))); diff != nil {
				return diff
			}
		}
	case a.IsList() && b.IsList():
		if len(a.List) != len(b.List) {
			return &difference{prefix, fmt.Sprintf("list of %d elements vs %d", len(a.List), len(b.List))}
		}
		for ii := range a.List {
			if diff := firstDifference(a.List[ii], b.List[ii], append(slices.Clip(prefix), IndexElem(ii))); diff != nil {
				return diff
			}
		}
	case a.IsLeaf() && b.IsLeaf():
	default:
		return &difference{prefix, fmt.Sprintf("%s vs %s", kindName(a), kindName(b))}
	}
	return nil
}

func kindName[T any](t *Tree[T]) string {
	switch {
	case t.IsMap():
		return "map"
	case t.IsList():
		return "list"
	default:
		return "leaf"
	}
}

// FromNested builds a tree from nested Go values: map[string]any becomes a map node, []any a list node and
// values of type T become leaves. Any other type is an error.
func FromNested[T any](nested any) (*Tree[T], error) {
	return fromNestedRecursive[T](nested, nil)
}

func fromNestedRecursive[T any](nested any, prefix Path) (*Tree[T], error) {
	switch v := nested.(type) {
	case T:
		return NewLeaf(v), nil
	case *Tree[T]:
		return v, nil
	case map[string]any:
		result := NewMap[T](make(map[string]*Tree[T], len(v)))
		for key, child := range v {
			node, err := fromNestedRecursive[T](child, append(slices.Clip(prefix), KeyElem(key)))
			if err != nil {
				return nil, err
			}
			result.Map[key] = node
		}
		return result, nil
	case []any:
		result := NewList[T](make([]*Tree[T], len(v))...)
		for ii, child := range v {
			node, err := fromNestedRecursive[T](child, append(slices.Clip(prefix), IndexElem(ii)))
			if err != nil {
				return nil, err
			}
			result.List[ii] = node
		}
		return result, nil
	}
	var leaf T
	return nil, errors.Errorf("FromNested[%T]: unsupported value of type %T at %q", leaf, nested, prefix)
}

// MustFromNested is like FromNested, but panics on error.
func MustFromNested[T any](nested any) *Tree[T] {
	t, err := FromNested[T](nested)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return t
}
