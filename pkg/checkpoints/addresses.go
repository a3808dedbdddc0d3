// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/distckpt/pkg/trees"
)

// AddressSeparator joins the keys of the path of a leaf into its address.
const AddressSeparator = "."

// LeafAddress returns the address of the leaf at the given path of a TrainState tree (see TrainState.Tree):
// the branch name followed by the nested keys, joined by AddressSeparator.
// List indices are appended to their parent as "_<index>", so the path opt_states/[0]/m/w becomes
// "opt_states_0.m.w".
//
// Key characters other than ASCII letters, digits, '_' and '-' are escaped as "%XX", so addresses are
// valid file names and keys can't contain the separator.
func LeafAddress(path trees.Path) string {
	var sb strings.Builder
	for ii, elem := range path {
		if elem.IsIndex() {
			sb.WriteByte('_')
			sb.WriteString(strconv.Itoa(elem.Index))
			continue
		}
		if ii > 0 {
			sb.WriteString(AddressSeparator)
		}
		escapeKey(&sb, elem.Key)
	}
	return sb.String()
}

func escapeKey(sb *strings.Builder, key string) {
	for ii := range len(key) {
		c := key[ii]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			sb.WriteByte(c)
			continue
		}
		fmt.Fprintf(sb, "%%%02X", c)
	}
}

// Addresses returns the address of each leaf of the state.
//
// The addresses depend only on the structure of the state, so every process and every run agree on them.
// Distinct leaves may still map to the same address (e.g. a list {"x": [v]} and a key {"x_0": v}): this
// is reported as an error wrapping ErrAddressCollision.
func Addresses[T any](s TrainState[T]) (TrainState[string], error) {
	owners := make(map[string]trees.Path)
	return MapTrainState(s, func(path trees.Path, _ T) (string, error) {
		address := LeafAddress(path)
		if other, found := owners[address]; found {
			return "", errors.Wrapf(ErrAddressCollision, "leaves %q and %q both map to address %q",
				other, path, address)
		}
		owners[address] = path
		return address, nil
	})
}
