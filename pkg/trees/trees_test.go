package trees

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) *Tree[int] {
	tree, err := FromNested[int](map[string]any{
		"c": []any{3, 4},
		"a": map[string]any{"b": 1, "a": 0},
		"d": 5,
	})
	require.NoError(t, err)
	return tree
}

func TestLeavesOrder(t *testing.T) {
	tree := newTestTree(t)
	var paths []string
	var values []int
	for p, v := range tree.Leaves() {
		paths = append(paths, p.String())
		values = append(values, v)
	}
	assert.Equal(t, []string{"a/a", "a/b", "c/[0]", "c/[1]", "d"}, paths)
	assert.Equal(t, []int{0, 1, 3, 4, 5}, values)
	assert.Equal(t, 5, tree.NumLeaves())
	assert.Equal(t, values, Flatten(tree))

	// Early break.
	count := 0
	for range tree.Leaves() {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestStructureString(t *testing.T) {
	tree := newTestTree(t)
	assert.Equal(t, `{"a":{"a":*,"b":*},"c":[*,*],"d":*}`, tree.StructureString())
	assert.Equal(t, "*", NewLeaf(1.0).StructureString())
	assert.Equal(t, "{}", NewMap[int](nil).StructureString())
	assert.Equal(t, "[]", NewList[int]().StructureString())
}

func TestMapAndUnflatten(t *testing.T) {
	tree := newTestTree(t)
	strTree := Map(tree, func(p Path, v int) string { return fmt.Sprintf("%s=%d", p, v) })
	require.NoError(t, CheckCongruent(tree, strTree))
	assert.Equal(t, []string{"a/a=0", "a/b=1", "c/[0]=3", "c/[1]=4", "d=5"}, Flatten(strTree))

	_, err := MapWithError(tree, func(p Path, v int) (float64, error) {
		if v == 3 {
			return 0, errors.Errorf("failed at %s", p)
		}
		return float64(v), nil
	})
	require.ErrorContains(t, err, "failed at c/[0]")

	rebuilt, err := Unflatten(strTree, []int{10, 11, 12, 13, 14})
	require.NoError(t, err)
	node, err := rebuilt.Get(Path{KeyElem("c"), IndexElem(1)})
	require.NoError(t, err)
	assert.Equal(t, 13, node.Value)

	_, err = Unflatten(strTree, []int{1, 2})
	require.ErrorIs(t, err, ErrStructureMismatch)
}

func TestCheckCongruent(t *testing.T) {
	tree := newTestTree(t)
	other := MustFromNested[float32](map[string]any{
		"c": []any{float32(3)},
		"a": map[string]any{"b": float32(1), "a": float32(0)},
		"d": float32(5),
	})
	err := CheckCongruent(tree, other)
	require.ErrorIs(t, err, ErrStructureMismatch)
	assert.Contains(t, err.Error(), `"c"`)
	assert.Contains(t, err.Error(), tree.StructureString())
	assert.Contains(t, err.Error(), other.StructureString())

	err = CheckCongruent(NewLeaf(1), NewMap[int](nil))
	require.ErrorIs(t, err, ErrStructureMismatch)
	assert.Contains(t, err.Error(), "leaf vs map")

	err = CheckCongruent(MustFromNested[int](map[string]any{"x": 1}), MustFromNested[int](map[string]any{"y": 1}))
	require.ErrorIs(t, err, ErrStructureMismatch)
}

func TestGetErrors(t *testing.T) {
	tree := newTestTree(t)
	_, err := tree.Get(Path{KeyElem("missing")})
	require.Error(t, err)
	_, err = tree.Get(Path{KeyElem("c"), IndexElem(2)})
	require.Error(t, err)
	_, err = tree.Get(Path{IndexElem(0)})
	require.Error(t, err)
	root, err := tree.Get(nil)
	require.NoError(t, err)
	assert.Same(t, tree, root)
}

func TestFromNestedErrors(t *testing.T) {
	_, err := FromNested[int](map[string]any{"a": "not an int"})
	require.ErrorContains(t, err, "unsupported value")
	assert.Panics(t, func() { MustFromNested[int](3.0) })
}
