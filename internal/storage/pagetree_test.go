package storage

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func TestPageTreeSetAndFloor(t *testing.T) {
	tree := NewPageTree(10)

	tree.Set(Key{ID: 1, LSN: 0}, Live(map[string]any{"v": 1}))
	tree.Set(Key{ID: 1, LSN: 5}, Live(map[string]any{"v": 2}))
	tree.Set(Key{ID: 2, LSN: 1}, Live(map[string]any{"v": 3}))

	require.Equal(t, 3, tree.Size())

	k, v, ok := tree.Floor(Key{ID: 1, LSN: 3})
	require.Truef(t, ok, "floor(1,3) should exist: %s", spew.Sdump(tree))
	require.Equal(t, Key{ID: 1, LSN: 0}, k)
	require.False(t, v.IsDeleted())

	k, v, ok = tree.Floor(Key{ID: 1, LSN: 5})
	require.True(t, ok)
	require.Equal(t, Key{ID: 1, LSN: 5}, k)
	require.Equal(t, 2, v.Payload["v"])

	_, _, ok = tree.Floor(Key{ID: 0, LSN: 0})
	require.False(t, ok, "no key <= (0,0) should exist")
}

func TestPageTreeDescendingOrder(t *testing.T) {
	tree := NewPageTree(10)
	tree.Set(Key{ID: 3, LSN: 0}, Live(nil))
	tree.Set(Key{ID: 1, LSN: 2}, Live(nil))
	tree.Set(Key{ID: 1, LSN: 1}, Live(nil))

	var seen []Key
	tree.Descending(func(k Key, _ Value) bool {
		seen = append(seen, k)
		return true
	})

	require.Equal(t, []Key{
		{ID: 3, LSN: 0},
		{ID: 1, LSN: 2},
		{ID: 1, LSN: 1},
	}, seen)
}

func TestPageTreeDescendingEarlyStop(t *testing.T) {
	tree := NewPageTree(10)
	for i := uint32(0); i < 5; i++ {
		tree.Set(Key{ID: i, LSN: 0}, Live(nil))
	}

	var visited int
	tree.Descending(func(Key, Value) bool {
		visited++
		return visited < 2
	})
	require.Equal(t, 2, visited)
}

func TestPageTreeDeletedShadowsLive(t *testing.T) {
	tree := NewPageTree(10)
	tree.Set(Key{ID: 1, LSN: 0}, Live(map[string]any{"v": 1}))
	tree.Set(Key{ID: 1, LSN: 1}, Deleted)

	_, v, ok := tree.Floor(Key{ID: 1, LSN: 1})
	require.True(t, ok)
	require.True(t, v.IsDeleted())
}

func TestPageTreeCloneIsIndependent(t *testing.T) {
	tree := NewPageTree(10)
	tree.Set(Key{ID: 1, LSN: 0}, Live(map[string]any{"v": 1}))

	clone := tree.Clone()
	tree.Set(Key{ID: 2, LSN: 0}, Live(nil))

	require.Equal(t, 1, clone.Size())
	require.Equal(t, 2, tree.Size())
}
