// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"testing"

	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/node"
	"github.com/stretchr/testify/require"
)

func leafOf(sizes ...int) *node.Node {
	n := node.New(0, btrfs.FSTreeObjectID, 1)
	for i, size := range sizes {
		n.Items = append(n.Items, node.Item{Key: key(uint64(i)), Data: make([]byte, size)})
	}
	return n
}

func pieceLens(pieces []*node.Node) (lens []int) {
	for _, p := range pieces {
		lens = append(lens, p.Len())
	}
	return
}

func TestSplit(t *testing.T) {
	capacity := node.Capacity(4096)

	for _, tc := range []struct {
		name  string
		sizes []int
		want  []int
	}{
		{"median", []int{100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100}, []int{16, 16}},
		{"balanced", []int{3000, 950, 10, 10, 10}, []int{1, 4}},
		{"three way", []int{2000, node.MaxItemSize(4096), 2000}, []int{1, 1, 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n := leafOf(tc.sizes...)
			require.Greater(t, n.Used(), capacity)
			pieces := split(n, capacity)
			require.Equal(t, tc.want, pieceLens(pieces))

			var keys []btrfs.Key
			for _, p := range pieces {
				require.LessOrEqual(t, p.Used(), capacity)
				for _, item := range p.Items {
					keys = append(keys, item.Key)
				}
			}
			require.Len(t, keys, len(tc.sizes))
			for i := range keys {
				require.Equal(t, key(uint64(i)), keys[i])
			}
		})
	}

	require.Panics(t, func() { split(leafOf(5000), capacity) })
}

func TestSplitInternal(t *testing.T) {
	capacity := node.Capacity(4096)
	n := node.New(1, btrfs.FSTreeObjectID, 1)
	for i := range capacity/node.KeyPtrSize + 1 {
		n.Ptrs = append(n.Ptrs, node.KeyPtr{Key: key(uint64(i)), BlockPtr: uint64(i+1) * 4096})
	}
	pieces := split(n, capacity)
	require.Len(t, pieces, 2)
	require.Equal(t, n.Len(), pieces[0].Len()+pieces[1].Len())
	require.EqualValues(t, 1, pieces[1].Level)
	require.Nil(t, pieces[0].Items)
}

func TestSpanConcat(t *testing.T) {
	n := leafOf(1, 2, 3, 4)
	left, right := span(n, 0, 1), span(n, 1, 4)
	require.Equal(t, 1, left.Len())
	require.Equal(t, 3, right.Len())
	require.Equal(t, n.Items, concat(left, right).Items)

	left.Items[0].Key = key(9)
	require.Equal(t, key(0), n.Items[0].Key)
}

func TestBalanceOnlyChild(t *testing.T) {
	tree, _ := fsTree(t, 4096)
	fs := tree.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	old := leafOf(100, 100)
	parent := node.New(1, tree.owner, 1)
	parent.Ptrs = []node.KeyPtr{{Key: old.FirstKey(), BlockPtr: 1 << 20, Generation: 1}}
	child := frame{node: old, bytenr: 1 << 20}
	up := frame{node: parent, bytenr: 2 << 20}

	tx := fs.begin()
	pieces, lo, hi, err := tree.balance(tx, child, up, node.New(0, tree.owner, tx.generation))
	require.NoError(t, err)
	require.Empty(t, pieces)
	require.Equal(t, []int{0, 1}, []int{lo, hi})

	shrunk := span(old, 0, 1)
	pieces, lo, hi, err = tree.balance(tx, child, up, shrunk)
	require.NoError(t, err)
	require.Equal(t, []*node.Node{shrunk}, pieces)
	require.Equal(t, []int{0, 1}, []int{lo, hi})
	tx.rollback()

	// emptying the only leaf under an internal root leaves an empty leaf root
	tx = fs.begin()
	defer tx.rollback()
	ref, err := tree.rewrite(tx, []frame{up, child}, node.New(0, tree.owner, tx.generation))
	require.NoError(t, err)
	require.Zero(t, ref.level)
	root, err := fs.readNode(ref.bytenr, 0, ref.generation)
	require.NoError(t, err)
	require.True(t, root.IsLeaf())
	require.Zero(t, root.Len())
}
