// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/node"
)

// editFunc returns the new content of the leaf that holds or would hold a
// key. slot is the key's position and found whether it is present. The
// leaf must not be modified in place.
type editFunc func(leaf *node.Node, slot int, found bool) (*node.Node, error)

// frame is one step of a root to leaf path.
type frame struct {
	node   *node.Node
	bytenr uint64
	slot   int  // child taken, or the key position in a leaf
	found  bool // leaf only
}

// descend walks from ref to the leaf responsible for key. An internal node
// is left through its rightmost key not above key. When every key of a node
// is above key, the walk fails with btrfs.ErrNotFound, or follows the first
// child when insert is set.
func (t *BTree) descend(ref rootRef, key btrfs.Key, insert bool) ([]frame, error) {
	fs := t.fs
	bytenr, level, generation := ref.bytenr, int(ref.level), ref.generation
	var path []frame
	for {
		n, err := fs.readNode(bytenr, level, generation)
		if err != nil {
			return nil, err
		}
		slot, found := n.Search(key)
		if n.IsLeaf() {
			return append(path, frame{node: n, bytenr: bytenr, slot: slot, found: found}), nil
		}
		if !found {
			if slot > 0 {
				slot--
			} else if !insert {
				return nil, errors.Wrapf(btrfs.ErrNotFound, "key %s in tree %d", key, t.owner)
			}
		}
		path = append(path, frame{node: n, bytenr: bytenr, slot: slot})
		ptr := n.Ptrs[slot]
		bytenr, level, generation = ptr.BlockPtr, level-1, ptr.Generation
	}
}

// apply edits the leaf for key and rewrites the path above it within tx.
func (t *BTree) apply(tx *txn, key btrfs.Key, edit editFunc) error {
	ref, err := t.root(&tx.sb)
	if err != nil {
		return err
	}
	path, err := t.descend(ref, key, true)
	if err != nil {
		return err
	}
	leaf := path[len(path)-1]
	n, err := edit(leaf.node, leaf.slot, leaf.found)
	if err != nil {
		return err
	}
	root, err := t.rewrite(tx, path, n)
	if err != nil {
		return err
	}
	return t.setRoot(tx, root)
}

// rewrite writes cur in place of the path's leaf, then every ancestor with
// its child pointers replaced, bottom-up. Each level is split when it
// overflows and merged or refilled when it underflows. It returns the new
// root.
func (t *BTree) rewrite(tx *txn, path []frame, cur *node.Node) (rootRef, error) {
	for i := len(path) - 1; i > 0; i-- {
		parent := path[i-1]
		pieces, lo, hi, err := t.balance(tx, path[i], parent, cur)
		if err != nil {
			return rootRef{}, err
		}
		ptrs, err := writeAll(tx, pieces)
		if err != nil {
			return rootRef{}, err
		}
		cur = parent.node.Clone()
		cur.Ptrs = slices.Replace(cur.Ptrs, lo, hi, ptrs...)
	}
	return t.rewriteRoot(tx, path[0].bytenr, cur)
}

func writeAll(tx *txn, pieces []*node.Node) ([]node.KeyPtr, error) {
	ptrs := make([]node.KeyPtr, 0, len(pieces))
	for _, piece := range pieces {
		ptr, err := tx.write(piece)
		if err != nil {
			return nil, err
		}
		ptrs = append(ptrs, ptr)
	}
	return ptrs, nil
}

// balance returns the nodes replacing parent's children [lo, hi), where
// the child at parent.slot, read as f, becomes cur. The blocks they replace
// are freed.
func (t *BTree) balance(tx *txn, f, parent frame, cur *node.Node) (pieces []*node.Node, lo, hi int, err error) {
	fs := t.fs
	capacity := node.Capacity(fs.codec.BlockSize)
	s := parent.slot
	tx.free(f.bytenr)

	if cur.Used() > capacity {
		pieces = split(cur, capacity)
		fs.log.Debug("split", slog.Uint64("tree", t.owner), slog.Int("level", int(cur.Level)),
			slog.Int("entries", cur.Len()), slog.Int("pieces", len(pieces)))
		return pieces, s, s + 1, nil
	}
	// only shrinking nodes are rebalanced
	if cur.Used() >= f.node.Used() || cur.Used()*100 >= fs.minFill*capacity {
		return []*node.Node{cur}, s, s + 1, nil
	}

	sibling := func(i int) (*node.Node, error) {
		if i < 0 || i >= parent.node.Len() {
			return nil, nil
		}
		ptr := parent.node.Ptrs[i]
		return fs.readNode(ptr.BlockPtr, int(cur.Level), ptr.Generation)
	}
	left, err := sibling(s - 1)
	if err != nil {
		return nil, 0, 0, err
	}
	right, err := sibling(s + 1)
	if err != nil {
		return nil, 0, 0, err
	}

	switch {
	case left != nil && left.Used()+cur.Used() <= capacity:
		tx.free(left.Bytenr)
		fs.log.Debug("merge", slog.Uint64("tree", t.owner), slog.Int("level", int(cur.Level)), slog.String("with", "left"))
		return []*node.Node{concat(left, cur)}, s - 1, s + 1, nil
	case right != nil && cur.Used()+right.Used() <= capacity:
		tx.free(right.Bytenr)
		fs.log.Debug("merge", slog.Uint64("tree", t.owner), slog.Int("level", int(cur.Level)), slog.String("with", "right"))
		return []*node.Node{concat(cur, right)}, s, s + 2, nil
	case left == nil && right == nil:
		if cur.Len() == 0 {
			return nil, s, s + 1, nil
		}
		return []*node.Node{cur}, s, s + 1, nil
	}

	// Neither sibling can absorb cur: take one entry from the fuller one.
	if right == nil || left != nil && left.Used() >= right.Used() {
		if last := left.Len() - 1; last > 0 && cur.Used()+left.EntrySize(last) <= capacity {
			tx.free(left.Bytenr)
			fs.log.Debug("borrow", slog.Uint64("tree", t.owner), slog.Int("level", int(cur.Level)), slog.String("from", "left"))
			return []*node.Node{span(left, 0, last), concat(span(left, last, last+1), cur)}, s - 1, s + 1, nil
		}
	} else if right.Len() > 1 && cur.Used()+right.EntrySize(0) <= capacity {
		tx.free(right.Bytenr)
		fs.log.Debug("borrow", slog.Uint64("tree", t.owner), slog.Int("level", int(cur.Level)), slog.String("from", "right"))
		return []*node.Node{concat(cur, span(right, 0, 1)), span(right, 1, right.Len())}, s, s + 2, nil
	}
	return []*node.Node{cur}, s, s + 1, nil
}

// rewriteRoot writes the new content of the root, adding a level when it
// overflows and dropping one when it is left with a single child.
func (t *BTree) rewriteRoot(tx *txn, old uint64, cur *node.Node) (rootRef, error) {
	fs := t.fs
	capacity := node.Capacity(fs.codec.BlockSize)
	tx.free(old)

	if !cur.IsLeaf() {
		switch cur.Len() {
		case 0:
			cur = node.New(0, t.owner, tx.generation)
		case 1:
			ptr := cur.Ptrs[0]
			fs.log.Debug("collapse root", slog.Uint64("tree", t.owner), slog.Int("level", int(cur.Level)-1))
			return rootRef{bytenr: ptr.BlockPtr, generation: ptr.Generation, level: cur.Level - 1}, nil
		}
	}

	if cur.Used() <= capacity {
		ptr, err := tx.write(cur)
		if err != nil {
			return rootRef{}, err
		}
		return rootRef{bytenr: ptr.BlockPtr, generation: ptr.Generation, level: cur.Level}, nil
	}

	ptrs, err := writeAll(tx, split(cur, capacity))
	if err != nil {
		return rootRef{}, err
	}
	root := node.New(cur.Level+1, t.owner, tx.generation)
	root.Ptrs = ptrs
	ptr, err := tx.write(root)
	if err != nil {
		return rootRef{}, err
	}
	fs.log.Debug("grow root", slog.Uint64("tree", t.owner), slog.Int("level", int(root.Level)), slog.Int("children", len(ptrs)))
	return rootRef{bytenr: ptr.BlockPtr, generation: ptr.Generation, level: root.Level}, nil
}

// split partitions an overflowing node into nodes of at most capacity
// bytes: at the median when both halves fit, else at the most balanced
// point that fits, else greedily into as many nodes as needed.
func split(n *node.Node, capacity int) []*node.Node {
	count := n.Len()
	if count < 2 {
		panic(errors.AssertionFailedf("split of a node with %d entries", count))
	}
	prefix := make([]int, count+1)
	for i := range count {
		prefix[i+1] = prefix[i] + n.EntrySize(i)
	}
	used := func(a, b int) int { return prefix[b] - prefix[a] }

	if mid := count / 2; used(0, mid) <= capacity && used(mid, count) <= capacity {
		return []*node.Node{span(n, 0, mid), span(n, mid, count)}
	}

	best, bestMax := 0, 0
	for k := 1; k < count; k++ {
		l, r := used(0, k), used(k, count)
		if l <= capacity && r <= capacity && (best == 0 || max(l, r) < bestMax) {
			best, bestMax = k, max(l, r)
		}
	}
	if best > 0 {
		return []*node.Node{span(n, 0, best), span(n, best, count)}
	}

	var pieces []*node.Node
	start := 0
	for i := 1; i <= count; i++ {
		if i == count || used(start, i+1) > capacity {
			pieces = append(pieces, span(n, start, i))
			start = i
		}
	}
	return pieces
}

// span returns a node holding entries [a, b) of n.
func span(n *node.Node, a, b int) *node.Node {
	c := &node.Node{Header: n.Header}
	if n.IsLeaf() {
		c.Items = slices.Clone(n.Items[a:b])
	} else {
		c.Ptrs = slices.Clone(n.Ptrs[a:b])
	}
	return c
}

// concat returns a node holding the entries of a followed by those of b.
func concat(a, b *node.Node) *node.Node {
	c := &node.Node{Header: a.Header}
	if a.IsLeaf() {
		c.Items = slices.Concat(a.Items, b.Items)
	} else {
		c.Ptrs = slices.Concat(a.Ptrs, b.Ptrs)
	}
	return c
}

// leafFrom returns the items of the path's leaf from its slot on, moving to
// the next leaf when the slot is past the end. It returns nil at the end of
// the tree.
func (fs *fsys) leafFrom(path []frame) ([]node.Item, error) {
	leaf := path[len(path)-1]
	if leaf.slot < leaf.node.Len() {
		return leaf.node.Items[leaf.slot:], nil
	}
	for i := len(path) - 2; i >= 0; i-- {
		f := path[i]
		for next := f.slot + 1; next < f.node.Len(); next++ {
			ptr := f.node.Ptrs[next]
			n, err := fs.readNode(ptr.BlockPtr, int(f.node.Level)-1, ptr.Generation)
			if err != nil {
				return nil, err
			}
			for !n.IsLeaf() {
				ptr = n.Ptrs[0]
				if n, err = fs.readNode(ptr.BlockPtr, int(n.Level)-1, ptr.Generation); err != nil {
					return nil, err
				}
			}
			if len(n.Items) > 0 {
				return n.Items, nil
			}
		}
	}
	return nil, nil
}
