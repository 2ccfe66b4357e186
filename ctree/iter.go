// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"iter"
	"math"

	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/node"
)

// Iterator walks the items of a tree in ascending key order.
//
// It copies one leaf at a time and takes the filesystem's read lock only
// while loading the next leaf, so the tree may be mutated between steps.
// Each load sees the latest committed tree.
//
//	it := tree.Iter()
//	for ok := it.SeekFirst(); ok; ok = it.Next() {
//	    key, val := it.Key(), it.Val()
//	}
//	if err := it.Error(); err != nil {
//	    // handle error
//	}
type Iterator struct {
	tree  *BTree
	items []node.Item
	index int
	err   error
}

// Iter returns an unpositioned iterator.
func (t *BTree) Iter() *Iterator {
	return &Iterator{tree: t}
}

// Valid reports whether the iterator is positioned at an item.
func (it *Iterator) Valid() bool {
	return it.err == nil && it.index < len(it.items)
}

// Error returns the error that stopped the iterator, if any.
func (it *Iterator) Error() error {
	return it.err
}

// Key returns the key of the current item.
func (it *Iterator) Key() btrfs.Key {
	return it.items[it.index].Key
}

// Val returns the data of the current item. It must not be modified.
func (it *Iterator) Val() []byte {
	return it.items[it.index].Data
}

// SeekFirst positions the iterator at the smallest key.
func (it *Iterator) SeekFirst() bool {
	return it.Seek(btrfs.Key{})
}

// Seek positions the iterator at the first key not below key.
func (it *Iterator) Seek(key btrfs.Key) bool {
	it.items, it.index = nil, 0
	fs := it.tree.fs
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		it.err = btrfs.ErrClosed
		return false
	}

	ref, err := it.tree.root(fs.sb)
	if err == nil {
		var path []frame
		if path, err = it.tree.descend(ref, key, true); err == nil {
			var items []node.Item
			if items, err = fs.leafFrom(path); err == nil {
				it.items = items
			}
		}
	}
	it.err = err
	return it.Valid()
}

// Next advances to the following key.
func (it *Iterator) Next() bool {
	if !it.Valid() {
		return false
	}
	if it.index++; it.index < len(it.items) {
		return true
	}
	next, ok := successor(it.items[len(it.items)-1].Key)
	if !ok {
		it.items, it.index = nil, 0
		return false
	}
	return it.Seek(next)
}

// Items returns the items from the first key not below from. Iteration
// stops early on a read error; use an Iterator to observe it.
func (t *BTree) Items(from btrfs.Key) iter.Seq2[btrfs.Key, []byte] {
	return func(yield func(btrfs.Key, []byte) bool) {
		it := t.Iter()
		for ok := it.Seek(from); ok; ok = it.Next() {
			if !yield(it.Key(), it.Val()) {
				return
			}
		}
	}
}

// successor returns the smallest key above key.
func successor(key btrfs.Key) (btrfs.Key, bool) {
	switch {
	case key.Offset < math.MaxUint64:
		key.Offset++
	case key.Type < math.MaxUint8:
		key.Type, key.Offset = key.Type+1, 0
	case key.ObjectID < math.MaxUint64:
		key.ObjectID, key.Type, key.Offset = key.ObjectID+1, 0, 0
	default:
		return key, false
	}
	return key, true
}
