// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package node encodes and decodes tree blocks.
//
// Every block starts with a Header. A leaf (level 0) follows it with an
// item array growing upward and a data area packed downward from the end
// of the block:
//
//	|header|item 0|item 1|...|item N|free space|data N|...|data 1|data 0|
//
// An internal node (level > 0) follows it with an array of key pointers.
// Item data offsets are relative to the end of the header.
package node

import (
	"slices"

	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/csum"
)

const (
	HeaderSize = 101
	ItemSize   = btrfs.KeySize + 8      // key, data offset u32, data size u32
	KeyPtrSize = btrfs.KeySize + 8 + 8 // key, block pointer, generation
)

// Header flags.
const (
	FlagWritten     uint64 = 1 << 0
	MixedBackrefRev uint64 = 1 << 56
)

// Header is common to every tree block.
type Header struct {
	Csum          csum.Sum
	FSID          [16]byte
	Bytenr        uint64 // address the block was written to
	Flags         uint64
	ChunkTreeUUID [16]byte
	Generation    uint64 // transaction that wrote the block
	Owner         uint64 // tree the block belongs to
	NrItems       uint32
	Level         uint8
}

// Item is a leaf entry. Its on-disk offset and size are derived from Data
// by the encoder.
type Item struct {
	Key  btrfs.Key
	Data []byte
}

// KeyPtr is an internal node entry: the smallest key of a child subtree and
// the child's address.
type KeyPtr struct {
	Key        btrfs.Key
	BlockPtr   uint64
	Generation uint64
}

// Node is a decoded tree block. Level selects the variant: a leaf uses
// Items, an internal node uses Ptrs, never both.
type Node struct {
	Header
	Items []Item
	Ptrs  []KeyPtr
}

// New returns an empty node.
func New(level uint8, owner, generation uint64) *Node {
	return &Node{Header: Header{Level: level, Owner: owner, Generation: generation}}
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool {
	return n.Level == 0
}

// Len returns the number of items or key pointers.
func (n *Node) Len() int {
	if n.IsLeaf() {
		return len(n.Items)
	}
	return len(n.Ptrs)
}

// Key returns the key of entry i.
func (n *Node) Key(i int) btrfs.Key {
	if n.IsLeaf() {
		return n.Items[i].Key
	}
	return n.Ptrs[i].Key
}

// FirstKey returns the smallest key, or the zero key of an empty node.
func (n *Node) FirstKey() btrfs.Key {
	if n.Len() == 0 {
		return btrfs.Key{}
	}
	return n.Key(0)
}

// Used returns the bytes the entries occupy after the header.
func (n *Node) Used() int {
	if !n.IsLeaf() {
		return len(n.Ptrs) * KeyPtrSize
	}
	used := len(n.Items) * ItemSize
	for i := range n.Items {
		used += len(n.Items[i].Data)
	}
	return used
}

// Size returns the encoded size of n without padding.
func (n *Node) Size() int {
	return HeaderSize + n.Used()
}

// EntrySize returns the bytes entry i occupies.
func (n *Node) EntrySize(i int) int {
	if n.IsLeaf() {
		return ItemSize + len(n.Items[i].Data)
	}
	return KeyPtrSize
}

// Search returns the index of key, or the index where it would be
// inserted and false.
func (n *Node) Search(key btrfs.Key) (int, bool) {
	return find(n.Len(), func(i int) int { return key.Compare(n.Key(i)) })
}

// Clone returns a copy whose entry slices can be changed independently.
// Item data is shared; it is never modified in place.
func (n *Node) Clone() *Node {
	c := &Node{Header: n.Header}
	c.Items = slices.Clone(n.Items)
	c.Ptrs = slices.Clone(n.Ptrs)
	return c
}

// Capacity returns the bytes available for entries in a block.
func Capacity(blockSize int) int {
	return blockSize - HeaderSize
}

// MaxItemSize returns the largest item data that fits an empty leaf.
func MaxItemSize(blockSize int) int {
	return Capacity(blockSize) - ItemSize
}

func find(n int, f func(int) int) (int, bool) {
	i, j := 0, n
	for i < j {
		h := int(uint(i+j) >> 1)
		if f(h) > 0 {
			i = h + 1
		} else {
			j = h
		}
	}
	return i, i < n && f(i) == 0
}
