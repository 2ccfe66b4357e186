// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/internal/bin"
)

const (
	// RootItemMinSize is the legacy ROOT_ITEM layout.
	RootItemMinSize = 239
	// RootItemSize is the current ROOT_ITEM layout, which adds a second
	// generation, uuids and timestamps.
	RootItemSize = 439

	rootItemFields       = 160 // embedded inode item comes first
	rootItemGenerationV2 = RootItemMinSize
)

// RootItem locates a tree from the tree of trees. Fields this package does
// not interpret are carried over unchanged by Encode.
type RootItem struct {
	Generation   uint64
	RootDirID    uint64
	Bytenr       uint64
	ByteLimit    uint64
	BytesUsed    uint64
	LastSnapshot uint64
	Flags        uint64
	Refs         uint32
	DropProgress btrfs.Key
	DropLevel    uint8
	Level        uint8

	raw []byte
}

// ParseRootItem decodes the data of a ROOT_ITEM.
func ParseRootItem(data []byte) (*RootItem, error) {
	if len(data) < RootItemMinSize {
		return nil, errors.Wrapf(btrfs.ErrTruncatedBuffer, "root item needs %d bytes, got %d", RootItemMinSize, len(data))
	}
	item := &RootItem{raw: slices.Clone(data)}
	r := bin.NewReader(data)
	r.Seek(rootItemFields)
	item.Generation = r.U64()
	item.RootDirID = r.U64()
	item.Bytenr = r.U64()
	item.ByteLimit = r.U64()
	item.BytesUsed = r.U64()
	item.LastSnapshot = r.U64()
	item.Flags = r.U64()
	item.Refs = r.U32()
	item.DropProgress = r.Key()
	item.DropLevel = r.U8()
	item.Level = r.U8()
	return item, r.Err()
}

// Encode returns the item data. A zero RootItem encodes to RootItemSize
// bytes; a parsed one keeps its original size.
func (item *RootItem) Encode() []byte {
	buf := slices.Clone(item.raw)
	if len(buf) < RootItemMinSize {
		buf = make([]byte, RootItemSize)
	}
	w := bin.NewWriter(buf)
	w.Seek(rootItemFields)
	w.U64(item.Generation)
	w.U64(item.RootDirID)
	w.U64(item.Bytenr)
	w.U64(item.ByteLimit)
	w.U64(item.BytesUsed)
	w.U64(item.LastSnapshot)
	w.U64(item.Flags)
	w.U32(item.Refs)
	w.Key(item.DropProgress)
	w.U8(item.DropLevel)
	w.U8(item.Level)
	// readers trust the extended fields only while both generations agree
	if len(buf) >= rootItemGenerationV2+8 {
		w.U64(item.Generation)
	}
	if err := w.Err(); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encode root item"))
	}
	return buf
}
