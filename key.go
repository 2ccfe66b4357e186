// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package btrfs

import (
	"cmp"
	"fmt"
)

// KeySize is the on-disk size of a Key.
const KeySize = 17

// Key addresses one item in a tree.
//
// Keys are totally ordered by ObjectID, then Type, then Offset.
// A tree holds at most one item per Key.
type Key struct {
	ObjectID uint64
	Type     ItemType
	Offset   uint64
}

// Compare returns -1, 0 or +1 depending on whether key sorts before,
// equal to, or after other.
func (key Key) Compare(other Key) int {
	if c := cmp.Compare(key.ObjectID, other.ObjectID); c != 0 {
		return c
	}
	if c := cmp.Compare(key.Type, other.Type); c != 0 {
		return c
	}
	return cmp.Compare(key.Offset, other.Offset)
}

// Less reports whether key sorts before other.
func (key Key) Less(other Key) bool {
	return key.Compare(other) < 0
}

func (key Key) String() string {
	return fmt.Sprintf("(%d %s %d)", key.ObjectID, key.Type, key.Offset)
}

// ItemType is the type field of a Key.
type ItemType uint8

const (
	InodeItem      ItemType = 1
	InodeRef       ItemType = 12
	DirItem        ItemType = 84
	DirIndex       ItemType = 96
	ExtentData     ItemType = 108
	RootItem       ItemType = 132
	ExtentItem     ItemType = 168
	MetadataItem   ItemType = 169
	BlockGroupItem ItemType = 192
	DevExtent      ItemType = 204
	DevItem        ItemType = 216
	ChunkItem      ItemType = 228
)

var itemTypeNames = map[ItemType]string{
	InodeItem:      "INODE_ITEM",
	InodeRef:       "INODE_REF",
	DirItem:        "DIR_ITEM",
	DirIndex:       "DIR_INDEX",
	ExtentData:     "EXTENT_DATA",
	RootItem:       "ROOT_ITEM",
	ExtentItem:     "EXTENT_ITEM",
	MetadataItem:   "METADATA_ITEM",
	BlockGroupItem: "BLOCK_GROUP_ITEM",
	DevExtent:      "DEV_EXTENT",
	DevItem:        "DEV_ITEM",
	ChunkItem:      "CHUNK_ITEM",
}

func (t ItemType) String() string {
	if name, ok := itemTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN.%d", uint8(t))
}

// Well-known tree object ids.
const (
	RootTreeObjectID       uint64 = 1
	ExtentTreeObjectID     uint64 = 2
	ChunkTreeObjectID      uint64 = 3
	DevTreeObjectID        uint64 = 4
	FSTreeObjectID         uint64 = 5
	RootTreeDirObjectID    uint64 = 6
	CsumTreeObjectID       uint64 = 7
	FirstChunkTreeObjectID uint64 = 256
)
