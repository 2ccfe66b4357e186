// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package ctree implements the copy-on-write B-trees of a btrfs filesystem.
//
// A BTree is a handle on one tree. Every tree of a filesystem shares the
// device, the allocator and a single writer lock: lookups run in parallel,
// mutations run one at a time. Each mutation is a transaction that writes
// the changed path to new blocks leaf first, then the new root, and only
// then the record anchoring the root (the superblock, or the tree's
// ROOT_ITEM in the tree of trees). A failed mutation leaves the last
// committed tree in place.
package ctree

import (
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/chunk"
	"github.com/dacapoday/btrfs/node"
	"github.com/dacapoday/btrfs/superblock"
)

type anchor uint8

const (
	anchorSuper anchor = iota // superblock root field
	anchorChunk               // superblock chunk_root field
	anchorItem                // ROOT_ITEM in the tree of trees
)

// rootRef locates the root node of a tree. A zero generation is not checked.
type rootRef struct {
	bytenr     uint64
	generation uint64
	level      uint8
}

// BTree is a handle on one tree of a filesystem.
type BTree struct {
	fs     *fsys
	owner  uint64
	anchor anchor
	item   btrfs.Key
}

func (fs *fsys) tree(owner uint64) *BTree {
	switch owner {
	case btrfs.RootTreeObjectID:
		return &BTree{fs: fs, owner: owner, anchor: anchorSuper}
	case btrfs.ChunkTreeObjectID:
		return &BTree{fs: fs, owner: owner, anchor: anchorChunk}
	}
	panic(errors.AssertionFailedf("tree %d is not anchored in the superblock", owner))
}

func (fs *fsys) rootTreeRoot(sb *superblock.Superblock) rootRef {
	return rootRef{bytenr: sb.Root, level: sb.RootLevel}
}

func (fs *fsys) chunkRoot(sb *superblock.Superblock) rootRef {
	return rootRef{bytenr: sb.ChunkRoot, generation: sb.ChunkRootGeneration, level: sb.ChunkRootLevel}
}

// Owner returns the object id of the tree.
func (t *BTree) Owner() uint64 {
	return t.owner
}

// ChunkTree returns the chunk tree of the filesystem.
func (t *BTree) ChunkTree() *BTree {
	return t.fs.tree(btrfs.ChunkTreeObjectID)
}

// RootTree returns the tree of trees of the filesystem.
func (t *BTree) RootTree() *BTree {
	return t.fs.tree(btrfs.RootTreeObjectID)
}

// Subtree returns the tree whose ROOT_ITEM in the tree of trees has the
// given object id.
func (t *BTree) Subtree(objectID uint64) (*BTree, error) {
	fs := t.fs
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, btrfs.ErrClosed
	}

	from := btrfs.Key{ObjectID: objectID, Type: btrfs.RootItem}
	path, err := fs.tree(btrfs.RootTreeObjectID).descend(fs.rootTreeRoot(fs.sb), from, true)
	if err != nil {
		return nil, err
	}
	items, err := fs.leafFrom(path)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 || items[0].Key.ObjectID != objectID || items[0].Key.Type != btrfs.RootItem {
		return nil, errors.Wrapf(btrfs.ErrNotFound, "root item of tree %d", objectID)
	}
	return &BTree{fs: fs, owner: objectID, anchor: anchorItem, item: items[0].Key}, nil
}

// Close closes the filesystem. Every tree handle of it becomes unusable.
func (t *BTree) Close() error {
	return t.fs.close()
}

// root returns where the tree's root is, as recorded in sb.
func (t *BTree) root(sb *superblock.Superblock) (rootRef, error) {
	switch t.anchor {
	case anchorSuper:
		return t.fs.rootTreeRoot(sb), nil
	case anchorChunk:
		return t.fs.chunkRoot(sb), nil
	}
	item, err := t.rootItem(sb)
	if err != nil {
		return rootRef{}, err
	}
	return rootRef{bytenr: item.Bytenr, generation: item.Generation, level: item.Level}, nil
}

func (t *BTree) rootItem(sb *superblock.Superblock) (*RootItem, error) {
	data, err := t.fs.tree(btrfs.RootTreeObjectID).search(sb, t.item)
	if err != nil {
		return nil, errors.Wrapf(err, "root item of tree %d", t.owner)
	}
	return ParseRootItem(data)
}

// setRoot records ref as the tree's root in the transaction.
func (t *BTree) setRoot(tx *txn, ref rootRef) error {
	switch t.anchor {
	case anchorSuper:
		tx.sb.Root, tx.sb.RootLevel = ref.bytenr, ref.level
		tx.trees[t.owner] = ref
		return nil
	case anchorChunk:
		tx.sb.ChunkRoot, tx.sb.ChunkRootLevel, tx.sb.ChunkRootGeneration = ref.bytenr, ref.level, ref.generation
		return nil
	}
	item, err := t.rootItem(&tx.sb)
	if err != nil {
		return err
	}
	item.Bytenr, item.Generation, item.Level = ref.bytenr, ref.generation, ref.level
	tx.trees[t.owner] = ref
	rootTree := t.fs.tree(btrfs.RootTreeObjectID)
	return rootTree.apply(tx, t.item, func(leaf *node.Node, slot int, found bool) (*node.Node, error) {
		if !found {
			return nil, errors.Wrapf(btrfs.ErrNotFound, "root item %s", t.item)
		}
		leaf = leaf.Clone()
		leaf.Items[slot].Data = item.Encode()
		return leaf, nil
	})
}

// Height returns the number of levels of the tree.
func (t *BTree) Height() (int, error) {
	fs := t.fs
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return 0, btrfs.ErrClosed
	}
	ref, err := t.root(fs.sb)
	if err != nil {
		return 0, err
	}
	return int(ref.level) + 1, nil
}

// Search returns a copy of the data of the item with key.
func (t *BTree) Search(key btrfs.Key) ([]byte, error) {
	fs := t.fs
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, btrfs.ErrClosed
	}
	data, err := t.search(fs.sb, key)
	if err != nil {
		return nil, err
	}
	return slices.Clone(data), nil
}

func (t *BTree) search(sb *superblock.Superblock, key btrfs.Key) ([]byte, error) {
	ref, err := t.root(sb)
	if err != nil {
		return nil, err
	}
	path, err := t.descend(ref, key, false)
	if err != nil {
		return nil, err
	}
	leaf := path[len(path)-1]
	if !leaf.found {
		return nil, errors.Wrapf(btrfs.ErrNotFound, "key %s in tree %d", key, t.owner)
	}
	return leaf.node.Items[leaf.slot].Data, nil
}

// Insert adds an item. It fails with btrfs.ErrDuplicateKey when the key is
// present and btrfs.ErrValueTooLarge when the data cannot fit a leaf.
func (t *BTree) Insert(key btrfs.Key, data []byte) error {
	if err := t.checkSize(data); err != nil {
		return err
	}
	return t.mutate(key, func(leaf *node.Node, slot int, found bool) (*node.Node, error) {
		if found {
			return nil, errors.Wrapf(btrfs.ErrDuplicateKey, "key %s in tree %d", key, t.owner)
		}
		leaf = leaf.Clone()
		leaf.Items = slices.Insert(leaf.Items, slot, node.Item{Key: key, Data: slices.Clone(data)})
		return leaf, nil
	})
}

// Update replaces the data of an existing item.
func (t *BTree) Update(key btrfs.Key, data []byte) error {
	if err := t.checkSize(data); err != nil {
		return err
	}
	return t.mutate(key, func(leaf *node.Node, slot int, found bool) (*node.Node, error) {
		if !found {
			return nil, errors.Wrapf(btrfs.ErrNotFound, "key %s in tree %d", key, t.owner)
		}
		leaf = leaf.Clone()
		leaf.Items[slot].Data = slices.Clone(data)
		return leaf, nil
	})
}

// Delete removes an item.
func (t *BTree) Delete(key btrfs.Key) error {
	return t.mutate(key, func(leaf *node.Node, slot int, found bool) (*node.Node, error) {
		if !found {
			return nil, errors.Wrapf(btrfs.ErrNotFound, "key %s in tree %d", key, t.owner)
		}
		leaf = leaf.Clone()
		leaf.Items = slices.Delete(leaf.Items, slot, slot+1)
		return leaf, nil
	})
}

func (t *BTree) checkSize(data []byte) error {
	if limit := node.MaxItemSize(t.fs.codec.BlockSize); len(data) > limit {
		return errors.Wrapf(btrfs.ErrValueTooLarge, "%d bytes, a leaf holds at most %d", len(data), limit)
	}
	return nil
}

// CreateNode returns an empty node stamped with the generation of the next
// transaction. It has no block until WriteNode.
func (t *BTree) CreateNode(level uint8, owner uint64) *node.Node {
	fs := t.fs
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	n := node.New(level, owner, fs.sb.Generation+1)
	n.FSID = fs.sb.MetadataFSID()
	n.ChunkTreeUUID = fs.chunkTreeUUID
	return n
}

// ReadNode reads and decodes the node at the logical address bytenr.
func (t *BTree) ReadNode(bytenr uint64) (*node.Node, error) {
	fs := t.fs
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.closed {
		return nil, btrfs.ErrClosed
	}
	return fs.readNode(bytenr, -1, 0)
}

// WriteNode writes n to a newly allocated block and returns its address.
// The block is not referenced by any tree; linking it is up to the caller.
func (t *BTree) WriteNode(n *node.Node) (uint64, error) {
	fs := t.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writable(); err != nil {
		return 0, err
	}
	tx := fs.begin()
	ptr, err := tx.write(n)
	if err != nil {
		tx.rollback()
		return 0, err
	}
	fs.alloc.Commit()
	return ptr.BlockPtr, nil
}

// mutate runs edit on the leaf that holds or would hold key, as one
// transaction.
func (t *BTree) mutate(key btrfs.Key, edit editFunc) error {
	fs := t.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writable(); err != nil {
		return err
	}

	tx := fs.begin()
	err := t.apply(tx, key, edit)
	if err == nil {
		if t.anchor == anchorChunk && key.Type == btrfs.ChunkItem {
			t.trackChunk(tx, key)
		}
		err = tx.commit()
	}
	if err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// trackChunk keeps the chunk map in step with CHUNK_ITEM changes once the
// transaction commits.
func (t *BTree) trackChunk(tx *txn, key btrfs.Key) {
	fs := t.fs
	tx.onCommit = append(tx.onCommit, func() {
		data, err := t.search(fs.sb, key)
		switch {
		case errors.Is(err, btrfs.ErrNotFound):
			fs.chunks.Remove(key.Offset)
			return
		case err == nil:
			var c *chunk.Chunk
			if c, _, err = chunk.Decode(data); err == nil {
				fs.chunks.Insert(key.Offset, c)
				return
			}
		}
		fs.log.Warn("chunk map not updated", slog.String("key", key.String()), slog.Any("error", err))
	})
}
