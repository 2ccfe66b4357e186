// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/node"
	"github.com/dacapoday/btrfs/superblock"
)

// txn is one mutation. Blocks it writes are new; the superblock copy it
// edits becomes visible only in commit, after every block is written.
type txn struct {
	fs         *fsys
	generation uint64
	sb         superblock.Superblock
	written    int
	freed      int
	trees      map[uint64]rootRef // roots anchored in ROOT_ITEMs this txn moved
	onCommit   []func()
}

// begin starts a transaction. The caller holds fs.mu exclusively.
func (fs *fsys) begin() *txn {
	return &txn{
		fs:         fs,
		generation: fs.sb.Generation + 1,
		sb:         *fs.sb,
		trees:      make(map[uint64]rootRef),
	}
}

// write stores n in a newly allocated block and returns the key pointer a
// parent uses to reach it. n's header is updated to match the block.
func (tx *txn) write(n *node.Node) (node.KeyPtr, error) {
	fs := tx.fs
	bytenr, err := fs.alloc.Allocate()
	if err != nil {
		return node.KeyPtr{}, err
	}
	n.Bytenr = bytenr
	n.Generation = tx.generation
	n.FSID = tx.sb.MetadataFSID()
	n.ChunkTreeUUID = fs.chunkTreeUUID
	n.Flags |= node.FlagWritten | node.MixedBackrefRev

	index, err := fs.block(bytenr)
	if err != nil {
		return node.KeyPtr{}, err
	}
	buf := fs.dev.AllocateBuffer()
	defer fs.dev.RecycleBuffer(buf)
	if err = fs.codec.EncodeTo(n, buf); err != nil {
		return node.KeyPtr{}, errors.Wrapf(err, "encode block %d", bytenr)
	}
	if err = fs.dev.WriteBlock(index, buf); err != nil {
		return node.KeyPtr{}, err
	}
	tx.written++
	tx.sb.BytesUsed += uint64(fs.codec.BlockSize)
	return node.KeyPtr{Key: n.FirstKey(), BlockPtr: bytenr, Generation: tx.generation}, nil
}

// free releases a block the committed tree references. The allocator keeps
// it until the transaction commits.
func (tx *txn) free(bytenr uint64) {
	tx.fs.alloc.Free(bytenr)
	tx.freed++
	tx.sb.BytesUsed -= min(tx.sb.BytesUsed, uint64(tx.fs.codec.BlockSize))
}

// commit makes the transaction durable: every block is flushed before the
// superblock that references them is written.
func (tx *txn) commit() error {
	fs := tx.fs
	tx.sb.Generation = tx.generation
	tx.backup()

	buf, err := tx.sb.Encode()
	if err != nil {
		return err
	}
	if err = fs.dev.Sync(); err != nil {
		return err
	}
	if err = fs.dev.WriteSuperblock(buf); err == nil {
		err = fs.dev.Sync()
	}
	if err != nil {
		// The device may now hold either superblock. Stop writing so
		// neither tree can be overwritten.
		fs.readOnly = true
		fs.log.Error("superblock write failed, filesystem is read-only",
			slog.Uint64("generation", tx.generation), slog.Any("error", err))
		return err
	}

	fs.sb = &tx.sb
	fs.alloc.Commit()
	for _, fn := range tx.onCommit {
		fn()
	}
	fs.log.Debug("commit",
		slog.Uint64("generation", tx.generation),
		slog.Uint64("root", tx.sb.Root),
		slog.Int("written", tx.written),
		slog.Int("freed", tx.freed))
	return nil
}

func (tx *txn) rollback() {
	tx.fs.alloc.Rollback()
}

// backup records the committed roots in the rotating backup slots.
func (tx *txn) backup() {
	sb := &tx.sb
	b := sb.SuperRoots[(tx.generation-1)%superblock.NumBackupRoots]
	b.TreeRoot, b.TreeRootLevel = sb.Root, sb.RootLevel
	if ref, ok := tx.trees[btrfs.RootTreeObjectID]; ok {
		b.TreeRootGen = ref.generation
	}
	b.ChunkRoot, b.ChunkRootLevel, b.ChunkRootGen = sb.ChunkRoot, sb.ChunkRootLevel, sb.ChunkRootGeneration
	for id, ref := range tx.trees {
		switch id {
		case btrfs.ExtentTreeObjectID:
			b.ExtentRoot, b.ExtentRootGen, b.ExtentRootLevel = ref.bytenr, ref.generation, ref.level
		case btrfs.DevTreeObjectID:
			b.DevRoot, b.DevRootGen, b.DevRootLevel = ref.bytenr, ref.generation, ref.level
		case btrfs.FSTreeObjectID:
			b.FSRoot, b.FSRootGen, b.FSRootLevel = ref.bytenr, ref.generation, ref.level
		case btrfs.CsumTreeObjectID:
			b.CsumRoot, b.CsumRootGen, b.CsumRootLevel = ref.bytenr, ref.generation, ref.level
		}
	}
	b.TotalBytes, b.BytesUsed, b.NumDevices = sb.TotalBytes, sb.BytesUsed, sb.NumDevices
	sb.SuperRoots[tx.generation%superblock.NumBackupRoots] = b
}
