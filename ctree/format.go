// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"crypto/rand"
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/chunk"
	"github.com/dacapoday/btrfs/csum"
	"github.com/dacapoday/btrfs/device"
	"github.com/dacapoday/btrfs/internal/alloc"
	"github.com/dacapoday/btrfs/node"
	"github.com/dacapoday/btrfs/superblock"
)

// FormatOptions describes a new single-device filesystem. Zero ids are
// generated, zero sizes take their defaults.
type FormatOptions struct {
	FSID       superblock.UUID
	DevUUID    superblock.UUID
	Label      string
	NodeSize   uint32 // default device.DefaultBlockSize
	SectorSize uint32 // default 4096
	TotalBytes uint64 // required
	CsumType   csum.Type
	// Trees get an empty tree and a ROOT_ITEM each; default the FS tree.
	Trees []uint64
	Log   *slog.Logger
}

func (o FormatOptions) Logger() *slog.Logger { return o.Log }

// firstFreeObjectID is the root directory of a new FS tree.
const firstFreeObjectID = 256

// Format writes an empty filesystem to file: a chunk tree mapping the whole
// device, a tree of trees, the requested trees and the superblock.
func Format(file btrfs.File, opts FormatOptions) error {
	if opts.NodeSize == 0 {
		opts.NodeSize = device.DefaultBlockSize
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = 4096
	}
	if opts.Trees == nil {
		opts.Trees = []uint64{btrfs.FSTreeObjectID}
	}
	if !opts.CsumType.Valid() {
		return errors.Wrapf(btrfs.ErrUnsupported, "checksum type %d", uint16(opts.CsumType))
	}
	for _, id := range []*superblock.UUID{&opts.FSID, &opts.DevUUID} {
		if *id == (superblock.UUID{}) {
			rand.Read(id[:])
		}
	}
	first := firstBlock(opts.NodeSize)
	if need := first + uint64(3+len(opts.Trees))*uint64(opts.NodeSize); opts.TotalBytes < need {
		return errors.Wrapf(btrfs.ErrAllocateFailed, "%d bytes is too small, need %d", opts.TotalBytes, need)
	}

	dev := device.New(file, 0)
	if err := dev.SetBlockSize(int(opts.NodeSize)); err != nil {
		return err
	}
	if err := file.Truncate(int64(opts.TotalBytes)); err != nil {
		return btrfs.IOError(err, "truncate to %d", opts.TotalBytes)
	}

	sb := superblock.New(superblock.Config{
		FSID:       opts.FSID,
		DevUUID:    opts.DevUUID,
		Label:      opts.Label,
		NodeSize:   opts.NodeSize,
		SectorSize: opts.SectorSize,
		TotalBytes: opts.TotalBytes,
		CsumType:   opts.CsumType,
	})
	system := &chunk.Chunk{
		Length:     opts.TotalBytes,
		Owner:      btrfs.ExtentTreeObjectID,
		StripeLen:  64 << 10,
		Type:       chunk.TypeSystem | chunk.TypeMetadata,
		IOAlign:    opts.SectorSize,
		IOWidth:    opts.SectorSize,
		SectorSize: opts.SectorSize,
		Stripes:    []chunk.Stripe{{DevID: sb.DevItem.DevID, DevUUID: opts.DevUUID}},
	}
	if err := sb.AddSysChunk(0, system); err != nil {
		return err
	}

	fs := &fsys{
		dev:   dev,
		sb:    sb,
		codec: node.Codec{BlockSize: int(opts.NodeSize), CsumType: opts.CsumType},
		alloc: alloc.New(first, opts.TotalBytes, int(opts.NodeSize)),
		log:   getLogger(opts),
	}
	fs.chunks.Insert(0, system)
	rand.Read(fs.chunkTreeUUID[:])

	tx := fs.begin()
	err := func() error {
		chunkRoot := node.New(0, btrfs.ChunkTreeObjectID, tx.generation)
		chunkRoot.Items = []node.Item{
			{Key: btrfs.Key{ObjectID: 1, Type: btrfs.DevItem, Offset: sb.DevItem.DevID}, Data: sb.DevItem.Encode()},
			{Key: btrfs.Key{ObjectID: btrfs.FirstChunkTreeObjectID, Type: btrfs.ChunkItem}, Data: system.Encode()},
		}
		ptr, err := tx.write(chunkRoot)
		if err != nil {
			return err
		}
		tx.sb.ChunkRoot, tx.sb.ChunkRootLevel, tx.sb.ChunkRootGeneration = ptr.BlockPtr, 0, ptr.Generation

		rootTree := node.New(0, btrfs.RootTreeObjectID, tx.generation)
		for _, id := range sortedUnique(opts.Trees) {
			ptr, err := tx.write(node.New(0, id, tx.generation))
			if err != nil {
				return err
			}
			item := RootItem{
				Generation: ptr.Generation,
				Bytenr:     ptr.BlockPtr,
				BytesUsed:  uint64(opts.NodeSize),
				Refs:       1,
			}
			if id == btrfs.FSTreeObjectID {
				item.RootDirID = firstFreeObjectID
			}
			rootTree.Items = append(rootTree.Items, node.Item{
				Key:  btrfs.Key{ObjectID: id, Type: btrfs.RootItem},
				Data: item.Encode(),
			})
			tx.trees[id] = rootRef{bytenr: ptr.BlockPtr, generation: ptr.Generation}
		}
		ptr, err = tx.write(rootTree)
		if err != nil {
			return err
		}
		tx.sb.Root, tx.sb.RootLevel = ptr.BlockPtr, 0
		tx.trees[btrfs.RootTreeObjectID] = rootRef{bytenr: ptr.BlockPtr, generation: ptr.Generation}
		return tx.commit()
	}()
	if err != nil {
		tx.rollback()
		return errors.Wrap(err, "format")
	}
	return nil
}

func sortedUnique(ids []uint64) []uint64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
