// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/chunk"
	"github.com/dacapoday/btrfs/device"
	"github.com/dacapoday/btrfs/internal/alloc"
	"github.com/dacapoday/btrfs/node"
	"github.com/dacapoday/btrfs/superblock"
)

var _ Allocator = (*alloc.Allocator)(nil)

// fsys is the state every tree of one filesystem shares. Mutations hold mu
// exclusively; lookups hold it shared.
type fsys struct {
	mu sync.RWMutex

	dev    *device.Device
	sb     *superblock.Superblock // last committed
	codec  node.Codec
	chunks chunk.Map
	alloc  Allocator
	log    *slog.Logger

	chunkTreeUUID [16]byte
	minFill       int
	readOnly      bool
	closed        bool
}

// Open opens the filesystem on the device or image at path and returns its
// tree of trees.
func Open(path string, opt Option) (*BTree, error) {
	if opt == nil {
		opt = Options{}
	}
	dev, err := device.Open(path, opt.ReadOnly())
	if err != nil {
		return nil, err
	}
	tree, err := load(dev, opt)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return tree, nil
}

// Load opens the filesystem stored in file, which is size bytes long, and
// returns its tree of trees. The tree takes ownership of file.
func Load(file btrfs.File, size int64, opt Option) (*BTree, error) {
	if opt == nil {
		opt = Options{}
	}
	dev := device.New(file, size)
	dev.SetReadOnly(opt.ReadOnly())
	return load(dev, opt)
}

func load(dev *device.Device, opt Option) (*BTree, error) {
	buf, err := dev.ReadSuperblock()
	if err != nil {
		return nil, err
	}
	sb, err := superblock.Parse(buf)
	if err != nil {
		return nil, err
	}
	if err = sb.Check(); err != nil {
		return nil, errors.Wrap(err, "refusing to mount")
	}
	if err = dev.SetBlockSize(int(sb.NodeSize)); err != nil {
		return nil, errors.Wrap(err, "nodesize")
	}

	fs := &fsys{
		dev:      dev,
		sb:       sb,
		codec:    node.Codec{BlockSize: int(sb.NodeSize), CsumType: sb.CsumType},
		log:      getLogger(opt),
		minFill:  getMinFill(opt),
		readOnly: opt.ReadOnly(),
	}
	if err = fs.loadChunks(); err != nil {
		return nil, err
	}

	if fs.alloc = getAllocator(opt); fs.alloc == nil {
		a := alloc.New(firstBlock(sb.NodeSize), sb.TotalBytes, int(sb.NodeSize))
		if err = fs.reserveUsed(a); err != nil {
			return nil, err
		}
		fs.alloc = a
	}

	fs.log.Info("opened filesystem",
		slog.String("label", sb.GetLabel()),
		slog.Uint64("generation", sb.Generation),
		slog.Uint64("nodesize", uint64(sb.NodeSize)),
		slog.Int("chunks", fs.chunks.Len()))
	return fs.tree(btrfs.RootTreeObjectID), nil
}

// firstBlock returns the lowest address a tree block may take: the first
// node boundary past the primary superblock.
func firstBlock(nodeSize uint32) uint64 {
	ns := uint64(nodeSize)
	return (superblock.Offset + superblock.Size + ns - 1) / ns * ns
}

// loadChunks builds the chunk map from the bootstrap array and then from
// the chunk tree, which the bootstrap array makes readable.
func (fs *fsys) loadChunks() error {
	sys, err := fs.sb.SysChunks()
	if err != nil {
		return err
	}
	for _, c := range sys {
		fs.chunks.Insert(c.Key.Offset, c.Chunk)
	}

	root, err := fs.readNode(fs.sb.ChunkRoot, int(fs.sb.ChunkRootLevel), fs.sb.ChunkRootGeneration)
	if err != nil {
		return errors.Wrap(err, "chunk root")
	}
	fs.chunkTreeUUID = root.ChunkTreeUUID

	return fs.walk(fs.sb.ChunkRoot, root, func(n *node.Node) error {
		for _, item := range n.Items {
			if item.Key.Type != btrfs.ChunkItem {
				continue
			}
			c, _, err := chunk.Decode(item.Data)
			if err != nil {
				return errors.Wrapf(err, "chunk item %s", item.Key)
			}
			fs.chunks.Insert(item.Key.Offset, c)
		}
		return nil
	})
}

// reserveUsed keeps a fresh allocator away from every block reachable
// from the superblock.
func (fs *fsys) reserveUsed(a *alloc.Allocator) error {
	reserve := func(n *node.Node) error {
		a.Reserve(n.Bytenr)
		return nil
	}
	if err := fs.walkRef(fs.chunkRoot(fs.sb), reserve); err != nil {
		return err
	}
	return fs.walkRef(fs.rootTreeRoot(fs.sb), func(n *node.Node) error {
		a.Reserve(n.Bytenr)
		for _, item := range n.Items {
			if item.Key.Type != btrfs.RootItem {
				continue
			}
			ri, err := ParseRootItem(item.Data)
			if err != nil {
				return errors.Wrapf(err, "root item %s", item.Key)
			}
			ref := rootRef{bytenr: ri.Bytenr, generation: ri.Generation, level: ri.Level}
			if err = fs.walkRef(ref, reserve); err != nil {
				return errors.Wrapf(err, "tree %d", item.Key.ObjectID)
			}
		}
		return nil
	})
}

func (fs *fsys) walkRef(ref rootRef, fn func(*node.Node) error) error {
	n, err := fs.readNode(ref.bytenr, int(ref.level), ref.generation)
	if err != nil {
		return err
	}
	return fs.walk(ref.bytenr, n, fn)
}

// walk visits n and every node below it, parents first.
func (fs *fsys) walk(bytenr uint64, n *node.Node, fn func(*node.Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, ptr := range n.Ptrs {
		child, err := fs.readNode(ptr.BlockPtr, int(n.Level)-1, ptr.Generation)
		if err != nil {
			return errors.Wrapf(err, "child of %d", bytenr)
		}
		if err = fs.walk(ptr.BlockPtr, child, fn); err != nil {
			return err
		}
	}
	return nil
}

// block maps a logical address to a device block index. Addresses no chunk
// covers map to themselves.
func (fs *fsys) block(bytenr uint64) (uint64, error) {
	physical, ok := fs.chunks.Physical(bytenr)
	if !ok {
		physical = bytenr
	}
	if physical%uint64(fs.codec.BlockSize) != 0 {
		return 0, errors.Wrapf(btrfs.ErrCorruptNode, "block %#x is not node aligned", bytenr)
	}
	return physical / uint64(fs.codec.BlockSize), nil
}

// readNode reads and checks the node at bytenr. A negative level or zero
// generation skips the corresponding check.
func (fs *fsys) readNode(bytenr uint64, level int, generation uint64) (*node.Node, error) {
	n, err := fs.readBlock(bytenr)
	if err == nil {
		switch {
		case n.Bytenr != bytenr:
			err = errors.Wrapf(btrfs.ErrCorruptNode, "block %d claims bytenr %d", bytenr, n.Bytenr)
		case n.FSID != fs.sb.MetadataFSID():
			err = errors.Wrapf(btrfs.ErrCorruptNode, "block %d belongs to fsid %x", bytenr, n.FSID)
		case level >= 0 && int(n.Level) != level:
			err = errors.Wrapf(btrfs.ErrCorruptNode, "block %d has level %d, want %d", bytenr, n.Level, level)
		case generation != 0 && n.Generation != generation:
			err = errors.Wrapf(btrfs.ErrCorruptNode, "block %d has generation %d, want %d", bytenr, n.Generation, generation)
		}
	}
	if err != nil {
		if errors.Is(err, btrfs.ErrChecksumMismatch) || errors.Is(err, btrfs.ErrCorruptNode) {
			fs.log.Warn("bad tree block", slog.Uint64("bytenr", bytenr), slog.Any("error", err))
		}
		return nil, err
	}
	return n, nil
}

func (fs *fsys) readBlock(bytenr uint64) (*node.Node, error) {
	index, err := fs.block(bytenr)
	if err != nil {
		return nil, err
	}
	buf, err := fs.dev.ReadBlock(index)
	if err != nil {
		return nil, errors.Wrapf(err, "tree block %d", bytenr)
	}
	defer fs.dev.RecycleBuffer(buf)
	n, err := fs.codec.Decode(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "tree block %d", bytenr)
	}
	return n, nil
}

func (fs *fsys) writable() error {
	if fs.closed {
		return btrfs.ErrClosed
	}
	if fs.readOnly {
		return btrfs.ErrReadOnly
	}
	return nil
}

func (fs *fsys) close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.closed {
		return btrfs.ErrClosed
	}
	fs.closed = true
	return fs.dev.Close()
}
