// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/csum"
	"github.com/dacapoday/btrfs/internal/bin"
)

// csumEnd is where the checksummed region of a block begins.
const csumEnd = csum.Size

// Codec converts between nodes and blocks of one filesystem.
type Codec struct {
	BlockSize int
	CsumType  csum.Type
}

// Decode parses and validates a block. The result does not alias buf.
func (c Codec) Decode(buf []byte) (*Node, error) {
	if len(buf) < c.BlockSize || c.BlockSize < HeaderSize {
		return nil, errors.Wrapf(btrfs.ErrTruncatedBuffer, "node needs %d bytes, got %d", c.BlockSize, len(buf))
	}
	buf = buf[:c.BlockSize]

	n := new(Node)
	r := bin.NewReader(buf)
	n.Header.decode(r)
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "node header")
	}
	if !c.CsumType.Verify(n.Csum, buf[csumEnd:]) {
		return nil, errors.Wrapf(btrfs.ErrChecksumMismatch, "node %d %s", n.Bytenr, c.CsumType)
	}

	nr := int(n.NrItems)
	if n.IsLeaf() {
		if nr > Capacity(c.BlockSize)/ItemSize {
			return nil, errors.Wrapf(btrfs.ErrCorruptNode, "node %d: leaf with %d items", n.Bytenr, nr)
		}
		itemsEnd := HeaderSize + nr*ItemSize
		n.Items = make([]Item, nr)
		for i := range n.Items {
			key := r.Key()
			off, size := int(r.U32()), int(r.U32())
			start := HeaderSize + off
			if off+size > Capacity(c.BlockSize) || (size > 0 && start < itemsEnd) {
				return nil, errors.Wrapf(btrfs.ErrCorruptNode, "node %d: item %d data [%d,%d) out of range", n.Bytenr, i, off, off+size)
			}
			n.Items[i] = Item{Key: key, Data: append(make([]byte, 0, size), buf[start:start+size]...)}
		}
	} else {
		if nr == 0 || nr > Capacity(c.BlockSize)/KeyPtrSize {
			return nil, errors.Wrapf(btrfs.ErrCorruptNode, "node %d: level %d with %d pointers", n.Bytenr, n.Level, nr)
		}
		n.Ptrs = make([]KeyPtr, nr)
		for i := range n.Ptrs {
			n.Ptrs[i] = KeyPtr{Key: r.Key(), BlockPtr: r.U64(), Generation: r.U64()}
		}
	}
	if err := r.Err(); err != nil {
		return nil, errors.Wrapf(err, "node %d", n.Bytenr)
	}
	if err := n.checkOrder(); err != nil {
		return nil, err
	}
	return n, nil
}

// Encode serializes n into a new block.
func (c Codec) Encode(n *Node) ([]byte, error) {
	buf := make([]byte, c.BlockSize)
	if err := c.EncodeTo(n, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeTo serializes n into buf, which must be exactly one block. The
// header's item count and checksum are taken from the content; n itself is
// not modified.
func (c Codec) EncodeTo(n *Node, buf []byte) error {
	if len(buf) != c.BlockSize {
		return errors.Wrapf(btrfs.ErrTruncatedBuffer, "node needs %d bytes, got %d", c.BlockSize, len(buf))
	}
	if n.IsLeaf() && len(n.Ptrs) > 0 || !n.IsLeaf() && (len(n.Items) > 0 || len(n.Ptrs) == 0) {
		return errors.Wrapf(btrfs.ErrCorruptNode, "level %d node with %d items and %d pointers", n.Level, len(n.Items), len(n.Ptrs))
	}
	if size := n.Size(); size > c.BlockSize {
		return errors.Wrapf(btrfs.ErrBlockOverflow, "node needs %d of %d bytes", size, c.BlockSize)
	}
	if err := n.checkOrder(); err != nil {
		return err
	}
	clear(buf)

	h := n.Header
	h.NrItems = uint32(n.Len())
	w := bin.NewWriter(buf)
	h.encode(w)
	if n.IsLeaf() {
		end := Capacity(c.BlockSize)
		for _, item := range n.Items {
			end -= len(item.Data)
			copy(buf[HeaderSize+end:], item.Data)
			w.Key(item.Key)
			w.U32(uint32(end))
			w.U32(uint32(len(item.Data)))
		}
	} else {
		for _, ptr := range n.Ptrs {
			w.Key(ptr.Key)
			w.U64(ptr.BlockPtr)
			w.U64(ptr.Generation)
		}
	}
	if err := w.Err(); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "node encode"))
	}

	sum, err := c.CsumType.Compute(buf[csumEnd:])
	if err != nil {
		return err
	}
	copy(buf, sum[:])
	return nil
}

func (n *Node) checkOrder() error {
	for i := 1; i < n.Len(); i++ {
		if n.Key(i-1).Compare(n.Key(i)) >= 0 {
			return errors.Wrapf(btrfs.ErrCorruptNode, "node %d: key %d %s not above %s", n.Bytenr, i, n.Key(i), n.Key(i-1))
		}
	}
	return nil
}

func (h *Header) decode(r *bin.Reader) {
	r.Copy(h.Csum[:])
	r.Copy(h.FSID[:])
	h.Bytenr = r.U64()
	h.Flags = r.U64()
	r.Copy(h.ChunkTreeUUID[:])
	h.Generation = r.U64()
	h.Owner = r.U64()
	h.NrItems = r.U32()
	h.Level = r.U8()
}

func (h *Header) encode(w *bin.Writer) {
	w.Skip(csum.Size)
	w.Copy(h.FSID[:])
	w.U64(h.Bytenr)
	w.U64(h.Flags)
	w.Copy(h.ChunkTreeUUID[:])
	w.U64(h.Generation)
	w.U64(h.Owner)
	w.U32(h.NrItems)
	w.U8(h.Level)
}
