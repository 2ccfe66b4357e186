// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package chunk decodes chunk items and maps logical tree addresses to
// physical device offsets.
//
// Only the first stripe of a chunk is consulted: mirrored profiles keep an
// identical copy there, and striped profiles are not handled by the engine.
package chunk

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/internal/bin"
)

const (
	HeadSize   = 48 // fixed part of a chunk item
	StripeSize = 32
)

// Block group flags of Chunk.Type.
const (
	TypeData     uint64 = 1 << 0
	TypeSystem   uint64 = 1 << 1
	TypeMetadata uint64 = 1 << 2
)

// Stripe places a chunk on one device.
type Stripe struct {
	DevID   uint64
	Offset  uint64
	DevUUID [16]byte
}

// Chunk is a CHUNK_ITEM: a logical range of Length bytes and where it lives.
// Its logical start is the Offset of the item's key.
type Chunk struct {
	Length     uint64
	Owner      uint64
	StripeLen  uint64
	Type       uint64
	IOAlign    uint32
	IOWidth    uint32
	SectorSize uint32
	SubStripes uint16
	Stripes    []Stripe
}

// Size returns the encoded size of the chunk item.
func (chunk *Chunk) Size() int {
	return HeadSize + StripeSize*len(chunk.Stripes)
}

// Decode reads a chunk item from the start of buf and reports how many
// bytes it occupied.
func Decode(buf []byte) (*Chunk, int, error) {
	r := bin.NewReader(buf)
	chunk := new(Chunk)
	chunk.Length = r.U64()
	chunk.Owner = r.U64()
	chunk.StripeLen = r.U64()
	chunk.Type = r.U64()
	chunk.IOAlign = r.U32()
	chunk.IOWidth = r.U32()
	chunk.SectorSize = r.U32()
	numStripes := r.U16()
	chunk.SubStripes = r.U16()
	if err := r.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "chunk item")
	}
	if numStripes == 0 {
		return nil, 0, errors.Wrap(btrfs.ErrCorruptNode, "chunk item without stripes")
	}
	chunk.Stripes = make([]Stripe, numStripes)
	for i := range chunk.Stripes {
		chunk.Stripes[i].DevID = r.U64()
		chunk.Stripes[i].Offset = r.U64()
		r.Copy(chunk.Stripes[i].DevUUID[:])
	}
	if err := r.Err(); err != nil {
		return nil, 0, errors.Wrapf(err, "chunk item with %d stripes", numStripes)
	}
	return chunk, r.Offset(), nil
}

// Encode returns the on-disk form of the chunk item.
func (chunk *Chunk) Encode() []byte {
	buf := make([]byte, chunk.Size())
	w := bin.NewWriter(buf)
	w.U64(chunk.Length)
	w.U64(chunk.Owner)
	w.U64(chunk.StripeLen)
	w.U64(chunk.Type)
	w.U32(chunk.IOAlign)
	w.U32(chunk.IOWidth)
	w.U32(chunk.SectorSize)
	w.U16(uint16(len(chunk.Stripes)))
	w.U16(chunk.SubStripes)
	for _, stripe := range chunk.Stripes {
		w.U64(stripe.DevID)
		w.U64(stripe.Offset)
		w.Copy(stripe.DevUUID[:])
	}
	if err := w.Err(); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encode chunk"))
	}
	return buf
}

type mapping struct {
	logical uint64
	chunk   *Chunk
}

// Map resolves logical addresses through the chunks it knows.
// The zero value is an empty map. Map is not safe for concurrent mutation.
type Map struct {
	chunks []mapping // sorted by logical
}

// Insert records chunk as covering [logical, logical+chunk.Length).
// A chunk at the same logical start is replaced.
func (m *Map) Insert(logical uint64, chunk *Chunk) {
	i, found := slices.BinarySearchFunc(m.chunks, logical, func(e mapping, logical uint64) int {
		switch {
		case e.logical < logical:
			return -1
		case e.logical > logical:
			return 1
		}
		return 0
	})
	if found {
		m.chunks[i].chunk = chunk
		return
	}
	m.chunks = slices.Insert(m.chunks, i, mapping{logical, chunk})
}

// Remove forgets the chunk starting at logical.
func (m *Map) Remove(logical uint64) bool {
	i, found := slices.BinarySearchFunc(m.chunks, logical, func(e mapping, logical uint64) int {
		switch {
		case e.logical < logical:
			return -1
		case e.logical > logical:
			return 1
		}
		return 0
	})
	if found {
		m.chunks = slices.Delete(m.chunks, i, i+1)
	}
	return found
}

// Len returns the number of known chunks.
func (m *Map) Len() int {
	return len(m.chunks)
}

// Physical translates a logical address. ok is false when no chunk covers it.
func (m *Map) Physical(logical uint64) (physical uint64, ok bool) {
	// first chunk starting after logical
	i, _ := slices.BinarySearchFunc(m.chunks, logical+1, func(e mapping, target uint64) int {
		if e.logical < target {
			return -1
		}
		return 1
	})
	if i == 0 {
		return 0, false
	}
	e := m.chunks[i-1]
	if logical-e.logical >= e.chunk.Length {
		return 0, false
	}
	return e.chunk.Stripes[0].Offset + (logical - e.logical), true
}
