// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package bin provides bounds-checked little-endian cursors over fixed
// byte layouts. A cursor latches the first out-of-range access as
// btrfs.ErrTruncatedBuffer; every later access is a no-op returning zero
// values, so a decoder checks Err once after reading all of its fields.
package bin

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
)

type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.off < 0 || c.off+n > len(c.buf) {
		c.err = errors.Wrapf(btrfs.ErrTruncatedBuffer, "%d bytes at offset %#x, buffer is %d", n, c.off, len(c.buf))
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

// Seek moves the cursor to the absolute offset off.
func (c *cursor) Seek(off int) { c.off = off }

// Skip advances the cursor by n bytes.
func (c *cursor) Skip(n int) { c.take(n) }

// Offset returns the current position.
func (c *cursor) Offset() int { return c.off }

// Len returns the size of the underlying buffer.
func (c *cursor) Len() int { return len(c.buf) }

// Err returns the first bounds violation, if any.
func (c *cursor) Err() error { return c.err }

// Reader decodes fields from a buffer.
type Reader struct{ cursor }

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{cursor{buf: buf}}
}

func (r *Reader) U8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *Reader) U16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *Reader) U32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *Reader) U64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// Copy fills dst from the buffer.
func (r *Reader) Copy(dst []byte) {
	if b := r.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

// Slice returns the next n bytes without copying.
func (r *Reader) Slice(n int) []byte {
	return r.take(n)
}

// Key decodes an on-disk key: objectid, type, offset.
func (r *Reader) Key() (key btrfs.Key) {
	key.ObjectID = r.U64()
	key.Type = btrfs.ItemType(r.U8())
	key.Offset = r.U64()
	return
}

// Writer encodes fields into a buffer.
type Writer struct{ cursor }

// NewWriter returns a Writer positioned at the start of buf.
func NewWriter(buf []byte) *Writer {
	return &Writer{cursor{buf: buf}}
}

func (w *Writer) U8(v uint8) {
	if b := w.take(1); b != nil {
		b[0] = v
	}
}

func (w *Writer) U16(v uint16) {
	if b := w.take(2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
	}
}

func (w *Writer) U32(v uint32) {
	if b := w.take(4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}

func (w *Writer) U64(v uint64) {
	if b := w.take(8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
}

// Copy writes src at the cursor.
func (w *Writer) Copy(src []byte) {
	if b := w.take(len(src)); b != nil {
		copy(b, src)
	}
}

// Key encodes an on-disk key.
func (w *Writer) Key(key btrfs.Key) {
	w.U64(key.ObjectID)
	w.U8(uint8(key.Type))
	w.U64(key.Offset)
}
