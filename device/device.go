// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package device reads and writes fixed-size blocks of a backing file or
// device node.
//
// Every access is a single bounded positioned read or write. Nothing is
// retried and nothing is synced implicitly; ordering and durability are the
// caller's concern.
package device

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/superblock"
)

// DefaultBlockSize bootstraps the first reads before the superblock
// declares the real node size.
const DefaultBlockSize = 16 * 1024

type File = btrfs.File

// Device addresses a File as an array of blocks.
type Device struct {
	file      File
	size      int64
	blockSize int
	readOnly  bool

	pool sync.Pool
}

// Open opens the file or device node at path.
func Open(path string, readOnly bool) (*Device, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, btrfs.IOError(err, "open %s", path)
	}
	// Stat reports zero for device nodes; seeking to the end works for both.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errors.Mark(errors.Wrapf(err, "size of %s", path), btrfs.ErrNotABlockDevice)
	}
	dev := New(f, size)
	dev.readOnly = readOnly
	return dev, nil
}

// New wraps file, whose current size is size bytes.
func New(file File, size int64) *Device {
	dev := &Device{file: file, size: size}
	dev.setBlockSize(DefaultBlockSize)
	return dev
}

// BlockSize returns the current block size.
func (dev *Device) BlockSize() int {
	return dev.blockSize
}

// SetBlockSize changes the block size, which must be a power of two.
// It is not safe to call while other goroutines use the device.
func (dev *Device) SetBlockSize(size int) error {
	if size < superblock.Size || size&(size-1) != 0 {
		return errors.Wrapf(btrfs.ErrInvalidFilesystem, "block size %d", size)
	}
	dev.setBlockSize(size)
	return nil
}

func (dev *Device) setBlockSize(size int) {
	dev.blockSize = size
	dev.pool.New = func() any { return make([]byte, size) }
}

// Size returns the device size in bytes as known to the adapter.
func (dev *Device) Size() int64 {
	return dev.size
}

// ReadOnly reports whether the device rejects writes.
func (dev *Device) ReadOnly() bool {
	return dev.readOnly
}

// SetReadOnly makes every later write fail with btrfs.ErrReadOnly.
func (dev *Device) SetReadOnly(readOnly bool) {
	dev.readOnly = readOnly
}

// AllocateBuffer returns a block-sized buffer.
func (dev *Device) AllocateBuffer() []byte {
	if buffer := dev.pool.Get().([]byte); len(buffer) == dev.blockSize {
		return buffer
	}
	return make([]byte, dev.blockSize)
}

// RecycleBuffer returns a buffer obtained from AllocateBuffer or ReadBlock.
func (dev *Device) RecycleBuffer(buffer []byte) {
	if len(buffer) == dev.blockSize {
		dev.pool.Put(buffer)
	}
}

// ReadBlock reads block n in full. It never returns a partial block.
func (dev *Device) ReadBlock(n uint64) (buffer []byte, err error) {
	buffer = dev.AllocateBuffer()
	if err = dev.readAt(buffer, int64(n)*int64(dev.blockSize)); err != nil {
		dev.RecycleBuffer(buffer)
		return nil, errors.Wrapf(err, "read block %d", n)
	}
	return
}

// WriteBlock writes data, which must be exactly one block, as block n.
func (dev *Device) WriteBlock(n uint64, data []byte) error {
	if len(data) != dev.blockSize {
		return errors.Mark(errors.Newf("write block %d: %d bytes, block size is %d", n, len(data), dev.blockSize), btrfs.ErrIO)
	}
	if err := dev.writeAt(data, int64(n)*int64(dev.blockSize)); err != nil {
		return errors.Wrapf(err, "write block %d", n)
	}
	return nil
}

// ReadSuperblock reads the primary superblock record.
func (dev *Device) ReadSuperblock() ([]byte, error) {
	buf := make([]byte, superblock.Size)
	if err := dev.readAt(buf, superblock.Offset); err != nil {
		return nil, errors.Wrap(err, "read superblock")
	}
	return buf, nil
}

// WriteSuperblock writes the primary superblock record.
func (dev *Device) WriteSuperblock(buf []byte) error {
	if len(buf) != superblock.Size {
		return errors.Mark(errors.Newf("write superblock: %d bytes", len(buf)), btrfs.ErrIO)
	}
	return errors.Wrap(dev.writeAt(buf, superblock.Offset), "write superblock")
}

// Sync flushes the backing file.
func (dev *Device) Sync() error {
	if err := dev.file.Sync(); err != nil {
		return btrfs.IOError(err, "sync")
	}
	return nil
}

// Close closes the backing file.
func (dev *Device) Close() error {
	if err := dev.file.Close(); err != nil {
		return btrfs.IOError(err, "close")
	}
	return nil
}

func (dev *Device) readAt(buf []byte, off int64) error {
	if off < 0 {
		return errors.Mark(errors.Newf("negative offset %d", off), btrfs.ErrIO)
	}
	n, err := dev.file.ReadAt(buf, off)
	if n == len(buf) {
		// io.ReaderAt may report io.EOF alongside a full read at the end
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return btrfs.IOError(err, "short read at %#x: %d of %d bytes", off, n, len(buf))
}

func (dev *Device) writeAt(buf []byte, off int64) error {
	if dev.readOnly {
		return errors.Wrapf(btrfs.ErrReadOnly, "write at %#x", off)
	}
	if off < 0 {
		return errors.Mark(errors.Newf("negative offset %d", off), btrfs.ErrIO)
	}
	n, err := dev.file.WriteAt(buf, off)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return btrfs.IOError(err, "write at %#x: %d of %d bytes", off, n, len(buf))
	}
	if end := off + int64(n); end > dev.size {
		dev.size = end
	}
	return nil
}
