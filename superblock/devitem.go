// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package superblock

import (
	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/internal/bin"
)

// DevItem describes one device of the filesystem. The superblock embeds the
// descriptor of the device it was read from; DEV_ITEM items share the layout.
type DevItem struct {
	DevID       uint64
	TotalBytes  uint64
	BytesUsed   uint64
	IOAlign     uint32
	IOWidth     uint32
	SectorSize  uint32
	Type        uint64
	Generation  uint64
	StartOffset uint64
	DevGroup    uint32
	SeekSpeed   uint8
	Bandwidth   uint8
	UUID        UUID
	FSID        UUID
}

// ParseDevItem decodes a device descriptor from the start of buf.
func ParseDevItem(buf []byte) (*DevItem, error) {
	if len(buf) < DevItemSize {
		return nil, errors.Wrapf(btrfs.ErrTruncatedBuffer, "dev item needs %d bytes, got %d", DevItemSize, len(buf))
	}
	r := bin.NewReader(buf)
	dev := new(DevItem)
	dev.DevID = r.U64()
	dev.TotalBytes = r.U64()
	dev.BytesUsed = r.U64()
	dev.IOAlign = r.U32()
	dev.IOWidth = r.U32()
	dev.SectorSize = r.U32()
	dev.Type = r.U64()
	dev.Generation = r.U64()
	dev.StartOffset = r.U64()
	dev.DevGroup = r.U32()
	dev.SeekSpeed = r.U8()
	dev.Bandwidth = r.U8()
	r.Copy(dev.UUID[:])
	r.Copy(dev.FSID[:])
	return dev, r.Err()
}

// Encode returns the DevItemSize bytes of dev, as stored in a DEV_ITEM.
func (dev *DevItem) Encode() []byte {
	buf := make([]byte, DevItemSize)
	w := bin.NewWriter(buf)
	dev.encode(w)
	if err := w.Err(); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "encode dev item"))
	}
	return buf
}

func (dev *DevItem) encode(w *bin.Writer) {
	w.U64(dev.DevID)
	w.U64(dev.TotalBytes)
	w.U64(dev.BytesUsed)
	w.U32(dev.IOAlign)
	w.U32(dev.IOWidth)
	w.U32(dev.SectorSize)
	w.U64(dev.Type)
	w.U64(dev.Generation)
	w.U64(dev.StartOffset)
	w.U32(dev.DevGroup)
	w.U8(dev.SeekSpeed)
	w.U8(dev.Bandwidth)
	w.Copy(dev.UUID[:])
	w.Copy(dev.FSID[:])
}

// RootBackup is one slot of the superblock's rotating tree root backups.
type RootBackup struct {
	TreeRoot      uint64
	TreeRootGen   uint64
	ChunkRoot     uint64
	ChunkRootGen  uint64
	ExtentRoot    uint64
	ExtentRootGen uint64
	FSRoot        uint64
	FSRootGen     uint64
	DevRoot       uint64
	DevRootGen    uint64
	CsumRoot      uint64
	CsumRootGen   uint64
	TotalBytes    uint64
	BytesUsed     uint64
	NumDevices    uint64
	Unused64      [4]uint64

	TreeRootLevel   uint8
	ChunkRootLevel  uint8
	ExtentRootLevel uint8
	FSRootLevel     uint8
	DevRootLevel    uint8
	CsumRootLevel   uint8
	Unused8         [10]byte
}

func (b *RootBackup) decode(r *bin.Reader) {
	for _, p := range []*uint64{
		&b.TreeRoot, &b.TreeRootGen, &b.ChunkRoot, &b.ChunkRootGen,
		&b.ExtentRoot, &b.ExtentRootGen, &b.FSRoot, &b.FSRootGen,
		&b.DevRoot, &b.DevRootGen, &b.CsumRoot, &b.CsumRootGen,
		&b.TotalBytes, &b.BytesUsed, &b.NumDevices,
		&b.Unused64[0], &b.Unused64[1], &b.Unused64[2], &b.Unused64[3],
	} {
		*p = r.U64()
	}
	for _, p := range []*uint8{
		&b.TreeRootLevel, &b.ChunkRootLevel, &b.ExtentRootLevel,
		&b.FSRootLevel, &b.DevRootLevel, &b.CsumRootLevel,
	} {
		*p = r.U8()
	}
	r.Copy(b.Unused8[:])
}

func (b *RootBackup) encode(w *bin.Writer) {
	for _, v := range []uint64{
		b.TreeRoot, b.TreeRootGen, b.ChunkRoot, b.ChunkRootGen,
		b.ExtentRoot, b.ExtentRootGen, b.FSRoot, b.FSRootGen,
		b.DevRoot, b.DevRootGen, b.CsumRoot, b.CsumRootGen,
		b.TotalBytes, b.BytesUsed, b.NumDevices,
		b.Unused64[0], b.Unused64[1], b.Unused64[2], b.Unused64[3],
	} {
		w.U64(v)
	}
	for _, v := range []uint8{
		b.TreeRootLevel, b.ChunkRootLevel, b.ExtentRootLevel,
		b.FSRootLevel, b.DevRootLevel, b.CsumRootLevel,
	} {
		w.U8(v)
	}
	w.Copy(b.Unused8[:])
}
