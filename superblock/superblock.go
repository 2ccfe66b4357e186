// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package superblock decodes, verifies and encodes the filesystem's
// bootstrap record.
//
// The record is 4096 bytes, little endian, at a fixed device offset:
//
//	0x000 csum[32]  0x020 fsid[16]  0x030 bytenr  0x038 flags  0x040 magic
//	0x048 generation  0x050 root  0x058 chunk_root  0x060 log_root
//	0x068 log_root_transid  0x070 total_bytes  0x078 bytes_used
//	0x080 root_dir_objectid  0x088 num_devices  0x090 sectorsize u32
//	0x094 nodesize u32  0x098 leafsize u32  0x09c stripesize u32
//	0x0a0 sys_chunk_array_size u32  0x0a4 chunk_root_generation
//	0x0ac compat_flags  0x0b4 compat_ro_flags  0x0bc incompat_flags
//	0x0c4 csum_type u16  0x0c6 root_level  0x0c7 chunk_root_level
//	0x0c8 log_root_level  0x0c9 dev_item[98]  0x12b label[256]
//	0x22b cache_generation  0x233 uuid_tree_generation
//	0x23b metadata_uuid[16]  0x24b nr_global_roots  0x253 reserved[216]
//	0x32b sys_chunk_array[2048]  0xb2b super_roots[4*168]  0xdcb padding
package superblock

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/chunk"
	"github.com/dacapoday/btrfs/csum"
	"github.com/dacapoday/btrfs/internal/bin"
)

const (
	Size   = 4096
	Offset = 0x10000 // primary copy

	Magic = "_BHRfS_M"

	LabelSize        = 256
	SysChunkArrayMax = 2048
	NumBackupRoots   = 4
	RootBackupSize   = 168
	DevItemSize      = 98

	csumEnd         = 0x20
	devItemOffset   = 0xc9
	sysChunkOffset  = 0x32b
	superRootOffset = 0xb2b
	paddingOffset   = 0xdcb
)

// IncompatMetadataUUID marks a filesystem whose metadata blocks are stamped
// with MetadataUUID instead of FSID.
const IncompatMetadataUUID = 1 << 10

type UUID [16]byte

// Superblock is the decoded bootstrap record. Every byte of the record is
// represented, so Encode reproduces an unmodified record exactly.
type Superblock struct {
	Csum       csum.Sum
	FSID       UUID
	Bytenr     uint64
	Flags      uint64
	Magic      [8]byte
	Generation uint64

	Root           uint64
	ChunkRoot      uint64
	LogRoot        uint64
	LogRootTransid uint64

	TotalBytes      uint64
	BytesUsed       uint64
	RootDirObjectID uint64
	NumDevices      uint64

	SectorSize        uint32
	NodeSize          uint32
	LeafSize          uint32
	StripeSize        uint32
	SysChunkArraySize uint32

	ChunkRootGeneration uint64
	CompatFlags         uint64
	CompatROFlags       uint64
	IncompatFlags       uint64

	CsumType       csum.Type
	RootLevel      uint8
	ChunkRootLevel uint8
	LogRootLevel   uint8

	DevItem DevItem
	Label   [LabelSize]byte

	CacheGeneration    uint64
	UUIDTreeGeneration uint64
	MetadataUUID       UUID
	NrGlobalRoots      uint64
	Reserved           [sysChunkOffset - 0x253]byte

	SysChunkArray [SysChunkArrayMax]byte
	SuperRoots    [NumBackupRoots]RootBackup
	Padding       [Size - paddingOffset]byte
}

// Parse decodes a superblock from the first Size bytes of buf.
// It does not verify it; see Check.
func Parse(buf []byte) (*Superblock, error) {
	if len(buf) < Size {
		return nil, errors.Wrapf(btrfs.ErrTruncatedBuffer, "superblock needs %d bytes, got %d", Size, len(buf))
	}
	r := bin.NewReader(buf[:Size])
	sb := new(Superblock)
	r.Copy(sb.Csum[:])
	r.Copy(sb.FSID[:])
	sb.Bytenr = r.U64()
	sb.Flags = r.U64()
	r.Copy(sb.Magic[:])
	sb.Generation = r.U64()
	sb.Root = r.U64()
	sb.ChunkRoot = r.U64()
	sb.LogRoot = r.U64()
	sb.LogRootTransid = r.U64()
	sb.TotalBytes = r.U64()
	sb.BytesUsed = r.U64()
	sb.RootDirObjectID = r.U64()
	sb.NumDevices = r.U64()
	sb.SectorSize = r.U32()
	sb.NodeSize = r.U32()
	sb.LeafSize = r.U32()
	sb.StripeSize = r.U32()
	sb.SysChunkArraySize = r.U32()
	sb.ChunkRootGeneration = r.U64()
	sb.CompatFlags = r.U64()
	sb.CompatROFlags = r.U64()
	sb.IncompatFlags = r.U64()
	sb.CsumType = csum.Type(r.U16())
	sb.RootLevel = r.U8()
	sb.ChunkRootLevel = r.U8()
	sb.LogRootLevel = r.U8()
	dev, err := ParseDevItem(r.Slice(DevItemSize))
	if err != nil {
		return nil, err
	}
	sb.DevItem = *dev
	r.Copy(sb.Label[:])
	sb.CacheGeneration = r.U64()
	sb.UUIDTreeGeneration = r.U64()
	r.Copy(sb.MetadataUUID[:])
	sb.NrGlobalRoots = r.U64()
	r.Copy(sb.Reserved[:])
	r.Copy(sb.SysChunkArray[:])
	for i := range sb.SuperRoots {
		sb.SuperRoots[i].decode(r)
	}
	r.Copy(sb.Padding[:])
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(err, "superblock")
	}
	return sb, nil
}

func (sb *Superblock) encode(buf []byte) {
	w := bin.NewWriter(buf)
	w.Copy(sb.Csum[:])
	w.Copy(sb.FSID[:])
	w.U64(sb.Bytenr)
	w.U64(sb.Flags)
	w.Copy(sb.Magic[:])
	w.U64(sb.Generation)
	w.U64(sb.Root)
	w.U64(sb.ChunkRoot)
	w.U64(sb.LogRoot)
	w.U64(sb.LogRootTransid)
	w.U64(sb.TotalBytes)
	w.U64(sb.BytesUsed)
	w.U64(sb.RootDirObjectID)
	w.U64(sb.NumDevices)
	w.U32(sb.SectorSize)
	w.U32(sb.NodeSize)
	w.U32(sb.LeafSize)
	w.U32(sb.StripeSize)
	w.U32(sb.SysChunkArraySize)
	w.U64(sb.ChunkRootGeneration)
	w.U64(sb.CompatFlags)
	w.U64(sb.CompatROFlags)
	w.U64(sb.IncompatFlags)
	w.U16(uint16(sb.CsumType))
	w.U8(sb.RootLevel)
	w.U8(sb.ChunkRootLevel)
	w.U8(sb.LogRootLevel)
	sb.DevItem.encode(w)
	w.Copy(sb.Label[:])
	w.U64(sb.CacheGeneration)
	w.U64(sb.UUIDTreeGeneration)
	w.Copy(sb.MetadataUUID[:])
	w.U64(sb.NrGlobalRoots)
	w.Copy(sb.Reserved[:])
	w.Copy(sb.SysChunkArray[:])
	for i := range sb.SuperRoots {
		sb.SuperRoots[i].encode(w)
	}
	w.Copy(sb.Padding[:])
	if err := w.Err(); err != nil || w.Offset() != Size {
		panic(errors.AssertionFailedf("superblock encoded to %d bytes: %v", w.Offset(), err))
	}
}

// Encode recomputes the checksum, stores it in sb.Csum, and returns the
// Size-byte on-disk record.
func (sb *Superblock) Encode() ([]byte, error) {
	buf := make([]byte, Size)
	sb.encode(buf)
	sum, err := sb.CsumType.Compute(buf[csumEnd:])
	if err != nil {
		return nil, errors.Wrap(err, "superblock")
	}
	sb.Csum = sum
	copy(buf, sum[:])
	return buf, nil
}

// Check validates, in order, the magic, the power-of-two geometry, the
// device descriptor's fsid, and the checksum. It returns an error marked
// btrfs.ErrInvalidFilesystem, or btrfs.ErrChecksumMismatch for the last one.
func (sb *Superblock) Check() error {
	if string(sb.Magic[:]) != Magic {
		return errors.Wrapf(btrfs.ErrInvalidFilesystem, "bad magic %q", sb.Magic[:])
	}
	if !isPowerOfTwo(sb.SectorSize) {
		return errors.Wrapf(btrfs.ErrInvalidFilesystem, "sectorsize %d is not a power of two", sb.SectorSize)
	}
	if !isPowerOfTwo(sb.NodeSize) {
		return errors.Wrapf(btrfs.ErrInvalidFilesystem, "nodesize %d is not a power of two", sb.NodeSize)
	}
	if fsid := sb.MetadataFSID(); sb.DevItem.FSID != fsid {
		return errors.Wrapf(btrfs.ErrInvalidFilesystem, "device fsid %x does not match %x", sb.DevItem.FSID, fsid)
	}
	buf := make([]byte, Size)
	sb.encode(buf)
	if !sb.CsumType.Valid() {
		return errors.Wrapf(btrfs.ErrChecksumMismatch, "unsupported checksum type %d", uint16(sb.CsumType))
	}
	if !sb.CsumType.Verify(sb.Csum, buf[csumEnd:]) {
		return errors.Wrapf(btrfs.ErrChecksumMismatch, "superblock %s", sb.CsumType)
	}
	return nil
}

// Verify reports whether Check passes. The caller must refuse to mount
// when it does not.
func (sb *Superblock) Verify() bool {
	return sb.Check() == nil
}

// MetadataFSID returns the id stamped into metadata block headers.
func (sb *Superblock) MetadataFSID() UUID {
	if sb.IncompatFlags&IncompatMetadataUUID != 0 {
		return sb.MetadataUUID
	}
	return sb.FSID
}

// GetLabel returns the label up to its first NUL.
func (sb *Superblock) GetLabel() string {
	label := sb.Label[:]
	if i := bytes.IndexByte(label, 0); i >= 0 {
		label = label[:i]
	}
	return string(label)
}

// SetLabel stores label, truncated to leave room for a terminating NUL.
func (sb *Superblock) SetLabel(label string) {
	clear(sb.Label[:])
	copy(sb.Label[:LabelSize-1], label)
}

// SysChunk is one entry of the bootstrap chunk array.
type SysChunk struct {
	Key   btrfs.Key
	Chunk *chunk.Chunk
}

// SysChunks decodes the bootstrap chunk array.
func (sb *Superblock) SysChunks() ([]SysChunk, error) {
	if sb.SysChunkArraySize > SysChunkArrayMax {
		return nil, errors.Wrapf(btrfs.ErrInvalidFilesystem, "sys_chunk_array_size %d", sb.SysChunkArraySize)
	}
	array := sb.SysChunkArray[:sb.SysChunkArraySize]
	var chunks []SysChunk
	for len(array) > 0 {
		r := bin.NewReader(array)
		key := r.Key()
		if err := r.Err(); err != nil {
			return nil, errors.Wrap(err, "sys chunk key")
		}
		if key.Type != btrfs.ChunkItem {
			return nil, errors.Wrapf(btrfs.ErrInvalidFilesystem, "sys chunk array holds %s", key)
		}
		c, n, err := chunk.Decode(array[btrfs.KeySize:])
		if err != nil {
			return nil, errors.Wrapf(err, "sys chunk %s", key)
		}
		chunks = append(chunks, SysChunk{key, c})
		array = array[btrfs.KeySize+n:]
	}
	return chunks, nil
}

// AddSysChunk appends a chunk at logical address logical to the bootstrap array.
func (sb *Superblock) AddSysChunk(logical uint64, c *chunk.Chunk) error {
	size := btrfs.KeySize + c.Size()
	used := int(sb.SysChunkArraySize)
	if used+size > SysChunkArrayMax {
		return errors.Wrapf(btrfs.ErrBlockOverflow, "sys chunk array has %d of %d bytes used", used, SysChunkArrayMax)
	}
	w := bin.NewWriter(sb.SysChunkArray[used:])
	w.Key(btrfs.Key{ObjectID: btrfs.FirstChunkTreeObjectID, Type: btrfs.ChunkItem, Offset: logical})
	w.Copy(c.Encode())
	if err := w.Err(); err != nil {
		return err
	}
	sb.SysChunkArraySize += uint32(size)
	return nil
}

// Config describes a fresh single-device filesystem.
type Config struct {
	FSID       UUID
	DevUUID    UUID
	Label      string
	NodeSize   uint32
	SectorSize uint32
	TotalBytes uint64
	CsumType   csum.Type
}

// New returns an unwritten superblock for cfg with no tree roots set.
func New(cfg Config) *Superblock {
	sb := &Superblock{
		FSID:            cfg.FSID,
		Bytenr:          Offset,
		TotalBytes:      cfg.TotalBytes,
		RootDirObjectID: btrfs.RootTreeDirObjectID,
		NumDevices:      1,
		SectorSize:      cfg.SectorSize,
		NodeSize:        cfg.NodeSize,
		LeafSize:        cfg.NodeSize,
		StripeSize:      cfg.SectorSize,
		CsumType:        cfg.CsumType,
		DevItem: DevItem{
			DevID:      1,
			TotalBytes: cfg.TotalBytes,
			IOAlign:    cfg.SectorSize,
			IOWidth:    cfg.SectorSize,
			SectorSize: cfg.SectorSize,
			UUID:       cfg.DevUUID,
			FSID:       cfg.FSID,
		},
	}
	copy(sb.Magic[:], Magic)
	sb.SetLabel(cfg.Label)
	return sb
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
