// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package csum implements the metadata checksum algorithms a superblock can
// declare in its csum_type field.
package csum

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"golang.org/x/crypto/blake2b"
)

// Size is the width of the on-disk checksum field. Shorter digests are
// stored in its leading bytes and the rest is zero.
const Size = 32

// Sum is an on-disk checksum field.
type Sum [Size]byte

// Type identifies a checksum algorithm.
type Type uint16

const (
	CRC32C Type = 0
	XXHash Type = 1
	SHA256 Type = 2
	Blake2 Type = 3
)

var castagnoliCrcTable = crc32.MakeTable(crc32.Castagnoli)

func (t Type) String() string {
	switch t {
	case CRC32C:
		return "crc32c"
	case XXHash:
		return "xxhash64"
	case SHA256:
		return "sha256"
	case Blake2:
		return "blake2b"
	}
	return fmt.Sprintf("csum(%d)", uint16(t))
}

// DigestSize returns how many leading bytes of a Sum the algorithm uses.
func (t Type) DigestSize() int {
	switch t {
	case CRC32C:
		return 4
	case XXHash:
		return 8
	case SHA256, Blake2:
		return 32
	}
	return 0
}

// Valid reports whether t is a known algorithm.
func (t Type) Valid() bool {
	return t.DigestSize() != 0
}

// Compute checksums data with the algorithm t.
//
// CRC32C starts from an all-ones seed and is finalized by inversion, which
// is exactly the IEEE-style crc32.Checksum over the Castagnoli table.
func (t Type) Compute(data []byte) (sum Sum, err error) {
	switch t {
	case CRC32C:
		binary.LittleEndian.PutUint32(sum[:], crc32.Checksum(data, castagnoliCrcTable))
	case XXHash:
		binary.LittleEndian.PutUint64(sum[:], xxhash.Sum64(data))
	case SHA256:
		sum = sha256.Sum256(data)
	case Blake2:
		sum = blake2b.Sum256(data)
	default:
		err = errors.Wrapf(btrfs.ErrUnsupported, "checksum type %d", uint16(t))
	}
	return
}

// Verify reports whether stored matches the checksum of data. Unknown
// algorithms never verify.
func (t Type) Verify(stored Sum, data []byte) bool {
	sum, err := t.Compute(data)
	if err != nil {
		return false
	}
	return sum == stored
}
