// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package btrfs

import "github.com/cockroachdb/errors"

var (
	ErrIO                = errors.New("i/o error")
	ErrNotABlockDevice   = errors.New("not a block device")
	ErrInvalidFilesystem = errors.New("invalid filesystem")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrCorruptNode       = errors.New("corrupt node")
	ErrTruncatedBuffer   = errors.New("truncated buffer")
	ErrNotFound          = errors.New("not found")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrBlockOverflow     = errors.New("block overflow")
	ErrValueTooLarge     = errors.New("value too large")
	ErrReadOnly          = errors.New("read-only")
	ErrClosed            = errors.New("closed")
	ErrUnsupported       = errors.New("unsupported")
	ErrAllocateFailed    = errors.New("allocate failed")
)

// IOError marks err as an ErrIO while keeping it as the cause.
func IOError(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}
