// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package alloc hands out tree blocks for copy-on-write transactions.
//
// Blocks come from a queue of released blocks first and otherwise from a
// bump pointer that only grows. A block released during a transaction
// stays reserved until Commit, because the last committed tree may still
// reference it. Rollback returns everything the transaction took.
package alloc

import (
	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
)

// Allocator hands out node-sized blocks by logical address within one
// transaction at a time. It is not safe for concurrent use.
type Allocator struct {
	blockSize uint64
	next      uint64 // first never-used address
	limit     uint64 // end of the address space, exclusive

	free    queue    // released by committed transactions
	pending []uint64 // released by the open transaction
	reused  []uint64 // taken from free by the open transaction
	base    uint64   // next at the start of the open transaction
}

// New returns an allocator for blocks of blockSize in [start, limit).
// start is rounded up to a block boundary.
func New(start, limit uint64, blockSize int) *Allocator {
	bs := uint64(blockSize)
	if bs == 0 || bs&(bs-1) != 0 {
		panic(errors.AssertionFailedf("block size %d is not a power of two", blockSize))
	}
	start = (start + bs - 1) &^ (bs - 1)
	return &Allocator{blockSize: bs, next: start, base: start, limit: limit &^ (bs - 1)}
}

// Allocate returns the address of an unused block.
func (a *Allocator) Allocate() (uint64, error) {
	if bytenr := a.free.shift(); bytenr != 0 {
		a.reused = append(a.reused, bytenr)
		return bytenr, nil
	}
	if a.next+a.blockSize > a.limit {
		return 0, errors.Wrapf(btrfs.ErrAllocateFailed, "no block left below %#x", a.limit)
	}
	bytenr := a.next
	a.next += a.blockSize
	return bytenr, nil
}

// Free releases bytenr once the open transaction commits.
func (a *Allocator) Free(bytenr uint64) {
	if bytenr == 0 || bytenr%a.blockSize != 0 {
		panic(errors.AssertionFailedf("free of unaligned block %#x", bytenr))
	}
	a.pending = append(a.pending, bytenr)
}

// Commit ends the open transaction, making its released blocks reusable.
func (a *Allocator) Commit() {
	for _, bytenr := range a.pending {
		a.free.push(bytenr)
	}
	a.pending = a.pending[:0]
	a.reused = a.reused[:0]
	a.base = a.next
}

// Rollback ends the open transaction as if it never allocated or released
// anything.
func (a *Allocator) Rollback() {
	for i := len(a.reused) - 1; i >= 0; i-- {
		a.free.unshift(a.reused[i])
	}
	a.pending = a.pending[:0]
	a.reused = a.reused[:0]
	a.next = a.base
}

// Reserve moves the bump pointer past bytenr, so blocks found in use after
// New are never handed out.
func (a *Allocator) Reserve(bytenr uint64) {
	if end := (bytenr/a.blockSize + 1) * a.blockSize; end > a.next {
		a.next = end
		a.base = end
	}
}

// Stats reports the reusable blocks, the blocks waiting for a commit, and
// the bump pointer.
func (a *Allocator) Stats() (free, pending int, next uint64) {
	return a.free.length, len(a.pending), a.next
}
