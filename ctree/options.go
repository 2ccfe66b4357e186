// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package ctree

import "log/slog"

// DefaultMinFillPercent is the occupancy below which a non-root node is
// merged with or refilled from a sibling.
const DefaultMinFillPercent = 50

// Option configures Open and Load.
type Option interface {
	ReadOnly() bool
	// MinFillPercent of a block's entry capacity; out of range values
	// select DefaultMinFillPercent.
	MinFillPercent() int
}

// LoggerOption is implemented by options that supply a logger.
type LoggerOption interface {
	Logger() *slog.Logger
}

// AllocatorOption is implemented by options that supply the block
// allocator. A nil Allocator selects the built-in one.
type AllocatorOption interface {
	Allocator() Allocator
}

// Allocator hands out tree blocks by logical address. Blocks released by
// Free must stay untouched until Commit; Rollback undoes every Allocate
// and Free since the last Commit.
type Allocator interface {
	Allocate() (bytenr uint64, err error)
	Free(bytenr uint64)
	Commit()
	Rollback()
}

// Options is the stock Option.
type Options struct {
	ReadOnlyMode bool
	MinFill      int
	Log          *slog.Logger
	Alloc        Allocator
}

func (o Options) ReadOnly() bool       { return o.ReadOnlyMode }
func (o Options) MinFillPercent() int  { return o.MinFill }
func (o Options) Logger() *slog.Logger { return o.Log }
func (o Options) Allocator() Allocator { return o.Alloc }

func getMinFill(opt Option) int {
	if p := opt.MinFillPercent(); p > 0 && p < 100 {
		return p
	}
	return DefaultMinFillPercent
}

func getLogger(opt any) *slog.Logger {
	if o, ok := opt.(LoggerOption); ok {
		if log := o.Logger(); log != nil {
			return log
		}
	}
	return slog.New(slog.DiscardHandler)
}

func getAllocator(opt any) Allocator {
	if o, ok := opt.(AllocatorOption); ok {
		return o.Allocator()
	}
	return nil
}
