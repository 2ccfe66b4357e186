// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/stretchr/testify/require"
)

func TestRingBasic(t *testing.T) {
	r := ring{capacity: 3, buffer: make([]uint64, 3)}
	require.True(t, r.empty())
	require.EqualValues(t, 0, r.shift())

	require.True(t, r.push(11))
	require.True(t, r.push(12))
	require.True(t, r.unshift(10))
	require.False(t, r.push(13))
	require.True(t, r.full())

	require.EqualValues(t, 10, r.shift())
	require.EqualValues(t, 11, r.shift())
	require.EqualValues(t, 12, r.shift())
	require.EqualValues(t, 0, r.shift())
}

func TestQueueGrows(t *testing.T) {
	var q queue
	for i := range 100 {
		q.push(uint64(i + 1))
	}
	q.unshift(1000)
	require.Equal(t, 101, q.length)
	require.EqualValues(t, 1000, q.shift())
	for i := range 100 {
		require.EqualValues(t, i+1, q.shift())
	}
	require.EqualValues(t, 0, q.shift())
	require.Zero(t, q.length)

	q.push(7)
	require.EqualValues(t, 7, q.shift())
}

func TestAllocate(t *testing.T) {
	a := New(5000, 4096*8, 4096)

	var got []uint64
	for {
		bytenr, err := a.Allocate()
		if err != nil {
			require.True(t, errors.Is(err, btrfs.ErrAllocateFailed))
			break
		}
		got = append(got, bytenr)
	}
	require.Equal(t, []uint64{8192, 12288, 16384, 20480, 24576, 28672}, got)
}

func TestFreeIsDeferred(t *testing.T) {
	a := New(4096, 1<<20, 4096)

	b1, err := a.Allocate()
	require.NoError(t, err)
	a.Commit()

	a.Free(b1)
	b2, err := a.Allocate()
	require.NoError(t, err)
	require.NotEqual(t, b1, b2)
	free, pending, _ := a.Stats()
	require.Equal(t, 0, free)
	require.Equal(t, 1, pending)

	a.Commit()
	b3, err := a.Allocate()
	require.NoError(t, err)
	require.Equal(t, b1, b3)
}

func TestRollback(t *testing.T) {
	a := New(4096, 1<<20, 4096)
	b1, _ := a.Allocate()
	b2, _ := a.Allocate()
	a.Commit()
	a.Free(b1)
	a.Free(b2)
	a.Commit()
	_, _, next := a.Stats()

	r1, _ := a.Allocate()
	r2, _ := a.Allocate()
	r3, _ := a.Allocate()
	require.Equal(t, []uint64{b1, b2, next}, []uint64{r1, r2, r3})
	a.Free(r1)
	a.Rollback()

	free, pending, after := a.Stats()
	require.Equal(t, 2, free)
	require.Zero(t, pending)
	require.Equal(t, next, after)

	r1, _ = a.Allocate()
	require.Equal(t, b1, r1)
}

func TestReserve(t *testing.T) {
	a := New(4096, 1<<20, 4096)
	a.Reserve(40960)
	bytenr, err := a.Allocate()
	require.NoError(t, err)
	require.EqualValues(t, 45056, bytenr)

	a.Reserve(4096)
	a.Rollback()
	bytenr, err = a.Allocate()
	require.NoError(t, err)
	require.EqualValues(t, 45056, bytenr)

	require.Panics(t, func() { New(0, 1<<20, 3000) })
	require.Panics(t, func() { a.Free(100) })
}
