// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"encoding/binary"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/csum"
	"github.com/stretchr/testify/require"
)

func randomLeaf(blockSize int) *Node {
	n := New(0, btrfs.FSTreeObjectID, 7)
	n.Bytenr = 0x400000
	n.Flags = FlagWritten | MixedBackrefRev
	n.FSID = [16]byte{1, 2, 3}
	used := 0
	for id := uint64(1); ; id++ {
		data := make([]byte, 1+rand.IntN(64))
		for i := range data {
			data[i] = byte(rand.IntN(256))
		}
		if used+ItemSize+len(data) > Capacity(blockSize) {
			break
		}
		used += ItemSize + len(data)
		n.Items = append(n.Items, Item{Key: btrfs.Key{ObjectID: id, Type: btrfs.InodeItem}, Data: data})
	}
	return n
}

func TestLeafRoundTrip(t *testing.T) {
	for _, ct := range []csum.Type{csum.CRC32C, csum.XXHash, csum.SHA256, csum.Blake2} {
		codec := Codec{BlockSize: 4096 << rand.IntN(3), CsumType: ct}
		n := randomLeaf(codec.BlockSize)
		t.Logf("%s blockSize=%d items=%d", ct, codec.BlockSize, len(n.Items))

		buf, err := codec.Encode(n)
		require.NoError(t, err)
		require.Len(t, buf, codec.BlockSize)

		got, err := codec.Decode(buf)
		require.NoError(t, err)
		require.Equal(t, uint32(len(n.Items)), got.NrItems)
		require.Equal(t, buf[:csum.Size], got.Csum[:])
		want := n.Clone()
		want.NrItems, want.Csum = got.NrItems, got.Csum
		require.Equal(t, want, got)
	}
}

func TestLeafLayout(t *testing.T) {
	codec := Codec{BlockSize: 4096}
	n := New(0, btrfs.FSTreeObjectID, 1)
	n.Items = []Item{
		{Key: btrfs.Key{ObjectID: 1}, Data: []byte("aaaa")},
		{Key: btrfs.Key{ObjectID: 2}, Data: []byte("bb")},
	}
	buf, err := codec.Encode(n)
	require.NoError(t, err)

	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf[96:]))
	require.Equal(t, byte(0), buf[100])

	// item 0 data ends the block, item 1 data sits right below it
	item0 := buf[HeaderSize:]
	require.Equal(t, uint32(4096-HeaderSize-4), binary.LittleEndian.Uint32(item0[17:]))
	require.Equal(t, uint32(4), binary.LittleEndian.Uint32(item0[21:]))
	item1 := buf[HeaderSize+ItemSize:]
	require.Equal(t, uint32(4096-HeaderSize-6), binary.LittleEndian.Uint32(item1[17:]))
	require.Equal(t, []byte("bbaaaa"), buf[4096-6:])
}

func TestInternalRoundTrip(t *testing.T) {
	codec := Codec{BlockSize: 4096, CsumType: csum.CRC32C}
	n := New(2, btrfs.RootTreeObjectID, 9)
	for i := range Capacity(codec.BlockSize) / KeyPtrSize {
		n.Ptrs = append(n.Ptrs, KeyPtr{
			Key:        btrfs.Key{ObjectID: uint64(i) * 10, Type: btrfs.RootItem},
			BlockPtr:   uint64(i+1) * 4096,
			Generation: uint64(i),
		})
	}
	buf, err := codec.Encode(n)
	require.NoError(t, err)
	got, err := codec.Decode(buf)
	require.NoError(t, err)
	require.False(t, got.IsLeaf())
	require.Equal(t, n.Ptrs, got.Ptrs)
	require.Nil(t, got.Items)
	require.Equal(t, n.Size(), HeaderSize+len(n.Ptrs)*KeyPtrSize)

	n.Ptrs = append(n.Ptrs, KeyPtr{Key: btrfs.Key{ObjectID: 1 << 40}})
	_, err = codec.Encode(n)
	require.True(t, errors.Is(err, btrfs.ErrBlockOverflow))
}

func TestEncodeRejects(t *testing.T) {
	codec := Codec{BlockSize: 4096}

	n := New(0, 5, 1)
	n.Items = []Item{{Key: btrfs.Key{ObjectID: 1}, Data: make([]byte, MaxItemSize(4096)+1)}}
	_, err := codec.Encode(n)
	require.True(t, errors.Is(err, btrfs.ErrBlockOverflow))

	n.Items = []Item{{Key: btrfs.Key{ObjectID: 1}, Data: make([]byte, MaxItemSize(4096))}}
	_, err = codec.Encode(n)
	require.NoError(t, err)

	n.Items = []Item{{Key: btrfs.Key{ObjectID: 2}}, {Key: btrfs.Key{ObjectID: 2}}}
	_, err = codec.Encode(n)
	require.True(t, errors.Is(err, btrfs.ErrCorruptNode))

	n.Ptrs = []KeyPtr{{}}
	_, err = codec.Encode(n)
	require.True(t, errors.Is(err, btrfs.ErrCorruptNode))

	require.True(t, errors.Is(codec.EncodeTo(New(0, 5, 1), make([]byte, 100)), btrfs.ErrTruncatedBuffer))
}

func reseal(t *testing.T, codec Codec, buf []byte) {
	sum, err := codec.CsumType.Compute(buf[csumEnd:])
	require.NoError(t, err)
	copy(buf, sum[:])
}

func TestDecodeRejects(t *testing.T) {
	codec := Codec{BlockSize: 4096}
	n := New(0, 5, 1)
	n.Items = []Item{
		{Key: btrfs.Key{ObjectID: 1}, Data: []byte("one")},
		{Key: btrfs.Key{ObjectID: 2}, Data: []byte("two")},
	}
	good, err := codec.Encode(n)
	require.NoError(t, err)

	t.Run("truncated", func(t *testing.T) {
		_, err := codec.Decode(good[:4000])
		require.True(t, errors.Is(err, btrfs.ErrTruncatedBuffer))
	})

	t.Run("checksum", func(t *testing.T) {
		buf := slices.Clone(good)
		buf[4095] ^= 1
		_, err := codec.Decode(buf)
		require.True(t, errors.Is(err, btrfs.ErrChecksumMismatch))
	})

	t.Run("nritems", func(t *testing.T) {
		buf := slices.Clone(good)
		binary.LittleEndian.PutUint32(buf[96:], 1000)
		reseal(t, codec, buf)
		_, err := codec.Decode(buf)
		require.True(t, errors.Is(err, btrfs.ErrCorruptNode))
	})

	t.Run("data range", func(t *testing.T) {
		buf := slices.Clone(good)
		binary.LittleEndian.PutUint32(buf[HeaderSize+17:], 4000)
		reseal(t, codec, buf)
		_, err := codec.Decode(buf)
		require.True(t, errors.Is(err, btrfs.ErrCorruptNode))
	})

	t.Run("data over item array", func(t *testing.T) {
		buf := slices.Clone(good)
		binary.LittleEndian.PutUint32(buf[HeaderSize+17:], 0)
		reseal(t, codec, buf)
		_, err := codec.Decode(buf)
		require.True(t, errors.Is(err, btrfs.ErrCorruptNode))
	})

	t.Run("key order", func(t *testing.T) {
		buf := slices.Clone(good)
		binary.LittleEndian.PutUint64(buf[HeaderSize+ItemSize:], 1)
		reseal(t, codec, buf)
		_, err := codec.Decode(buf)
		require.True(t, errors.Is(err, btrfs.ErrCorruptNode))
	})

	t.Run("empty internal", func(t *testing.T) {
		buf, err := codec.Encode(New(0, 5, 1))
		require.NoError(t, err)
		buf[100] = 1
		reseal(t, codec, buf)
		_, err = codec.Decode(buf)
		require.True(t, errors.Is(err, btrfs.ErrCorruptNode))
	})
}

func TestSearch(t *testing.T) {
	n := New(0, 5, 1)
	for _, id := range []uint64{10, 20, 30} {
		n.Items = append(n.Items, Item{Key: btrfs.Key{ObjectID: id}})
	}
	for _, tc := range []struct {
		id    uint64
		index int
		found bool
	}{
		{5, 0, false},
		{10, 0, true},
		{15, 1, false},
		{30, 2, true},
		{31, 3, false},
	} {
		index, found := n.Search(btrfs.Key{ObjectID: tc.id})
		require.Equal(t, tc.index, index, "id %d", tc.id)
		require.Equal(t, tc.found, found, "id %d", tc.id)
	}

	c := n.Clone()
	c.Items[0].Key.ObjectID = 1
	require.Equal(t, uint64(10), n.FirstKey().ObjectID)
	require.Equal(t, btrfs.Key{}, New(0, 5, 1).FirstKey())
}
