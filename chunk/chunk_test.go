package chunk

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/stretchr/testify/require"
)

func sample() *Chunk {
	return &Chunk{
		Length:     8 << 20,
		Owner:      btrfs.ChunkTreeObjectID,
		StripeLen:  64 << 10,
		Type:       2,
		IOAlign:    4096,
		IOWidth:    4096,
		SectorSize: 4096,
		SubStripes: 1,
		Stripes: []Stripe{
			{DevID: 1, Offset: 1 << 20, DevUUID: [16]byte{1, 2, 3}},
			{DevID: 1, Offset: 9 << 20, DevUUID: [16]byte{1, 2, 3}},
		},
	}
}

func TestEncodeDecode(t *testing.T) {
	chunk := sample()
	buf := chunk.Encode()
	require.Len(t, buf, HeadSize+2*StripeSize)

	decoded, n, err := Decode(append(buf, 0xff, 0xff))
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, chunk, decoded)
}

func TestDecodeTruncated(t *testing.T) {
	buf := sample().Encode()

	_, _, err := Decode(buf[:HeadSize-1])
	require.True(t, errors.Is(err, btrfs.ErrTruncatedBuffer))

	_, _, err = Decode(buf[:len(buf)-1])
	require.True(t, errors.Is(err, btrfs.ErrTruncatedBuffer))
}

func TestDecodeNoStripes(t *testing.T) {
	chunk := sample()
	chunk.Stripes = nil
	buf := make([]byte, HeadSize)
	copy(buf, chunk.Encode())
	_, _, err := Decode(buf)
	require.True(t, errors.Is(err, btrfs.ErrCorruptNode))
}

func TestMap(t *testing.T) {
	var m Map
	_, ok := m.Physical(0)
	require.False(t, ok)

	high := sample()
	high.Stripes = []Stripe{{DevID: 1, Offset: 100 << 20}}
	m.Insert(64<<20, high)
	m.Insert(16<<20, sample())
	require.Equal(t, 2, m.Len())

	cases := []struct {
		logical  uint64
		physical uint64
		ok       bool
	}{
		{0, 0, false},
		{16<<20 - 1, 0, false},
		{16 << 20, 1 << 20, true},
		{16<<20 + 4096, 1<<20 + 4096, true},
		{24<<20 - 1, 9<<20 - 1, true},
		{24 << 20, 0, false},
		{64 << 20, 100 << 20, true},
		{72 << 20, 0, false},
	}
	for _, c := range cases {
		physical, ok := m.Physical(c.logical)
		require.Equal(t, c.ok, ok, "logical %#x", c.logical)
		require.Equal(t, c.physical, physical, "logical %#x", c.logical)
	}

	replaced := sample()
	replaced.Stripes = []Stripe{{DevID: 1, Offset: 0}}
	m.Insert(16<<20, replaced)
	require.Equal(t, 2, m.Len())
	physical, ok := m.Physical(16 << 20)
	require.True(t, ok)
	require.Zero(t, physical)

	require.True(t, m.Remove(16<<20))
	require.False(t, m.Remove(16<<20))
	require.Equal(t, 1, m.Len())
	_, ok = m.Physical(16 << 20)
	require.False(t, ok)
}
