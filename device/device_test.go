package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/btrfs"
	"github.com/dacapoday/btrfs/mem"
	"github.com/dacapoday/btrfs/superblock"
	"github.com/stretchr/testify/require"
)

func TestReadWriteBlock(t *testing.T) {
	var f mem.File
	dev := New(&f, 0)
	require.Equal(t, DefaultBlockSize, dev.BlockSize())
	require.NoError(t, dev.SetBlockSize(4096))

	data := bytes.Repeat([]byte{0x5a}, 4096)
	require.NoError(t, dev.WriteBlock(3, data))
	require.Equal(t, int64(4*4096), f.Size())
	require.Equal(t, int64(4*4096), dev.Size())

	got, err := dev.ReadBlock(3)
	require.NoError(t, err)
	require.Equal(t, data, got)
	dev.RecycleBuffer(got)

	zero, err := dev.ReadBlock(0)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4096), zero)
}

func TestShortRead(t *testing.T) {
	var f mem.File
	f.WriteAt(make([]byte, 4096+100), 0)
	dev := New(&f, f.Size())
	require.NoError(t, dev.SetBlockSize(4096))

	buf, err := dev.ReadBlock(1)
	require.Nil(t, buf)
	require.True(t, errors.Is(err, btrfs.ErrIO))

	_, err = dev.ReadBlock(7)
	require.True(t, errors.Is(err, btrfs.ErrIO))
}

func TestWriteFailures(t *testing.T) {
	var f mem.File
	dev := New(&f, 0)
	require.NoError(t, dev.SetBlockSize(4096))

	err := dev.WriteBlock(0, make([]byte, 100))
	require.True(t, errors.Is(err, btrfs.ErrIO))

	boom := errors.New("media error")
	f.FailWrites(func(int64, int) error { return boom })
	err = dev.WriteBlock(0, make([]byte, 4096))
	require.True(t, errors.Is(err, btrfs.ErrIO))
	require.True(t, errors.Is(err, boom), "cause is kept")

	f.FailReads(func(int64, int) error { return boom })
	_, err = dev.ReadBlock(0)
	require.True(t, errors.Is(err, btrfs.ErrIO))
}

func TestSetBlockSize(t *testing.T) {
	dev := New(new(mem.File), 0)
	for _, size := range []int{0, 1000, 4097, 2048} {
		require.Error(t, dev.SetBlockSize(size), "size %d", size)
	}
	require.NoError(t, dev.SetBlockSize(65536))
	require.Len(t, dev.AllocateBuffer(), 65536)
}

func TestSuperblockIO(t *testing.T) {
	var f mem.File
	dev := New(&f, 0)

	_, err := dev.ReadSuperblock()
	require.True(t, errors.Is(err, btrfs.ErrIO))

	rec := bytes.Repeat([]byte{1}, superblock.Size)
	require.NoError(t, dev.WriteSuperblock(rec))
	require.Equal(t, int64(superblock.Offset+superblock.Size), f.Size())

	got, err := dev.ReadSuperblock()
	require.NoError(t, err)
	require.Equal(t, rec, got)

	// the superblock is also reachable as an ordinary block
	require.NoError(t, dev.SetBlockSize(superblock.Size))
	block, err := dev.ReadBlock(superblock.Offset / superblock.Size)
	require.NoError(t, err)
	require.Equal(t, rec, block)

	require.True(t, errors.Is(dev.WriteSuperblock(rec[:10]), btrfs.ErrIO))
}

func TestOpen(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), false)
	require.True(t, errors.Is(err, btrfs.ErrIO))

	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 3*DefaultBlockSize), 0o600))

	dev, err := Open(path, false)
	require.NoError(t, err)
	require.Equal(t, int64(3*DefaultBlockSize), dev.Size())
	require.NoError(t, dev.WriteBlock(1, bytes.Repeat([]byte{7}, DefaultBlockSize)))
	require.NoError(t, dev.Sync())
	require.NoError(t, dev.Close())

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()
	require.True(t, ro.ReadOnly())
	block, err := ro.ReadBlock(1)
	require.NoError(t, err)
	require.Equal(t, byte(7), block[0])
	require.True(t, errors.Is(ro.WriteBlock(1, block), btrfs.ErrReadOnly))
}
