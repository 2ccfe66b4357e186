package mem

import (
	"bytes"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestFileReadWrite(t *testing.T) {
	var f File
	defer f.Close()

	n, err := f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = f.WriteAt([]byte("world"), 10)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, int64(15), f.Size())

	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	gap := make([]byte, 5)
	_, err = f.ReadAt(gap, 5)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 5), gap)
}

func TestFileShortRead(t *testing.T) {
	var f File
	f.WriteAt([]byte("abc"), 0)

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 1)
	require.Equal(t, 2, n)
	require.Equal(t, io.EOF, err)

	n, err = f.ReadAt(buf, 3)
	require.Zero(t, n)
	require.Equal(t, io.EOF, err)

	_, err = f.ReadAt(buf, -1)
	require.Error(t, err)
}

func TestFileTruncate(t *testing.T) {
	var f File
	f.WriteAt([]byte("abcdef"), 0)
	require.NoError(t, f.Truncate(2))
	require.Equal(t, []byte("ab"), f.Bytes())

	// regrowing must not resurrect old bytes
	require.NoError(t, f.Truncate(4))
	require.Equal(t, []byte{'a', 'b', 0, 0}, f.Bytes())
}

func TestFileFaults(t *testing.T) {
	var f File
	boom := errors.New("boom")
	f.FailWrites(func(off int64, n int) error {
		if off >= 4096 {
			return boom
		}
		return nil
	})

	_, err := f.WriteAt(make([]byte, 10), 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 10), 4096)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int64(10), f.Size())

	f.FailReads(func(int64, int) error { return boom })
	_, err = f.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, boom)

	f.FailReads(nil)
	f.FailWrites(nil)
	_, err = f.ReadAt(make([]byte, 1), 0)
	require.NoError(t, err)
	require.NoError(t, f.Sync())

	reads, writes, syncs := f.Stats()
	require.Equal(t, 1, reads)
	require.Equal(t, 1, writes)
	require.Equal(t, 1, syncs)
}

func TestFileSnapshot(t *testing.T) {
	var src, dst File
	src.WriteAt([]byte("snapshot"), 3)

	var buf bytes.Buffer
	_, err := src.WriteTo(&buf)
	require.NoError(t, err)
	_, err = dst.ReadFrom(&buf)
	require.NoError(t, err)
	require.Equal(t, src.Bytes(), dst.Bytes())
}
