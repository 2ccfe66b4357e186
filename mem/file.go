// Package mem provides an in-memory btrfs.File with fault injection, used
// to exercise the engine without a real device.
package mem

import (
	"io"
	"sync"

	"github.com/dacapoday/btrfs"
)

// Fault inspects an access of n bytes at off and returns a non-nil error to
// make it fail.
type Fault func(off int64, n int) error

// File is an in-memory implementation of the btrfs.File interface.
// It is safe for concurrent use by multiple goroutines.
//
// File requires no initialization - just declare and use:
//
//	var f File
//	f.WriteAt([]byte("hello"), 0)
type File struct {
	rw   sync.RWMutex
	data []byte

	readFault  Fault
	writeFault Fault

	reads, writes, syncs int
}

var _ btrfs.File = new(File)

// Close releases the file contents. The file may be written again after Close.
func (file *File) Close() error {
	file.rw.Lock()
	file.data = nil
	file.rw.Unlock()
	return nil
}

// Size returns the current size of the file in bytes.
func (file *File) Size() int64 {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return int64(len(file.data))
}

// Bytes returns a copy of the file contents.
func (file *File) Bytes() []byte {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return append([]byte(nil), file.data...)
}

// ReadFrom replaces the file contents with everything read from r.
func (file *File) ReadFrom(r io.Reader) (n int64, err error) {
	data, err := io.ReadAll(r)
	file.rw.Lock()
	file.data = data
	file.rw.Unlock()
	return int64(len(data)), err
}

// WriteTo writes the entire file content to w.
func (file *File) WriteTo(w io.Writer) (n int64, err error) {
	file.rw.RLock()
	defer file.rw.RUnlock()
	c, err := w.Write(file.data)
	return int64(c), err
}

// FailReads installs fault for every later ReadAt; nil removes it.
func (file *File) FailReads(fault Fault) {
	file.rw.Lock()
	file.readFault = fault
	file.rw.Unlock()
}

// FailWrites installs fault for every later WriteAt; nil removes it.
func (file *File) FailWrites(fault Fault) {
	file.rw.Lock()
	file.writeFault = fault
	file.rw.Unlock()
}

// Stats returns how many ReadAt, WriteAt and Sync calls succeeded.
func (file *File) Stats() (reads, writes, syncs int) {
	file.rw.RLock()
	defer file.rw.RUnlock()
	return file.reads, file.writes, file.syncs
}

// WriteAt writes len(p) bytes from p at offset off, growing the file with
// zero bytes when off is past its end.
func (file *File) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	file.rw.Lock()
	defer file.rw.Unlock()
	if file.writeFault != nil {
		if err = file.writeFault(off, len(p)); err != nil {
			return 0, err
		}
	}
	if end := off + int64(len(p)); end > int64(len(file.data)) {
		file.grow(end)
	}
	n = copy(file.data[off:], p)
	file.writes++
	return n, nil
}

// ReadAt reads len(p) bytes at offset off. It returns io.EOF with a short
// count when the file ends first.
func (file *File) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	file.rw.Lock()
	defer file.rw.Unlock()
	if file.readFault != nil {
		if err = file.readFault(off, len(p)); err != nil {
			return 0, err
		}
	}
	file.reads++
	if off >= int64(len(file.data)) {
		return 0, io.EOF
	}
	n = copy(p, file.data[off:])
	if n < len(p) {
		err = io.EOF
	}
	return
}

// Truncate changes the size of the file, zero filling when it grows.
func (file *File) Truncate(size int64) error {
	if size < 0 {
		return io.ErrUnexpectedEOF
	}
	file.rw.Lock()
	defer file.rw.Unlock()
	if size > int64(len(file.data)) {
		file.grow(size)
	} else {
		file.data = file.data[:size]
	}
	return nil
}

// Sync is a no-op for in-memory files; it only counts the call.
func (file *File) Sync() error {
	file.rw.Lock()
	file.syncs++
	file.rw.Unlock()
	return nil
}

func (file *File) grow(size int64) {
	if size <= int64(cap(file.data)) {
		old := len(file.data)
		file.data = file.data[:size]
		clear(file.data[old:])
		return
	}
	data := make([]byte, size, max(size, 2*int64(cap(file.data))))
	copy(data, file.data)
	file.data = data
}
