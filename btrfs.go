// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package btrfs defines the shared types of the copy-on-write B-tree engine:
// the backing store interface, the item key and its ordering, the on-disk
// item type and object id constants, and the error taxonomy.
package btrfs

import "io"

// File provides access to the backing storage of a filesystem device.
// The File interface is the minimum implementation required.
//
// The *os.File type satisfies this interface.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Sync commits the current contents of the file to stable storage.
	Sync() error
}
