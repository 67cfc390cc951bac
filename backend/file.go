// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package backend implements the storage backends: a locked file backend for
// the master header, an unlocked variant for pooled per-column-family
// handles, and the partitioned backend that maps a column family's virtual
// address space onto file segments.
package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/dreamsxin/manifold/types"
)

// FileBackend is a storage backend over one open file holding an advisory
// whole-file lock. The flock lock belongs to the open file description, so a
// second OpenFileBackend on the same path fails whether it comes from
// another process or from this one.
type FileBackend struct {
	file *os.File
}

// OpenFileBackend opens (creating if needed) the file at path and acquires an
// exclusive advisory lock on it. Fails immediately if another process holds
// the lock.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("database file %q is locked by another process: %w", path, err)
		}
		return nil, err
	}
	return &FileBackend{file: f}, nil
}

func (b *FileBackend) Len() (uint64, error) {
	info, err := b.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

func (b *FileBackend) ReadAt(p []byte, off uint64) error {
	return readFull(b.file, p, off)
}

func (b *FileBackend) WriteAt(p []byte, off uint64) error {
	_, err := b.file.WriteAt(p, int64(off))
	return mapENOSPC(err)
}

func (b *FileBackend) SetLen(size uint64) error {
	return mapENOSPC(b.file.Truncate(int64(size)))
}

func (b *FileBackend) SyncData() error {
	return b.file.Sync()
}

func (b *FileBackend) Close() error {
	// Dropping the descriptor releases the advisory lock.
	return b.file.Close()
}

// UnlockedFileBackend is the backend variant used for pooled per-column-
// family handles. It takes no OS file lock: all handles live in one process
// and are coordinated by the file-handle pool, and a second lock on the same
// file would block against the header backend's.
type UnlockedFileBackend struct {
	file *os.File
}

// OpenUnlockedFileBackend opens the file at path without locking it.
func OpenUnlockedFileBackend(path string) (*UnlockedFileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &UnlockedFileBackend{file: f}, nil
}

func (b *UnlockedFileBackend) Len() (uint64, error) {
	info, err := b.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

func (b *UnlockedFileBackend) ReadAt(p []byte, off uint64) error {
	return readFull(b.file, p, off)
}

func (b *UnlockedFileBackend) WriteAt(p []byte, off uint64) error {
	_, err := b.file.WriteAt(p, int64(off))
	return mapENOSPC(err)
}

func (b *UnlockedFileBackend) SetLen(size uint64) error {
	return mapENOSPC(b.file.Truncate(int64(size)))
}

func (b *UnlockedFileBackend) SyncData() error {
	return b.file.Sync()
}

func (b *UnlockedFileBackend) Close() error {
	return b.file.Close()
}

// readFull reads exactly len(p) bytes at off. A read that fills the buffer
// right at end of file is a success even though the OS reports EOF with it.
func readFull(f *os.File, p []byte, off uint64) error {
	n, err := f.ReadAt(p, int64(off))
	if errors.Is(err, io.EOF) && n == len(p) {
		return nil
	}
	return err
}

// mapENOSPC converts an out-of-space I/O error into the stable
// types.ErrStorageFull kind so callers can match on it.
func mapENOSPC(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %s", types.ErrStorageFull, err)
	}
	return err
}
