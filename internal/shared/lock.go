// Package shared holds primitives used across the chunk store, snapshot
// layout, and GC engine: advisory directory locking and the config
// generation counter multiple daemons observe without IPC.
package shared

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"chunkvault/internal/vaulterr"
)

const lockFileName = ".lock"

// ErrLocked is returned when a non-blocking lock acquisition loses a
// race against another holder.
var ErrLocked = errors.New("shared: directory already locked")

// DirLock is an advisory, filesystem-level lock on a directory, held via
// a single open file descriptor on a .lock file within it. Shared locks
// allow any number of readers; an exclusive lock excludes all others,
// including other shared holders.
//
// Non-blocking acquisition lets a supervising process (the CLI's
// "chunks list", for example) inspect a datastore without blocking an
// in-progress backup.
type DirLock struct {
	file *os.File
}

// OpenDirLock acquires a shared lock on dir, creating dir/.lock if
// needed. Callers needing exclusive access open a separate
// OpenExclusiveDirLock rather than upgrading an existing handle.
func OpenDirLock(dir string) (*DirLock, error) {
	return acquire(dir, syscall.LOCK_SH)
}

// OpenExclusiveDirLock acquires an exclusive lock on dir, failing with
// ErrLocked if any shared or exclusive holder already exists.
func OpenExclusiveDirLock(dir string) (*DirLock, error) {
	return acquire(dir, syscall.LOCK_EX)
}

func acquire(dir string, how int) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, vaulterr.New(vaulterr.Conflict, fmt.Errorf("%w: %s", ErrLocked, dir))
	}
	return &DirLock{file: f}, nil
}

// Close releases the lock.
func (l *DirLock) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	return l.file.Close()
}
