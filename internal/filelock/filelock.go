// Package filelock provides an exclusive, advisory, whole-file lock used by
// the WAL manager to guarantee a single writer per log directory.
//
// Built on flock(2) via the syscall package. The lock is held for the
// lifetime of the process (or until Unlock/Close is called) and is
// automatically released by the kernel if the process dies, which is what
// lets a restarting WAL owner distinguish "still running" from "crashed
// with a stale PID file".
package filelock

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrLocked is returned by TryLock when another process already holds the
// lock.
var ErrLocked = errors.New("filelock: already locked by another process")

// Lock represents an acquired exclusive lock on a file.
type Lock struct {
	f *os.File
}

// TryLock attempts to acquire an exclusive, non-blocking lock on path,
// creating the file if it does not exist. Returns ErrLocked if another
// process holds it.
func TryLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file handle. Safe to
// call once; subsequent calls are no-ops.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("filelock: unlock: %w", err)
	}
	if cerr != nil {
		return fmt.Errorf("filelock: close: %w", cerr)
	}
	return nil
}
