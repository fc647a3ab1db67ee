package wal

import "errors"

// Sentinel errors matching the WAL error-taxonomy kinds.
var (
	// ErrLocked is returned by Open when another live process already holds
	// the WAL directory's exclusive lock.
	ErrLocked = errors.New("wal: wal_locked")

	// ErrCorruptEntry is recorded (not returned) when an entry's
	// self-checksum fails to verify during replay.
	ErrCorruptEntry = errors.New("wal: wal_corrupt_entry")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("wal: closed")
)

// Error is a typed wrapper carrying the stable error-taxonomy code plus
// structured context (e.g. the PID that owns a lock).
type Error struct {
	Code string
	PID  int
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
