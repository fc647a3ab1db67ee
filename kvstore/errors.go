package kvstore

import "errors"

// Sentinel errors returned by Store operations, matching the error
// taxonomy's store-level kinds.
var (
	// ErrSizeExceeded is returned by Set when the serialised record exceeds
	// the store's configured maximum size.
	ErrSizeExceeded = errors.New("kvstore: size_exceeded")

	// ErrMissingMigration is returned when a loaded record's schema version
	// is older than current and no migration function bridges the gap.
	ErrMissingMigration = errors.New("kvstore: missing_migration")

	// ErrIO wraps underlying filesystem failures that aren't one of the
	// more specific sentinels above.
	ErrIO = errors.New("kvstore: io_error")
)

// Error is a typed wrapper carrying the stable error-taxonomy code alongside
// the sentinel it wraps, so callers can both errors.Is against the sentinel
// and inspect Code for structured reporting (audit records, boot results).
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: "io_error", Err: err}
}
