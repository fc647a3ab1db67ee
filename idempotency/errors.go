package idempotency

import "errors"

// Sentinel errors matching the idempotency-index error-taxonomy kinds.
var (
	// ErrConflict is returned by Reserve when a pending or completed
	// record already exists for the fingerprint.
	ErrConflict = errors.New("idempotency: conflict")

	// ErrInvalidTransition is returned by Complete/Fail when no pending
	// record exists to transition.
	ErrInvalidTransition = errors.New("idempotency: invalid_transition")
)

// Error is a typed wrapper carrying the stable error-taxonomy code.
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
