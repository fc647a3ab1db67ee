package executor

import "errors"

// Sentinel errors the hardened executor's pipeline can return, each
// wrapped by Error with its stable taxonomy code.
var (
	ErrDegradedWriteBlocked = errors.New("executor: degraded_write_blocked")
	ErrPolicyDenied         = errors.New("executor: policy_denied")
	ErrConcurrentInFlight   = errors.New("executor: concurrent_in_flight")
	ErrRateLimited          = errors.New("executor: rate_limited")
)

// Error is a typed wrapper carrying the stable error-taxonomy code plus
// whatever contextual fields apply (retry-after, remaining-open, etc).
type Error struct {
	Code         string
	RetryAfterMs int64
	Err          error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }
