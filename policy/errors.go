package policy

import "errors"

// ErrDenied is the sentinel Error "policy_denied" wraps.
var ErrDenied = errors.New("policy: policy_denied")

// Error is a typed wrapper carrying the stable error-taxonomy code and a
// human-readable denial reason.
type Error struct {
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return e.Code + ": " + e.Reason
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }
