package ratelimit

import "errors"

// ErrRateLimited is the sentinel the limiter's Code "rate_limited" wraps.
var ErrRateLimited = errors.New("ratelimit: rate_limited")

// Error is the typed wrapper carrying bucket and retry-after detail for a
// denied TryConsume call.
type Error struct {
	Bucket       Bucket
	RetryAfterMs int64
	Err          error
}

func (e *Error) Error() string {
	return "ratelimit: rate_limited"
}

func (e *Error) Unwrap() error { return e.Err }
