package breaker

import (
	"errors"
	"time"
)

// ErrOpen is the sentinel Error "circuit_open" wraps.
var ErrOpen = errors.New("breaker: circuit_open")

// Error is returned by Execute when the breaker is OPEN.
type Error struct {
	RemainingOpen time.Duration
	Err           error
}

func (e *Error) Error() string { return "breaker: circuit_open" }

func (e *Error) Unwrap() error { return e.Err }
