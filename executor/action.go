package executor

import "context"

// RateLimitSignal is how a caller-supplied action reports that it
// observed a rate-limit response from the external collaborator it
// called.
type RateLimitSignal struct {
	// Kind is "primary" or "secondary".
	Kind              string
	RetryAfterSeconds float64
}

// ActionResult is what a caller-supplied Action returns on success.
type ActionResult struct {
	Outputs         any
	RateLimitSignal *RateLimitSignal
}

// Action is the caller-supplied function the hardened executor runs under
// the full safety envelope: policy, dedup, rate limiting, audit, and
// circuit breaking. Implementations should return a
// breaker.ClassifiableError when they can identify a status code or
// network failure, so the circuit breaker classifies it precisely instead
// of defaulting to transient.
type Action func(ctx context.Context) (ActionResult, error)
