// Package breaker implements a rolling-window circuit breaker:
// CLOSED/OPEN/HALF_OPEN transitions gated by a countable failure-class
// threshold within a rolling window, lazy OPEN→HALF_OPEN promotion on
// query, and a fixed failure-classification rule table.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/obslog"
	"github.com/dshills/agentrt/obsmetrics"
)

// State is the breaker's current posture.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

type failureRecord struct {
	at    time.Time
	class FailureClass
}

// Config configures a Breaker.
type Config struct {
	FailureThreshold   int
	RollingWindow      time.Duration
	OpenDuration       time.Duration
	HalfOpenProbeCount int

	// Scope labels this breaker instance in metrics, typically the name
	// of the external collaborator it guards. Defaults to "default".
	Scope string

	// CountableClasses lists the failure classes that count toward
	// FailureThreshold. Nil uses DefaultCountableClasses.
	CountableClasses map[FailureClass]bool
	// StatusOverrides customises per-status-code classification.
	StatusOverrides StatusOverrides

	Clock   clock.Clock
	Logger  obslog.Logger
	Metrics *obsmetrics.Metrics
}

const (
	defaultFailureThreshold   = 5
	defaultRollingWindow      = time.Minute
	defaultOpenDuration       = 30 * time.Second
	defaultHalfOpenProbeCount = 1
)

// Breaker is one circuit breaker instance, typically one per external
// collaborator (e.g. one per code-hosting API).
type Breaker struct {
	cfg        Config
	clock      clock.Clock
	logger     obslog.Logger
	metrics    *obsmetrics.Metrics
	scope      string
	classifier *Classifier

	mu             sync.Mutex
	state          State
	window         []failureRecord
	probeSuccesses int
	lastFailure    time.Time
}

// New builds a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = defaultRollingWindow
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = defaultOpenDuration
	}
	if cfg.HalfOpenProbeCount <= 0 {
		cfg.HalfOpenProbeCount = defaultHalfOpenProbeCount
	}
	if cfg.CountableClasses == nil {
		cfg.CountableClasses = DefaultCountableClasses()
	}
	if cfg.Scope == "" {
		cfg.Scope = "default"
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System{}
	}

	b := &Breaker{
		cfg:        cfg,
		clock:      c,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		scope:      cfg.Scope,
		classifier: NewClassifier(cfg.StatusOverrides),
		state:      StateClosed,
	}
	b.metrics.SetBreakerState(b.scope, obsmetrics.BreakerStateClosed)
	return b
}

// State returns the breaker's current state, lazily promoting OPEN to
// HALF_OPEN if OpenDuration has elapsed since the last failure, and
// evicting stale window entries.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// stateLocked must be called with mu held. It performs the lazy OPEN→
// HALF_OPEN transition and prunes the rolling window; both happen on every
// state query or execute rather than on a timer.
func (b *Breaker) stateLocked() State {
	now := b.clock.Now()
	b.evictStaleLocked(now)

	if b.state == StateOpen && now.Sub(b.lastFailure) >= b.cfg.OpenDuration {
		b.state = StateHalfOpen
		b.probeSuccesses = 0
		b.metrics.SetBreakerState(b.scope, obsmetrics.BreakerStateHalfOpen)
	}
	return b.state
}

func (b *Breaker) evictStaleLocked(now time.Time) {
	if len(b.window) == 0 {
		return
	}
	cutoff := now.Add(-b.cfg.RollingWindow)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

// remainingOpen returns how long until an OPEN breaker becomes eligible
// for a HALF_OPEN probe, assuming the caller already confirmed state==OPEN.
func (b *Breaker) remainingOpenLocked() time.Duration {
	remaining := b.cfg.OpenDuration - b.clock.Now().Sub(b.lastFailure)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// RecordSuccess reports a successful call. In HALF_OPEN it counts toward
// the probe quota needed to close the breaker; in CLOSED it clears the
// rolling window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbeCount {
			b.state = StateClosed
			b.window = nil
			b.probeSuccesses = 0
			b.metrics.SetBreakerState(b.scope, obsmetrics.BreakerStateClosed)
		}
	case StateClosed:
		b.window = nil
	}
}

// RecordFailure reports a failure of the given class. Any failure observed
// while HALF_OPEN immediately reopens the breaker. In CLOSED, only
// countable classes accumulate toward FailureThreshold within
// RollingWindow.
func (b *Breaker) RecordFailure(class FailureClass) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()

	if b.stateLocked() == StateHalfOpen {
		b.state = StateOpen
		b.lastFailure = now
		b.window = nil
		b.probeSuccesses = 0
		b.tripped()
		return
	}

	if !b.cfg.CountableClasses[class] {
		return
	}

	b.lastFailure = now
	b.window = append(b.window, failureRecord{at: now, class: class})
	b.evictStaleLocked(now)

	if b.state == StateClosed && len(b.window) >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.tripped()
	}
}

// tripped records a transition into the open state. Must be called with mu
// held, immediately after setting state to OPEN.
func (b *Breaker) tripped() {
	b.metrics.IncrementBreakerTrips(b.scope)
	b.metrics.SetBreakerState(b.scope, obsmetrics.BreakerStateOpen)
	if b.logger != nil {
		b.logger.Warn("circuit breaker opened", obslog.F("scope", b.scope))
	}
}

// Classify exposes the breaker's classification rule table so executor can
// classify a raised error the same way Execute would, without requiring the
// error to flow back through Execute itself (used when a step fails before
// reaching the circuit-protected call, e.g. policy denial).
func (b *Breaker) Classify(hint ClassifyHint) FailureClass {
	return b.classifier.Classify(hint)
}

// Execute queries the breaker's state; if OPEN, it fails fast with an
// *Error carrying the remaining open duration. Otherwise it runs fn,
// recording success or classifying and recording the returned error as a
// failure. Execute is a free function (not a method) because Go forbids
// type parameters on methods.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	b.mu.Lock()
	state := b.stateLocked()
	var remaining time.Duration
	if state == StateOpen {
		remaining = b.remainingOpenLocked()
	}
	b.mu.Unlock()

	if state == StateOpen {
		return zero, &Error{RemainingOpen: remaining, Err: ErrOpen}
	}

	out, err := fn()
	if err != nil {
		hint := ClassifyHint{}
		var ce ClassifiableError
		if errors.As(err, &ce) {
			hint = ce.BreakerHint()
		}
		class := b.Classify(hint)
		b.RecordFailure(class)
		return zero, err
	}

	b.RecordSuccess()
	return out, nil
}
