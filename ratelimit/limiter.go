// Package ratelimit implements the dual-bucket token limiter: a shared
// global bucket covering all workflows, plus a per-workflow bucket created
// on demand, external rate-limit signals that drain or hold off those
// buckets, and jittered exponential backoff.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/obslog"
)

// Config configures a Limiter. Zero values fall back to the documented
// defaults below.
type Config struct {
	GlobalCapacity        float64
	GlobalRefillPerHour   float64
	WorkflowCapacity      float64
	WorkflowRefillPerHour float64

	BackoffBase time.Duration
	BackoffCap  time.Duration

	// IdleEvictionAfter is the per-workflow last-access age beyond which
	// the sweep evicts the record.
	IdleEvictionAfter time.Duration
	// SweepInterval paces the idle-eviction sweep.
	SweepInterval time.Duration

	Clock  clock.Clock
	Logger obslog.Logger
}

const (
	defaultGlobalCapacity        = 100
	defaultGlobalRefillPerHour   = 100
	defaultWorkflowCapacity      = 20
	defaultWorkflowRefillPerHour = 20
	defaultBackoffBase           = time.Second
	defaultBackoffCap            = 60 * time.Second
	defaultIdleEvictionAfter     = time.Hour
	defaultSweepInterval         = 5 * time.Minute
)

type workflowRecord struct {
	bucket             *tokenBucket
	lastAccess         time.Time
	backoffAttempts    int
	secondaryHoldoffMs int64
}

// Result is the outcome of a TryConsume call.
type Result struct {
	Allowed      bool
	RetryAfterMs int64
	Bucket       Bucket
}

// Limiter enforces the global and per-workflow token buckets.
type Limiter struct {
	cfg    Config
	clock  clock.Clock
	logger obslog.Logger

	mu        sync.Mutex
	global    *tokenBucket
	workflows map[string]*workflowRecord

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Limiter and starts its idle-eviction sweep goroutine. Call
// Shutdown to stop it.
func New(cfg Config) *Limiter {
	if cfg.GlobalCapacity <= 0 {
		cfg.GlobalCapacity = defaultGlobalCapacity
	}
	if cfg.GlobalRefillPerHour <= 0 {
		cfg.GlobalRefillPerHour = defaultGlobalRefillPerHour
	}
	if cfg.WorkflowCapacity <= 0 {
		cfg.WorkflowCapacity = defaultWorkflowCapacity
	}
	if cfg.WorkflowRefillPerHour <= 0 {
		cfg.WorkflowRefillPerHour = defaultWorkflowRefillPerHour
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.IdleEvictionAfter <= 0 {
		cfg.IdleEvictionAfter = defaultIdleEvictionAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System{}
	}

	l := &Limiter{
		cfg:       cfg,
		clock:     c,
		logger:    cfg.Logger,
		global:    newTokenBucket(cfg.GlobalCapacity, cfg.GlobalRefillPerHour, c.Now()),
		workflows: make(map[string]*workflowRecord),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go l.runSweep()
	return l
}

func (l *Limiter) getOrCreateWorkflowLocked(workflowID string, now time.Time) *workflowRecord {
	wf, ok := l.workflows[workflowID]
	if !ok {
		wf = &workflowRecord{
			bucket:     newTokenBucket(l.cfg.WorkflowCapacity, l.cfg.WorkflowRefillPerHour, now),
			lastAccess: now,
		}
		l.workflows[workflowID] = wf
	}
	return wf
}

// TryConsume refills both buckets based on elapsed time, honours any
// pending secondary hold-off, then attempts to debit one token from each
// bucket in order (global first, then workflow).
func (l *Limiter) TryConsume(workflowID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()

	wf := l.getOrCreateWorkflowLocked(workflowID, now)
	wf.lastAccess = now

	if wf.secondaryHoldoffMs > 0 {
		retry := wf.secondaryHoldoffMs
		wf.secondaryHoldoffMs = 0
		return Result{Allowed: false, RetryAfterMs: retry, Bucket: BucketWorkflow}
	}

	l.global.refill(now)
	if l.global.tokens < 1 {
		return Result{Allowed: false, RetryAfterMs: l.global.timeUntilToken(now).Milliseconds(), Bucket: BucketGlobal}
	}

	wf.bucket.refill(now)
	if wf.bucket.tokens < 1 {
		return Result{Allowed: false, RetryAfterMs: wf.bucket.timeUntilToken(now).Milliseconds(), Bucket: BucketWorkflow}
	}

	l.global.tokens--
	wf.bucket.tokens--
	wf.backoffAttempts = 0
	return Result{Allowed: true}
}

// RecordPrimaryRateLimit propagates a primary rate-limit signal by draining
// the global bucket to zero, affecting every workflow.
func (l *Limiter) RecordPrimaryRateLimit(workflowID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()

	l.global.drainToZero(now)
	wf := l.getOrCreateWorkflowLocked(workflowID, now)
	wf.lastAccess = now
	wf.backoffAttempts++
}

// RecordSecondaryRateLimit sets a per-workflow hold-off of
// retryAfterSeconds, consumed on the next TryConsume, and zeroes that
// workflow's bucket.
func (l *Limiter) RecordSecondaryRateLimit(workflowID string, retryAfterSeconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()

	wf := l.getOrCreateWorkflowLocked(workflowID, now)
	wf.lastAccess = now
	wf.bucket.drainToZero(now)
	wf.secondaryHoldoffMs = int64(retryAfterSeconds * 1000)
	wf.backoffAttempts++
}

// GetBackoffMs returns 0 when no backoff is pending, else
// min(cap, base·2^attempts) × U[0.75,1.25], floored by the current
// secondary hold-off if one is set.
func (l *Limiter) GetBackoffMs(workflowID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	wf, ok := l.workflows[workflowID]
	if !ok || wf.backoffAttempts == 0 {
		return 0
	}

	backoff := float64(l.cfg.BackoffBase.Milliseconds()) * math.Pow(2, float64(wf.backoffAttempts))
	if capMs := float64(l.cfg.BackoffCap.Milliseconds()); backoff > capMs {
		backoff = capMs
	}
	jitter := 0.75 + rand.Float64()*0.5
	ms := int64(backoff * jitter)
	if wf.secondaryHoldoffMs > ms {
		ms = wf.secondaryHoldoffMs
	}
	return ms
}

// Cleanup evicts per-workflow records idle longer than IdleEvictionAfter,
// returning the number evicted.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()

	evicted := 0
	for id, wf := range l.workflows {
		if now.Sub(wf.lastAccess) > l.cfg.IdleEvictionAfter {
			delete(l.workflows, id)
			evicted++
		}
	}
	return evicted
}

// runSweep paces periodic Cleanup calls with an x/time/rate limiter instead
// of a raw ticker, so a burst of manual Cleanup calls elsewhere does not
// starve the background sweep's own cadence.
func (l *Limiter) runSweep() {
	defer close(l.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.stopCh
		cancel()
	}()

	lim := rate.NewLimiter(rate.Every(l.cfg.SweepInterval), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		l.Cleanup()
	}
}

// Shutdown stops the idle-eviction sweep goroutine and waits for it to
// exit. Idempotent.
func (l *Limiter) Shutdown() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}
