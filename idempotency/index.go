// Package idempotency implements the deduplication index: at-most-one
// in-flight execution per fingerprint and at-most-one successful
// completion recording, backed by a resilient store.
package idempotency

import (
	"sync"
	"time"

	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/kvstore"
)

// Status is a fingerprint's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the persisted state for one fingerprint.
type Record struct {
	Fingerprint    string     `json:"fingerprint"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	OutcomeSummary string     `json:"outcomeSummary,omitempty"`
	AttemptCount   int        `json:"attemptCount"`
}

// Index deduplicates by fingerprint, serialising all reserve/complete/
// fail transitions through an in-process mutex; the backing store is
// itself single-process, single-writer.
type Index struct {
	store *kvstore.Store[map[string]Record]
	clock clock.Clock

	mu sync.Mutex
}

// New builds an Index backed by store.
func New(store *kvstore.Store[map[string]Record], c clock.Clock) *Index {
	if c == nil {
		c = clock.System{}
	}
	return &Index{store: store, clock: c}
}

// Check returns the current record for fingerprint, or nil if none exists.
func (idx *Index) Check(fingerprint string) (*Record, error) {
	m, ok, err := idx.store.Get()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	rec, ok := m[fingerprint]
	if !ok {
		return nil, nil
	}
	recCopy := rec
	return &recCopy, nil
}

// Reserve creates a pending record for fingerprint, failing with Code
// "conflict" if a pending or completed record already exists. Reserving
// after a prior "failed" record succeeds and increments the attempt count.
func (idx *Index) Reserve(fingerprint string) (Record, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok, err := idx.store.Get()
	if err != nil {
		return Record{}, err
	}
	if !ok {
		m = make(map[string]Record)
	}

	attempt := 1
	if existing, exists := m[fingerprint]; exists {
		if existing.Status == StatusPending || existing.Status == StatusCompleted {
			return Record{}, &Error{Code: "conflict", Err: ErrConflict}
		}
		attempt = existing.AttemptCount + 1
	}

	rec := Record{
		Fingerprint:  fingerprint,
		Status:       StatusPending,
		CreatedAt:    idx.clock.Now(),
		AttemptCount: attempt,
	}
	m[fingerprint] = rec
	if err := idx.store.Set(m); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Complete transitions a pending record to completed.
func (idx *Index) Complete(fingerprint, outcomeSummary string) error {
	return idx.transition(fingerprint, StatusCompleted, outcomeSummary)
}

// Fail transitions a pending record to failed. A subsequent Reserve call
// for the same fingerprint is then permitted (with an incremented attempt
// count), modelling a retry.
func (idx *Index) Fail(fingerprint, errorSummary string) error {
	return idx.transition(fingerprint, StatusFailed, errorSummary)
}

func (idx *Index) transition(fingerprint string, to Status, summary string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok, err := idx.store.Get()
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Code: "invalid_transition", Err: ErrInvalidTransition}
	}
	rec, exists := m[fingerprint]
	if !exists || rec.Status != StatusPending {
		return &Error{Code: "invalid_transition", Err: ErrInvalidTransition}
	}

	now := idx.clock.Now()
	rec.Status = to
	rec.CompletedAt = &now
	rec.OutcomeSummary = summary
	m[fingerprint] = rec
	return idx.store.Set(m)
}

// ListStale returns every pending record older than olderThan, for
// diagnostic reporting (e.g. a boot-time or health-check warning about
// steps that reserved a fingerprint but never completed or failed it).
func (idx *Index) ListStale(olderThan time.Duration) ([]Record, error) {
	m, ok, err := idx.store.Get()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	cutoff := idx.clock.Now().Add(-olderThan)
	var stale []Record
	for _, rec := range m {
		if rec.Status == StatusPending && rec.CreatedAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}
