// Package audit implements a tamper-evident, append-only audit trail.
// Every workflow action is recorded in two phases, intent before the
// external effect and result after, linked by a hash chain and optionally
// HMAC'd. Storage is a single JSON-Lines file, fsync'd per append.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/obslog"
	"github.com/dshills/agentrt/obsmetrics"
	"github.com/dshills/agentrt/redact"
)

// Config configures a Trail.
type Config struct {
	// Path is the audit-trail.jsonl file path. Required.
	Path string

	// HMACKey, if non-empty, causes every record's canonical form to be
	// HMAC'd and the result attached. Single key, fixed for the process
	// lifetime; rotation belongs to an external key manager.
	HMACKey []byte

	Clock    clock.Clock
	Redactor *redact.Redactor
	Logger   obslog.Logger
	Metrics  *obsmetrics.Metrics
}

// Trail is the single-writer owner of one audit-trail.jsonl file.
type Trail struct {
	path     string
	hmacKey  []byte
	clock    clock.Clock
	redactor *redact.Redactor
	logger   obslog.Logger
	metrics  *obsmetrics.Metrics

	mu             sync.Mutex
	f              *os.File
	w              *bufio.Writer
	closed         bool
	nextSeq        uint64
	lastChecksum   string
	records        []Record
	recordIndex    map[uint64]int
	pendingIntents map[uint64]struct{}
}

// Open loads any existing audit-trail.jsonl at cfg.Path (reconstructing the
// chain tail and pending-intent set) and opens it for append.
func Open(cfg Config) (*Trail, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: Path is required")
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System{}
	}
	r := cfg.Redactor
	if r == nil {
		r = redact.New(redact.Config{})
	}

	t := &Trail{
		path:           cfg.Path,
		hmacKey:        cfg.HMACKey,
		clock:          c,
		redactor:       r,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		nextSeq:        1,
		recordIndex:    make(map[uint64]int),
		pendingIntents: make(map[uint64]struct{}),
	}

	if data, err := os.ReadFile(cfg.Path); err == nil {
		if lerr := t.loadFromBytes(data); lerr != nil {
			return nil, lerr
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: read existing trail: %w", err)
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open trail: %w", err)
	}
	t.f = f
	t.w = bufio.NewWriter(f)
	return t, nil
}

func (t *Trail) loadFromBytes(data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("audit: parse existing record: %w", err)
		}
		t.indexLoadedRecord(rec)
	}
	return scanner.Err()
}

func (t *Trail) indexLoadedRecord(rec Record) {
	t.records = append(t.records, rec)
	t.recordIndex[rec.Seq] = len(t.records) - 1
	t.lastChecksum = rec.Checksum
	if rec.Seq >= t.nextSeq {
		t.nextSeq = rec.Seq + 1
	}
	switch rec.Phase {
	case PhaseIntent:
		t.pendingIntents[rec.Seq] = struct{}{}
	case PhaseResult:
		if rec.IntentSeq != nil {
			delete(t.pendingIntents, *rec.IntentSeq)
		}
	}
}

// RecordIntent durably appends an intent record and returns its sequence.
func (t *Trail) RecordIntent(d IntentDescriptor) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}

	rec := Record{
		Seq:           t.nextSeq,
		Timestamp:     t.clock.Now(),
		Phase:         PhaseIntent,
		WorkflowID:    d.WorkflowID,
		StepID:        d.StepID,
		Action:        d.Action,
		Target:        d.Target,
		CorrelationID: uuid.NewString(),
		Payload:       t.redactor.RedactValue(toJSONish(d.Payload)),
		PrevChecksum:  t.lastChecksum,
	}
	if err := rec.sign(t.hmacKey); err != nil {
		return 0, fmt.Errorf("audit: sign intent: %w", err)
	}

	if err := t.appendLocked(rec); err != nil {
		return 0, err
	}

	t.nextSeq++
	t.lastChecksum = rec.Checksum
	t.pendingIntents[rec.Seq] = struct{}{}
	t.records = append(t.records, rec)
	t.recordIndex[rec.Seq] = len(t.records) - 1
	return rec.Seq, nil
}

// RecordResult durably appends a result record referencing intentSeq and
// returns its own sequence. Fails with Code "invalid_back_reference" if
// intentSeq does not name an existing intent.
func (t *Trail) RecordResult(intentSeq uint64, outcome Outcome) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}

	idx, ok := t.recordIndex[intentSeq]
	if !ok || t.records[idx].Phase != PhaseIntent {
		return 0, &Error{Code: "invalid_back_reference", Err: ErrInvalidBackReference}
	}
	intentRec := t.records[idx]

	seq := intentSeq
	rec := Record{
		Seq:           t.nextSeq,
		Timestamp:     t.clock.Now(),
		Phase:         PhaseResult,
		WorkflowID:    intentRec.WorkflowID,
		StepID:        intentRec.StepID,
		Action:        intentRec.Action,
		Target:        intentRec.Target,
		IntentSeq:     &seq,
		CorrelationID: intentRec.CorrelationID,
		Payload:       t.redactor.RedactValue(toJSONish(outcome)),
		PrevChecksum:  t.lastChecksum,
	}
	if err := rec.sign(t.hmacKey); err != nil {
		return 0, fmt.Errorf("audit: sign result: %w", err)
	}

	if err := t.appendLocked(rec); err != nil {
		return 0, err
	}

	t.nextSeq++
	t.lastChecksum = rec.Checksum
	delete(t.pendingIntents, intentSeq)
	t.records = append(t.records, rec)
	t.recordIndex[rec.Seq] = len(t.records) - 1
	return rec.Seq, nil
}

func (t *Trail) appendLocked(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	data = append(data, '\n')

	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("audit: write record: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("audit: flush record: %w", err)
	}
	if err := t.f.Sync(); err != nil {
		return fmt.Errorf("audit: fsync record: %w", err)
	}
	t.metrics.IncrementAuditAppends()
	return nil
}

// GetPendingIntents returns the sequences of every intent with no matching
// result yet, in ascending order.
func (t *Trail) GetPendingIntents() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]uint64, 0, len(t.pendingIntents))
	for seq := range t.pendingIntents {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VerifyChain walks the full record history and confirms every self-
// checksum reproduces and every PrevChecksum matches its predecessor's
// Checksum. Returns (valid, recordCount, firstBrokenSeq, mismatchedSeqs).
func (t *Trail) VerifyChain() (valid bool, recordCount int, firstBroken *uint64, mismatched []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var prevChecksum string
	for _, r := range t.records {
		broken := false
		if r.PrevChecksum != prevChecksum {
			broken = true
		}
		if !r.verifyChecksum() {
			broken = true
		}
		if broken {
			if firstBroken == nil {
				seq := r.Seq
				firstBroken = &seq
			}
			mismatched = append(mismatched, r.Seq)
		}
		prevChecksum = r.Checksum
	}
	return firstBroken == nil, len(t.records), firstBroken, mismatched
}

// Close flushes, fsyncs, and releases the trail's file handle. Idempotent.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if t.w != nil {
		if err := t.w.Flush(); err != nil {
			return fmt.Errorf("audit: flush on close: %w", err)
		}
	}
	if t.f != nil {
		if err := t.f.Sync(); err != nil {
			return fmt.Errorf("audit: fsync on close: %w", err)
		}
		if err := t.f.Close(); err != nil {
			return fmt.Errorf("audit: close: %w", err)
		}
	}
	return nil
}

// toJSONish coerces an arbitrary payload value into something
// redact.RedactValue can walk: a JSON roundtrip via encoding/json, which
// also has the side effect of canonicalising any struct into
// map[string]any.
func toJSONish(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}
