// Package wal implements a segmented, single-writer write-ahead log: an
// append-only, crash-recoverable log with self-checksummed entries,
// two-phase segment rotation, and ordered replay.
package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"encoding/json"

	"github.com/dshills/agentrt/internal/atomicfile"
	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/internal/filelock"
	"github.com/dshills/agentrt/obslog"
	"github.com/dshills/agentrt/obsmetrics"
)

const (
	defaultMaxSegmentSize = 10 * 1024 * 1024
	defaultMaxSegmentAge  = time.Hour

	checkpointFileName = "checkpoint.json"
	lockFileName       = "wal.lock"
)

// Config configures a Manager.
type Config struct {
	// Dir is the WAL directory. Required.
	Dir string

	// MaxSegmentSize triggers rotation once the active segment reaches
	// this many bytes. Defaults to 10 MiB.
	MaxSegmentSize int64

	// MaxSegmentAge triggers rotation once the active segment is at least
	// this old. Defaults to 1 hour.
	MaxSegmentAge time.Duration

	// RetentionSegments bounds how many segments (closed + active) are
	// kept after a rotation prunes older ones. Zero means unlimited.
	RetentionSegments int

	// HashContent controls whether Append computes a content checksum in
	// addition to the entry's self-checksum. Off by default since not
	// every caller attaches Content.
	HashContent bool

	Clock   clock.Clock
	Logger  obslog.Logger
	Metrics *obsmetrics.Metrics
}

// Manager is the single-writer owner of one WAL directory.
type Manager struct {
	dir               string
	maxSegmentSize    int64
	maxSegmentAge     time.Duration
	retentionSegments int
	hashContent       bool
	clock             clock.Clock
	logger            obslog.Logger
	metrics           *obsmetrics.Metrics

	lock *filelock.Lock

	mu         sync.Mutex
	checkpoint Checkpoint
	active     *segment
	closed     bool
}

// Open acquires the exclusive lock on dir/wal.lock, writes dir/wal.pid, and
// loads (or initialises) the checkpoint, resuming any rotation that was
// interrupted by a prior crash. Returns an *Error with Code "wal_locked"
// and the blocking PID if another live process already holds the lock.
func Open(cfg Config) (*Manager, error) {
	dir := cfg.Dir
	if dir == "" {
		return nil, fmt.Errorf("wal: Dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	lock, err := filelock.TryLock(filepath.Join(dir, lockFileName))
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return nil, &Error{Code: "wal_locked", PID: readPIDFile(dir), Err: ErrLocked}
		}
		return nil, fmt.Errorf("wal: acquire lock: %w", err)
	}

	if err := writePIDFile(dir); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("wal: write pid file: %w", err)
	}

	maxSize := cfg.MaxSegmentSize
	if maxSize <= 0 {
		maxSize = defaultMaxSegmentSize
	}
	maxAge := cfg.MaxSegmentAge
	if maxAge <= 0 {
		maxAge = defaultMaxSegmentAge
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System{}
	}

	m := &Manager{
		dir:               dir,
		maxSegmentSize:    maxSize,
		maxSegmentAge:     maxAge,
		retentionSegments: cfg.RetentionSegments,
		hashContent:       cfg.HashContent,
		clock:             c,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		lock:              lock,
	}

	if err := m.loadOrInitCheckpoint(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if err := m.resumeRotation(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if err := m.openActiveSegment(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	return m, nil
}

// Append writes one entry for the given operation, path, and optional
// content, fsyncs the segment, and rotates if the active segment now meets
// the size or age threshold.
func (m *Manager) Append(op Op, path string, content []byte) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Entry{}, ErrClosed
	}

	nextSeq := m.checkpoint.LastSeq + 1
	e := Entry{
		Seq:       nextSeq,
		Timestamp: m.clock.Now(),
		Op:        op,
		Path:      path,
	}
	if content != nil {
		e.Content = content
		if m.hashContent {
			e.ContentChecksum = contentChecksum(content)
		}
	}
	if err := e.sign(); err != nil {
		return Entry{}, fmt.Errorf("wal: sign entry: %w", err)
	}

	if err := m.active.appendLine(e); err != nil {
		return Entry{}, err
	}
	m.metrics.IncrementWALSyncs()
	m.checkpoint.LastSeq = nextSeq

	if idx := m.checkpoint.segmentIndex(m.active.meta.ID); idx >= 0 {
		m.checkpoint.Segments[idx] = m.active.meta
	}

	if m.needsRotation() {
		if err := m.rotate(); err != nil {
			m.logWarn("wal segment rotation failed", obslog.F("error", err.Error()))
		}
	}

	return e, nil
}

func (m *Manager) needsRotation() bool {
	if m.active == nil {
		return false
	}
	if m.active.meta.Size >= m.maxSegmentSize {
		return true
	}
	return m.clock.Now().Sub(m.active.meta.CreatedAt) >= m.maxSegmentAge
}

// rotate runs the two-phase rotation protocol: persist the checkpoint with
// phase "checkpoint_written" first, then perform the actual segment swap
// under phase "rotating", finishing at phase "none". A crash between the
// two phases leaves enough state in the checkpoint for resumeRotation to
// complete the swap on the next Open.
func (m *Manager) rotate() error {
	m.checkpoint.RotationPhase = PhaseCheckpointWritten
	if err := m.persistCheckpoint(); err != nil {
		return err
	}
	return m.finishRotation()
}

func (m *Manager) finishRotation() error {
	m.checkpoint.RotationPhase = PhaseRotating
	if err := m.persistCheckpoint(); err != nil {
		return err
	}

	now := m.clock.Now()
	if m.active != nil {
		if err := m.active.close(); err != nil {
			m.logWarn("wal: failed to close rotating segment", obslog.F("error", err.Error()))
		}
		if idx := m.checkpoint.segmentIndex(m.active.meta.ID); idx >= 0 {
			closedAt := now
			m.checkpoint.Segments[idx] = m.active.meta
			m.checkpoint.Segments[idx].ClosedAt = &closedAt
		}
	}

	newMeta := SegmentMeta{ID: segmentFileName(now.UnixNano()), CreatedAt: now}
	newSeg, err := openSegmentForAppend(m.dir, newMeta)
	if err != nil {
		return fmt.Errorf("wal: open new segment: %w", err)
	}
	m.active = newSeg
	m.checkpoint.ActiveSegmentID = newMeta.ID
	m.checkpoint.Segments = append(m.checkpoint.Segments, newMeta)

	m.pruneRetention()

	m.checkpoint.RotationPhase = PhaseNone
	if err := m.persistCheckpoint(); err != nil {
		return err
	}
	m.metrics.IncrementWALRotations()
	return nil
}

// pruneRetention removes the oldest closed segments once the segment count
// exceeds RetentionSegments. The active segment is never pruned.
func (m *Manager) pruneRetention() {
	if m.retentionSegments <= 0 || len(m.checkpoint.Segments) <= m.retentionSegments {
		return
	}
	excess := len(m.checkpoint.Segments) - m.retentionSegments
	kept := m.checkpoint.Segments[:0]
	removed := 0
	for _, seg := range m.checkpoint.Segments {
		if removed < excess && seg.ID != m.checkpoint.ActiveSegmentID {
			_ = os.Remove(filepath.Join(m.dir, seg.ID))
			removed++
			continue
		}
		kept = append(kept, seg)
	}
	m.checkpoint.Segments = kept
}

// resumeRotation inspects the loaded checkpoint's rotation phase and
// completes any rotation a prior process left in progress:
// checkpoint_written resets to none, rotating re-runs phase 2.
func (m *Manager) resumeRotation() error {
	switch m.checkpoint.RotationPhase {
	case PhaseCheckpointWritten:
		m.checkpoint.RotationPhase = PhaseNone
		return m.persistCheckpoint()
	case PhaseRotating:
		now := m.clock.Now()
		for i := range m.checkpoint.Segments {
			if m.checkpoint.Segments[i].ID != m.checkpoint.ActiveSegmentID && m.checkpoint.Segments[i].ClosedAt == nil {
				m.checkpoint.Segments[i].ClosedAt = &now
			}
		}
		m.checkpoint.RotationPhase = PhaseNone
		return m.persistCheckpoint()
	default:
		return nil
	}
}

// openActiveSegment opens (creating if necessary) the segment named by the
// checkpoint's ActiveSegmentID, recomputing its size and entry count from
// disk since the persisted metadata may predate a crash mid-append.
func (m *Manager) openActiveSegment() error {
	idx := m.checkpoint.segmentIndex(m.checkpoint.ActiveSegmentID)
	var meta SegmentMeta
	if idx >= 0 {
		meta = m.checkpoint.Segments[idx]
	} else {
		meta = SegmentMeta{ID: m.checkpoint.ActiveSegmentID, CreatedAt: m.clock.Now()}
	}

	path := filepath.Join(m.dir, meta.ID)
	if info, err := os.Stat(path); err == nil {
		meta.Size = info.Size()
		if entries, rerr := readSegmentLines(path); rerr == nil || errors.Is(rerr, ErrCorruptEntry) {
			meta.EntryCount = len(entries)
			if n := len(entries); n > 0 && entries[n-1].Seq > m.checkpoint.LastSeq {
				m.checkpoint.LastSeq = entries[n-1].Seq
			}
		}
	}

	seg, err := openSegmentForAppend(m.dir, meta)
	if err != nil {
		return err
	}
	m.active = seg

	if idx >= 0 {
		m.checkpoint.Segments[idx] = meta
	} else {
		m.checkpoint.Segments = append(m.checkpoint.Segments, meta)
		m.checkpoint.ActiveSegmentID = meta.ID
	}
	return nil
}

// Replay iterates every known segment in creation order, verifying each
// entry's self-checksum and invoking callback in sequence order. The first
// checksum failure (or malformed line) inside a segment truncates replay of
// that segment only; later segments are still replayed.
func (m *Manager) Replay(callback func(Entry) error) (replayed int, errCount int, err error) {
	m.mu.Lock()
	segs := make([]SegmentMeta, len(m.checkpoint.Segments))
	copy(segs, m.checkpoint.Segments)
	m.mu.Unlock()

	for _, seg := range segs {
		path := filepath.Join(m.dir, seg.ID)
		entries, rerr := readSegmentLines(path)
		if rerr != nil && !errors.Is(rerr, ErrCorruptEntry) {
			errCount++
			continue
		}

		for _, e := range entries {
			if !e.verify() {
				errCount++
				break
			}
			if cbErr := callback(e); cbErr != nil {
				return replayed, errCount, cbErr
			}
			replayed++
		}
		if rerr != nil {
			errCount++
		}
	}
	return replayed, errCount, nil
}

// Checkpoint returns a snapshot of the manager's current checkpoint state,
// for diagnostics and tests.
func (m *Manager) Checkpoint() Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint.clone()
}

// Close closes the active segment, releases the directory lock, and
// removes the pid file. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	if m.active != nil {
		if err := m.active.close(); err != nil {
			firstErr = err
		}
	}
	if err := m.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = os.Remove(filepath.Join(m.dir, pidFileName))
	return firstErr
}

func (m *Manager) loadOrInitCheckpoint() error {
	path := filepath.Join(m.dir, checkpointFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("wal: read checkpoint: %w", err)
		}
		now := m.clock.Now()
		meta := SegmentMeta{ID: segmentFileName(now.UnixNano()), CreatedAt: now}
		m.checkpoint = Checkpoint{
			ActiveSegmentID:  meta.ID,
			Segments:         []SegmentMeta{meta},
			LastCheckpointAt: now,
			RotationPhase:    PhaseNone,
		}
		return m.persistCheckpoint()
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("wal: parse checkpoint: %w", err)
	}
	m.checkpoint = cp
	return nil
}

func (m *Manager) persistCheckpoint() error {
	m.checkpoint.LastCheckpointAt = m.clock.Now()
	data, err := json.MarshalIndent(m.checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("wal: marshal checkpoint: %w", err)
	}
	return atomicfile.WriteAndFsync(filepath.Join(m.dir, checkpointFileName), data, ".tmp", 0o644)
}

func (m *Manager) logWarn(msg string, fields ...obslog.Field) {
	if m.logger != nil {
		m.logger.Warn(msg, fields...)
	}
}
