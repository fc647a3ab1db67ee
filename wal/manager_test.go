package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendThenReplayRoundtrips(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = m.Close() }()

	if _, err := m.Append(OpWrite, "a", []byte("1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := m.Append(OpWrite, "b", []byte("2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := m.Append(OpDelete, "a", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var seen []Entry
	replayed, errCount, err := m.Replay(func(e Entry) error {
		seen = append(seen, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if errCount != 0 {
		t.Fatalf("Replay: unexpected errCount %d", errCount)
	}
	if replayed != 3 {
		t.Fatalf("Replay: got %d entries, want 3", replayed)
	}
	for i, e := range seen {
		if e.Seq != uint64(i+1) {
			t.Fatalf("Replay: entry %d has seq %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestOpenSecondTimeWhileLockedFails(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = m.Close() }()

	_, err = Open(Config{Dir: dir})
	if err == nil {
		t.Fatalf("expected second Open to fail while first holds the lock")
	}
	var walErr *Error
	if !errors.As(err, &walErr) || walErr.Code != "wal_locked" {
		t.Fatalf("expected wal_locked error, got %v", err)
	}
	if walErr.PID != os.Getpid() {
		t.Fatalf("expected the blocking PID %d, got %d", os.Getpid(), walErr.PID)
	}
}

func TestOpenAfterCloseSucceeds(t *testing.T) {
	dir := t.TempDir()
	m1, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m1.Append(OpWrite, "a", []byte("1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = m2.Close() }()

	replayed, _, err := m2.Replay(func(Entry) error { return nil })
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if replayed != 1 {
		t.Fatalf("Replay: got %d, want 1", replayed)
	}
}

func TestRotationBySizeCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Config{Dir: dir, MaxSegmentSize: 1}) // rotate after first entry
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = m.Close() }()

	if _, err := m.Append(OpWrite, "a", []byte("1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	first := m.Checkpoint().ActiveSegmentID

	if _, err := m.Append(OpWrite, "b", []byte("2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	second := m.Checkpoint().ActiveSegmentID
	if first == second {
		t.Fatalf("expected rotation to produce a new active segment")
	}

	cp := m.Checkpoint()
	if len(cp.Segments) < 2 {
		t.Fatalf("expected at least 2 segments after rotation, got %d", len(cp.Segments))
	}
}

func TestReplayTruncatesOnCorruptEntryWithoutAffectingOtherSegments(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Config{Dir: dir, MaxSegmentSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := m.Append(OpWrite, "a", []byte("1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	firstSeg := m.Checkpoint().ActiveSegmentID
	if _, err := m.Append(OpWrite, "b", []byte("2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := m.Append(OpWrite, "c", []byte("3")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	corruptLineInPlace(t, filepath.Join(dir, firstSeg))

	m2, err := Open(Config{Dir: dir, MaxSegmentSize: 1})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = m2.Close() }()

	replayed, errCount, err := m2.Replay(func(Entry) error { return nil })
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if errCount == 0 {
		t.Fatalf("expected at least one replay error from the corrupted segment")
	}
	if replayed == 0 {
		t.Fatalf("expected later segments to still replay despite the earlier corruption")
	}
}

func corruptLineInPlace(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("segment %s is empty", path)
	}
	// Flip a byte inside the checksum field to break the self-checksum
	// without breaking the JSON structure.
	for i := len(data) - 5; i > 0; i-- {
		if data[i] >= '0' && data[i] <= '9' {
			if data[i] == '9' {
				data[i] = '0'
			} else {
				data[i]++
			}
			break
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewrite segment: %v", err)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Config{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.Append(OpWrite, "a", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRotationByAgeCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(Config{Dir: dir, MaxSegmentAge: time.Nanosecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = m.Close() }()

	if _, err := m.Append(OpWrite, "a", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	first := m.Checkpoint().ActiveSegmentID
	if _, err := m.Append(OpWrite, "b", nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	second := m.Checkpoint().ActiveSegmentID
	if first == second {
		t.Fatalf("expected age-triggered rotation")
	}
}
