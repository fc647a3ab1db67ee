package mirror

import (
	"context"
	"path/filepath"
	"testing"
)

func newSQLiteMirror(t *testing.T) *SQLiteMirror {
	t.Helper()
	m, err := NewSQLiteMirror(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("NewSQLiteMirror: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRecordWriteThenLatestEpoch(t *testing.T) {
	m := newSQLiteMirror(t)
	ctx := context.Background()

	for epoch := uint64(1); epoch <= 3; epoch++ {
		if err := m.RecordWrite(ctx, "idempotency", epoch, 1, map[string]any{"epoch": epoch}); err != nil {
			t.Fatalf("RecordWrite: %v", err)
		}
	}

	epoch, ok, err := m.LatestEpoch(ctx, "idempotency")
	if err != nil {
		t.Fatalf("LatestEpoch: %v", err)
	}
	if !ok || epoch != 3 {
		t.Fatalf("expected epoch 3, got %d ok=%v", epoch, ok)
	}
}

func TestLatestEpochEmptyStore(t *testing.T) {
	m := newSQLiteMirror(t)

	_, ok, err := m.LatestEpoch(context.Background(), "nothing")
	if err != nil {
		t.Fatalf("LatestEpoch: %v", err)
	}
	if ok {
		t.Fatal("expected no rows for an unmirrored store")
	}
}

func TestRecordWriteIgnoresDuplicateEpoch(t *testing.T) {
	m := newSQLiteMirror(t)
	ctx := context.Background()

	if err := m.RecordWrite(ctx, "s", 1, 1, "first"); err != nil {
		t.Fatalf("RecordWrite: %v", err)
	}
	if err := m.RecordWrite(ctx, "s", 1, 1, "replay"); err != nil {
		t.Fatalf("duplicate RecordWrite should be ignored, got %v", err)
	}
}

func TestRecordWriteAfterCloseFails(t *testing.T) {
	m := newSQLiteMirror(t)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.RecordWrite(context.Background(), "s", 1, 1, nil); err == nil {
		t.Fatal("expected an error after Close")
	}
}
