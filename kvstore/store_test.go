package kvstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSetThenGetRoundtrips(t *testing.T) {
	dir := t.TempDir()
	s := New[widget](Config{Path: filepath.Join(dir, "widgets.json")})

	want := widget{Name: "gizmo", Count: 3}
	if err := s.Set(want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("Get: expected value, got absent")
	}
	if got != want {
		t.Fatalf("Get: got %+v, want %+v", got, want)
	}
}

func TestWriteEpochStrictlyIncreases(t *testing.T) {
	dir := t.TempDir()
	s := New[widget](Config{Path: filepath.Join(dir, "widgets.json")})

	var last uint64
	for i := 0; i < 5; i++ {
		if err := s.Set(widget{Name: "w", Count: i}); err != nil {
			t.Fatalf("Set #%d: %v", i, err)
		}
		epoch, ok := s.WriteEpoch()
		if !ok {
			t.Fatalf("WriteEpoch: expected a value after Set #%d", i)
		}
		if i > 0 && epoch <= last {
			t.Fatalf("WriteEpoch: not strictly increasing: %d then %d", last, epoch)
		}
		last = epoch
	}
}

func TestGetAbsentBeforeAnySet(t *testing.T) {
	dir := t.TempDir()
	s := New[widget](Config{Path: filepath.Join(dir, "widgets.json")})

	_, ok, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get: expected absent before any Set")
	}
}

func TestCrashRecoveryFallsBackToBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.json")
	s := New[widget](Config{Path: path})

	if err := s.Set(widget{Name: "first", Count: 1}); err != nil {
		t.Fatalf("Set #1: %v", err)
	}
	if err := s.Set(widget{Name: "second", Count: 2}); err != nil {
		t.Fatalf("Set #2: %v", err)
	}

	// Simulate a crash that left the primary corrupt (a torn write) but an
	// intact backup from the previous successful write.
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("corrupt primary: %v", err)
	}

	fresh := New[widget](Config{Path: path})
	got, ok, err := fresh.Get()
	if err != nil {
		t.Fatalf("Get after corruption: %v", err)
	}
	if !ok {
		t.Fatalf("Get after corruption: expected backup fallback, got absent")
	}
	if got.Name != "first" {
		t.Fatalf("Get after corruption: got %+v, want backup value", got)
	}
}

func TestQuarantineOnTotalCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.json")

	if err := os.WriteFile(path, []byte("not json at all"), 0o644); err != nil {
		t.Fatalf("seed corrupt primary: %v", err)
	}

	s := New[widget](Config{Path: path})
	_, ok, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get: expected absent for total corruption")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) != "" && len(e.Name()) > len("widgets.json.quarantine.") &&
			e.Name()[:len("widgets.json.quarantine.")] == "widgets.json.quarantine." {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a quarantine file, got entries: %v", entries)
	}
}

func TestMigrationAppliesSequentially(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.json")

	v1 := New[widget](Config{Path: path, SchemaVersion: 1})
	if err := v1.Set(widget{Name: "legacy", Count: 1}); err != nil {
		t.Fatalf("Set v1: %v", err)
	}

	migrations := map[int]MigrationFunc{
		1: func(fields map[string]any) (map[string]any, error) {
			fields["count"] = int(fields["count"].(float64)) * 10
			return fields, nil
		},
	}
	v2 := New[widget](Config{Path: path, SchemaVersion: 2, Migrations: migrations})
	got, ok, err := v2.Get()
	if err != nil {
		t.Fatalf("Get after migration: %v", err)
	}
	if !ok {
		t.Fatalf("Get after migration: expected a value")
	}
	if got.Count != 10 {
		t.Fatalf("Get after migration: got count %d, want 10", got.Count)
	}
}

func TestMissingMigrationFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.json")

	v1 := New[widget](Config{Path: path, SchemaVersion: 1})
	if err := v1.Set(widget{Name: "legacy", Count: 1}); err != nil {
		t.Fatalf("Set v1: %v", err)
	}

	v3 := New[widget](Config{Path: path, SchemaVersion: 3})
	_, _, err := v3.Get()
	if err == nil {
		t.Fatalf("Get: expected missing_migration error")
	}
}

func TestSizeExceeded(t *testing.T) {
	dir := t.TempDir()
	s := New[widget](Config{Path: filepath.Join(dir, "widgets.json"), MaxSizeBytes: 8})

	err := s.Set(widget{Name: "a value comfortably over the cap", Count: 1})
	if err == nil {
		t.Fatalf("Set: expected size_exceeded error")
	}
}

func TestClearRemovesValue(t *testing.T) {
	dir := t.TempDir()
	s := New[widget](Config{Path: filepath.Join(dir, "widgets.json")})

	if err := s.Set(widget{Name: "x", Count: 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	_, ok, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get: expected absent after Clear")
	}
}

type recordingMirror struct {
	names  []string
	epochs []uint64
}

func (m *recordingMirror) RecordWrite(_ context.Context, storeName string, writeEpoch uint64, _ int, _ any) error {
	m.names = append(m.names, storeName)
	m.epochs = append(m.epochs, writeEpoch)
	return nil
}

func TestSetNotifiesMirrorPerCommittedWrite(t *testing.T) {
	mir := &recordingMirror{}
	s := New[widget](Config{Path: filepath.Join(t.TempDir(), "notes.json"), Mirror: mir})

	if err := s.Set(widget{Name: "a"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(widget{Name: "b"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if len(mir.names) != 2 || mir.names[0] != "notes" {
		t.Fatalf("expected 2 mirror writes for store notes, got %+v", mir.names)
	}
	if mir.epochs[1] != mir.epochs[0]+1 {
		t.Fatalf("expected consecutive epochs, got %v", mir.epochs)
	}
}
