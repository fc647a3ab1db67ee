// Package mirror provides optional, explicitly non-authoritative read
// models of resilient-store writes, for operators who want to query store
// history with SQL rather than re-deriving it from the JSON-file-per-store
// layout. Neither mirror here is ever consulted by kvstore.Store.Get — the
// JSON files remain the sole source of truth, matching the system's
// non-goal of "queryable indexes over persisted state" as anything but a
// best-effort side channel.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteMirror appends a row per store write to a local SQLite database.
// It is synchronous (the caller controls whether mirroring is on the
// write's critical path) but failures never propagate as kvstore errors —
// callers log them and move on.
type SQLiteMirror struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteMirror opens (creating if absent) a SQLite database at path and
// ensures the snapshot table exists.
func NewSQLiteMirror(path string) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mirror: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mirror: %s: %w", pragma, err)
		}
	}

	m := &SQLiteMirror{db: db, path: path}
	if err := m.createTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *SQLiteMirror) createTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS store_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			store_name TEXT NOT NULL,
			write_epoch INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			payload TEXT NOT NULL,
			recorded_at DATETIME NOT NULL,
			UNIQUE(store_name, write_epoch)
		)
	`)
	if err != nil {
		return fmt.Errorf("mirror: create table: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_store_snapshots_name ON store_snapshots(store_name)
	`)
	if err != nil {
		return fmt.Errorf("mirror: create index: %w", err)
	}
	return nil
}

// RecordWrite inserts a best-effort snapshot row for a single store write.
// A duplicate (store_name, write_epoch) is silently ignored: the mirror may
// legitimately replay a write it already recorded.
func (m *SQLiteMirror) RecordWrite(ctx context.Context, storeName string, writeEpoch uint64, schemaVersion int, payload any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("mirror: closed")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mirror: marshal payload: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO store_snapshots (store_name, write_epoch, schema_version, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, storeName, writeEpoch, schemaVersion, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mirror: insert: %w", err)
	}
	return nil
}

// LatestEpoch returns the highest write_epoch recorded for storeName, or
// (0, false) if nothing has been mirrored yet. Diagnostic only.
func (m *SQLiteMirror) LatestEpoch(ctx context.Context, storeName string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, false, fmt.Errorf("mirror: closed")
	}

	var epoch uint64
	err := m.db.QueryRowContext(ctx, `
		SELECT write_epoch FROM store_snapshots WHERE store_name = ? ORDER BY write_epoch DESC LIMIT 1
	`, storeName).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("mirror: query latest epoch: %w", err)
	}
	return epoch, true, nil
}

// Close closes the underlying database handle. Idempotent.
func (m *SQLiteMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Path returns the database file path this mirror was opened with.
func (m *SQLiteMirror) Path() string { return m.path }
