package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dshills/agentrt/obslog"
)

// snapshotJob is one queued write for the background MySQL writer.
type snapshotJob struct {
	storeName     string
	writeEpoch    uint64
	schemaVersion int
	payload       json.RawMessage
}

// MySQLMirror is a write-behind, best-effort mirror for teams running a
// shared MySQL instance for cross-host reporting. Writes are buffered on a
// channel and applied by a single background goroutine so that a slow or
// unavailable database never adds latency to a store write; a full buffer
// drops the new job and counts it, rather than blocking.
type MySQLMirror struct {
	db     *sql.DB
	logger obslog.Logger

	jobs   chan snapshotJob
	done   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	droppedMu sync.Mutex
	dropped   int
}

// MySQLMirrorConfig configures connection pooling and buffering.
type MySQLMirrorConfig struct {
	DSN            string
	QueueDepth     int // default 256
	Logger         obslog.Logger
	MaxOpenConns   int           // default 10
	MaxIdleConns   int           // default 2
	ConnMaxLife    time.Duration // default 5m
	ConnMaxIdle    time.Duration // default 10m
	ConnectTimeout time.Duration // default 5s
}

// NewMySQLMirror opens a pooled MySQL connection, verifies it, creates the
// snapshot table, and starts the background writer goroutine.
func NewMySQLMirror(cfg MySQLMirrorConfig) (*MySQLMirror, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mirror: open mysql: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 2
	}
	connLife := cfg.ConnMaxLife
	if connLife == 0 {
		connLife = 5 * time.Minute
	}
	connIdle := cfg.ConnMaxIdle
	if connIdle == 0 {
		connIdle = 10 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLife)
	db.SetConnMaxIdleTime(connIdle)

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mirror: ping mysql: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS store_snapshots (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			store_name VARCHAR(255) NOT NULL,
			write_epoch BIGINT NOT NULL,
			schema_version INT NOT NULL,
			payload JSON NOT NULL,
			recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY unique_store_epoch (store_name, write_epoch)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mirror: create table: %w", err)
	}

	depth := cfg.QueueDepth
	if depth == 0 {
		depth = 256
	}

	m := &MySQLMirror{
		db:     db,
		logger: cfg.Logger,
		jobs:   make(chan snapshotJob, depth),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m, nil
}

// RecordWrite enqueues a snapshot for asynchronous application. It never
// blocks on the database (ctx gates only the enqueue, which is
// non-blocking anyway); a full queue drops the new job and increments a
// counter retrievable via Dropped.
func (m *MySQLMirror) RecordWrite(ctx context.Context, storeName string, writeEpoch uint64, schemaVersion int, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mirror: marshal payload: %w", err)
	}

	job := snapshotJob{storeName: storeName, writeEpoch: writeEpoch, schemaVersion: schemaVersion, payload: data}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("mirror: closed")
	}

	select {
	case m.jobs <- job:
		return nil
	default:
		m.droppedMu.Lock()
		m.dropped++
		m.droppedMu.Unlock()
		if m.logger != nil {
			m.logger.Warn("mysql mirror queue full, dropping snapshot",
				obslog.F("store", storeName), obslog.F("writeEpoch", writeEpoch))
		}
		return nil
	}
}

func (m *MySQLMirror) run() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.jobs:
			m.apply(job)
		case <-m.done:
			// Drain whatever is left without blocking indefinitely.
			for {
				select {
				case job := <-m.jobs:
					m.apply(job)
				default:
					return
				}
			}
		}
	}
}

func (m *MySQLMirror) apply(job snapshotJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.db.ExecContext(ctx, `
		INSERT IGNORE INTO store_snapshots (store_name, write_epoch, schema_version, payload)
		VALUES (?, ?, ?, ?)
	`, job.storeName, job.writeEpoch, job.schemaVersion, []byte(job.payload))
	if err != nil && m.logger != nil {
		m.logger.Warn("mysql mirror insert failed",
			obslog.F("store", job.storeName), obslog.F("error", err.Error()))
	}
}

// Dropped returns the number of snapshots dropped because the queue was
// full.
func (m *MySQLMirror) Dropped() int {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.dropped
}

// Close stops accepting new writes, drains the queue, and closes the pool.
func (m *MySQLMirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return m.db.Close()
}
