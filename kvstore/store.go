// Package kvstore implements the resilient, crash-safe, single-file-per-
// store JSON persistence layer: at-most-one durable value per store,
// survivable across process crashes, torn writes, and partial filesystems.
package kvstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dshills/agentrt/internal/atomicfile"
	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/obslog"
	"github.com/dshills/agentrt/obsmetrics"
)

const (
	reservedSchemaVersion = "schemaVersion"
	reservedWriteEpoch    = "writeEpoch"

	quarantineRetention = 7 * 24 * time.Hour

	defaultLeaseWarning = 30 * time.Second
)

// MigrationFunc upgrades a record's raw field map from one schema version to
// the next. It receives the record as decoded JSON (minus the reserved
// fields) and must return the upgraded form. Migrations are applied
// sequentially from the loaded version up to Config.SchemaVersion.
type MigrationFunc func(map[string]any) (map[string]any, error)

// Config configures a Store.
type Config struct {
	// Path is the primary file path, e.g. "<dataDir>/<name>.json".
	Path string

	// SchemaVersion is the current schema version this binary understands.
	// Defaults to 1 if zero.
	SchemaVersion int

	// Migrations maps "from version" to the function that upgrades a
	// record at that version to from+1. A record loaded at version V is
	// migrated by applying Migrations[V], Migrations[V+1], ... in sequence
	// until it reaches SchemaVersion.
	Migrations map[int]MigrationFunc

	// MaxSizeBytes bounds the serialised record size. Zero means
	// unlimited.
	MaxSizeBytes int

	// LeaseWarning is the interval after which a writer still holding the
	// store's write lock logs a diagnostic warning. It never releases the
	// lock. Defaults to 30s.
	LeaseWarning time.Duration

	// Mirror, if set, receives a best-effort notification after every
	// committed write.
	Mirror Mirror

	Clock   clock.Clock
	Logger  obslog.Logger
	Metrics *obsmetrics.Metrics
}

// Store is a crash-safe, single-file JSON persistence boundary for one
// typed value T.
type Store[T any] struct {
	path         string
	name         string
	schemaVer    int
	migrations   map[int]MigrationFunc
	maxSize      int
	leaseWarning time.Duration
	mirror       Mirror
	clock        clock.Clock
	logger       obslog.Logger
	metrics      *obsmetrics.Metrics

	mu    sync.Mutex
	epoch int64 // -1 until the first successful write this process has observed
}

// New constructs a Store rooted at cfg.Path. It does not touch the
// filesystem; the first Get or Set establishes the on-disk state.
func New[T any](cfg Config) *Store[T] {
	schemaVer := cfg.SchemaVersion
	if schemaVer == 0 {
		schemaVer = 1
	}
	leaseWarning := cfg.LeaseWarning
	if leaseWarning <= 0 {
		leaseWarning = defaultLeaseWarning
	}
	c := cfg.Clock
	if c == nil {
		c = clock.System{}
	}

	return &Store[T]{
		path:         cfg.Path,
		name:         strings.TrimSuffix(filepath.Base(cfg.Path), ".json"),
		schemaVer:    schemaVer,
		migrations:   cfg.Migrations,
		maxSize:      cfg.MaxSizeBytes,
		leaseWarning: leaseWarning,
		mirror:       cfg.Mirror,
		clock:        c,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		epoch:        -1,
	}
}

func (s *Store[T]) backupPath() string { return s.path + ".bak" }

func (s *Store[T]) tmpSuffix() string { return fmt.Sprintf(".%d.tmp", os.Getpid()) }

// diskRecord is the on-disk shape: reserved fields plus a free-form payload
// map, so that marshaling naturally sorts keys lexicographically (Go's
// encoding/json sorts map[string]any keys) and migrations can operate on
// raw fields without committing to T's shape.
type diskRecord struct {
	schemaVersion int
	writeEpoch    uint64
	fields        map[string]any
}

func decodeDiskRecord(data []byte) (diskRecord, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return diskRecord{}, err
	}

	rec := diskRecord{fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case reservedSchemaVersion:
			n, ok := toInt(v)
			if !ok {
				return diskRecord{}, fmt.Errorf("kvstore: non-numeric %s", reservedSchemaVersion)
			}
			rec.schemaVersion = n
		case reservedWriteEpoch:
			n, ok := toInt(v)
			if !ok {
				return diskRecord{}, fmt.Errorf("kvstore: non-numeric %s", reservedWriteEpoch)
			}
			rec.writeEpoch = uint64(n)
		default:
			rec.fields[k] = v
		}
	}
	return rec, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func (rec diskRecord) marshal() ([]byte, error) {
	out := make(map[string]any, len(rec.fields)+2)
	for k, v := range rec.fields {
		out[k] = v
	}
	out[reservedSchemaVersion] = rec.schemaVersion
	out[reservedWriteEpoch] = rec.writeEpoch
	return json.Marshal(out)
}

func (rec diskRecord) decodePayload(dst any) error {
	data, err := json.Marshal(rec.fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func payloadFields(value any) (map[string]any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// Get returns the store's current value. A never-written or fully corrupt
// store returns (zero, false, nil) rather than an error: the fallback chain
// and quarantine path mean "absent" is a legitimate, non-erroneous outcome.
func (s *Store[T]) Get() (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked()
}

func (s *Store[T]) getLocked() (T, bool, error) {
	var zero T

	rec, epoch, found, corrupt := s.readFallbackChain()
	if !found {
		if len(corrupt) > 0 {
			s.quarantine(corrupt)
		}
		return zero, false, nil
	}

	if rec.schemaVersion < s.schemaVer {
		migrated, err := s.migrate(rec)
		if err != nil {
			return zero, false, err
		}
		rec = migrated
		// Persist the migrated form immediately so subsequent reads are
		// already current.
		if werr := s.writeLocked(rec.fields, epoch+1); werr != nil {
			s.logWarn("failed to persist migrated record", obslog.F("error", werr.Error()))
		} else {
			epoch++
		}
	}

	s.epoch = int64(epoch)

	var dst T
	if err := rec.decodePayload(&dst); err != nil {
		return zero, false, wrapIO(err)
	}
	return dst, true, nil
}

// readFallbackChain implements the read protocol: primary, then .bak, then
// any leftover .tmp with a strictly greater epoch than the primary's (or
// unconditionally if neither primary nor backup parse). It returns the
// winning record and its epoch, or found=false plus the list of unreadable
// candidate paths to quarantine.
func (s *Store[T]) readFallbackChain() (rec diskRecord, epoch uint64, found bool, corrupt []string) {
	primaryRec, primaryErr := s.readOne(s.path)
	if primaryErr == nil {
		rec, epoch = primaryRec, primaryRec.writeEpoch
		found = true
	} else if !os.IsNotExist(primaryErr) {
		corrupt = append(corrupt, s.path)
	}

	bakRec, bakErr := s.readOne(s.backupPath())
	if bakErr == nil {
		if !found {
			rec, epoch, found = bakRec, bakRec.writeEpoch, true
		}
	} else if !os.IsNotExist(bakErr) {
		corrupt = append(corrupt, s.backupPath())
	}

	tmpRec, tmpPath, tmpEpoch, tmpFound := s.bestLeftoverTmp()
	if tmpFound {
		if !found || tmpEpoch > epoch {
			rec, epoch, found = tmpRec, tmpEpoch, true
		}
		// Any other stale tmp (lower epoch) is cleaned up below; the
		// winning tmp itself is left for the caller's eventual rewrite.
		_ = tmpPath
	}
	s.cleanStaleTmps(epoch, found)

	return rec, epoch, found, corrupt
}

func (s *Store[T]) readOne(path string) (diskRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return diskRecord{}, err
	}
	return decodeDiskRecord(data)
}

// bestLeftoverTmp scans the store's directory for "<base>.<pid>.tmp"
// siblings and returns the one with the highest write epoch, if any parse.
func (s *Store[T]) bestLeftoverTmp() (rec diskRecord, path string, epoch uint64, found bool) {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return diskRecord{}, "", 0, false
	}

	type candidate struct {
		path string
		rec  diskRecord
	}
	var candidates []candidate
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base+".") || !strings.HasSuffix(name, ".tmp") {
			continue
		}
		full := filepath.Join(dir, name)
		r, err := s.readOne(full)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: full, rec: r})
	}
	if len(candidates) == 0 {
		return diskRecord{}, "", 0, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].rec.writeEpoch > candidates[j].rec.writeEpoch
	})
	best := candidates[0]
	return best.rec, best.path, best.rec.writeEpoch, true
}

// cleanStaleTmps deletes leftover .tmp files whose epoch is lower than the
// winning epoch (or all of them if nothing else was found).
func (s *Store[T]) cleanStaleTmps(winningEpoch uint64, found bool) {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, base+".") || !strings.HasSuffix(name, ".tmp") {
			continue
		}
		full := filepath.Join(dir, name)
		r, err := s.readOne(full)
		if err != nil {
			continue
		}
		if !found || r.writeEpoch < winningEpoch {
			_ = os.Remove(full)
		}
	}
}

func (s *Store[T]) migrate(rec diskRecord) (diskRecord, error) {
	for v := rec.schemaVersion; v < s.schemaVer; v++ {
		fn, ok := s.migrations[v]
		if !ok {
			return diskRecord{}, &Error{Code: "missing_migration", Err: ErrMissingMigration}
		}
		migrated, err := fn(rec.fields)
		if err != nil {
			return diskRecord{}, fmt.Errorf("kvstore: migration from v%d: %w", v, err)
		}
		rec.fields = migrated
		rec.schemaVersion = v + 1
	}
	return rec, nil
}

// Exists reports whether the store currently resolves to a value.
func (s *Store[T]) Exists() (bool, error) {
	_, ok, err := s.Get()
	return ok, err
}

// Set atomically persists value as the store's new content.
func (s *Store[T]) Set(value T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, err := payloadFields(value)
	if err != nil {
		return wrapIO(err)
	}

	if s.epoch < 0 {
		// Establish the current epoch from disk if this is the first
		// write this process instance has performed.
		s.epoch = s.currentEpochLocked()
	}

	nextEpoch := uint64(s.epoch + 1)
	return s.writeLocked(fields, nextEpoch)
}

// currentEpochLocked returns the epoch of whatever the fallback chain
// currently resolves to, or -1 if nothing resolves (so the next write uses
// epoch 0).
func (s *Store[T]) currentEpochLocked() int64 {
	_, epoch, found, corrupt := s.readFallbackChain()
	if len(corrupt) > 0 {
		s.quarantine(corrupt)
	}
	if !found {
		return -1
	}
	return int64(epoch)
}

// writeLocked performs the write protocol: serialise with nextEpoch, write
// to a per-process temp file, fsync, rotate primary to backup
// (best-effort), rename temp into place, fsync the directory.
func (s *Store[T]) writeLocked(fields map[string]any, nextEpoch uint64) (err error) {
	rec := diskRecord{schemaVersion: s.schemaVer, writeEpoch: nextEpoch, fields: fields}
	data, err := rec.marshal()
	if err != nil {
		s.metrics.IncrementKVWrites("io_error")
		return wrapIO(err)
	}
	if s.maxSize > 0 && len(data) > s.maxSize {
		s.metrics.IncrementKVWrites("size_exceeded")
		return &Error{Code: "size_exceeded", Err: ErrSizeExceeded}
	}

	if derr := os.MkdirAll(filepath.Dir(s.path), 0o755); derr != nil {
		s.metrics.IncrementKVWrites("io_error")
		return wrapIO(derr)
	}

	tmpPath, werr := atomicfile.WriteTempFsynced(s.path, data, s.tmpSuffix(), 0o644)
	if werr != nil {
		s.metrics.IncrementKVWrites("io_error")
		return wrapIO(werr)
	}

	// Rotate primary to backup before replacing it. Best-effort: the first
	// write has no primary to rotate.
	if _, statErr := os.Stat(s.path); statErr == nil {
		_ = os.Rename(s.path, s.backupPath())
	}

	if rerr := os.Rename(tmpPath, s.path); rerr != nil {
		_ = os.Remove(tmpPath)
		s.metrics.IncrementKVWrites("io_error")
		return wrapIO(rerr)
	}

	if derr := atomicfile.FsyncDir(filepath.Dir(s.path)); derr != nil {
		s.logWarn("fsync directory failed after write", obslog.F("error", derr.Error()))
	}

	s.epoch = int64(nextEpoch)
	s.metrics.IncrementKVWrites("ok")
	s.notifyMirror(nextEpoch, fields)
	return nil
}

// Clear removes the store's primary, backup, and any leftover temp files,
// returning it to the "absent" state.
func (s *Store[T]) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.path, s.backupPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return wrapIO(err)
		}
	}
	s.cleanStaleTmps(0, false)
	s.epoch = -1
	return nil
}

// quarantine moves every unreadable candidate path aside to
// "<path>.quarantine.<unixnano>" so a corrupt file never masquerades as a
// valid source on a later run.
func (s *Store[T]) quarantine(paths []string) {
	ts := s.clock.Now().UnixNano()
	for _, p := range paths {
		dest := fmt.Sprintf("%s.quarantine.%d", p, ts)
		if err := os.Rename(p, dest); err != nil && !os.IsNotExist(err) {
			s.logWarn("failed to quarantine corrupt store file", obslog.F("path", p), obslog.F("error", err.Error()))
		}
	}
}

// CleanupQuarantine deletes quarantine siblings older than seven days,
// returning the number removed.
func (s *Store[T]) CleanupQuarantine() (int, error) {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, wrapIO(err)
	}

	cutoff := s.clock.Now().Add(-quarantineRetention)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		marker := base + ".quarantine."
		if !strings.HasPrefix(name, marker) {
			continue
		}
		nanos, err := strconv.ParseInt(strings.TrimPrefix(name, marker), 10, 64)
		if err != nil {
			continue
		}
		if time.Unix(0, nanos).Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, name)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// WriteEpoch returns the last epoch this process instance observed,
// primarily for diagnostics and tests asserting monotonicity.
func (s *Store[T]) WriteEpoch() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch < 0 {
		return 0, false
	}
	return uint64(s.epoch), true
}

func (s *Store[T]) logWarn(msg string, fields ...obslog.Field) {
	if s.logger != nil {
		s.logger.Warn(msg, fields...)
	}
}
