package kvstore

import (
	"path/filepath"
	"time"

	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/obslog"
	"github.com/dshills/agentrt/obsmetrics"
)

// Factory produces typed single-file stores rooted at a base directory,
// so every store a deployment owns lives under one data directory with
// uniform clock/logging wiring.
type Factory struct {
	baseDir      string
	clock        clock.Clock
	logger       obslog.Logger
	leaseWarning time.Duration
	mirror       Mirror
	metrics      *obsmetrics.Metrics
}

// FactoryOption customises a Factory.
type FactoryOption func(*Factory)

// WithClock overrides the clock every store built by this factory uses.
func WithClock(c clock.Clock) FactoryOption {
	return func(f *Factory) { f.clock = c }
}

// WithLogger overrides the logger every store built by this factory uses.
func WithLogger(l obslog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// WithLeaseWarning overrides the diagnostic lease-warning interval.
func WithLeaseWarning(d time.Duration) FactoryOption {
	return func(f *Factory) { f.leaseWarning = d }
}

// WithMirror attaches a best-effort write mirror to every store this
// factory mints.
func WithMirror(m Mirror) FactoryOption {
	return func(f *Factory) { f.mirror = m }
}

// WithMetrics records write outcomes for every store this factory mints.
func WithMetrics(m *obsmetrics.Metrics) FactoryOption {
	return func(f *Factory) { f.metrics = m }
}

// NewFactory builds a Factory rooted at baseDir. baseDir is created lazily
// by individual stores on first write, not by the factory itself.
func NewFactory(baseDir string, opts ...FactoryOption) *Factory {
	f := &Factory{baseDir: baseDir, clock: clock.System{}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open builds a typed Store named name (file "<name>.json" under baseDir).
// schemaVersion and migrations are forwarded to Config; pass nil migrations
// if the store has no prior schema versions to bridge.
func Open[T any](f *Factory, name string, schemaVersion int, migrations map[int]MigrationFunc, maxSizeBytes int) *Store[T] {
	return New[T](Config{
		Path:          filepath.Join(f.baseDir, name+".json"),
		SchemaVersion: schemaVersion,
		Migrations:    migrations,
		MaxSizeBytes:  maxSizeBytes,
		LeaseWarning:  f.leaseWarning,
		Mirror:        f.mirror,
		Clock:         f.clock,
		Logger:        f.logger,
		Metrics:       f.metrics,
	})
}

// BaseDir returns the directory this factory roots stores under.
func (f *Factory) BaseDir() string { return f.baseDir }
