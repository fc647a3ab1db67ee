// Package boot implements the boot orchestrator: a deterministic
// construction sequence across the runtime's subsystems, critical/
// degradable failure classification, operating-mode computation, pending-
// intent reconciliation, and stale-lock recovery.
package boot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dshills/agentrt/audit"
	"github.com/dshills/agentrt/breaker"
	"github.com/dshills/agentrt/executor"
	"github.com/dshills/agentrt/idempotency"
	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/internal/filelock"
	"github.com/dshills/agentrt/kvstore"
	"github.com/dshills/agentrt/kvstore/mirror"
	"github.com/dshills/agentrt/obslog"
	"github.com/dshills/agentrt/policy"
	"github.com/dshills/agentrt/ratelimit"
	"github.com/dshills/agentrt/redact"
)

const lockFileName = "boot.lock"

// Boot runs the full construction sequence against cfg and returns the live
// Bundle plus a Result describing what happened. On a P0 failure with
// AllowDev false, Boot returns a non-nil *Error and a nil Bundle; every
// other outcome (autonomous, degraded, dev) returns a usable Bundle.
// Boot is the only phase that may refuse to bring the process up; after it
// returns a Bundle, no component failure terminates the process.
func Boot(cfg Config) (*Bundle, Result, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	bootStart := clk.Now()

	res := Result{RunID: uuid.NewString(), Subsystems: make(map[string]Status)}
	var failures []SubsystemError
	var bundle *Bundle
	p0Failed := false

	fail := func(subsystem, code string, err error, p0 bool) {
		failures = append(failures, SubsystemError{Subsystem: subsystem, Code: code, Err: err})
		if p0 {
			p0Failed = true
			res.Subsystems[subsystem] = StatusFailed
		} else {
			res.Subsystems[subsystem] = StatusDegraded
		}
	}
	abort := func() (*Bundle, Result, error) {
		if bundle != nil {
			// Release whatever was already constructed; a refused boot
			// must not leak goroutines, file handles, or locks.
			_ = bundle.Shutdown()
		}
		res.Success = false
		res.BootTimeMs = clk.Now().Sub(bootStart).Milliseconds()
		for _, f := range failures {
			res.Warnings = append(res.Warnings, f.Error())
		}
		return nil, res, &Error{
			Subsystems: statusStrings(res.Subsystems),
			Failures:   failures,
			BootTimeMs: res.BootTimeMs,
		}
	}

	if err := ValidateConfig(cfg); err != nil {
		fail("configuration", "config_invalid", err, true)
		return abort()
	}
	res.Subsystems["configuration"] = StatusOK

	if err := verifyDataDir(cfg.DataDir); err != nil {
		fail("filesystem", "fs_unavailable", fmt.Errorf("%w: %v", ErrFSUnavailable, err), true)
		return abort()
	}
	res.Subsystems["filesystem"] = StatusOK

	// Redactor. Construction cannot fail; ExtraRedactionPatterns are
	// already-compiled regexes by the time Config reaches Boot.
	redactor := redact.New(redact.Config{ExtraPatterns: cfg.ExtraRedactionPatterns})
	res.Subsystems["redactor"] = StatusOK

	logger := cfg.Logger
	if logger == nil {
		logger = obslog.New(obslog.NewJSONSink(os.Stdout), obslog.LevelInfo, redactor)
	}
	res.Subsystems["logger"] = StatusOK

	bundle = &Bundle{Redactor: redactor, Logger: logger, Metrics: cfg.Metrics, statuses: res.Subsystems}

	// Audit trail. P0: without it no action can be attributed after the
	// fact, and the hardened executor's ordering guarantees collapse.
	auditPath := cfg.AuditTrailPath
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit-trail.jsonl")
	}
	trail, err := audit.Open(audit.Config{Path: auditPath, HMACKey: cfg.HMACKey, Clock: cfg.Clock, Redactor: redactor, Logger: logger, Metrics: cfg.Metrics})
	if err != nil {
		fail("auditTrail", "audit_unavailable", err, true)
	} else {
		bundle.Audit = trail
		res.Subsystems["auditTrail"] = StatusOK
	}

	// Store factory, with the optional SQLite snapshot mirror attached.
	// P1: the mirror (and any individual store) degrades independently.
	factoryOpts := []kvstore.FactoryOption{
		kvstore.WithClock(clk),
		kvstore.WithLogger(logger),
		kvstore.WithLeaseWarning(defaultLeaseWarning),
		kvstore.WithMetrics(cfg.Metrics),
	}
	if cfg.MirrorPath != "" {
		m, merr := mirror.NewSQLiteMirror(cfg.MirrorPath)
		if merr != nil {
			fail("storeFactory", "mirror_unavailable", merr, false)
		} else {
			bundle.mirror = m
			factoryOpts = append(factoryOpts, kvstore.WithMirror(m))
		}
	}
	storeFactory := kvstore.NewFactory(cfg.DataDir, factoryOpts...)
	bundle.StoreFactory = storeFactory
	if _, ok := res.Subsystems["storeFactory"]; !ok {
		res.Subsystems["storeFactory"] = StatusOK
	}

	brk := breaker.New(breaker.Config{
		FailureThreshold:   cfg.BreakerConfig.FailureThreshold,
		RollingWindow:      cfg.BreakerConfig.RollingWindow,
		OpenDuration:       cfg.BreakerConfig.OpenDuration,
		HalfOpenProbeCount: cfg.BreakerConfig.HalfOpenProbeCount,
		CountableClasses:   cfg.BreakerConfig.CountableClasses,
		StatusOverrides:    cfg.BreakerConfig.StatusOverrides,
		Scope:              cfg.BreakerConfig.Scope,
		Clock:              cfg.Clock,
		Logger:             logger,
		Metrics:            cfg.Metrics,
	})
	bundle.Breaker = brk
	res.Subsystems["breaker"] = StatusOK

	limiter := ratelimit.New(ratelimit.Config{
		GlobalCapacity:        cfg.RateLimiterConfig.GlobalCapacity,
		GlobalRefillPerHour:   cfg.RateLimiterConfig.GlobalRefillPerHour,
		WorkflowCapacity:      cfg.RateLimiterConfig.WorkflowCapacity,
		WorkflowRefillPerHour: cfg.RateLimiterConfig.WorkflowRefillPerHour,
		BackoffBase:           cfg.RateLimiterConfig.BackoffBase,
		BackoffCap:            cfg.RateLimiterConfig.BackoffCap,
		IdleEvictionAfter:     cfg.RateLimiterConfig.IdleEvictionAfter,
		SweepInterval:         cfg.RateLimiterConfig.SweepInterval,
		Clock:                 cfg.Clock,
		Logger:                logger,
	})
	bundle.RateLimiter = limiter
	res.Subsystems["rateLimiter"] = StatusOK

	// Idempotency index, backed by the store factory. P1: probe the
	// backing store once so a directory that exists but cannot be read
	// degrades the index here instead of failing the first step.
	idemStore := kvstore.Open[map[string]idempotency.Record](storeFactory, "idempotency", 1, nil, 0)
	if _, _, perr := idemStore.Get(); perr != nil {
		fail("idempotency", "store_unreadable", perr, false)
	} else {
		res.Subsystems["idempotency"] = StatusOK
	}
	bundle.Idempotency = idempotency.New(idemStore, cfg.Clock)

	// Tool validator. P0 only when an ActionPolicy was actually supplied
	// and fails to validate against MCPToolNames; an empty policy
	// configuration is a legitimate deny-everything posture, not a boot
	// failure.
	pol := policy.New(cfg.ActionPolicy)
	if len(cfg.ActionPolicy) > 0 {
		valid, errs, warnings := pol.ValidateRegistry(cfg.MCPToolNames)
		res.Warnings = append(res.Warnings, warnings...)
		if !valid {
			fail("toolValidator", "policy_registry_invalid", fmt.Errorf("%v", errs), true)
		} else {
			res.Subsystems["toolValidator"] = StatusOK
		}
	} else {
		res.Subsystems["toolValidator"] = StatusOK
	}
	bundle.Policy = pol

	// Lock manager: acquire the single-writer boot lock for DataDir. A
	// stale lock left by a crashed prior process is released by the kernel
	// automatically, so a plain TryLock recovers it with no extra
	// liveness check.
	lock, err := filelock.TryLock(filepath.Join(cfg.DataDir, lockFileName))
	if err != nil {
		fail("lockManager", "boot_locked", err, true)
	} else {
		bundle.lock = lock
		res.Subsystems["lockManager"] = StatusOK
	}

	// Reconcile pending intents: any intent recorded without a matching
	// result means a prior process crashed mid-step. Surface each as a
	// warning; the dedup index (not this reconciliation) is what prevents
	// the corresponding action from silently re-running.
	if bundle.Audit != nil {
		for _, seq := range bundle.Audit.GetPendingIntents() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("pending intent at seq %d has no recorded result; a prior run may have crashed mid-step", seq))
		}
	}

	if p0Failed && !cfg.AllowDev {
		return abort()
	}

	mode := computeMode(p0Failed, res.Subsystems)
	res.Mode = mode
	bundle.Mode = mode
	if mode == ModeDev {
		res.Warnings = append(res.Warnings, "dev mode active: critical-subsystem failures were suppressed; unsafe for production")
		for _, f := range failures {
			res.Warnings = append(res.Warnings, f.Error())
		}
		logger.Warn("booting in dev mode with suppressed critical failures")
	}

	// Hardened executor, composed from whatever subsystems actually came
	// up. In dev mode some of these may be nil; dev-mode callers are
	// expected to tolerate a partial bundle.
	bundle.Executor = executor.New(executor.Config{
		Mode:        executor.Mode(mode),
		Policy:      bundle.Policy,
		Idempotency: bundle.Idempotency,
		RateLimiter: bundle.RateLimiter,
		Breaker:     bundle.Breaker,
		Audit:       bundle.Audit,
		Logger:      logger,
		Metrics:     cfg.Metrics,
		Clock:       clk,
	})

	res.Success = true
	res.BootTimeMs = clk.Now().Sub(bootStart).Milliseconds()
	return bundle, res, nil
}

// verifyDataDir creates the data directory if needed and confirms it is
// actually writable, not merely present.
func verifyDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".boot-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// computeMode: any P0 failure with dev allowed enters dev mode (a P0
// failure without dev allowed aborts before this is reached); any P1-only
// failure enters degraded mode; otherwise autonomous.
func computeMode(p0Failed bool, subsystems map[string]Status) Mode {
	if p0Failed {
		return ModeDev
	}
	for name, status := range subsystems {
		if status != StatusOK && p1Subsystems[name] {
			return ModeDegraded
		}
	}
	return ModeAutonomous
}

func statusStrings(m map[string]Status) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = string(v)
	}
	return out
}
