package boot

import (
	"github.com/dshills/agentrt/audit"
	"github.com/dshills/agentrt/breaker"
	"github.com/dshills/agentrt/executor"
	"github.com/dshills/agentrt/idempotency"
	"github.com/dshills/agentrt/internal/filelock"
	"github.com/dshills/agentrt/kvstore"
	"github.com/dshills/agentrt/kvstore/mirror"
	"github.com/dshills/agentrt/obslog"
	"github.com/dshills/agentrt/obsmetrics"
	"github.com/dshills/agentrt/policy"
	"github.com/dshills/agentrt/ratelimit"
	"github.com/dshills/agentrt/redact"
)

// Bundle is the live service graph Boot returns on success (including
// degraded and dev modes). Shutdown tears it down in reverse construction
// order.
type Bundle struct {
	Mode Mode

	Redactor     *redact.Redactor
	Logger       obslog.Logger
	Audit        *audit.Trail
	StoreFactory *kvstore.Factory
	Breaker      *breaker.Breaker
	RateLimiter  *ratelimit.Limiter
	Idempotency  *idempotency.Index
	Policy       *policy.Policy
	Executor     *executor.Executor
	Metrics      *obsmetrics.Metrics

	statuses map[string]Status
	lock     *filelock.Lock
	mirror   *mirror.SQLiteMirror
}

// Statuses returns the per-subsystem status snapshot captured at boot.
func (b *Bundle) Statuses() map[string]Status {
	out := make(map[string]Status, len(b.statuses))
	for k, v := range b.statuses {
		out[k] = v
	}
	return out
}

// Shutdown releases resources in reverse construction order: stop the
// rate-limiter's sweep goroutine, close the audit trail (flush + final
// fsync), release the boot lock. Idempotent in the sense that calling it
// twice is safe; every step below already tolerates repeated calls.
func (b *Bundle) Shutdown() error {
	if b.RateLimiter != nil {
		b.RateLimiter.Shutdown()
	}
	var err error
	if b.Audit != nil {
		err = b.Audit.Close()
	}
	if b.mirror != nil {
		if merr := b.mirror.Close(); merr != nil && err == nil {
			err = merr
		}
	}
	if b.lock != nil {
		if uerr := b.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}
