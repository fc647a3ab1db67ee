// Package executor implements the hardened executor: the per-step
// pipeline composing the mode gate, policy, dedup, rate limiting, audit
// trail, and circuit breaker around a caller-supplied Action. The audit
// intent is durable before the external effect is attempted, the audit
// result is durable before Run returns, and dedup state changes only
// after the corresponding audit write; these orderings are correctness
// properties, not tuning.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/agentrt/audit"
	"github.com/dshills/agentrt/breaker"
	"github.com/dshills/agentrt/idempotency"
	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/obslog"
	"github.com/dshills/agentrt/obsmetrics"
	"github.com/dshills/agentrt/policy"
	"github.com/dshills/agentrt/ratelimit"
)

// Config wires an Executor's dependencies. All fields are required except
// Logger, Metrics, and Clock.
type Config struct {
	Mode        Mode
	Policy      *policy.Policy
	Idempotency *idempotency.Index
	RateLimiter *ratelimit.Limiter
	Breaker     *breaker.Breaker
	Audit       *audit.Trail
	Logger      obslog.Logger
	Metrics     *obsmetrics.Metrics
	Clock       clock.Clock
}

// Executor runs steps through the full safety envelope.
type Executor struct {
	cfg Config
}

// New builds an Executor from cfg.
func New(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Executor{cfg: cfg}
}

// Run executes one step for workflowID under the hardened pipeline. It
// never panics on a step failure; errors returned here are also reflected
// in the returned Result for callers that only inspect the struct.
func (e *Executor) Run(ctx context.Context, workflowID string, step Step, action Action) (Result, error) {
	started := e.cfg.Clock.Now()
	log := e.cfg.Logger
	if log != nil {
		log = log.With(obslog.F("workflowId", workflowID), obslog.F("stepId", step.ID), obslog.F("action", step.Action))
	}

	// 1. Mode gate.
	if e.cfg.Mode == ModeDegraded && step.Capability == CapabilityWrite {
		if log != nil {
			log.Warn("write step blocked in degraded mode")
		}
		e.cfg.Metrics.IncrementSteps(step.Action, "degraded_write_blocked")
		return Result{Status: StatusFailed, ErrorClass: "degraded_write_blocked"},
			&Error{Code: "degraded_write_blocked", Err: ErrDegradedWriteBlocked}
	}

	// 2. Policy gate.
	params := policy.Params(step.Parameters)
	allowed, reason := e.cfg.Policy.IsAllowed(step.Action, params)
	if !allowed {
		e.recordDenial(workflowID, step, reason)
		e.cfg.Metrics.IncrementSteps(step.Action, "policy_denied")
		return Result{Status: StatusFailed, Error: reason, ErrorClass: "policy_denied"},
			&Error{Code: "policy_denied", Err: ErrPolicyDenied}
	}
	step.Parameters = e.cfg.Policy.ApplyConstraints(step.Action, params)

	// 3. Fingerprint.
	fp := Fingerprint(workflowID, step)

	// 4. Dedup.
	existing, err := e.cfg.Idempotency.Check(fp)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		switch existing.Status {
		case idempotency.StatusCompleted:
			if log != nil {
				log.Info("step deduplicated against prior completion", obslog.F("fingerprint", fp))
			}
			e.cfg.Metrics.IncrementDedupHits(step.Action)
			e.cfg.Metrics.IncrementSteps(step.Action, "skipped")
			return Result{Status: StatusSkipped, Deduped: true, Outputs: existing.OutcomeSummary}, nil
		case idempotency.StatusPending:
			return Result{Status: StatusFailed, ErrorClass: "concurrent_in_flight"},
				&Error{Code: "concurrent_in_flight", Err: ErrConcurrentInFlight}
		}
	}
	if _, err := e.cfg.Idempotency.Reserve(fp); err != nil {
		return Result{}, err
	}

	// 5. Rate limit.
	rl := e.cfg.RateLimiter.TryConsume(workflowID)
	if !rl.Allowed {
		_ = e.cfg.Idempotency.Fail(fp, "rate_limited")
		e.cfg.Metrics.IncrementRateLimited(workflowID, string(rl.Bucket))
		e.cfg.Metrics.IncrementSteps(step.Action, "rate_limited")
		return Result{Status: StatusFailed, ErrorClass: "rate_limited", RetryAfterMs: rl.RetryAfterMs},
			&Error{Code: "rate_limited", RetryAfterMs: rl.RetryAfterMs, Err: ErrRateLimited}
	}

	// 6. Audit intent.
	intentSeq, err := e.cfg.Audit.RecordIntent(audit.IntentDescriptor{
		WorkflowID: workflowID,
		StepID:     step.ID,
		Action:     step.Action,
		Target:     step.Scope + "/" + step.Resource,
		Payload:    step.Parameters,
	})
	if err != nil {
		_ = e.cfg.Idempotency.Fail(fp, "audit_intent_failed")
		return Result{}, err
	}

	// 7. Circuit-protected execute.
	out, actionErr := breaker.Execute(e.cfg.Breaker, func() (ActionResult, error) {
		return action(ctx)
	})

	// 8. Audit result + dedup finalise.
	if actionErr != nil {
		classStr := string(e.classify(actionErr))
		var berr *breaker.Error
		if errors.As(actionErr, &berr) {
			// The breaker refused the call outright; report that rather
			// than a downstream failure class.
			classStr = "circuit_open"
		}
		if _, err := e.cfg.Audit.RecordResult(intentSeq, audit.Outcome{
			Success:      false,
			ErrorClass:   classStr,
			ErrorMessage: actionErr.Error(),
		}); err != nil {
			return Result{}, err
		}
		_ = e.cfg.Idempotency.Fail(fp, actionErr.Error())

		// 9. Secondary signals.
		e.recordSignal(workflowID, out.RateLimitSignal)

		if log != nil {
			log.Warn("step failed", obslog.F("errorClass", classStr))
		}
		e.cfg.Metrics.IncrementSteps(step.Action, "failed")
		e.cfg.Metrics.RecordStepLatency(step.Action, "failed", e.cfg.Clock.Now().Sub(started))
		return Result{Status: StatusFailed, Error: actionErr.Error(), ErrorClass: classStr}, actionErr
	}

	if _, err := e.cfg.Audit.RecordResult(intentSeq, audit.Outcome{
		Success: true,
		Summary: summarize(out.Outputs),
	}); err != nil {
		return Result{}, err
	}
	if err := e.cfg.Idempotency.Complete(fp, summarize(out.Outputs)); err != nil {
		return Result{}, err
	}

	// 9. Secondary signals.
	e.recordSignal(workflowID, out.RateLimitSignal)

	if log != nil {
		log.Debug("step completed")
	}
	e.cfg.Metrics.IncrementSteps(step.Action, "completed")
	e.cfg.Metrics.RecordStepLatency(step.Action, "completed", e.cfg.Clock.Now().Sub(started))
	return Result{Status: StatusCompleted, Outputs: out.Outputs}, nil
}

// recordDenial records an audit intent+result pair for a denied step, so
// denials are attributable even though the step never reaches execution.
func (e *Executor) recordDenial(workflowID string, step Step, reason string) {
	seq, err := e.cfg.Audit.RecordIntent(audit.IntentDescriptor{
		WorkflowID: workflowID,
		StepID:     step.ID,
		Action:     step.Action,
		Target:     step.Scope + "/" + step.Resource,
		Payload:    step.Parameters,
	})
	if err != nil {
		if e.cfg.Logger != nil {
			e.cfg.Logger.Error("failed to audit policy denial intent", obslog.F("error", err.Error()))
		}
		return
	}
	if _, err := e.cfg.Audit.RecordResult(seq, audit.Outcome{
		Success:    false,
		ErrorClass: "policy_denied",
		Summary:    reason,
	}); err != nil && e.cfg.Logger != nil {
		e.cfg.Logger.Error("failed to audit policy denial result", obslog.F("error", err.Error()))
	}
}

// classify determines an action error's failure class the same way
// breaker.Execute just did internally, so the step Result can report it.
func (e *Executor) classify(err error) breaker.FailureClass {
	hint := breaker.ClassifyHint{}
	var ce breaker.ClassifiableError
	if errors.As(err, &ce) {
		hint = ce.BreakerHint()
	}
	return e.cfg.Breaker.Classify(hint)
}

func (e *Executor) recordSignal(workflowID string, sig *RateLimitSignal) {
	if sig == nil {
		return
	}
	switch sig.Kind {
	case "primary":
		e.cfg.RateLimiter.RecordPrimaryRateLimit(workflowID)
	case "secondary":
		e.cfg.RateLimiter.RecordSecondaryRateLimit(workflowID, sig.RetryAfterSeconds)
	}
}

func summarize(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
