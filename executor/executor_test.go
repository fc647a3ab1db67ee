package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/agentrt/audit"
	"github.com/dshills/agentrt/breaker"
	"github.com/dshills/agentrt/idempotency"
	"github.com/dshills/agentrt/internal/clock"
	"github.com/dshills/agentrt/kvstore"
	"github.com/dshills/agentrt/policy"
	"github.com/dshills/agentrt/ratelimit"
)

type harness struct {
	exec  *Executor
	trail *audit.Trail
	clock *clock.Fixed
}

func newHarness(t *testing.T, mode Mode, rules map[string]policy.Rule) *harness {
	t.Helper()
	dir := t.TempDir()
	c := clock.NewFixed(time.Unix(0, 0))

	trail, err := audit.Open(audit.Config{Path: filepath.Join(dir, "audit-trail.jsonl"), Clock: c})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	store := kvstore.New[map[string]idempotency.Record](kvstore.Config{Path: filepath.Join(dir, "idempotency.json")})
	idx := idempotency.New(store, c)

	rl := ratelimit.New(ratelimit.Config{
		GlobalCapacity: 100, GlobalRefillPerHour: 100,
		WorkflowCapacity: 100, WorkflowRefillPerHour: 100,
		Clock: c,
	})
	t.Cleanup(rl.Shutdown)

	b := breaker.New(breaker.Config{Clock: c})

	p := policy.New(rules)

	exec := New(Config{
		Mode:        mode,
		Policy:      p,
		Idempotency: idx,
		RateLimiter: rl,
		Breaker:     b,
		Audit:       trail,
	})

	return &harness{exec: exec, trail: trail, clock: c}
}

func okStep(id string) Step {
	return Step{ID: id, Action: "comment_on_pr", Scope: "repo", Resource: "42", Capability: CapabilityWrite, Parameters: map[string]any{}}
}

func TestRunSuccessCompletesAndAudits(t *testing.T) {
	h := newHarness(t, ModeAutonomous, map[string]policy.Rule{"comment_on_pr": {Allow: true}})

	res, err := h.exec.Run(context.Background(), "wf1", okStep("s1"), func(ctx context.Context) (ActionResult, error) {
		return ActionResult{Outputs: "done"}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}

	valid, count, _, _ := h.trail.VerifyChain()
	if !valid || count != 2 {
		t.Fatalf("expected a valid 2-record chain (intent+result), got valid=%v count=%d", valid, count)
	}
}

func TestRunDedupesSecondCallWithSameFingerprint(t *testing.T) {
	h := newHarness(t, ModeAutonomous, map[string]policy.Rule{"comment_on_pr": {Allow: true}})

	action := func(ctx context.Context) (ActionResult, error) { return ActionResult{Outputs: "done"}, nil }
	if _, err := h.exec.Run(context.Background(), "wf1", okStep("s1"), action); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	res, err := h.exec.Run(context.Background(), "wf1", okStep("s1"), action)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Status != StatusSkipped || !res.Deduped {
		t.Fatalf("expected deduped skip on second call, got %+v", res)
	}
}

func TestRunDegradedModeBlocksWriteStep(t *testing.T) {
	h := newHarness(t, ModeDegraded, map[string]policy.Rule{"comment_on_pr": {Allow: true}})

	_, err := h.exec.Run(context.Background(), "wf1", okStep("s1"), func(ctx context.Context) (ActionResult, error) {
		t.Fatalf("action must not run when blocked by mode gate")
		return ActionResult{}, nil
	})
	var execErr *Error
	if !errors.As(err, &execErr) || execErr.Code != "degraded_write_blocked" {
		t.Fatalf("expected degraded_write_blocked, got %v", err)
	}
}

func TestRunDegradedModeAllowsReadStep(t *testing.T) {
	h := newHarness(t, ModeDegraded, map[string]policy.Rule{"comment_on_pr": {Allow: true}})

	step := okStep("s1")
	step.Capability = CapabilityRead
	ran := false
	res, err := h.exec.Run(context.Background(), "wf1", step, func(ctx context.Context) (ActionResult, error) {
		ran = true
		return ActionResult{Outputs: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran || res.Status != StatusCompleted {
		t.Fatalf("expected read step to run and complete, got ran=%v res=%+v", ran, res)
	}
}

func TestRunPolicyDeniedRecordsAuditPairAndFails(t *testing.T) {
	h := newHarness(t, ModeAutonomous, map[string]policy.Rule{"comment_on_pr": {Deny: true}})

	_, err := h.exec.Run(context.Background(), "wf1", okStep("s1"), func(ctx context.Context) (ActionResult, error) {
		t.Fatalf("action must not run when policy denies")
		return ActionResult{}, nil
	})
	var execErr *Error
	if !errors.As(err, &execErr) || execErr.Code != "policy_denied" {
		t.Fatalf("expected policy_denied, got %v", err)
	}

	valid, count, _, _ := h.trail.VerifyChain()
	if !valid || count != 2 {
		t.Fatalf("expected a valid 2-record chain for the denial, got valid=%v count=%d", valid, count)
	}
}

func TestRunActionFailureAuditsAndPropagatesClass(t *testing.T) {
	h := newHarness(t, ModeAutonomous, map[string]policy.Rule{"comment_on_pr": {Allow: true}})

	res, err := h.exec.Run(context.Background(), "wf1", okStep("s1"), func(ctx context.Context) (ActionResult, error) {
		return ActionResult{}, fakeHTTPError{status: 500}
	})
	if err == nil {
		t.Fatalf("expected action failure to propagate")
	}
	if res.Status != StatusFailed || res.ErrorClass != "transient" {
		t.Fatalf("expected failed/transient, got %+v", res)
	}

	rec, checkErr := h.exec.cfg.Idempotency.Check(Fingerprint("wf1", okStep("s1")))
	if checkErr != nil {
		t.Fatalf("Check: %v", checkErr)
	}
	if rec == nil || rec.Status != idempotency.StatusFailed {
		t.Fatalf("expected a failed dedup record, got %+v", rec)
	}
}

func TestRunRateLimitedReleasesReservationAsFailed(t *testing.T) {
	dir := t.TempDir()
	c := clock.NewFixed(time.Unix(0, 0))

	trail, err := audit.Open(audit.Config{Path: filepath.Join(dir, "audit-trail.jsonl"), Clock: c})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	defer trail.Close()

	store := kvstore.New[map[string]idempotency.Record](kvstore.Config{Path: filepath.Join(dir, "idempotency.json")})
	idx := idempotency.New(store, c)

	rl := ratelimit.New(ratelimit.Config{
		GlobalCapacity: 0.5, GlobalRefillPerHour: 1,
		WorkflowCapacity: 100, WorkflowRefillPerHour: 100,
		Clock: c,
	})
	defer rl.Shutdown()

	exec := New(Config{
		Mode:        ModeAutonomous,
		Policy:      policy.New(map[string]policy.Rule{"comment_on_pr": {Allow: true}}),
		Idempotency: idx,
		RateLimiter: rl,
		Breaker:     breaker.New(breaker.Config{Clock: c}),
		Audit:       trail,
	})

	_, err = exec.Run(context.Background(), "wf1", okStep("s1"), func(ctx context.Context) (ActionResult, error) {
		t.Fatalf("action must not run when rate limited")
		return ActionResult{}, nil
	})
	var execErr *Error
	if !errors.As(err, &execErr) || execErr.Code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %v", err)
	}

	rec, checkErr := idx.Check(Fingerprint("wf1", okStep("s1")))
	if checkErr != nil {
		t.Fatalf("Check: %v", checkErr)
	}
	if rec == nil || rec.Status != idempotency.StatusFailed {
		t.Fatalf("expected reservation released to failed, got %+v", rec)
	}
}

func TestRunSecondaryRateLimitSignalSetsWorkflowHoldoff(t *testing.T) {
	h := newHarness(t, ModeAutonomous, map[string]policy.Rule{"comment_on_pr": {Allow: true}})

	_, err := h.exec.Run(context.Background(), "wf1", okStep("s1"), func(ctx context.Context) (ActionResult, error) {
		return ActionResult{Outputs: "ok", RateLimitSignal: &RateLimitSignal{Kind: "secondary", RetryAfterSeconds: 2}}, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	res := h.exec.cfg.RateLimiter.TryConsume("wf1")
	if res.Allowed {
		t.Fatalf("expected the secondary signal's holdoff to deny the next consume")
	}
}

type fakeHTTPError struct{ status int }

func (e fakeHTTPError) Error() string { return "http error" }
func (e fakeHTTPError) BreakerHint() breaker.ClassifyHint {
	return breaker.ClassifyHint{StatusCode: e.status}
}
