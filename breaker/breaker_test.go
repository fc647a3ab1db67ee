package breaker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dshills/agentrt/internal/clock"
)

func TestClosedStaysClosedBelowThreshold(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 3, RollingWindow: time.Minute, Clock: c})

	b.RecordFailure(ClassTransient)
	b.RecordFailure(ClassTransient)
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED below threshold, got %s", b.State())
	}
}

func TestBurstOfThresholdFailuresOpensBreaker(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 3, RollingWindow: time.Minute, Clock: c})

	b.RecordFailure(ClassTransient)
	b.RecordFailure(ClassTransient)
	b.RecordFailure(ClassTransient)
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after threshold burst, got %s", b.State())
	}
}

func TestOpenTransitionsToHalfOpenAfterOpenDuration(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 1, OpenDuration: 10 * time.Second, Clock: c})

	b.RecordFailure(ClassTransient)
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}

	c.Advance(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN after open duration elapsed, got %s", b.State())
	}
}

func TestHalfOpenClosesAfterProbeQuota(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenProbeCount: 2, Clock: c})

	b.RecordFailure(ClassTransient)
	c.Advance(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected still HALF_OPEN after 1 of 2 probes, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after probe quota met, got %s", b.State())
	}
}

func TestHalfOpenReopensOnAnyFailure(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenProbeCount: 3, Clock: c})

	b.RecordFailure(ClassTransient)
	c.Advance(2 * time.Second)
	_ = b.State() // trigger lazy transition to HALF_OPEN

	b.RecordFailure(ClassTransient)
	if b.State() != StateOpen {
		t.Fatalf("expected HALF_OPEN failure to reopen the breaker, got %s", b.State())
	}
}

func TestExpectedFailuresDoNotCountTowardThreshold(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 2, Clock: c})

	b.RecordFailure(ClassExpected)
	b.RecordFailure(ClassExpected)
	b.RecordFailure(ClassExpected)
	if b.State() != StateClosed {
		t.Fatalf("expected failures should never open the breaker, got %s", b.State())
	}
}

func TestRollingWindowEvictsOldFailures(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 2, RollingWindow: 10 * time.Second, Clock: c})

	b.RecordFailure(ClassTransient)
	c.Advance(20 * time.Second)
	b.RecordFailure(ClassTransient)

	if b.State() != StateClosed {
		t.Fatalf("expected the first failure to have aged out of the window, got %s", b.State())
	}
}

type fakeHTTPError struct {
	hint ClassifyHint
}

func (e *fakeHTTPError) Error() string            { return "http error" }
func (e *fakeHTTPError) BreakerHint() ClassifyHint { return e.hint }

func TestExecuteFailsFastWhenOpen(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 1, OpenDuration: time.Minute, Clock: c})
	b.RecordFailure(ClassTransient)

	_, err := Execute(b, func() (string, error) { return "unused", nil })
	var openErr *Error
	if !errors.As(err, &openErr) {
		t.Fatalf("expected circuit_open error, got %v", err)
	}
}

func TestExecuteClassifiesRateLimitedStatus(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 1, Clock: c})

	_, _ = Execute(b, func() (string, error) {
		return "", &fakeHTTPError{hint: ClassifyHint{StatusCode: 429}}
	})
	if b.State() != StateOpen {
		t.Fatalf("expected rate_limited to be countable and open the breaker, got %s", b.State())
	}
}

func TestExecuteClassifiesResourceMissingAsExpectedWhenNotRequired(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 1, Clock: c})

	_, _ = Execute(b, func() (string, error) {
		return "", &fakeHTTPError{hint: ClassifyHint{StatusCode: 404, ResourceShouldExist: false}}
	})
	if b.State() != StateClosed {
		t.Fatalf("expected an expected-missing-resource failure not to open the breaker, got %s", b.State())
	}
}

func TestExecuteSucceedsAndRecordsSuccess(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 1, Clock: c})

	out, err := Execute(b, func() (int, error) { return 42, nil })
	if err != nil || out != 42 {
		t.Fatalf("expected successful passthrough, got out=%d err=%v", out, err)
	}
}

func TestExecuteUnwrapsClassifiableErrorThroughWrapping(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	b := New(Config{FailureThreshold: 1, Clock: c})

	_, _ = Execute(b, func() (string, error) {
		hinted := &fakeHTTPError{hint: ClassifyHint{StatusCode: 404, ResourceShouldExist: false}}
		return "", fmt.Errorf("fetching review thread: %w", hinted)
	})
	if b.State() != StateClosed {
		t.Fatalf("expected the wrapped expected-class failure not to count, got %s", b.State())
	}

	_, _ = Execute(b, func() (string, error) {
		hinted := &fakeHTTPError{hint: ClassifyHint{StatusCode: 429}}
		return "", fmt.Errorf("posting comment: %w", hinted)
	})
	if b.State() != StateOpen {
		t.Fatalf("expected the wrapped rate_limited failure to open the breaker, got %s", b.State())
	}
}
