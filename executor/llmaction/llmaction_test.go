package llmaction

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/agentrt/breaker"
	"github.com/dshills/agentrt/llm"
)

func TestNewReturnsOutputsOnSuccess(t *testing.T) {
	mock := &llm.MockChatModel{Responses: []llm.ChatOut{{Text: "hello"}}}
	action := New(mock, Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})

	res, err := action(context.Background())
	if err != nil {
		t.Fatalf("action: %v", err)
	}
	out, ok := res.Outputs.(llm.ChatOut)
	if !ok || out.Text != "hello" {
		t.Fatalf("expected ChatOut{Text: hello}, got %+v", res.Outputs)
	}
}

func TestNewClassifiesRateLimitErrorAs429(t *testing.T) {
	mock := &llm.MockChatModel{Err: errors.New("received a rate limit error from provider")}
	action := New(mock, Request{})

	_, err := action(context.Background())
	var ce breaker.ClassifiableError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a ClassifiableError, got %v", err)
	}
	if hint := ce.BreakerHint(); hint.StatusCode != 429 {
		t.Fatalf("expected status 429, got %+v", hint)
	}
}

func TestNewClassifiesNetworkErrorAsExternal(t *testing.T) {
	mock := &llm.MockChatModel{Err: errors.New("connection reset by peer")}
	action := New(mock, Request{})

	_, err := action(context.Background())
	var ce breaker.ClassifiableError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a ClassifiableError, got %v", err)
	}
	if hint := ce.BreakerHint(); !hint.NetworkError {
		t.Fatalf("expected NetworkError hint, got %+v", hint)
	}
}
