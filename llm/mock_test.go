package llm

import (
	"context"
	"errors"
	"testing"
)

func TestMockReturnsResponsesInOrderThenRepeatsLast(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{Text: "one"}, {Text: "two"}}}

	for _, want := range []string{"one", "two", "two"} {
		out, err := mock.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		if out.Text != want {
			t.Fatalf("expected %q, got %q", want, out.Text)
		}
	}
}

func TestMockRecordsCallsEvenOnError(t *testing.T) {
	mock := &MockChatModel{Err: errors.New("boom")}

	_, err := mock.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, []ToolSpec{{Name: "t"}})
	if err == nil {
		t.Fatal("expected error")
	}
	calls := mock.Calls()
	if len(calls) != 1 || len(calls[0].Tools) != 1 {
		t.Fatalf("expected recorded call with tools, got %+v", calls)
	}
}

func TestMockHonorsContextCancellation(t *testing.T) {
	mock := &MockChatModel{Responses: []ChatOut{{Text: "never"}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := mock.Chat(ctx, nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(mock.Calls()) != 0 {
		t.Fatal("cancelled call must not be recorded")
	}
}
