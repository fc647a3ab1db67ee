package anthropic

import (
	"context"
	"testing"

	"github.com/dshills/agentrt/llm"
)

func TestChatRequiresAPIKey(t *testing.T) {
	m := NewChatModel("", "")
	if _, err := m.Chat(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, nil); err == nil {
		t.Fatal("expected an error without an API key")
	}
}

func TestNewChatModelDefaultsModelName(t *testing.T) {
	m := NewChatModel("key", "")
	if m.modelName != defaultModel {
		t.Fatalf("expected default model, got %q", m.modelName)
	}
}

func TestSplitSystemPromptConcatenatesSystemTurns(t *testing.T) {
	system, rest := splitSystemPrompt([]llm.Message{
		{Role: llm.RoleSystem, Content: "be terse"},
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleSystem, Content: "be safe"},
		{Role: llm.RoleAssistant, Content: "hi"},
	})
	if system != "be terse\n\nbe safe" {
		t.Fatalf("unexpected system prompt: %q", system)
	}
	if len(rest) != 2 || rest[0].Role != llm.RoleUser || rest[1].Role != llm.RoleAssistant {
		t.Fatalf("unexpected conversation: %+v", rest)
	}
}

func TestStringSliceAcceptsBothShapes(t *testing.T) {
	if got := stringSlice([]string{"a", "b"}); len(got) != 2 {
		t.Fatalf("[]string: %v", got)
	}
	if got := stringSlice([]any{"a", 3, "b"}); len(got) != 2 {
		t.Fatalf("[]any should keep only strings: %v", got)
	}
	if got := stringSlice(nil); got != nil {
		t.Fatalf("nil: %v", got)
	}
}
