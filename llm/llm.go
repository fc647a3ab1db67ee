// Package llm defines the chat-model capability the runtime's LLM-backed
// actions depend on, plus the message/tool shapes shared by every provider
// adapter. Provider-specific clients live in the subpackages (anthropic,
// openai, google); callers depend only on ChatModel.
package llm

import "context"

// ChatModel is the capability an LLM-backed action consumes. Adapters
// handle provider authentication, convert Message/ToolSpec to the
// provider's wire format, and parse responses back into ChatOut. They do
// not retry: retry, rate limiting, and failure isolation belong to the
// hardened executor's envelope, not the transport.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text. May be empty for turns that only carry
	// tool calls.
	Content string
}

// Roles shared by the supported providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes one tool the model may call. Schema is JSON Schema
// for the tool's input parameters; nil means the tool takes none.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ChatOut is a completed chat turn: generated text, tool-call requests,
// or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is a model's request to invoke one named tool.
type ToolCall struct {
	Name  string
	Input map[string]any
}
