// Package llmaction adapts an LLM chat call (llm.ChatModel, backed by the
// Anthropic, OpenAI, or Google Generative AI SDKs) into an
// executor.Action. Workflow content itself stays outside the runtime
// core; this package is the seam where an LLM-backed step plugs into the
// hardened executor's safety envelope.
package llmaction

import (
	"context"
	"strings"

	"github.com/dshills/agentrt/breaker"
	"github.com/dshills/agentrt/executor"
	"github.com/dshills/agentrt/llm"
)

// Request describes one LLM-backed step invocation.
type Request struct {
	Messages []llm.Message
	Tools    []llm.ToolSpec
}

// New builds an executor.Action that sends req through chat and reports
// the result as step outputs. The returned Action never retries itself;
// the hardened executor's circuit breaker and the caller's own retry
// policy own that behaviour.
func New(chat llm.ChatModel, req Request) executor.Action {
	return func(ctx context.Context) (executor.ActionResult, error) {
		out, err := chat.Chat(ctx, req.Messages, req.Tools)
		if err != nil {
			return executor.ActionResult{}, &classifiedError{err: err}
		}
		return executor.ActionResult{Outputs: out}, nil
	}
}

// classifiedError wraps an LLM SDK error with a BreakerHint derived from
// message-pattern sniffing, since none of the three provider SDKs share a
// common error type.
type classifiedError struct {
	err error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

func (e *classifiedError) BreakerHint() breaker.ClassifyHint {
	msg := strings.ToLower(e.err.Error())

	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return breaker.ClassifyHint{StatusCode: 429}
	case strings.Contains(msg, "invalid_request") || strings.Contains(msg, "400"):
		return breaker.ClassifyHint{StatusCode: 400}
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "503"):
		return breaker.ClassifyHint{StatusCode: 503}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "network"):
		return breaker.ClassifyHint{NetworkError: true}
	default:
		return breaker.ClassifyHint{}
	}
}

var _ breaker.ClassifiableError = (*classifiedError)(nil)
