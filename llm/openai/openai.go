// Package openai adapts the OpenAI chat completions API to llm.ChatModel.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/agentrt/llm"
)

const defaultModel = "gpt-4o"

// ChatModel calls OpenAI's chat completions API. It performs no retries
// of its own; transient failures surface to the caller's envelope.
type ChatModel struct {
	apiKey    string
	modelName string
}

// NewChatModel builds a ChatModel for the given key and model name. An
// empty modelName selects the package default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{apiKey: apiKey, modelName: modelName}
}

// Chat implements llm.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (llm.ChatOut, error) {
	if ctx.Err() != nil {
		return llm.ChatOut{}, ctx.Err()
	}
	if m.apiKey == "" {
		return llm.ChatOut{}, errors.New("openai: API key is required")
	}

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	client := sdk.NewClient(option.WithAPIKey(m.apiKey))
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.ChatOut{}, fmt.Errorf("openai: %w", err)
	}
	return convertResponse(resp), nil
}

func convertMessages(messages []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			out[i] = sdk.SystemMessage(msg.Content)
		case llm.RoleAssistant:
			out[i] = sdk.AssistantMessage(msg.Content)
		default:
			out[i] = sdk.UserMessage(msg.Content)
		}
	}
	return out
}

func convertTools(tools []llm.ToolSpec) []sdk.ChatCompletionToolParam {
	out := make([]sdk.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		out[i] = sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: sdk.String(tool.Description),
				Parameters:  shared.FunctionParameters(tool.Schema),
			},
		}
	}
	return out
}

func convertResponse(resp *sdk.ChatCompletion) llm.ChatOut {
	var out llm.ChatOut
	if len(resp.Choices) == 0 {
		return out
	}

	msg := resp.Choices[0].Message
	out.Text = msg.Content
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			Name:  tc.Function.Name,
			Input: parseArguments(tc.Function.Arguments),
		})
	}
	return out
}

// parseArguments decodes the tool-call arguments JSON; an undecodable
// payload is preserved raw rather than dropped.
func parseArguments(arguments string) map[string]any {
	if arguments == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(arguments), &out); err != nil {
		return map[string]any{"_raw": arguments}
	}
	return out
}
