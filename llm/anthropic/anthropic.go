// Package anthropic adapts the Anthropic Messages API to llm.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/agentrt/llm"
)

const defaultModel = "claude-sonnet-4-5-20250929"

// ChatModel calls Anthropic's Messages API. The system prompt is carried
// as the API's separate system parameter, not as a message.
type ChatModel struct {
	apiKey    string
	modelName string
	maxTokens int64
}

// NewChatModel builds a ChatModel for the given key and model name. An
// empty modelName selects the package default.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = defaultModel
	}
	return &ChatModel{apiKey: apiKey, modelName: modelName, maxTokens: 4096}
}

// Chat implements llm.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (llm.ChatOut, error) {
	if ctx.Err() != nil {
		return llm.ChatOut{}, ctx.Err()
	}
	if m.apiKey == "" {
		return llm.ChatOut{}, errors.New("anthropic: API key is required")
	}

	system, conversation := splitSystemPrompt(messages)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.modelName),
		Messages:  convertMessages(conversation),
		MaxTokens: m.maxTokens,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	client := sdk.NewClient(option.WithAPIKey(m.apiKey))
	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return llm.ChatOut{}, fmt.Errorf("anthropic: %w", err)
	}
	return convertResponse(resp), nil
}

// splitSystemPrompt extracts system messages into the separate system
// parameter the API expects, concatenating multiple system turns.
func splitSystemPrompt(messages []llm.Message) (string, []llm.Message) {
	var system string
	var rest []llm.Message
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}

func convertMessages(messages []llm.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case llm.RoleAssistant:
			out[i] = sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content))
		default:
			out[i] = sdk.NewUserMessage(sdk.NewTextBlock(msg.Content))
		}
	}
	return out
}

func convertTools(tools []llm.ToolSpec) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, len(tools))
	for i, tool := range tools {
		var properties any
		var required []string
		if tool.Schema != nil {
			properties = tool.Schema["properties"]
			required = stringSlice(tool.Schema["required"])
		}
		out[i] = sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        tool.Name,
				Description: sdk.String(tool.Description),
				InputSchema: sdk.ToolInputSchemaParam{Properties: properties, Required: required},
			},
		}
	}
	return out
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func convertResponse(resp *sdk.Message) llm.ChatOut {
	var out llm.ChatOut
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		case sdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				Name:  b.Name,
				Input: toolInput(b.Input),
			})
		}
	}
	return out
}

func toolInput(input any) map[string]any {
	if input == nil {
		return nil
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	return map[string]any{"_raw": input}
}
