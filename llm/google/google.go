// Package google adapts the Google Gemini API to llm.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/agentrt/llm"
)

const defaultModel = "gemini-2.5-flash"

// ChatModel calls Google's Gemini API.
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
		return llm.ChatOut{}, errors.New("google: API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(m.apiKey))
	if err != nil {
		return llm.ChatOut{}, fmt.Errorf("google: create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(m.modelName)
	if len(tools) > 0 {
		genModel.Tools = convertTools(tools)
	}

	resp, err := genModel.GenerateContent(ctx, convertMessages(messages)...)
	if err != nil {
		return llm.ChatOut{}, fmt.Errorf("google: %w", err)
	}
	return convertResponse(resp), nil
}

// convertMessages flattens the conversation into text parts. Gemini's
// generate-content call takes parts rather than role-tagged turns; system
// guidance travels inline with the rest of the prompt.
func convertMessages(messages []llm.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func convertTools(tools []llm.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema maps a JSON Schema object one level deep onto
// genai.Schema: top-level properties with type and description, plus the
// required list. Nested object schemas pass through untyped.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	out := &genai.Schema{Type: genai.TypeObject}

	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			propMap, ok := val.(map[string]any)
			if !ok {
				continue
			}
			prop := &genai.Schema{}
			if typeStr, ok := propMap["type"].(string); ok {
				prop.Type = schemaType(typeStr)
			}
			if desc, ok := propMap["description"].(string); ok {
				prop.Description = desc
			}
			out.Properties[key] = prop
		}
	}

	switch required := schema["required"].(type) {
	case []string:
		out.Required = required
	case []any:
		for _, v := range required {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}

	return out
}

func schemaType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) llm.ChatOut {
	var out llm.ChatOut
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	return out
}
