package llm

import (
	"encoding/json"
	"fmt"

	"github.com/gosuda/matrix/internal/domain"
)

// AnthropicFormatter formats requests for the Anthropic Messages API and
// the Bedrock/AWS-hosted Claude backends that share its wire shape.
// Anthropic's wire shape differs from OpenAI's in three ways this
// formatter has to bridge: the system prompt is a top-level field rather
// than a message, tool results are user-role content blocks addressed by
// tool_use_id rather than a dedicated "tool" role, and tool calls arrive
// as typed content blocks rather than a separate array.
type AnthropicFormatter struct{}

// NewAnthropicFormatter constructs an AnthropicFormatter.
func NewAnthropicFormatter() *AnthropicFormatter {
	return &AnthropicFormatter{}
}

func (f *AnthropicFormatter) Name() string { return "anthropic" }

func (f *AnthropicFormatter) Endpoint(baseURL, _ string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return baseURL + "/messages"
}

func (f *AnthropicFormatter) Headers(apiKey string) map[string]string {
	return map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	}
}

type anthropicContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

func (f *AnthropicFormatter) BuildRequest(req GenerateRequest) ([]byte, error) {
	var messages []anthropicMessage

	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleTool:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Text(),
				}},
			})
		case domain.RoleAssistant:
			blocks := []anthropicContentBlock{}
			if text := m.Text(); text != "" {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text})
			}
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Args), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			messages = append(messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: m.Text()}},
			})
		}
	}

	var tools []anthropicTool
	for _, t := range req.Tools {
		tools = append(tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	body, err := json.Marshal(anthropicRequest{
		Model:     req.Model,
		System:    req.SystemPrompt,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("llm.AnthropicFormatter.BuildRequest: %w", err)
	}
	return body, nil
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

func (f *AnthropicFormatter) ParseResponse(body []byte) (GenerateResponse, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return GenerateResponse{}, fmt.Errorf("llm.AnthropicFormatter.ParseResponse: %w", err)
	}

	out := GenerateResponse{FinishReason: resp.StopReason}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "thinking":
			out.Thinking += block.Text
		case "tool_use":
			args, err := marshalArgs(block.Input)
			if err != nil {
				return GenerateResponse{}, fmt.Errorf("llm.AnthropicFormatter.ParseResponse: %w", err)
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}

	return out, nil
}

var _ Formatter = (*AnthropicFormatter)(nil)
