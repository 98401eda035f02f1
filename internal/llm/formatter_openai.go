package llm

import (
	"encoding/json"
	"fmt"

	"github.com/gosuda/matrix/internal/domain"
)

// OpenAIFormatter formats requests for OpenAI's chat completions API and
// every OpenAI-compatible backend (openrouter, ollama, lmstudio, qwen,
// gemini) that shares its wire shape.
type OpenAIFormatter struct{}

// NewOpenAIFormatter constructs an OpenAIFormatter.
func NewOpenAIFormatter() *OpenAIFormatter {
	return &OpenAIFormatter{}
}

func (f *OpenAIFormatter) Name() string { return "openai" }

func (f *OpenAIFormatter) Endpoint(baseURL, _ string) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return baseURL + "/chat/completions"
}

func (f *OpenAIFormatter) Headers(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

type openAIMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []openAIToolReq `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

type openAIToolReq struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Function openAIToolReqFunc `json:"function"`
}

type openAIToolReqFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
}

func (f *OpenAIFormatter) BuildRequest(req GenerateRequest) ([]byte, error) {
	var messages []openAIMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		om := openAIMessage{
			Role:       string(m.Role),
			Content:    m.Text(),
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openAIToolReq{
				ID:   tc.ID,
				Type: "function",
				Function: openAIToolReqFunc{
					Name:      tc.Name,
					Arguments: tc.Args,
				},
			})
		}
		messages = append(messages, om)
	}

	var tools []openAITool
	for _, t := range req.Tools {
		tools = append(tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	body, err := json.Marshal(openAIRequest{Model: req.Model, Messages: messages, Tools: tools})
	if err != nil {
		return nil, fmt.Errorf("llm.OpenAIFormatter.BuildRequest: %w", err)
	}
	return body, nil
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string          `json:"content"`
			ToolCalls []openAIToolReq `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (f *OpenAIFormatter) ParseResponse(body []byte) (GenerateResponse, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return GenerateResponse{}, fmt.Errorf("llm.OpenAIFormatter.ParseResponse: %w", err)
	}
	if len(resp.Choices) == 0 {
		return GenerateResponse{}, fmt.Errorf("llm.OpenAIFormatter.ParseResponse: no choices in response")
	}

	choice := resp.Choices[0]
	out := GenerateResponse{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: tc.Function.Arguments,
		})
	}

	return out, nil
}

var _ Formatter = (*OpenAIFormatter)(nil)
