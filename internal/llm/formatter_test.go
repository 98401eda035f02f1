package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/matrix/internal/domain"
)

func TestOpenAIFormatter_BuildRequest(t *testing.T) {
	t.Parallel()

	f := NewOpenAIFormatter()
	req := GenerateRequest{
		Model:        "gpt-4o",
		SystemPrompt: "be helpful",
		Messages:     []domain.Message{domain.TextMessage(domain.RoleUser, "hi")},
		Tools:        []ToolSpec{{Name: "search", Description: "search the web", Parameters: map[string]any{"type": "object"}}},
	}

	body, err := f.BuildRequest(req)
	require.NoError(t, err)

	var decoded openAIRequest
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "gpt-4o", decoded.Model)
	require.Len(t, decoded.Messages, 2)
	assert.Equal(t, "system", decoded.Messages[0].Role)
	assert.Equal(t, "user", decoded.Messages[1].Role)
	require.Len(t, decoded.Tools, 1)
	assert.Equal(t, "search", decoded.Tools[0].Function.Name)
}

func TestOpenAIFormatter_ParseResponse(t *testing.T) {
	t.Parallel()

	f := NewOpenAIFormatter()
	body := []byte(`{
		"choices": [{
			"message": {"content": "hello there", "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "search", "arguments": "{\"q\":\"go\"}"}}]},
			"finish_reason": "tool_calls"
		}]
	}`)

	resp, err := f.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.True(t, resp.HasToolCalls())
}

func TestOpenAIFormatter_ParseResponse_NoChoicesErrors(t *testing.T) {
	t.Parallel()

	f := NewOpenAIFormatter()
	_, err := f.ParseResponse([]byte(`{"choices": []}`))
	assert.Error(t, err)
}

func TestAzureFormatter_Endpoint(t *testing.T) {
	t.Parallel()

	f := NewAzureFormatter()
	got := f.Endpoint("https://my-resource.openai.azure.com", "gpt-4-deployment")
	assert.Contains(t, got, "/openai/deployments/gpt-4-deployment/chat/completions")
	assert.Contains(t, got, "api-version=")
}

func TestAzureFormatter_Headers(t *testing.T) {
	t.Parallel()

	f := NewAzureFormatter()
	headers := f.Headers("secret-key")
	assert.Equal(t, "secret-key", headers["api-key"])
	_, hasAuth := headers["Authorization"]
	assert.False(t, hasAuth)
}

func TestAnthropicFormatter_BuildRequest_ToolResultRole(t *testing.T) {
	t.Parallel()

	f := NewAnthropicFormatter()
	req := GenerateRequest{
		Model:        "claude-opus",
		SystemPrompt: "be terse",
		Messages: []domain.Message{
			domain.TextMessage(domain.RoleUser, "hi"),
			{
				Role:       domain.RoleAssistant,
				Content:    []domain.ContentBlock{{Type: domain.BlockText, Text: "let me check"}},
				ToolCalls:  []domain.ToolCall{{ID: "call_1", Name: "search", Args: `{"q":"go"}`}},
			},
			{
				Role:       domain.RoleTool,
				Content:    []domain.ContentBlock{{Type: domain.BlockText, Text: "result text"}},
				ToolCallID: "call_1",
			},
		},
	}

	body, err := f.BuildRequest(req)
	require.NoError(t, err)

	var decoded anthropicRequest
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "be terse", decoded.System)
	require.Len(t, decoded.Messages, 3)
	assert.Equal(t, "user", decoded.Messages[0].Role)
	assert.Equal(t, "assistant", decoded.Messages[1].Role)
	assert.Equal(t, "user", decoded.Messages[2].Role) // tool result maps to user role
	assert.Equal(t, "tool_result", decoded.Messages[2].Content[0].Type)
	assert.Equal(t, "call_1", decoded.Messages[2].Content[0].ToolUseID)
}

func TestAnthropicFormatter_ParseResponse(t *testing.T) {
	t.Parallel()

	f := NewAnthropicFormatter()
	body := []byte(`{
		"content": [
			{"type": "text", "text": "checking now"},
			{"type": "tool_use", "id": "call_2", "name": "search", "input": {"q": "go"}}
		],
		"stop_reason": "tool_use"
	}`)

	resp, err := f.ParseResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "checking now", resp.Text)
	assert.Equal(t, "tool_use", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "search", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, resp.ToolCalls[0].Args)
}

func TestFormatterForProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		provider string
		wantType any
		wantErr  bool
	}{
		{provider: "openai", wantType: &OpenAIFormatter{}},
		{provider: "openrouter", wantType: &OpenAIFormatter{}},
		{provider: "ollama", wantType: &OpenAIFormatter{}},
		{provider: "lmstudio", wantType: &OpenAIFormatter{}},
		{provider: "qwen", wantType: &OpenAIFormatter{}},
		{provider: "gemini", wantType: &OpenAIFormatter{}},
		{provider: "azure", wantType: &AzureFormatter{}},
		{provider: "anthropic", wantType: &AnthropicFormatter{}},
		{provider: "aws", wantType: &AnthropicFormatter{}},
		{provider: "bedrock", wantType: &AnthropicFormatter{}},
		{provider: "unknown-provider", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.provider, func(t *testing.T) {
			t.Parallel()

			got, err := FormatterForProvider(tc.provider)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, domain.ErrUnsupportedProvider)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tc.wantType, got)
		})
	}
}
