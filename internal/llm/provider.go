// Package llm drives the tool-calling loop against a configured LLM
// provider: it formats the transcript for the wire, calls the provider,
// executes any requested tools, and repeats until the model stops asking
// for tools or the iteration budget is exhausted.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/gosuda/matrix/internal/domain"
)

// ToolSpec describes one callable tool for the provider's function/tool
// schema, independent of how the tool is actually executed.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// GenerateRequest is a provider-agnostic request to the LLM.
type GenerateRequest struct {
	Model        string
	SystemPrompt string
	Messages     []domain.Message
	Tools        []ToolSpec
}

// GenerateResponse is a provider-agnostic reply from the LLM.
type GenerateResponse struct {
	Text         string
	Thinking     string
	ToolCalls    []domain.ToolCall
	FinishReason string
}

// HasToolCalls reports whether the model asked to invoke one or more tools.
func (r GenerateResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ProviderClient is the minimal contract the tool-calling loop needs from
// an LLM backend, grounded on the teacher's AgentBackend interface
// (internal/agent/backend.go) — generalized from a long-lived streaming
// session to a single-shot request/response call, since the tool-calling
// loop here is request/response driven rather than an interactive CLI
// subprocess.
type ProviderClient interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// Formatter shapes a GenerateRequest into a provider's wire format and
// parses its response back into a GenerateResponse. It is grounded on the
// teacher's TransportHandler interface (internal/agent/transport.go),
// generalized from streaming line filtering to whole-request formatting.
type Formatter interface {
	Name() string
	Endpoint(baseURL, model string) string
	Headers(apiKey string) map[string]string
	BuildRequest(req GenerateRequest) ([]byte, error)
	ParseResponse(body []byte) (GenerateResponse, error)
}

// HTTPProviderClient is the concrete ProviderClient used for every
// supported backend: only the Formatter and base URL differ per provider.
type HTTPProviderClient struct {
	formatter  Formatter
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	limiter    *rate.Limiter
}

// NewHTTPProviderClient builds a client that rate-limits outbound calls
// per rps/burst, grounded on the teacher's golang.org/x/time/rate usage in
// internal/server/middleware/ratelimit.go, applied here to one shared
// per-provider limiter instead of one limiter per tenant/IP.
func NewHTTPProviderClient(formatter Formatter, baseURL, apiKey, model string, rps float64, burst int) *HTTPProviderClient {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 1
	}
	return &HTTPProviderClient{
		formatter:  formatter,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Generate sends one formatted request to the provider's HTTP endpoint.
func (c *HTTPProviderClient) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return GenerateResponse{}, fmt.Errorf("llm.HTTPProviderClient.Generate: rate limit wait: %w", err)
	}

	if req.Model == "" {
		req.Model = c.model
	}

	body, err := c.formatter.BuildRequest(req)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("llm.HTTPProviderClient.Generate: build request: %w", err)
	}

	url := c.formatter.Endpoint(c.baseURL, req.Model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("llm.HTTPProviderClient.Generate: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.formatter.Headers(c.apiKey) {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("llm.HTTPProviderClient.Generate: do: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("llm.HTTPProviderClient.Generate: read body: %w", err)
	}

	if resp.StatusCode >= 300 {
		return GenerateResponse{}, fmt.Errorf("llm.HTTPProviderClient.Generate: %s status %d: %s", c.formatter.Name(), resp.StatusCode, truncate(respBody, 500))
	}

	out, err := c.formatter.ParseResponse(respBody)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("llm.HTTPProviderClient.Generate: parse response: %w", err)
	}

	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}

// FormatterForProvider selects the Formatter for a provider name.
// OpenAI-compatible backends (openai, openrouter, ollama, lmstudio, qwen,
// gemini) share one wire shape, Azure OpenAI needs its own
// endpoint/header conventions, and Anthropic/Bedrock share the Anthropic
// messages format.
func FormatterForProvider(provider string) (Formatter, error) {
	switch provider {
	case "openai", "openrouter", "ollama", "lmstudio", "qwen", "gemini":
		return NewOpenAIFormatter(), nil
	case "azure":
		return NewAzureFormatter(), nil
	case "anthropic", "aws", "bedrock":
		return NewAnthropicFormatter(), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, provider)
	}
}

// marshalArgs renders a tool call's argument map back to a JSON string
// for domain.ToolCall.Args, which is defined as a string so the tool
// manager can hand it, unparsed, to arbitrary tool implementations.
func marshalArgs(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("llm.marshalArgs: %w", err)
	}
	return string(raw), nil
}
