package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gosuda/matrix/internal/llm"
)

// ErrRemoteToolFailed is returned when a remote source responds with a
// non-2xx status.
var ErrRemoteToolFailed = errors.New("tools: remote tool call failed")

// serviceClaims is the JWT payload Matrix presents to remote MCP-style
// tool servers, generalized from auth.Claims's tenant/user identity to a
// bare service-to-service identity: there is no tenant or end user on
// this call path, only "matrix core calling a tool server it trusts".
type serviceClaims struct {
	jwt.RegisteredClaims
	Service string `json:"svc"`
}

const serviceTokenTTL = 5 * time.Minute

// signServiceToken issues a short-lived HS256 token identifying Matrix to
// a remote tool server, mirroring auth.issueToken's construction.
func signServiceToken(secret string) (string, error) {
	now := time.Now()
	claims := serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(serviceTokenTTL)),
			Issuer:    "matrix",
		},
		Service: "matrix-core",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("tools.signServiceToken: %w", err)
	}
	return signed, nil
}

// RemoteClient calls out to a remote MCP-style tool server over HTTP,
// authenticating with a signed service JWT rather than a static API key.
type RemoteClient struct {
	SourceName string
	BaseURL    string
	JWTSecret  string
	HTTPClient *http.Client
}

// NewRemoteClient constructs a RemoteClient with a bounded HTTP timeout
// derived from config.ToolsConfig.AggregatorTimeoutSeconds.
func NewRemoteClient(name, baseURL, jwtSecret string, timeout time.Duration) *RemoteClient {
	if timeout <= 0 {
		timeout = defaultExecuteTimeout
	}
	return &RemoteClient{
		SourceName: name,
		BaseURL:    baseURL,
		JWTSecret:  jwtSecret,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func (c *RemoteClient) Name() string { return c.SourceName }

func (c *RemoteClient) authHeader() (string, error) {
	token, err := signServiceToken(c.JWTSecret)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}

type remoteToolListResponse struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"tools"`
}

// ListTools fetches the remote source's tool catalog via GET /tools.
func (c *RemoteClient) ListTools(ctx context.Context) ([]llm.ToolSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/tools", nil)
	if err != nil {
		return nil, fmt.Errorf("tools.RemoteClient.ListTools: %w", err)
	}
	auth, err := c.authHeader()
	if err != nil {
		return nil, fmt.Errorf("tools.RemoteClient.ListTools: %w", err)
	}
	req.Header.Set("Authorization", auth)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tools.RemoteClient.ListTools(%s): %w", c.SourceName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tools.RemoteClient.ListTools(%s): read body: %w", c.SourceName, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tools.RemoteClient.ListTools(%s): status %d: %w", c.SourceName, resp.StatusCode, ErrRemoteToolFailed)
	}

	var decoded remoteToolListResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("tools.RemoteClient.ListTools(%s): decode: %w", c.SourceName, err)
	}

	specs := make([]llm.ToolSpec, 0, len(decoded.Tools))
	for _, t := range decoded.Tools {
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return specs, nil
}

type remoteCallRequest struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type remoteCallResponse struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// CallTool invokes a named tool on the remote source via POST /call.
func (c *RemoteClient) CallTool(ctx context.Context, name, argsJSON string) (string, error) {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	payload, err := json.Marshal(remoteCallRequest{Name: name, Args: json.RawMessage(argsJSON)})
	if err != nil {
		return "", fmt.Errorf("tools.RemoteClient.CallTool: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/call", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("tools.RemoteClient.CallTool: %w", err)
	}
	auth, err := c.authHeader()
	if err != nil {
		return "", fmt.Errorf("tools.RemoteClient.CallTool: %w", err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tools.RemoteClient.CallTool(%s/%s): %w", c.SourceName, name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("tools.RemoteClient.CallTool(%s/%s): read body: %w", c.SourceName, name, err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("tools.RemoteClient.CallTool(%s/%s): status %d: %w", c.SourceName, name, resp.StatusCode, ErrRemoteToolFailed)
	}

	var decoded remoteCallResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("tools.RemoteClient.CallTool(%s/%s): decode: %w", c.SourceName, name, err)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("tools.RemoteClient.CallTool(%s/%s): remote error: %s", c.SourceName, name, decoded.Error)
	}

	return decoded.Result, nil
}

var _ RemoteSource = (*RemoteClient)(nil)
