package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/matrix/internal/llm"
)

type stubHandler struct {
	name       string
	accessible bool
	result     string
	err        error
	calls      int
}

func (h *stubHandler) Name() string               { return h.name }
func (h *stubHandler) Description() string        { return "stub: " + h.name }
func (h *stubHandler) AgentAccessible() bool      { return h.accessible }
func (h *stubHandler) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (h *stubHandler) Execute(_ context.Context, _ string) (string, error) {
	h.calls++
	if h.err != nil {
		return "", h.err
	}
	return h.result, nil
}

type stubRemote struct {
	name      string
	tools     []llm.ToolSpec
	listErr   error
	callErr   error
	callName  string
	callArgs  string
	callResul string
}

func (r *stubRemote) Name() string { return r.name }
func (r *stubRemote) ListTools(_ context.Context) ([]llm.ToolSpec, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.tools, nil
}
func (r *stubRemote) CallTool(_ context.Context, name, argsJSON string) (string, error) {
	r.callName = name
	r.callArgs = argsJSON
	if r.callErr != nil {
		return "", r.callErr
	}
	return r.callResul, nil
}

func TestManager_Tools_FiltersNonAgentAccessible(t *testing.T) {
	t.Parallel()

	m := NewManager("", 0)
	m.Register(&stubHandler{name: "search", accessible: true})
	m.Register(&stubHandler{name: "memory_remember", accessible: false})

	specs := m.Tools(context.Background())
	require.Len(t, specs, 1)
	assert.Equal(t, "search", specs[0].Name)
}

func TestManager_Execute_DispatchesToInternalHandler(t *testing.T) {
	t.Parallel()

	m := NewManager("", 0)
	h := &stubHandler{name: "search", accessible: true, result: "found"}
	m.Register(h)

	out, err := m.Execute(context.Background(), "search", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "found", out)
	assert.Equal(t, 1, h.calls)
}

func TestManager_Execute_UnknownToolErrors(t *testing.T) {
	t.Parallel()

	m := NewManager("", 0)
	_, err := m.Execute(context.Background(), "nope", `{}`)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestManager_ExecuteDirect_BypassesAccessibilityFilter(t *testing.T) {
	t.Parallel()

	m := NewManager("", 0)
	h := &stubHandler{name: "memory_remember", accessible: false, result: "stored"}
	m.Register(h)

	// Not in the agent-facing catalog...
	specs := m.Tools(context.Background())
	assert.Empty(t, specs)

	// ...but still directly callable by the memory pipeline.
	out, err := m.ExecuteDirect(context.Background(), "memory_remember", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "stored", out)
}

func TestManager_Tools_MergesRemoteSources(t *testing.T) {
	t.Parallel()

	m := NewManager("", 0)
	m.Register(&stubHandler{name: "search", accessible: true})
	m.RegisterRemote(&stubRemote{name: "mcp1", tools: []llm.ToolSpec{{Name: "web_fetch"}}})

	specs := m.Tools(context.Background())
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "search")
	assert.Contains(t, names, "web_fetch")
}

func TestManager_Tools_SkipsFailingRemoteSource(t *testing.T) {
	t.Parallel()

	m := NewManager("", 0)
	m.RegisterRemote(&stubRemote{name: "flaky", listErr: errors.New("down")})

	specs := m.Tools(context.Background())
	assert.Empty(t, specs)
}

func TestManager_Execute_DispatchesToRemote(t *testing.T) {
	t.Parallel()

	m := NewManager("", 0)
	remote := &stubRemote{name: "mcp1", tools: []llm.ToolSpec{{Name: "web_fetch"}}, callResul: "page content"}
	m.RegisterRemote(remote)

	out, err := m.Execute(context.Background(), "web_fetch", `{"url":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, "page content", out)
	assert.Equal(t, "web_fetch", remote.callName)
}

func TestManager_CollisionResolution_PrefixInternal(t *testing.T) {
	t.Parallel()

	m := NewManager("prefix-internal", 0)
	m.Register(&stubHandler{name: "search", accessible: true, result: "internal result"})
	m.RegisterRemote(&stubRemote{name: "mcp1", tools: []llm.ToolSpec{{Name: "search"}}, callResul: "remote result"})

	specs := m.Tools(context.Background())
	names := make(map[string]bool)
	for _, s := range specs {
		names[s.Name] = true
	}
	assert.True(t, names["search"])            // now the remote tool
	assert.True(t, names["internal_search"])   // renamed internal tool

	out, err := m.Execute(context.Background(), "search", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "remote result", out)
}

func TestManager_CollisionResolution_FirstWins(t *testing.T) {
	t.Parallel()

	m := NewManager("first-wins", 0)
	m.Register(&stubHandler{name: "search", accessible: true, result: "internal result"})
	m.RegisterRemote(&stubRemote{name: "mcp1", tools: []llm.ToolSpec{{Name: "search"}}, callResul: "remote result"})

	out, err := m.Execute(context.Background(), "search", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "internal result", out)
}

func TestManager_CollisionResolution_PreferMCP(t *testing.T) {
	t.Parallel()

	m := NewManager("prefer-mcp", 0)
	m.Register(&stubHandler{name: "search", accessible: true, result: "internal result"})
	m.RegisterRemote(&stubRemote{name: "mcp1", tools: []llm.ToolSpec{{Name: "search"}}, callResul: "remote result"})

	out, err := m.Execute(context.Background(), "search", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "remote result", out)
}

func TestManager_CollisionResolution_Error_DropsRemote(t *testing.T) {
	t.Parallel()

	m := NewManager("error", 0)
	m.Register(&stubHandler{name: "search", accessible: true, result: "internal result"})
	m.RegisterRemote(&stubRemote{name: "mcp1", tools: []llm.ToolSpec{{Name: "search"}}, callResul: "remote result"})

	specs := m.Tools(context.Background())
	require.Len(t, specs, 1)
	assert.Equal(t, "search", specs[0].Name)

	out, err := m.Execute(context.Background(), "search", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "internal result", out)
}

var _ llm.ToolExecutor = (*Manager)(nil)
