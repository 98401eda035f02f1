package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/llm"
)

// ErrUnknownTool is returned when a requested tool name is not registered
// on either the internal handler set or any remote source.
var ErrUnknownTool = errors.New("tools: unknown tool")

// ErrToolCollision names the condition of a remote tool's name colliding
// with an internal one. Manager does not return it: under the "error"
// strategy the collision is logged and the remote tool is dropped.
var ErrToolCollision = errors.New("tools: name collision between internal and remote tool")

const defaultExecuteTimeout = 60 * time.Second

// RemoteSource is a remote MCP-style tool server: a named catalog of
// tools the manager merges alongside its internal handlers.
type RemoteSource interface {
	Name() string
	ListTools(ctx context.Context) ([]llm.ToolSpec, error)
	CallTool(ctx context.Context, name, argsJSON string) (string, error)
}

// Manager is the unified tool catalog: internal Go-native handlers plus
// remote MCP-style sources, merged into one name-collision-resolved set
// the LLM tool-calling loop calls by name. Mirrors agent.Registry's
// mutex-guarded map-of-factories shape, generalized from backend
// factories to callable tool handlers plus remote sources.
type Manager struct {
	mu             sync.RWMutex
	handlers       map[string]Handler
	remotes        []RemoteSource
	collision      string // prefix-internal | prefer-mcp | first-wins | error
	executeTimeout time.Duration
}

// NewManager constructs a Manager. collisionResolution and executeTimeout
// come from config.ToolsConfig; an empty/zero value falls back to
// "prefix-internal" and 60s respectively.
func NewManager(collisionResolution string, executeTimeout time.Duration) *Manager {
	if collisionResolution == "" {
		collisionResolution = "prefix-internal"
	}
	if executeTimeout <= 0 {
		executeTimeout = defaultExecuteTimeout
	}
	return &Manager{
		handlers:       make(map[string]Handler),
		collision:      collisionResolution,
		executeTimeout: executeTimeout,
	}
}

// Register adds an internal tool handler, replacing any existing handler
// registered under the same name.
func (m *Manager) Register(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[h.Name()] = h
}

// RegisterRemote adds a remote tool source to the merged catalog.
func (m *Manager) RegisterRemote(r RemoteSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remotes = append(m.remotes, r)
}

// Registered reports whether an internal tool by that name is present in
// the handler set, regardless of its AgentAccessible flag. Callers that
// gate their own behavior on a tool's mere presence (e.g. the reflection
// pipeline checking for its extract/store tools) use this instead of
// Tools, which only lists the agent-facing subset.
func (m *Manager) Registered(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[name]
	return ok
}

// mergedEntry pairs a resolved catalog name with where to dispatch it.
type mergedEntry struct {
	spec      llm.ToolSpec
	handler   Handler       // set if internal
	remote    RemoteSource  // set if remote
	remoteRaw string        // remote's own (pre-collision-resolution) name
}

// Tools returns the agent-accessible catalog: internal handlers with
// AgentAccessible() true, plus every remote tool, collision-resolved by
// name per the configured strategy. Remote source failures are logged
// and that source is skipped rather than failing the whole catalog.
func (m *Manager) Tools(ctx context.Context) []llm.ToolSpec {
	entries := m.merged(ctx)
	specs := make([]llm.ToolSpec, 0, len(entries))
	for _, e := range entries {
		specs = append(specs, e.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func (m *Manager) merged(ctx context.Context) map[string]mergedEntry {
	m.mu.RLock()
	handlers := make(map[string]Handler, len(m.handlers))
	for name, h := range m.handlers {
		if h.AgentAccessible() {
			handlers[name] = h
		}
	}
	remotes := append([]RemoteSource(nil), m.remotes...)
	m.mu.RUnlock()

	out := make(map[string]mergedEntry, len(handlers))
	for name, h := range handlers {
		out[name] = mergedEntry{spec: llm.ToolSpec{Name: name, Description: h.Description(), Parameters: h.Parameters()}, handler: h}
	}

	for _, r := range remotes {
		remoteTools, err := r.ListTools(ctx)
		if err != nil {
			log.Warn().Err(err).Str("source", r.Name()).Msg("tools: remote source unavailable, skipping")
			continue
		}
		for _, rt := range remoteTools {
			m.mergeRemote(out, r, rt)
		}
	}

	return out
}

func (m *Manager) mergeRemote(out map[string]mergedEntry, r RemoteSource, rt llm.ToolSpec) {
	existing, collides := out[rt.Name]
	if !collides {
		out[rt.Name] = mergedEntry{spec: rt, remote: r, remoteRaw: rt.Name}
		return
	}

	switch m.collision {
	case "prefer-mcp":
		out[rt.Name] = mergedEntry{spec: rt, remote: r, remoteRaw: rt.Name}
	case "first-wins":
		// existing entry (internal, registered first) keeps the name.
	case "error":
		log.Error().Str("tool", rt.Name).Str("source", r.Name()).Msg("tools: name collision, dropping remote tool")
	case "prefix-internal":
		fallthrough
	default:
		prefixed := "internal_" + rt.Name
		existing.spec.Name = prefixed
		out[prefixed] = existing
		delete(out, rt.Name)
		out[rt.Name] = mergedEntry{spec: rt, remote: r, remoteRaw: rt.Name}
	}
}

// Execute runs a tool by name, bounded by the manager's configured
// timeout, honoring AgentAccessible for internal handlers.
func (m *Manager) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	entries := m.merged(ctx)
	entry, ok := entries[name]
	if !ok {
		return "", fmt.Errorf("tools.Manager.Execute(%q): %w", name, ErrUnknownTool)
	}

	execCtx, cancel := context.WithTimeout(ctx, m.executeTimeout)
	defer cancel()

	if entry.handler != nil {
		return entry.handler.Execute(execCtx, argsJSON)
	}
	return entry.remote.CallTool(execCtx, entry.remoteRaw, argsJSON)
}

// ExecuteDirect calls an internal handler by name regardless of its
// AgentAccessible flag, bypassing the agent-facing catalog filter. The
// memory and reflection pipelines use this to invoke their storage tools
// out-of-band, without exposing them to the LLM tool-calling loop.
func (m *Manager) ExecuteDirect(ctx context.Context, name, argsJSON string) (string, error) {
	m.mu.RLock()
	h, ok := m.handlers[name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tools.Manager.ExecuteDirect(%q): %w", name, ErrUnknownTool)
	}

	execCtx, cancel := context.WithTimeout(ctx, m.executeTimeout)
	defer cancel()
	return h.Execute(execCtx, argsJSON)
}

var _ llm.ToolExecutor = (*Manager)(nil)
