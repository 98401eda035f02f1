package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// MemoryBackend is the subset of the knowledge memory pipeline the
// memory_* tools call into. Defined here (rather than imported from
// internal/memory) so this package has no dependency on the memory
// pipeline's internals — memory.Pipeline implements this interface and is
// registered into the Manager during wiring.
type MemoryBackend interface {
	Remember(ctx context.Context, text string, tags []string) (string, error)
	Forget(ctx context.Context, id int) error
}

// MemoryRememberTool lets the model explicitly store a fact, distinct
// from the automatic per-turn extraction the memory pipeline also runs.
// Not agent-accessible by default in every deployment — the
// USE_ASK_MATRIX flag controls whether it is exposed.
type MemoryRememberTool struct {
	Backend        MemoryBackend
	AgentAccess    bool
}

func (t *MemoryRememberTool) Name() string        { return "memory_remember" }
func (t *MemoryRememberTool) Description() string { return "Explicitly store a fact in long-term memory." }
func (t *MemoryRememberTool) AgentAccessible() bool { return t.AgentAccess }
func (t *MemoryRememberTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
			"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"text"},
	}
}

type memoryRememberArgs struct {
	Text string   `json:"text"`
	Tags []string `json:"tags"`
}

func (t *MemoryRememberTool) Execute(ctx context.Context, argsJSON string) (string, error) {
	var args memoryRememberArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("tools.MemoryRememberTool.Execute: parse args: %w", err)
	}

	id, err := t.Backend.Remember(ctx, args.Text, args.Tags)
	if err != nil {
		return "", fmt.Errorf("tools.MemoryRememberTool.Execute: %w", err)
	}

	return fmt.Sprintf(`{"stored_as":%q}`, id), nil
}

// MemoryForgetTool removes a previously stored fact by id.
type MemoryForgetTool struct {
	Backend     MemoryBackend
	AgentAccess bool
}

func (t *MemoryForgetTool) Name() string          { return "memory_forget" }
func (t *MemoryForgetTool) Description() string   { return "Delete a previously stored memory entry by id." }
func (t *MemoryForgetTool) AgentAccessible() bool { return t.AgentAccess }
func (t *MemoryForgetTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"id": map[string]any{"type": "integer"}},
		"required":   []string{"id"},
	}
}

type memoryForgetArgs struct {
	ID int `json:"id"`
}

func (t *MemoryForgetTool) Execute(ctx context.Context, argsJSON string) (string, error) {
	var args memoryForgetArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("tools.MemoryForgetTool.Execute: parse args: %w", err)
	}

	if err := t.Backend.Forget(ctx, args.ID); err != nil {
		return "", fmt.Errorf("tools.MemoryForgetTool.Execute: %w", err)
	}

	return "ok", nil
}

var (
	_ Handler = (*MemoryRememberTool)(nil)
	_ Handler = (*MemoryForgetTool)(nil)
)
