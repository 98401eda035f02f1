package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReflectionBackend is the subset of the reflection pipeline the
// reflection_* tools call into, mirroring MemoryBackend's decoupling.
type ReflectionBackend interface {
	ExtractSteps(ctx context.Context, text string) ([]string, error)
	StoreReasoning(ctx context.Context, steps []string) (bool, error)
}

// ReflectionExtractTool lets the model pull reasoning steps out of a
// block of text on demand. Its presence in the registry (alongside
// ReflectionStoreTool) is itself one of the reflection pipeline's gate
// conditions, independent of whether the model ever calls it directly.
type ReflectionExtractTool struct {
	Backend     ReflectionBackend
	AgentAccess bool
}

func (t *ReflectionExtractTool) Name() string { return "extract_reasoning_steps" }
func (t *ReflectionExtractTool) Description() string {
	return "Extract discrete reasoning steps from a block of text."
}
func (t *ReflectionExtractTool) AgentAccessible() bool { return t.AgentAccess }
func (t *ReflectionExtractTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}
}

type reflectionExtractArgs struct {
	Text string `json:"text"`
}

func (t *ReflectionExtractTool) Execute(ctx context.Context, argsJSON string) (string, error) {
	var args reflectionExtractArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("tools.ReflectionExtractTool.Execute: parse args: %w", err)
	}

	steps, err := t.Backend.ExtractSteps(ctx, args.Text)
	if err != nil {
		return "", fmt.Errorf("tools.ReflectionExtractTool.Execute: %w", err)
	}

	encoded, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("tools.ReflectionExtractTool.Execute: encode result: %w", err)
	}
	return string(encoded), nil
}

// ReflectionStoreTool lets the model explicitly submit a reasoning trace
// for quality-gated storage, alongside the automatic per-turn detector
// the reflection pipeline runs on user input.
type ReflectionStoreTool struct {
	Backend     ReflectionBackend
	AgentAccess bool
}

func (t *ReflectionStoreTool) Name() string { return "store_reasoning_memory" }
func (t *ReflectionStoreTool) Description() string {
	return "Submit a reasoning trace for quality-gated storage."
}
func (t *ReflectionStoreTool) AgentAccessible() bool { return t.AgentAccess }
func (t *ReflectionStoreTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"steps": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []string{"steps"},
	}
}

type reflectionStoreArgs struct {
	Steps []string `json:"steps"`
}

func (t *ReflectionStoreTool) Execute(ctx context.Context, argsJSON string) (string, error) {
	var args reflectionStoreArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("tools.ReflectionStoreTool.Execute: parse args: %w", err)
	}

	stored, err := t.Backend.StoreReasoning(ctx, args.Steps)
	if err != nil {
		return "", fmt.Errorf("tools.ReflectionStoreTool.Execute: %w", err)
	}

	if !stored {
		return `{"stored":false,"reason":"quality gate rejected trace"}`, nil
	}
	return `{"stored":true}`, nil
}

var (
	_ Handler = (*ReflectionStoreTool)(nil)
	_ Handler = (*ReflectionExtractTool)(nil)
)
