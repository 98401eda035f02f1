// Package tools implements the unified tool manager: it merges the
// built-in tool catalog with remote MCP-style tool servers into one
// name-collision-resolved set the LLM loop can call by name.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Handler is one callable tool: its schema plus its execution.
// AgentAccessible reports whether the LLM tool-calling loop may invoke it
// directly, as opposed to a tool that only the memory/reflection
// pipelines call out-of-band (the internal memory and reflection tools).
type Handler interface {
	Name() string
	Description() string
	Parameters() map[string]any
	AgentAccessible() bool
	Execute(ctx context.Context, argsJSON string) (string, error)
}

// --- workspace_read -----------------------------------------------------

// WorkspaceReadTool reads a file from the session's workspace root,
// refusing to escape it via ".." traversal.
type WorkspaceReadTool struct {
	Root string
}

func (t *WorkspaceReadTool) Name() string        { return "workspace_read" }
func (t *WorkspaceReadTool) Description() string { return "Read a file from the workspace." }
func (t *WorkspaceReadTool) AgentAccessible() bool { return true }
func (t *WorkspaceReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "path relative to the workspace root"},
		},
		"required": []string{"path"},
	}
}

type workspaceReadArgs struct {
	Path string `json:"path"`
}

func (t *WorkspaceReadTool) Execute(_ context.Context, argsJSON string) (string, error) {
	var args workspaceReadArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("tools.WorkspaceReadTool.Execute: parse args: %w", err)
	}

	resolved, err := t.resolve(args.Path)
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("tools.WorkspaceReadTool.Execute: %w", err)
	}

	return string(content), nil
}

func (t *WorkspaceReadTool) resolve(path string) (string, error) {
	root, err := filepath.Abs(t.Root)
	if err != nil {
		return "", fmt.Errorf("tools.WorkspaceReadTool.resolve: %w", err)
	}
	joined := filepath.Join(root, path)
	if !strings.HasPrefix(joined, root) {
		return "", fmt.Errorf("tools.WorkspaceReadTool.resolve: %q escapes workspace root", path)
	}
	return joined, nil
}

// --- workspace_write -----------------------------------------------------

// WorkspaceWriteTool writes a file within the session's workspace root.
type WorkspaceWriteTool struct {
	Root string
}

func (t *WorkspaceWriteTool) Name() string          { return "workspace_write" }
func (t *WorkspaceWriteTool) Description() string   { return "Write a file in the workspace." }
func (t *WorkspaceWriteTool) AgentAccessible() bool { return true }
func (t *WorkspaceWriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

type workspaceWriteArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WorkspaceWriteTool) Execute(_ context.Context, argsJSON string) (string, error) {
	var args workspaceWriteArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("tools.WorkspaceWriteTool.Execute: parse args: %w", err)
	}

	reader := &WorkspaceReadTool{Root: t.Root}
	resolved, err := reader.resolve(args.Path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("tools.WorkspaceWriteTool.Execute: mkdir: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("tools.WorkspaceWriteTool.Execute: %w", err)
	}

	return "ok", nil
}

var (
	_ Handler = (*WorkspaceReadTool)(nil)
	_ Handler = (*WorkspaceWriteTool)(nil)
)
