package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/domain"
	"github.com/gosuda/matrix/internal/llm"
)

// InteractionData is the comprehensive interaction data collected for
// one turn: the user text, one-line tool call/result summaries, and the
// assistant's final text.
type InteractionData struct {
	UserText            string
	ToolCallSummaries   []string
	ToolResultSummaries []string
	AssistantText       string
}

// Lines flattens the interaction into the ordered list of strings the
// fact extractor consumes.
func (d InteractionData) Lines() []string {
	lines := make([]string, 0, 2+len(d.ToolCallSummaries)+len(d.ToolResultSummaries))
	if d.UserText != "" {
		lines = append(lines, d.UserText)
	}
	lines = append(lines, d.ToolCallSummaries...)
	lines = append(lines, d.ToolResultSummaries...)
	if d.AssistantText != "" {
		lines = append(lines, d.AssistantText)
	}
	return lines
}

// FactExtractor turns an interaction into a list of candidate facts.
// Defined narrowly here (rather than depending on internal/tools) so the
// pipeline can be driven either by an LLM-backed extractor or by a fixed
// test double.
type FactExtractor interface {
	ExtractFacts(ctx context.Context, lines []string, promptContext string) ([]string, error)
}

// LLMFactExtractor asks a Service.DirectGenerate call to list the
// standalone facts worth remembering from a turn.
type LLMFactExtractor struct {
	LLM *llm.Service
}

const factExtractionSystemPrompt = "Extract short, standalone, reusable facts from the conversation turn below. " +
	"Reply with a JSON array of strings, one per fact. Reply with [] if there is nothing worth remembering."

func (e *LLMFactExtractor) ExtractFacts(ctx context.Context, lines []string, promptContext string) ([]string, error) {
	prompt := strings.Join(lines, "\n")
	if promptContext != "" {
		prompt = "Context: " + promptContext + "\n\n" + prompt
	}

	raw, err := e.LLM.DirectGenerate(ctx, prompt, factExtractionSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("memory.LLMFactExtractor.ExtractFacts: %w", err)
	}

	facts, ok := parseFactList(raw)
	if !ok {
		return nil, nil
	}
	return facts, nil
}

// DirectToolExecutor is the subset of the unified tool manager the
// workspace-memory tool needs: running an internal tool by name without
// exposing it to the LLM tool-calling loop.
type DirectToolExecutor interface {
	ExecuteDirect(ctx context.Context, name, argsJSON string) (string, error)
}

const workspaceExtractionSystemPrompt = "Extract short, standalone, reusable facts about this workspace and the " +
	"conversation turn below. Favor project-specific details (tooling, conventions, structure) over generic " +
	"restatement of the turn. Reply with a JSON array of strings, one per fact. Reply with [] if there is nothing " +
	"worth remembering."

// LLMWorkspaceFactExtractor is the workspace-memory tool: it grounds fact
// extraction in the current workspace's files (read through the same
// workspace_read tool the model itself can call) before asking the model
// what is worth remembering, so it can surface project context a
// conversation-only extractor never sees. Paths that don't exist are
// skipped rather than failing the turn.
type LLMWorkspaceFactExtractor struct {
	LLM   *llm.Service
	Tools DirectToolExecutor
	Paths []string
}

func (e *LLMWorkspaceFactExtractor) ExtractFacts(ctx context.Context, lines []string, promptContext string) ([]string, error) {
	var workspaceContext strings.Builder
	for _, path := range e.Paths {
		argsJSON, err := json.Marshal(map[string]string{"path": path})
		if err != nil {
			continue
		}
		content, err := e.Tools.ExecuteDirect(ctx, "workspace_read", string(argsJSON))
		if err != nil {
			continue
		}
		fmt.Fprintf(&workspaceContext, "%s:\n%s\n\n", path, content)
	}

	prompt := strings.Join(lines, "\n")
	if promptContext != "" {
		prompt = "Context: " + promptContext + "\n\n" + prompt
	}
	if workspaceContext.Len() > 0 {
		prompt = "Workspace files:\n" + workspaceContext.String() + "\n" + prompt
	}

	raw, err := e.LLM.DirectGenerate(ctx, prompt, workspaceExtractionSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("memory.LLMWorkspaceFactExtractor.ExtractFacts: %w", err)
	}

	facts, ok := parseFactList(raw)
	if !ok {
		return nil, nil
	}
	return facts, nil
}

// EventPublisher is the subset of the event bus the pipeline needs,
// mirroring llm.EventPublisher's narrow-local-interface shape.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Pipeline collects interaction data, extracts facts, runs each through
// the decision engine, and persists ADD/UPDATE outcomes. It also
// implements tools.MemoryBackend so the
// memory_remember/memory_forget tools can call it directly, bypassing
// the decision engine for an explicit user request.
type Pipeline struct {
	Extractor          FactExtractor
	WorkspaceExtractor FactExtractor // consulted only when UseWorkspaceMemory is set
	Decision           *DecisionEngine
	Events             EventPublisher
	Gate               *EmbedGate // nil defaults to the process-wide Global gate

	UseWorkspaceMemory   bool
	DisableDefaultMemory bool
	SessionID            string
}

func (p *Pipeline) gate() *EmbedGate {
	if p.Gate != nil {
		return p.Gate
	}
	return Global
}

// ProcessTurn runs the full extract -> decide -> persist pipeline for
// one turn. Every failure is swallowed (logged and published as an
// event): memory pipeline errors never affect the foreground response.
// The default-knowledge extractor runs unless DisableDefaultMemory is
// set; the workspace-memory extractor runs only when UseWorkspaceMemory
// is set and one is configured. Either, both, or neither may fire.
func (p *Pipeline) ProcessTurn(ctx context.Context, data InteractionData, promptContext string) {
	if p.gate().Disabled() {
		return
	}

	lines := data.Lines()

	if !p.DisableDefaultMemory {
		p.runExtractor(ctx, p.Extractor, "default", lines, promptContext)
	}

	if p.UseWorkspaceMemory && p.WorkspaceExtractor != nil {
		p.runExtractor(ctx, p.WorkspaceExtractor, "workspace", lines, promptContext)
	}
}

func (p *Pipeline) runExtractor(ctx context.Context, extractor FactExtractor, source string, lines []string, promptContext string) {
	facts, err := extractor.ExtractFacts(ctx, lines, promptContext)
	if err != nil {
		log.Warn().Err(err).Str("session_id", p.SessionID).Str("source", source).Msg("memory.Pipeline.ProcessTurn: extraction failed")
		p.publish(ctx, domain.EventMemoryOperationFailed, map[string]any{"stage": "extract", "source": source, "error": err.Error()})
		return
	}

	for _, fact := range facts {
		p.processFact(ctx, fact, promptContext)
	}
}

func (p *Pipeline) processFact(ctx context.Context, fact, promptContext string) {
	entry, embedding, err := p.Decision.Decide(ctx, fact, promptContext)
	if err != nil {
		if errors.Is(err, ErrEmbeddingUnavailable) {
			log.Warn().Err(err).Str("session_id", p.SessionID).Msg("memory.Pipeline.processFact: embeddings disabled")
			p.publish(ctx, domain.EventMemoryOperationFailed, map[string]any{"stage": "embed", "error": err.Error()})
			return
		}
		log.Warn().Err(err).Str("session_id", p.SessionID).Msg("memory.Pipeline.processFact: decision failed")
		p.publish(ctx, domain.EventMemoryOperationFailed, map[string]any{"stage": "decide", "error": err.Error()})
		return
	}

	switch entry.Event {
	case domain.MemoryEventAdd:
		id, err := p.Decision.Store.Insert(ctx, entry, embedding)
		if err != nil {
			log.Warn().Err(err).Str("session_id", p.SessionID).Msg("memory.Pipeline.processFact: insert failed")
			p.publish(ctx, domain.EventMemoryOperationFailed, map[string]any{"stage": "insert", "error": err.Error()})
			return
		}
		p.publish(ctx, domain.EventMemoryActionApplied, map[string]any{"event": string(entry.Event), "id": id})
	case domain.MemoryEventUpdate:
		if err := p.Decision.Store.Update(ctx, entry.ID, entry, embedding); err != nil {
			log.Warn().Err(err).Str("session_id", p.SessionID).Msg("memory.Pipeline.processFact: update failed")
			p.publish(ctx, domain.EventMemoryOperationFailed, map[string]any{"stage": "update", "error": err.Error()})
			return
		}
		p.publish(ctx, domain.EventMemoryActionApplied, map[string]any{"event": string(entry.Event), "id": entry.ID})
	case domain.MemoryEventDelete, domain.MemoryEventNone:
		// DELETE and NONE skip persistence.
	}
}

func (p *Pipeline) publish(ctx context.Context, eventType string, data any) {
	if p.Events == nil {
		return
	}
	p.Events.Publish(ctx, domain.Event{
		Type: eventType,
		Data: data,
		Metadata: domain.EventMetadata{
			Timestamp: time.Now(),
			SessionID: p.SessionID,
			Source:    "memory",
		},
	})
}

// Remember implements tools.MemoryBackend: an explicit, decision-engine-
// bypassing ADD requested directly by the model or a caller.
func (p *Pipeline) Remember(ctx context.Context, text string, tags []string) (string, error) {
	if p.gate().Disabled() {
		return "", fmt.Errorf("memory.Pipeline.Remember: %w", ErrEmbeddingUnavailable)
	}

	embedding, err := p.Decision.Embedder.Embed(ctx, text)
	if err != nil {
		p.gate().Disable()
		return "", fmt.Errorf("memory.Pipeline.Remember: %w: %w", ErrEmbeddingUnavailable, err)
	}

	entry := domain.MemoryEntry{
		Text:          text,
		Tags:          tags,
		Confidence:    1.0,
		Event:         domain.MemoryEventAdd,
		QualitySource: domain.QualitySourceHeuristic,
	}
	id, err := p.Decision.Store.Insert(ctx, entry, embedding)
	if err != nil {
		return "", fmt.Errorf("memory.Pipeline.Remember: %w", err)
	}

	return strconv.Itoa(id), nil
}

// Forget implements tools.MemoryBackend: hard-delete a memory entry.
// Requires the configured store to implement domain.KnowledgeDeleter.
func (p *Pipeline) Forget(ctx context.Context, id int) error {
	deleter, ok := p.Decision.Store.(domain.KnowledgeDeleter)
	if !ok {
		return fmt.Errorf("memory.Pipeline.Forget: configured store does not support deletion")
	}
	if err := deleter.Delete(ctx, id); err != nil {
		return fmt.Errorf("memory.Pipeline.Forget: %w", err)
	}
	return nil
}
