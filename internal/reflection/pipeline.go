package reflection

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/domain"
)

// Gate reports whether embedding-backed subsystems are currently disabled.
// Matches memory.EmbedGate's method set structurally so the same gate
// instance can drive both pipelines without this package importing
// internal/memory.
type Gate interface {
	Disabled() bool
}

// EventPublisher is the subset of the event bus the pipeline needs.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// ToolRegistry is the subset of the unified tool manager the pipeline
// needs to confirm both reflection tools are actually registered,
// mirroring Gate's narrow-local-interface shape so this package does
// not import internal/tools.
type ToolRegistry interface {
	Registered(name string) bool
}

// toolExtractReasoningSteps and toolStoreReasoningMemory name the two
// tools (internal/tools/reflection_tools.go) whose joint presence in the
// registry gates ProcessTurn, regardless of whether the model ever calls
// either directly.
const (
	toolExtractReasoningSteps = "extract_reasoning_steps"
	toolStoreReasoningMemory  = "store_reasoning_memory"
)

// Pipeline detects reasoning in user input, extracts its steps,
// evaluates them, and stores traces that clear the quality gate. It
// also implements tools.ReflectionBackend so the
// extract_reasoning_steps/store_reasoning_memory tools can drive it
// directly.
type Pipeline struct {
	Detector  *Detector
	Evaluator *Evaluator
	Store     domain.ReflectionStore
	Events    EventPublisher
	Gate      Gate         // nil disables the embeddings-enabled gate check entirely
	Tools     ToolRegistry // nil disables the tool-registry gate check entirely

	DisableReflection bool
	SessionID         string
}

// ProcessTurn runs the full detect -> extract -> evaluate -> store chain
// for one turn's user input. Every step is independently wrapped: a
// failure anywhere is logged and published, never returned to the
// caller.
func (p *Pipeline) ProcessTurn(ctx context.Context, userInput string) {
	if p.DisableReflection {
		return
	}
	if p.Gate != nil && p.Gate.Disabled() {
		return
	}
	if p.Tools != nil && !(p.Tools.Registered(toolExtractReasoningSteps) && p.Tools.Registered(toolStoreReasoningMemory)) {
		return
	}

	contains, confidence := p.Detector.DetectUser(userInput)
	if !contains {
		return
	}

	steps := p.Detector.ExtractSteps(userInput)
	if len(steps) == 0 {
		return
	}

	result, err := p.Evaluator.Evaluate(ctx, steps)
	if err != nil {
		log.Warn().Err(err).Str("session_id", p.SessionID).Msg("reflection.Pipeline.ProcessTurn: evaluation failed")
		p.publish(ctx, domain.EventReflectionSkipped, map[string]any{"reason": "evaluation_failed", "detectionConfidence": confidence})
		return
	}

	if !result.ShouldStore {
		p.publish(ctx, domain.EventReflectionSkipped, map[string]any{"reason": "quality_gate", "qualityScore": result.QualityScore})
		return
	}

	if err := p.Store.Store(ctx, buildTrace(steps, result)); err != nil {
		log.Warn().Err(err).Str("session_id", p.SessionID).Msg("reflection.Pipeline.ProcessTurn: store failed")
		p.publish(ctx, domain.EventReflectionSkipped, map[string]any{"reason": "store_failed", "error": err.Error()})
		return
	}

	p.publish(ctx, domain.EventReflectionStored, map[string]any{"qualityScore": result.QualityScore})
}

// ExtractSteps implements tools.ReflectionBackend: an explicit,
// detection-gate-bypassing extraction requested directly by the model.
func (p *Pipeline) ExtractSteps(_ context.Context, text string) ([]string, error) {
	steps := p.Detector.ExtractSteps(text)
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Content
	}
	return out, nil
}

// StoreReasoning implements tools.ReflectionBackend: evaluate a caller-
// supplied set of steps and store them if they clear the quality gate.
func (p *Pipeline) StoreReasoning(ctx context.Context, rawSteps []string) (bool, error) {
	if len(rawSteps) == 0 {
		return false, nil
	}

	steps := make([]Step, len(rawSteps))
	for i, s := range rawSteps {
		steps[i] = Step{Type: "explicit", Content: s}
	}

	result, err := p.Evaluator.Evaluate(ctx, steps)
	if err != nil {
		return false, err
	}
	if !result.ShouldStore {
		return false, nil
	}

	if err := p.Store.Store(ctx, buildTrace(steps, result)); err != nil {
		return false, err
	}
	return true, nil
}

func buildTrace(steps []Step, result EvaluationResult) domain.ReasoningTrace {
	domainSteps := make([]domain.ReasoningStep, len(steps))
	for i, s := range steps {
		domainSteps[i] = domain.ReasoningStep{Type: s.Type, Content: s.Content}
	}
	return domain.ReasoningTrace{
		ID:           uuid.NewString(),
		Steps:        domainSteps,
		QualityScore: result.QualityScore,
		Issues:       result.Issues,
		Suggestions:  result.Suggestions,
		ShouldStore:  result.ShouldStore,
		CreatedAt:    time.Now(),
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
			Source:    "reflection",
		},
	})
}
