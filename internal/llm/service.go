package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/contextmgr"
	"github.com/gosuda/matrix/internal/domain"
)

// DefaultMaxIterations bounds the tool-calling loop.
const DefaultMaxIterations = 5

// retryAttempts and retryBaseDelay govern how a single Generate call is
// retried on transport failure before the whole tool-calling iteration is
// abandoned.
const (
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
)

// ToolExecutor is the subset of the unified tool manager the loop needs:
// the current tool catalog, formatted for the provider, and a way to run
// one call by name.
type ToolExecutor interface {
	Tools(ctx context.Context) []ToolSpec
	Execute(ctx context.Context, name, argsJSON string) (string, error)
}

// EventPublisher is the subset of the event bus the loop needs. Kept as a
// narrow local interface so this package does not import internal/events.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Service drives one session's turn: append the user message, call the
// provider, execute any requested tools, and repeat until the model
// stops asking for tools or MaxIterations is reached. Grounded on the
// teacher's Orchestrator.handleMessage/waitForCompletion loop shape
// (internal/agent/orchestrator.go), generalized from a long-running CLI
// subprocess session to a bounded request/response loop.
type Service struct {
	SessionID     string
	Provider      ProviderClient
	Context       *contextmgr.Manager
	Tools         ToolExecutor // nil disables tool calling
	Events        EventPublisher
	SystemPrompt  string
	MaxIterations int
	// MaxHistoryChars bounds the transcript handed to the provider each
	// iteration; <= 0 disables compression. See contextmgr.Manager.FormattedMessages.
	MaxHistoryChars int
}

// TurnResult is one turn's outcome: the assistant's final text plus a
// one-line summary of every tool call and tool result exchanged while
// producing it, in call order. The summaries let the memory pipeline's
// fact extractor see what the assistant looked up, not just what it
// said.
type TurnResult struct {
	Text                string
	ToolCallSummaries   []string
	ToolResultSummaries []string
}

// Run executes one full turn for userInput and returns the assistant's
// final response together with the turn's tool call/result summaries.
func (s *Service) Run(ctx context.Context, userInput string) (TurnResult, error) {
	return s.run(ctx, userInput, nil)
}

// RunWithImage is Run for a turn that attaches an inline image to the
// user message.
// imageData must have already passed domain.ImageData.Valid().
func (s *Service) RunWithImage(ctx context.Context, userInput string, imageData domain.ImageData) (TurnResult, error) {
	return s.run(ctx, userInput, &imageData)
}

func (s *Service) run(ctx context.Context, userInput string, imageData *domain.ImageData) (TurnResult, error) {
	maxIterations := s.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	var appendErr error
	if imageData != nil {
		appendErr = s.Context.AddUserMessageWithImage(ctx, userInput, *imageData)
	} else {
		appendErr = s.Context.AddUserMessage(ctx, userInput)
	}
	if appendErr != nil {
		return TurnResult{}, fmt.Errorf("llm.Service.Run: %w", appendErr)
	}

	s.publish(ctx, domain.EventLLMResponseStarted, nil)

	var toolCallSummaries, toolResultSummaries []string

	for iteration := 1; iteration <= maxIterations; iteration++ {
		req := GenerateRequest{
			SystemPrompt: s.SystemPrompt,
			Messages:     s.Context.FormattedMessages(s.MaxHistoryChars),
		}
		if s.Tools != nil {
			req.Tools = s.Tools.Tools(ctx)
		}

		resp, err := s.generateWithRetry(ctx, req)
		if err != nil {
			s.publish(ctx, domain.EventLLMResponseError, map[string]any{"error": err.Error(), "iteration": iteration})
			return TurnResult{}, fmt.Errorf("llm.Service.Run: iteration %d: %w", iteration, err)
		}

		if resp.Thinking != "" {
			s.publish(ctx, domain.EventLLMThinking, map[string]any{"thinking": resp.Thinking})
		}

		if !resp.HasToolCalls() {
			assistantMsg := domain.TextMessage(domain.RoleAssistant, resp.Text)
			if err := s.Context.AddAssistantMessage(ctx, assistantMsg); err != nil {
				return TurnResult{}, fmt.Errorf("llm.Service.Run: %w", err)
			}
			s.publish(ctx, domain.EventLLMResponseCompleted, map[string]any{"iterations": iteration})
			return TurnResult{Text: resp.Text, ToolCallSummaries: toolCallSummaries, ToolResultSummaries: toolResultSummaries}, nil
		}

		assistantMsg := domain.Message{
			Role:      domain.RoleAssistant,
			Content:   []domain.ContentBlock{{Type: domain.BlockText, Text: resp.Text}},
			ToolCalls: resp.ToolCalls,
		}
		if err := s.Context.AddAssistantMessage(ctx, assistantMsg); err != nil {
			return TurnResult{}, fmt.Errorf("llm.Service.Run: %w", err)
		}

		if s.Tools == nil {
			return TurnResult{}, fmt.Errorf("llm.Service.Run: model requested tool calls but no tool executor is configured")
		}

		for _, tc := range resp.ToolCalls {
			toolCallSummaries = append(toolCallSummaries, fmt.Sprintf("called %s with args %s", tc.Name, tc.Args))

			result, execErr := s.Tools.Execute(ctx, tc.Name, tc.Args)
			if execErr != nil {
				log.Warn().Err(execErr).Str("tool", tc.Name).Str("session_id", s.SessionID).Msg("llm.Service.Run: tool execution failed")
				result = fmt.Sprintf("error: %v", execErr)
				s.publish(ctx, domain.EventToolTimeout, map[string]any{"tool": tc.Name, "error": execErr.Error()})
			} else {
				s.publish(ctx, domain.EventToolExecuted, map[string]any{"tool": tc.Name})
			}
			toolResultSummaries = append(toolResultSummaries, fmt.Sprintf("%s returned: %s", tc.Name, result))

			if err := s.Context.AddToolResult(ctx, tc.ID, tc.Name, result); err != nil {
				return TurnResult{}, fmt.Errorf("llm.Service.Run: %w", err)
			}
		}
	}

	return TurnResult{}, fmt.Errorf("llm.Service.Run: %w", domain.ErrIterationLimit)
}

// generateWithRetry retries a single provider call on transport failure.
// Retries 2 and 3 strip tools from the request: a provider that rejects a
// malformed tool schema will otherwise fail identically on every retry,
// so dropping tools gives the model a chance to at least answer in text.
func (s *Service) generateWithRetry(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		attemptReq := req
		if attempt >= 2 {
			attemptReq.Tools = nil
		}

		resp, err := s.Provider.Generate(ctx, attemptReq)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt < retryAttempts {
			backoff := time.Duration(attempt) * retryBaseDelay
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return GenerateResponse{}, fmt.Errorf("llm.Service.generateWithRetry: %w", ctx.Err())
			}
		}
	}

	return GenerateResponse{}, fmt.Errorf("llm.Service.generateWithRetry: exhausted %d attempts: %w", retryAttempts, lastErr)
}

// DirectGenerate issues a single provider call outside of any session's
// transcript: no context manager, no tools, no persisted messages.
// Reserved for internal subsystems that need an LLM call without a
// conversational history — the memory decision engine and the reflection
// evaluator.
func (s *Service) DirectGenerate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	req := GenerateRequest{
		SystemPrompt: systemPrompt,
		Messages:     []domain.Message{domain.TextMessage(domain.RoleUser, prompt)},
	}

	resp, err := s.generateWithRetry(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm.Service.DirectGenerate: %w", err)
	}
	return resp.Text, nil
}

func (s *Service) publish(ctx context.Context, eventType string, data any) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(ctx, domain.Event{
		Type: eventType,
		Data: data,
		Metadata: domain.EventMetadata{
			Timestamp: time.Now(),
			SessionID: s.SessionID,
			Source:    "llm",
		},
	})
}
