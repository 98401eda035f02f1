// Package contextmgr owns a session's in-memory transcript and its
// durable restoration path. It sits between the session runtime and the
// history store: the runtime never touches domain.HistoryProvider
// directly.
package contextmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/domain"
)

// Manager holds the ordered transcript for one session and mirrors every
// mutation to a domain.HistoryProvider, grounded on the append/rebuild
// shape of the teacher's internal/agent/orchestrator.go (buildPrompt
// walks the same kind of message list this package maintains).
type Manager struct {
	mu        sync.RWMutex
	sessionID string
	messages  []domain.Message
	provider  domain.HistoryProvider // nil disables persistence
}

// New creates a Manager for a session. If provider is nil, the transcript
// is kept in memory only (history disabled).
func New(sessionID string, provider domain.HistoryProvider) *Manager {
	return &Manager{sessionID: sessionID, provider: provider}
}

// AddUserMessage appends a user turn to the transcript and persists it.
func (m *Manager) AddUserMessage(ctx context.Context, text string) error {
	return m.addAndPersist(ctx, domain.TextMessage(domain.RoleUser, text))
}

// AddUserMessageWithImage appends a user turn carrying an inline image
// alongside its text. text may be empty; img must already have passed
// domain.ImageData.Valid().
func (m *Manager) AddUserMessageWithImage(ctx context.Context, text string, img domain.ImageData) error {
	blocks := make([]domain.ContentBlock, 0, 2)
	if text != "" {
		blocks = append(blocks, domain.ContentBlock{Type: domain.BlockText, Text: text})
	}
	blocks = append(blocks, domain.ContentBlock{Type: domain.BlockImage, ImageData: img.Image, MimeType: img.MimeType})

	return m.addAndPersist(ctx, domain.Message{
		Role:      domain.RoleUser,
		Content:   blocks,
		CreatedAt: time.Now(),
	})
}

// AddAssistantMessage appends an assistant turn, optionally carrying tool
// calls the LLM requested.
func (m *Manager) AddAssistantMessage(ctx context.Context, msg domain.Message) error {
	msg.Role = domain.RoleAssistant
	return m.addAndPersist(ctx, msg)
}

// AddToolResult appends the outcome of one tool invocation, addressed
// back to the assistant's tool call by ID.
func (m *Manager) AddToolResult(ctx context.Context, toolCallID, toolName, result string) error {
	msg := domain.Message{
		Role:       domain.RoleTool,
		Content:    []domain.ContentBlock{{Type: domain.BlockText, Text: result}},
		ToolCallID: toolCallID,
		Name:       toolName,
	}
	return m.addAndPersist(ctx, msg)
}

func (m *Manager) addAndPersist(ctx context.Context, msg domain.Message) error {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	if m.provider == nil {
		return nil
	}

	if err := m.provider.Append(ctx, m.sessionID, msg); err != nil {
		return fmt.Errorf("contextmgr.Manager.addAndPersist: %w", err)
	}
	return nil
}

// RawMessages returns a copy of the current in-memory transcript, in
// causal order.
func (m *Manager) RawMessages() []domain.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// FormattedMessages returns the provider-ready message array: the
// transcript compressed to fit within maxChars by dropping the oldest
// messages first, newest message always kept even if it alone exceeds
// the budget. maxChars <= 0 disables compression and returns the full
// transcript, matching RawMessages.
//
// Dropping whole messages rather than truncating their content keeps
// tool-call/tool-result pairs intact; a truncated tool result would
// otherwise confuse a provider expecting the exact payload it asked for.
func (m *Manager) FormattedMessages(maxChars int) []domain.Message {
	m.mu.RLock()
	messages := make([]domain.Message, len(m.messages))
	copy(messages, m.messages)
	m.mu.RUnlock()

	if maxChars <= 0 || len(messages) == 0 {
		return messages
	}

	if messagesSize(messages) <= maxChars {
		return messages
	}

	for start := 1; start < len(messages); start++ {
		trimmed := messages[start:]
		if messagesSize(trimmed) <= maxChars {
			return trimmed
		}
	}

	// Even the single newest message exceeds budget; return it as-is
	// rather than truncating its content and breaking tool-call pairing.
	return messages[len(messages)-1:]
}

// messagesSize approximates the rendered size of a message list by
// summing each content block's text length. It is a cheap proxy for
// token count, not an exact one — providers differ on tokenization, so
// an approximation grounded on character count is what determines the
// compression boundary.
func messagesSize(messages []domain.Message) int {
	total := 0
	for _, msg := range messages {
		for _, block := range msg.Content {
			total += len(block.Text)
		}
	}
	return total
}

// SetMessages replaces the transcript wholesale — used when restoring a
// serialized session or truncating history for context-window management.
// It persists via the provider's BulkSetter capability when available,
// falling back to Clear+Append.
func (m *Manager) SetMessages(ctx context.Context, msgs []domain.Message) error {
	m.mu.Lock()
	m.messages = append([]domain.Message(nil), msgs...)
	m.mu.Unlock()

	if m.provider == nil {
		return nil
	}

	if bulk, ok := m.provider.(domain.BulkSetter); ok {
		if err := bulk.SetMessages(ctx, m.sessionID, msgs); err != nil {
			return fmt.Errorf("contextmgr.Manager.SetMessages: bulk: %w", err)
		}
		return nil
	}

	if err := m.provider.Clear(ctx, m.sessionID); err != nil {
		return fmt.Errorf("contextmgr.Manager.SetMessages: clear: %w", err)
	}
	for _, msg := range msgs {
		if err := m.provider.Append(ctx, m.sessionID, msg); err != nil {
			return fmt.Errorf("contextmgr.Manager.SetMessages: append: %w", err)
		}
	}
	return nil
}

// ClearMessages empties the transcript, in memory and in the provider.
func (m *Manager) ClearMessages(ctx context.Context) error {
	m.resetInMemory()

	if m.provider == nil {
		return nil
	}
	if err := m.provider.Clear(ctx, m.sessionID); err != nil {
		return fmt.Errorf("contextmgr.Manager.ClearMessages: %w", err)
	}
	return nil
}

// resetInMemory drops the in-memory transcript without touching the
// provider — used ahead of a restore, where the durable copy is exactly
// what's about to be reloaded, not something to discard.
func (m *Manager) resetInMemory() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
}

// AppendRestored appends msg to the in-memory transcript without
// persisting it — the caller already read msg back from the provider, so
// re-persisting it would duplicate the row. Used by the manual
// append-loop restoration strategy (session.Session.RefreshConversationHistory
// strategy c) for a provider that supports only Append/List.
func (m *Manager) AppendRestored(msg domain.Message) {
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
}

// ResetTranscript drops the in-memory transcript only, leaving the
// provider's durable copy untouched. Callers restoring from the provider
// (session.Session.RefreshConversationHistory) use this instead of
// ClearMessages, which would also wipe the durable copy they're about to
// read from.
func (m *Manager) ResetTranscript() {
	m.resetInMemory()
}

// RestoreHistory loads the durable transcript into memory, replacing
// whatever is currently held. It tries the provider's capabilities in
// order of preference — Restorer, then the base List: a provider that
// can do better than a plain list (e.g. resolve tool-call/tool-result
// pairing itself) should.
func (m *Manager) RestoreHistory(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}

	var (
		messages []domain.Message
		err      error
	)

	if restorer, ok := m.provider.(domain.Restorer); ok {
		messages, err = restorer.Restore(ctx, m.sessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", m.sessionID).Msg("contextmgr.Manager.RestoreHistory: Restorer failed, falling back to List")
			messages, err = m.provider.List(ctx, m.sessionID)
		}
	} else {
		messages, err = m.provider.List(ctx, m.sessionID)
	}

	if err != nil {
		return fmt.Errorf("contextmgr.Manager.RestoreHistory: %w", err)
	}

	m.mu.Lock()
	m.messages = messages
	m.mu.Unlock()

	return nil
}

// Len reports the number of messages currently held in memory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}
