package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/domain"
)

// DefaultReadBudget is the time MultiBackend gives the primary store to
// answer a read before falling back to the backup.
const DefaultReadBudget = 250 * time.Millisecond

// MultiBackend composes a primary history store with an optional backup
// store and an optional write-ahead log, so a slow or unavailable primary
// never blocks a session turn and never silently loses a message.
//
// Writes: WAL first (if configured and not full), which buffers the
// message and fans it out to the primary (and mirrors it to the backup)
// on its own flush tick via fanOut; else the primary directly, with the
// backup as a synchronous fallback if the primary write itself fails.
// Reads: primary, bounded by ReadBudget; on timeout or error, backup.
// Entries still sitting in the WAL buffer are merged into every read so a
// read immediately after a burst of writes is complete.
type MultiBackend struct {
	Primary    domain.HistoryProvider
	Backup     domain.HistoryProvider // optional
	WAL        *WAL                   // optional
	ReadBudget time.Duration
}

// NewMultiBackend constructs a MultiBackend with the default read budget.
// If wal is non-nil, its flush sink is wired to fan buffered entries out
// to primary and backup.
func NewMultiBackend(primary domain.HistoryProvider, backup domain.HistoryProvider, wal *WAL) *MultiBackend {
	m := &MultiBackend{
		Primary:    primary,
		Backup:     backup,
		WAL:        wal,
		ReadBudget: DefaultReadBudget,
	}
	if wal != nil {
		wal.SetSink(m.fanOut)
	}
	return m
}

// fanOut durably lands one WAL entry in the primary store and mirrors it
// to the backup. It is registered as the WAL's flush sink, so it runs
// once per entry per flush tick rather than on every Append.
func (m *MultiBackend) fanOut(ctx context.Context, sessionID string, msg domain.Message) error {
	if err := m.Primary.Append(ctx, sessionID, msg); err != nil {
		return fmt.Errorf("history.MultiBackend.fanOut: %w", err)
	}
	m.mirrorToBackup(sessionID, msg)
	return nil
}

// Append durably saves one message, preferring the WAL burst buffer when
// configured. A WAL entry only reaches the primary/backup once the WAL's
// flush tick fans it out (see fanOut); if the buffer is full, Append
// falls back to writing the primary directly so a burst never drops a
// message.
func (m *MultiBackend) Append(ctx context.Context, sessionID string, msg domain.Message) error {
	if m.WAL != nil {
		if err := m.WAL.Append(ctx, sessionID, msg); err == nil {
			return nil
		} else if !errors.Is(err, ErrWALFull) {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("history.MultiBackend.Append: wal error, falling back to primary")
		}
	}

	if err := m.Primary.Append(ctx, sessionID, msg); err != nil {
		if m.Backup != nil {
			if backupErr := m.Backup.Append(ctx, sessionID, msg); backupErr == nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("history.MultiBackend.Append: primary failed, wrote to backup")
				return nil
			}
		}
		return fmt.Errorf("history.MultiBackend.Append: %w", err)
	}

	m.mirrorToBackup(sessionID, msg)
	return nil
}

func (m *MultiBackend) mirrorToBackup(sessionID string, msg domain.Message) {
	if m.Backup == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.readBudget())
		defer cancel()
		if err := m.Backup.Append(ctx, sessionID, msg); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("history.MultiBackend: backup mirror failed")
		}
	}()
}

func (m *MultiBackend) readBudget() time.Duration {
	if m.ReadBudget <= 0 {
		return DefaultReadBudget
	}
	return m.ReadBudget
}

// List returns all messages for a session, reading the primary within
// ReadBudget and falling back to the backup on timeout or error. If both
// primary and backup fail (or no backup is configured), the WAL tail is
// surfaced as a last resort rather than erroring out — it is the only
// remaining copy of whatever hasn't been fanned out yet. WAL entries not
// yet flushed are otherwise appended to whichever result is used, so a
// read immediately after a burst of writes is still complete.
func (m *MultiBackend) List(ctx context.Context, sessionID string) ([]domain.Message, error) {
	messages, err := m.listFromPrimary(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history.MultiBackend.List: primary unavailable, using backup")

		if m.Backup == nil {
			return m.listFromWALTail(ctx, sessionID, err)
		}

		messages, err = m.Backup.List(ctx, sessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("history.MultiBackend.List: backup unavailable, using wal tail")
			return m.listFromWALTail(ctx, sessionID, err)
		}
	}

	if m.WAL != nil {
		pending, err := m.WAL.List(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("history.MultiBackend.List: wal: %w", err)
		}
		messages = append(messages, pending...)
	}

	return messages, nil
}

// listFromWALTail is the dual-failure fallback: primary and backup are
// both unavailable (or there is no backup), so the WAL's still-buffered
// entries are the only messages left to return. If there is no WAL
// either, the original failure is surfaced.
func (m *MultiBackend) listFromWALTail(ctx context.Context, sessionID string, cause error) ([]domain.Message, error) {
	if m.WAL == nil {
		return nil, fmt.Errorf("history.MultiBackend.List: %w", cause)
	}

	pending, err := m.WAL.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history.MultiBackend.List: wal: %w", err)
	}
	return pending, nil
}

func (m *MultiBackend) listFromPrimary(ctx context.Context, sessionID string) ([]domain.Message, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, m.readBudget())
	defer cancel()

	type result struct {
		messages []domain.Message
		err      error
	}
	resultCh := make(chan result, 1)

	go func() {
		messages, err := m.Primary.List(budgetCtx, sessionID)
		resultCh <- result{messages: messages, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.messages, r.err
	case <-budgetCtx.Done():
		return nil, fmt.Errorf("primary read exceeded %s budget: %w", m.readBudget(), budgetCtx.Err())
	}
}

// Restore probes the primary for the optional domain.Restorer capability
// before falling back to List.
func (m *MultiBackend) Restore(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if restorer, ok := m.Primary.(domain.Restorer); ok {
		messages, err := restorer.Restore(ctx, sessionID)
		if err == nil {
			return messages, nil
		}
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history.MultiBackend.Restore: primary restore failed, falling back to List")
	}
	return m.List(ctx, sessionID)
}

// Clear removes all messages for a session from every configured backend.
func (m *MultiBackend) Clear(ctx context.Context, sessionID string) error {
	if err := m.Primary.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("history.MultiBackend.Clear: primary: %w", err)
	}
	if m.Backup != nil {
		if err := m.Backup.Clear(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("history.MultiBackend.Clear: backup failed")
		}
	}
	if m.WAL != nil {
		if err := m.WAL.Clear(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("history.MultiBackend.Clear: wal failed")
		}
	}
	return nil
}

var (
	_ domain.HistoryProvider = (*MultiBackend)(nil)
	_ domain.Restorer        = (*MultiBackend)(nil)
)
