// Package history implements the durable transcript backends: a primary
// database provider (Postgres or SQLite), an optional write-ahead log for
// burst absorption, and a multi-backend composite that fans writes out to
// a primary and a backup store.
package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/matrix/internal/domain"
)

// PostgresStore is the primary history backend, grounded on the teacher's
// pgx repository pattern (internal/store/postgres). One row per message,
// ordered by an auto-incrementing sequence within a session.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to Postgres and ensures the history table
// exists.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history.NewPostgresStore: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history.NewPostgresStore: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history.NewPostgresStore: ping: %w", err)
	}

	store := &PostgresStore{pool: pool}

	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS history_messages (
			session_id TEXT NOT NULL,
			seq        BIGSERIAL,
			message    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (session_id, seq)
		)`)
	if err != nil {
		return fmt.Errorf("history.PostgresStore.migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Append durably saves one message for a session, in causal order.
func (s *PostgresStore) Append(ctx context.Context, sessionID string, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history.PostgresStore.Append: marshal: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO history_messages (session_id, message) VALUES ($1, $2)`,
		sessionID, payload,
	)
	if err != nil {
		return fmt.Errorf("history.PostgresStore.Append: %w", err)
	}

	return nil
}

// List returns all messages for a session in insertion order.
func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message FROM history_messages WHERE session_id = $1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("history.PostgresStore.List: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("history.PostgresStore.List: scan: %w", err)
		}

		var msg domain.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("history.PostgresStore.List: unmarshal: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history.PostgresStore.List: rows: %w", err)
	}

	return messages, nil
}

// Restore implements domain.Restorer. For the Postgres backend it is
// equivalent to List — there is no cheaper provider-native path — but it
// is exposed as a distinct capability so a future backend can specialize
// it without changing the context manager's restoration logic.
func (s *PostgresStore) Restore(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return s.List(ctx, sessionID)
}

// SetMessages implements domain.BulkSetter: replace a session's whole
// transcript atomically.
func (s *PostgresStore) SetMessages(ctx context.Context, sessionID string, msgs []domain.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history.PostgresStore.SetMessages: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `DELETE FROM history_messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("history.PostgresStore.SetMessages: clear: %w", err)
	}

	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("history.PostgresStore.SetMessages: marshal: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO history_messages (session_id, message) VALUES ($1, $2)`,
			sessionID, payload,
		)
		if err != nil {
			return fmt.Errorf("history.PostgresStore.SetMessages: insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history.PostgresStore.SetMessages: commit: %w", err)
	}

	return nil
}

// Clear removes all messages for a session.
func (s *PostgresStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM history_messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("history.PostgresStore.Clear: %w", err)
	}
	return nil
}

var (
	_ domain.HistoryProvider = (*PostgresStore)(nil)
	_ domain.Restorer        = (*PostgresStore)(nil)
	_ domain.BulkSetter      = (*PostgresStore)(nil)
)
