package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers "sqlite"

	"github.com/gosuda/matrix/internal/domain"
)

// SQLiteStore is the fallback primary history backend used when no
// Postgres DSN is configured, for single-node or local-development
// deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the sqlite file at path and
// ensures the history table exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history.NewSQLiteStore: open: %w", err)
	}

	// The pure-Go driver serializes writes internally; a single
	// connection avoids "database is locked" errors under concurrent
	// session traffic.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history.NewSQLiteStore: ping: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS history_messages (
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			message    TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (session_id, seq)
		)`)
	if err != nil {
		return fmt.Errorf("history.SQLiteStore.migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history.SQLiteStore.Close: %w", err)
	}
	return nil
}

func (s *SQLiteStore) nextSeq(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM history_messages WHERE session_id = ?`, sessionID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("history.SQLiteStore.nextSeq: %w", err)
	}
	if !maxSeq.Valid {
		return 1, nil
	}
	return maxSeq.Int64 + 1, nil
}

// Append durably saves one message for a session, in causal order.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history.SQLiteStore.Append: marshal: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history.SQLiteStore.Append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	seq, err := s.nextSeq(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO history_messages (session_id, seq, message) VALUES (?, ?, ?)`,
		sessionID, seq, payload,
	)
	if err != nil {
		return fmt.Errorf("history.SQLiteStore.Append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history.SQLiteStore.Append: commit: %w", err)
	}

	return nil
}

// List returns all messages for a session in insertion order.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message FROM history_messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("history.SQLiteStore.List: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("history.SQLiteStore.List: scan: %w", err)
		}

		var msg domain.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("history.SQLiteStore.List: unmarshal: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history.SQLiteStore.List: rows: %w", err)
	}

	return messages, nil
}

// SetMessages implements domain.BulkSetter.
func (s *SQLiteStore) SetMessages(ctx context.Context, sessionID string, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history.SQLiteStore.SetMessages: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("history.SQLiteStore.SetMessages: clear: %w", err)
	}

	for i, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("history.SQLiteStore.SetMessages: marshal: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO history_messages (session_id, seq, message) VALUES (?, ?, ?)`,
			sessionID, i+1, payload,
		)
		if err != nil {
			return fmt.Errorf("history.SQLiteStore.SetMessages: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history.SQLiteStore.SetMessages: commit: %w", err)
	}

	return nil
}

// Clear removes all messages for a session.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM history_messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("history.SQLiteStore.Clear: %w", err)
	}
	return nil
}

var (
	_ domain.HistoryProvider = (*SQLiteStore)(nil)
	_ domain.BulkSetter      = (*SQLiteStore)(nil)
)
