package reflection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/matrix/internal/domain"
)

// PostgresStore implements domain.ReflectionStore, grounded on the same
// teacher pgx pool-per-repo pattern (internal/store/postgres/store.go)
// memory.PostgresVectorStore already uses for the knowledge collection.
// The reflection collection has no similarity search, so it is a plain
// append-only table rather than a vector store.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore connects to Postgres and ensures the reflection table
// exists.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, table string) (*PostgresStore, error) {
	if table == "" {
		table = "reflection_memory"
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("reflection.NewPostgresStore: parse config: %w", err)
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("reflection.NewPostgresStore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("reflection.NewPostgresStore: ping: %w", err)
	}

	store := &PostgresStore{pool: pool, table: table}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id            TEXT PRIMARY KEY,
			steps         JSONB NOT NULL,
			quality_score DOUBLE PRECISION NOT NULL,
			issues        JSONB NOT NULL DEFAULT '[]',
			suggestions   JSONB NOT NULL DEFAULT '[]',
			should_store  BOOLEAN NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table))
	if err != nil {
		return fmt.Errorf("reflection.PostgresStore.migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// Store persists a reasoning trace already evaluated as worth keeping.
func (s *PostgresStore) Store(ctx context.Context, trace domain.ReasoningTrace) error {
	steps, err := json.Marshal(trace.Steps)
	if err != nil {
		return fmt.Errorf("reflection.PostgresStore.Store: marshal steps: %w", err)
	}
	issues, err := json.Marshal(trace.Issues)
	if err != nil {
		return fmt.Errorf("reflection.PostgresStore.Store: marshal issues: %w", err)
	}
	suggestions, err := json.Marshal(trace.Suggestions)
	if err != nil {
		return fmt.Errorf("reflection.PostgresStore.Store: marshal suggestions: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, steps, quality_score, issues, suggestions, should_store, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			steps=$2, quality_score=$3, issues=$4, suggestions=$5, should_store=$6`, s.table),
		trace.ID, steps, trace.QualityScore, issues, suggestions, trace.ShouldStore, trace.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("reflection.PostgresStore.Store: %w", err)
	}
	return nil
}

var _ domain.ReflectionStore = (*PostgresStore)(nil)
