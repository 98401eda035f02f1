package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gosuda/matrix/internal/domain"
)

// maxIDAllocationAttempts bounds the random-probe id allocation loop
// below.
const maxIDAllocationAttempts = 20

// PostgresVectorStore implements domain.KnowledgeStore, grounded on the
// teacher's pgx pool-per-repo pattern (internal/store/postgres/store.go).
// Embeddings are stored as a JSONB float array and scored in application
// code rather than via a pgvector index: nothing in the retrieval pack
// depends on pgvector, and this collection's expected size does not
// warrant the extra extension dependency.
type PostgresVectorStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresVectorStore connects to Postgres and ensures the knowledge
// table exists.
func NewPostgresVectorStore(ctx context.Context, dsn string, maxConns int32, table string) (*PostgresVectorStore, error) {
	if table == "" {
		table = "knowledge_memory"
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory.NewPostgresVectorStore: parse config: %w", err)
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory.NewPostgresVectorStore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory.NewPostgresVectorStore: ping: %w", err)
	}

	store := &PostgresVectorStore{pool: pool, table: table}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresVectorStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id             INTEGER PRIMARY KEY,
			text           TEXT NOT NULL,
			tags           JSONB NOT NULL DEFAULT '[]',
			code_pattern   TEXT,
			confidence     DOUBLE PRECISION NOT NULL,
			event          TEXT NOT NULL,
			old_memory     TEXT,
			quality_source TEXT NOT NULL,
			embedding      JSONB NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.table))
	if err != nil {
		return fmt.Errorf("memory.PostgresVectorStore.migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresVectorStore) Close() { s.pool.Close() }

// Insert persists a new entry, allocating an id in [MemoryIDMin,
// MemoryIDMax] if the caller did not already assign one.
func (s *PostgresVectorStore) Insert(ctx context.Context, entry domain.MemoryEntry, embedding []float32) (int, error) {
	if entry.ID == 0 {
		id, err := s.allocateID(ctx)
		if err != nil {
			return 0, fmt.Errorf("memory.PostgresVectorStore.Insert: %w", err)
		}
		entry.ID = id
	}

	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return 0, fmt.Errorf("memory.PostgresVectorStore.Insert: marshal tags: %w", err)
	}
	vec, err := json.Marshal(embedding)
	if err != nil {
		return 0, fmt.Errorf("memory.PostgresVectorStore.Insert: marshal embedding: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, text, tags, code_pattern, confidence, event, old_memory, quality_source, embedding)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, s.table),
		entry.ID, entry.Text, tags, nullIfEmpty(entry.CodePattern), entry.Confidence,
		string(entry.Event), nullIfEmpty(entry.OldMemory), string(entry.QualitySource), vec,
	)
	if err != nil {
		return 0, fmt.Errorf("memory.PostgresVectorStore.Insert: %w", err)
	}
	return entry.ID, nil
}

// Update overwrites an existing entry by id.
func (s *PostgresVectorStore) Update(ctx context.Context, id int, entry domain.MemoryEntry, embedding []float32) error {
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("memory.PostgresVectorStore.Update: marshal tags: %w", err)
	}
	vec, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("memory.PostgresVectorStore.Update: marshal embedding: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET text=$2, tags=$3, code_pattern=$4, confidence=$5, event=$6,
			old_memory=$7, quality_source=$8, embedding=$9
		WHERE id=$1`, s.table),
		id, entry.Text, tags, nullIfEmpty(entry.CodePattern), entry.Confidence,
		string(entry.Event), nullIfEmpty(entry.OldMemory), string(entry.QualitySource), vec,
	)
	if err != nil {
		return fmt.Errorf("memory.PostgresVectorStore.Update: %w", err)
	}
	return nil
}

// Search returns the topK entries most similar to embedding by cosine
// similarity, highest score first.
func (s *PostgresVectorStore) Search(ctx context.Context, embedding []float32, topK int) ([]domain.ScoredMemory, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, text, tags, code_pattern, confidence, event, old_memory, quality_source, embedding FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("memory.PostgresVectorStore.Search: %w", err)
	}
	defer rows.Close()

	var scored []domain.ScoredMemory
	for rows.Next() {
		var (
			entry       domain.MemoryEntry
			tagsRaw     []byte
			codePattern *string
			oldMemory   *string
			event       string
			quality     string
			vecRaw      []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Text, &tagsRaw, &codePattern, &entry.Confidence, &event, &oldMemory, &quality, &vecRaw); err != nil {
			return nil, fmt.Errorf("memory.PostgresVectorStore.Search: scan: %w", err)
		}
		if err := json.Unmarshal(tagsRaw, &entry.Tags); err != nil {
			return nil, fmt.Errorf("memory.PostgresVectorStore.Search: unmarshal tags: %w", err)
		}
		var candidate []float32
		if err := json.Unmarshal(vecRaw, &candidate); err != nil {
			return nil, fmt.Errorf("memory.PostgresVectorStore.Search: unmarshal embedding: %w", err)
		}
		if codePattern != nil {
			entry.CodePattern = *codePattern
		}
		if oldMemory != nil {
			entry.OldMemory = *oldMemory
		}
		entry.Event = domain.MemoryEvent(event)
		entry.QualitySource = domain.QualitySource(quality)

		scored = append(scored, domain.ScoredMemory{Entry: entry, Score: cosineSimilarity(embedding, candidate)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory.PostgresVectorStore.Search: rows: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Delete implements domain.KnowledgeDeleter for the explicit
// memory_forget tool path.
func (s *PostgresVectorStore) Delete(ctx context.Context, id int) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, s.table), id)
	if err != nil {
		return fmt.Errorf("memory.PostgresVectorStore.Delete: %w", err)
	}
	return nil
}

func (s *PostgresVectorStore) allocateID(ctx context.Context) (int, error) {
	span := domain.MemoryIDMax - domain.MemoryIDMin + 1
	for attempt := 0; attempt < maxIDAllocationAttempts; attempt++ {
		candidate := domain.MemoryIDMin + rand.Intn(span) //nolint:gosec // id allocation, not security-sensitive
		var exists bool
		err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id=$1)`, s.table), candidate).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("memory.PostgresVectorStore.allocateID: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("memory.PostgresVectorStore.allocateID: exhausted %d attempts", maxIDAllocationAttempts)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var (
	_ domain.KnowledgeStore    = (*PostgresVectorStore)(nil)
	_ domain.KnowledgeDeleter  = (*PostgresVectorStore)(nil)
)
