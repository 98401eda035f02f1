package domain

import "context"

// HistoryProvider is the minimal durable-transcript contract every history
// backend (database, WAL, multi-backend) must satisfy. Additional
// capabilities (Restorer, BulkSetter) are optional and probed via type
// assertion by the context manager.
type HistoryProvider interface {
	// Append durably saves one message for a session, in causal order.
	Append(ctx context.Context, sessionID string, msg Message) error
	// List returns all messages for a session in insertion order.
	List(ctx context.Context, sessionID string) ([]Message, error)
	// Clear removes all messages for a session.
	Clear(ctx context.Context, sessionID string) error
}

// Restorer is an optional HistoryProvider capability: a provider-driven
// restoration path that may be cheaper or more consistent than a plain
// List (e.g. it can resolve tool-call/tool-result pairing itself).
type Restorer interface {
	Restore(ctx context.Context, sessionID string) ([]Message, error)
}

// BulkSetter is an optional HistoryProvider capability: replace a
// session's whole transcript in one call.
type BulkSetter interface {
	SetMessages(ctx context.Context, sessionID string, msgs []Message) error
}

// ScoredMemory pairs a stored MemoryEntry with its similarity score
// against a query embedding (1.0 = identical, 0.0 = unrelated).
type ScoredMemory struct {
	Entry MemoryEntry
	Score float64
}

// KnowledgeStore is the vector-store contract for the knowledge memory
// collection. memory.PostgresVectorStore is the one concrete
// implementation.
type KnowledgeStore interface {
	// Insert persists a new entry, allocating an id within
	// [MemoryIDMin, MemoryIDMax] if entry.ID is zero, and returns the id
	// the entry was actually stored under.
	Insert(ctx context.Context, entry MemoryEntry, embedding []float32) (id int, err error)
	Update(ctx context.Context, id int, entry MemoryEntry, embedding []float32) error
	Search(ctx context.Context, embedding []float32, topK int) ([]ScoredMemory, error)
}

// KnowledgeDeleter is an optional KnowledgeStore capability: hard-delete
// an entry by id, probed via type assertion. The automatic knowledge
// pipeline never deletes — DELETE decisions skip persistence entirely —
// but the explicit memory_forget tool needs a real delete path, so it is
// modeled as a separate capability rather than added to the base
// contract every KnowledgeStore must implement.
type KnowledgeDeleter interface {
	Delete(ctx context.Context, id int) error
}

// ReflectionStore is the vector-store contract for the reflection
// collection.
type ReflectionStore interface {
	Store(ctx context.Context, trace ReasoningTrace) error
}

// Embedder is the named, out-of-scope-internals collaborator that turns
// text into a vector. Its concrete client (OpenAI, local model, etc.) is
// external to this module.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
