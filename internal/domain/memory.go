package domain

import "time"

// MemoryEvent is the decision a memory action resolves to.
type MemoryEvent string

const (
	MemoryEventAdd    MemoryEvent = "ADD"
	MemoryEventUpdate MemoryEvent = "UPDATE"
	MemoryEventDelete MemoryEvent = "DELETE"
	MemoryEventNone   MemoryEvent = "NONE"
)

// QualitySource records which decision path produced a memory action, so
// downstream tooling can tell an LLM-graded decision from a
// similarity-only one, or from a heuristic one (an explicit store that
// skipped the decision engine).
// This must reflect the real source, not the deployment's default
// decision mode.
type QualitySource string

const (
	QualitySourceSimilarity QualitySource = "similarity"
	QualitySourceLLM        QualitySource = "llm"
	QualitySourceHeuristic  QualitySource = "heuristic"
)

// MemoryIDMin and MemoryIDMax bound the knowledge collection's id space,
// kept disjoint from the reflection collection's ids.
const (
	MemoryIDMin = 1
	MemoryIDMax = 333333
)

// MemoryEntry is one fact stored in the knowledge collection.
type MemoryEntry struct {
	ID            int           `json:"id"`
	Text          string        `json:"text"`
	Tags          []string      `json:"tags"`
	CodePattern   string        `json:"code_pattern,omitempty"`
	Confidence    float64       `json:"confidence"`
	Event         MemoryEvent   `json:"event"`
	OldMemory     string        `json:"old_memory,omitempty"`
	QualitySource QualitySource `json:"quality_source"`
	CreatedAt     time.Time     `json:"created_at"`
}

// ReasoningStep is one step of an extracted reasoning trace.
type ReasoningStep struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ReasoningTrace is a structured record of reasoning extracted from a turn,
// destined for the reflection collection once evaluated as worth keeping.
type ReasoningTrace struct {
	ID           string          `json:"id"`
	Steps        []ReasoningStep `json:"steps"`
	QualityScore float64         `json:"quality_score"`
	Issues       []string        `json:"issues,omitempty"`
	Suggestions  []string        `json:"suggestions,omitempty"`
	ShouldStore  bool            `json:"should_store"`
	CreatedAt    time.Time       `json:"created_at"`
}
