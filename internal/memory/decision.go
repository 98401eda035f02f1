package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gosuda/matrix/internal/domain"
	"github.com/gosuda/matrix/internal/llm"
)

// ErrEmbeddingUnavailable signals that a fact could not be embedded and
// the caller must not attempt to persist it — embeddings have just been
// (or already were) globally disabled.
var ErrEmbeddingUnavailable = errors.New("memory: embeddings unavailable")

// DecisionEngine implements a "Try(LLM) | FallbackTo(Similarity) |
// FinalizeWith(ConfidenceGate)" strategy chain for turning an extracted
// fact into a memory action.
type DecisionEngine struct {
	Embedder domain.Embedder
	Store    domain.KnowledgeStore
	// LLM drives the LLM-assisted decision path via DirectGenerate. Nil
	// (or UseLLMDecisions=false) skips straight to the similarity-only
	// path.
	LLM *llm.Service

	Gate *EmbedGate // nil defaults to the process-wide Global gate

	SimilarityThreshold float64
	ConfidenceThreshold float64
	MaxSimilarResults   int
	UseLLMDecisions     bool
}

func (e *DecisionEngine) gate() *EmbedGate {
	if e.Gate != nil {
		return e.Gate
	}
	return Global
}

// Decide resolves one extracted fact into a memory action. promptContext
// is the merged {sessionId, conversationTopic, recentMessages} blob,
// rendered as a short string for the decision prompt.
func (e *DecisionEngine) Decide(ctx context.Context, fact, promptContext string) (domain.MemoryEntry, []float32, error) {
	if e.gate().Disabled() {
		return domain.MemoryEntry{}, nil, ErrEmbeddingUnavailable
	}

	embedding, err := e.Embedder.Embed(ctx, fact)
	if err != nil {
		e.gate().Disable()
		return domain.MemoryEntry{}, nil, fmt.Errorf("memory.DecisionEngine.Decide: %w: %w", ErrEmbeddingUnavailable, err)
	}

	hits, err := e.Store.Search(ctx, embedding, e.maxSimilarResults())
	if err != nil {
		return domain.MemoryEntry{}, nil, fmt.Errorf("memory.DecisionEngine.Decide: search: %w", err)
	}
	hits = filterByThreshold(hits, e.SimilarityThreshold)

	entry := domain.MemoryEntry{Text: fact}

	if e.UseLLMDecisions && e.LLM != nil {
		if applied := e.decideWithLLM(ctx, fact, promptContext, hits, &entry); applied {
			e.applyConfidenceGate(&entry)
			return entry, embedding, nil
		}
	}

	e.decideWithSimilarity(hits, &entry)
	e.applyConfidenceGate(&entry)
	return entry, embedding, nil
}

func (e *DecisionEngine) maxSimilarResults() int {
	if e.MaxSimilarResults <= 0 {
		return 5
	}
	return e.MaxSimilarResults
}

func filterByThreshold(hits []domain.ScoredMemory, threshold float64) []domain.ScoredMemory {
	filtered := hits[:0:0]
	for _, h := range hits {
		if h.Score >= threshold {
			filtered = append(filtered, h)
		}
	}
	return filtered
}

// decideWithLLM prompts the decision LLM and tolerantly parses its
// response. It reports whether it successfully applied a decision to
// entry; false means the caller should fall back to similarity-only.
func (e *DecisionEngine) decideWithLLM(ctx context.Context, fact, promptContext string, hits []domain.ScoredMemory, entry *domain.MemoryEntry) bool {
	prompt := buildDecisionPrompt(fact, promptContext, hits)
	raw, err := e.LLM.DirectGenerate(ctx, prompt, decisionSystemPrompt)
	if err != nil {
		return false
	}

	payload, err := parseDecisionResponse(raw)
	if err != nil {
		return false
	}

	entry.Event = domain.MemoryEvent(strings.ToUpper(payload.Operation))
	entry.Confidence = payload.Confidence
	entry.QualitySource = domain.QualitySourceLLM
	if entry.Event == domain.MemoryEventUpdate {
		if hit, ok := findHit(hits, payload.TargetMemoryID); ok {
			entry.OldMemory = hit.Entry.Text
			entry.ID = hit.Entry.ID
		} else if len(hits) > 0 {
			entry.OldMemory = hits[0].Entry.Text
			entry.ID = hits[0].Entry.ID
		}
	}
	return true
}

func findHit(hits []domain.ScoredMemory, id int) (domain.ScoredMemory, bool) {
	for _, h := range hits {
		if h.Entry.ID == id {
			return h, true
		}
	}
	return domain.ScoredMemory{}, false
}

// decideWithSimilarity implements the similarity-only fallback
// thresholds used when the LLM decision call is unavailable.
func (e *DecisionEngine) decideWithSimilarity(hits []domain.ScoredMemory, entry *domain.MemoryEntry) {
	entry.QualitySource = domain.QualitySourceSimilarity

	if len(hits) == 0 {
		entry.Event = domain.MemoryEventAdd
		entry.Confidence = 0.8
		return
	}

	top := hits[0]
	switch {
	case top.Score > 0.9:
		entry.Event = domain.MemoryEventNone
		entry.Confidence = 0.9
	case top.Score > e.SimilarityThreshold:
		entry.Event = domain.MemoryEventUpdate
		entry.Confidence = 0.75
		entry.OldMemory = top.Entry.Text
		entry.ID = top.Entry.ID
	default:
		entry.Event = domain.MemoryEventAdd
		entry.Confidence = 0.7
	}
}

// applyConfidenceGate demotes low-confidence decisions to NONE.
func (e *DecisionEngine) applyConfidenceGate(entry *domain.MemoryEntry) {
	threshold := e.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.4
	}
	if entry.Confidence < threshold {
		entry.Event = domain.MemoryEventNone
	}
}

const decisionSystemPrompt = "You decide how a newly observed fact relates to existing memory. " +
	"Reply with strict JSON: {\"operation\":\"ADD|UPDATE|DELETE|NONE\",\"confidence\":0.0-1.0,\"targetMemoryId\":number}."

func buildDecisionPrompt(fact, promptContext string, hits []domain.ScoredMemory) string {
	var b strings.Builder
	b.WriteString("New fact: ")
	b.WriteString(fact)
	if promptContext != "" {
		b.WriteString("\nContext: ")
		b.WriteString(promptContext)
	}
	b.WriteString("\nSimilar existing memories:\n")
	for i, h := range hits {
		if i >= 3 {
			break
		}
		b.WriteString(strconv.Itoa(h.Entry.ID))
		b.WriteString(": ")
		b.WriteString(h.Entry.Text)
		b.WriteString(fmt.Sprintf(" (score=%.2f)\n", h.Score))
	}
	return b.String()
}
