package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/matrix/internal/domain"
)

type fakeExtractor struct {
	facts []string
	err   error
	calls int
}

func (e *fakeExtractor) ExtractFacts(_ context.Context, _ []string, _ string) ([]string, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.facts, nil
}

type fakeEventPublisher struct {
	events []domain.Event
}

func (p *fakeEventPublisher) Publish(_ context.Context, evt domain.Event) {
	p.events = append(p.events, evt)
}

type deletingKnowledgeStore struct {
	fakeKnowledgeStore
	deleted []int
}

func (s *deletingKnowledgeStore) Delete(_ context.Context, id int) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func TestPipeline_ProcessTurn_DisabledDefaultMemory_NoOp(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{facts: []string{"a fact"}}
	p := &Pipeline{Extractor: extractor, DisableDefaultMemory: true}

	p.ProcessTurn(context.Background(), InteractionData{UserText: "hi"}, "")
	assert.Equal(t, 0, extractor.calls)
}

func TestPipeline_ProcessTurn_GateDisabled_NoOp(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{facts: []string{"a fact"}}
	p := &Pipeline{Extractor: extractor, Gate: NewEmbedGate(true)}

	p.ProcessTurn(context.Background(), InteractionData{UserText: "hi"}, "")
	assert.Equal(t, 0, extractor.calls)
}

func TestPipeline_ProcessTurn_WorkspaceMemoryDisabled_SkipsWorkspaceExtractor(t *testing.T) {
	t.Parallel()

	defaultExtractor := &fakeExtractor{}
	workspaceExtractor := &fakeExtractor{}
	p := &Pipeline{Extractor: defaultExtractor, WorkspaceExtractor: workspaceExtractor, DisableDefaultMemory: true}

	p.ProcessTurn(context.Background(), InteractionData{UserText: "hi"}, "")
	assert.Equal(t, 0, defaultExtractor.calls)
	assert.Equal(t, 0, workspaceExtractor.calls, "workspace extractor must not run when UseWorkspaceMemory is false")
}

func TestPipeline_ProcessTurn_WorkspaceMemoryEnabled_RunsBothExtractors(t *testing.T) {
	t.Parallel()

	defaultExtractor := &fakeExtractor{}
	workspaceExtractor := &fakeExtractor{}
	p := &Pipeline{Extractor: defaultExtractor, WorkspaceExtractor: workspaceExtractor, UseWorkspaceMemory: true}

	p.ProcessTurn(context.Background(), InteractionData{UserText: "hi"}, "")
	assert.Equal(t, 1, defaultExtractor.calls)
	assert.Equal(t, 1, workspaceExtractor.calls)
}

func TestPipeline_ProcessTurn_ExtractionFailure_PublishesAndSwallows(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{err: errors.New("provider down")}
	events := &fakeEventPublisher{}
	p := &Pipeline{Extractor: extractor, Events: events, SessionID: "sess-1"}

	assert.NotPanics(t, func() {
		p.ProcessTurn(context.Background(), InteractionData{UserText: "hi"}, "")
	})

	require.Len(t, events.events, 1)
	assert.Equal(t, domain.EventMemoryOperationFailed, events.events[0].Type)
}

func TestPipeline_ProcessTurn_AddFact_PublishesActionApplied(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{facts: []string{"go uses goroutines"}}
	store := &fakeKnowledgeStore{}
	events := &fakeEventPublisher{}
	p := &Pipeline{
		Extractor: extractor,
		Decision: &DecisionEngine{
			Embedder:            &fakeEmbedder{},
			Store:               store,
			SimilarityThreshold: 0.7,
			ConfidenceThreshold: 0.4,
		},
		Events:    events,
		SessionID: "sess-1",
	}

	p.ProcessTurn(context.Background(), InteractionData{UserText: "hi"}, "")

	require.Len(t, store.inserted, 1)
	assert.Equal(t, domain.MemoryEventAdd, store.inserted[0].Event)
	require.Len(t, events.events, 1)
	assert.Equal(t, domain.EventMemoryActionApplied, events.events[0].Type)
}

func TestPipeline_ProcessTurn_UpdateFact_CallsStoreUpdate(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{facts: []string{"def defines a function"}}
	store := &fakeKnowledgeStore{hits: []domain.ScoredMemory{
		{Entry: domain.MemoryEntry{ID: 11, Text: "def defines functions in Python"}, Score: 0.82},
	}}
	p := &Pipeline{
		Extractor: extractor,
		Decision: &DecisionEngine{
			Embedder:            &fakeEmbedder{},
			Store:               store,
			SimilarityThreshold: 0.7,
			ConfidenceThreshold: 0.4,
		},
	}

	p.ProcessTurn(context.Background(), InteractionData{UserText: "hi"}, "")

	require.Len(t, store.updated, 1)
	assert.Equal(t, 11, store.updated[0].ID)
}

func TestPipeline_ProcessTurn_NoneFact_SkipsPersistence(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{facts: []string{"same fact"}}
	store := &fakeKnowledgeStore{hits: []domain.ScoredMemory{
		{Entry: domain.MemoryEntry{ID: 1, Text: "same fact"}, Score: 0.99},
	}}
	p := &Pipeline{
		Extractor: extractor,
		Decision: &DecisionEngine{
			Embedder:            &fakeEmbedder{},
			Store:               store,
			SimilarityThreshold: 0.7,
			ConfidenceThreshold: 0.4,
		},
	}

	p.ProcessTurn(context.Background(), InteractionData{UserText: "hi"}, "")

	assert.Empty(t, store.inserted)
	assert.Empty(t, store.updated)
}

func TestPipeline_ProcessTurn_EmbeddingFailure_PublishesAndSwallows(t *testing.T) {
	t.Parallel()

	extractor := &fakeExtractor{facts: []string{"a fact"}}
	events := &fakeEventPublisher{}
	gate := NewEmbedGate(false)
	p := &Pipeline{
		Extractor: extractor,
		Decision: &DecisionEngine{
			Embedder: &fakeEmbedder{err: errors.New("embed down")},
			Store:    &fakeKnowledgeStore{},
			Gate:     gate,
		},
		Events: events,
	}

	p.ProcessTurn(context.Background(), InteractionData{UserText: "hi"}, "")

	assert.True(t, gate.Disabled())
	require.Len(t, events.events, 1)
	assert.Equal(t, domain.EventMemoryOperationFailed, events.events[0].Type)
}

func TestPipeline_Remember_InsertsAndReturnsID(t *testing.T) {
	t.Parallel()

	store := &fakeKnowledgeStore{}
	p := &Pipeline{Decision: &DecisionEngine{Embedder: &fakeEmbedder{}, Store: store}}

	id, err := p.Remember(context.Background(), "remember this", []string{"note"})
	require.NoError(t, err)
	assert.Equal(t, "1", id)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, domain.MemoryEventAdd, store.inserted[0].Event)
	assert.Equal(t, domain.QualitySourceHeuristic, store.inserted[0].QualitySource)
}

func TestPipeline_Remember_GateDisabled_Errors(t *testing.T) {
	t.Parallel()

	p := &Pipeline{Decision: &DecisionEngine{Embedder: &fakeEmbedder{}, Store: &fakeKnowledgeStore{}}, Gate: NewEmbedGate(true)}

	_, err := p.Remember(context.Background(), "text", nil)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestPipeline_Remember_EmbedFailure_DisablesGate(t *testing.T) {
	t.Parallel()

	gate := NewEmbedGate(false)
	p := &Pipeline{
		Decision: &DecisionEngine{Embedder: &fakeEmbedder{err: errors.New("down")}, Store: &fakeKnowledgeStore{}},
		Gate:     gate,
	}

	_, err := p.Remember(context.Background(), "text", nil)
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.True(t, gate.Disabled())
}

func TestPipeline_Forget_DeletesWhenSupported(t *testing.T) {
	t.Parallel()

	store := &deletingKnowledgeStore{}
	p := &Pipeline{Decision: &DecisionEngine{Store: store}}

	err := p.Forget(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []int{42}, store.deleted)
}

func TestPipeline_Forget_UnsupportedStore_Errors(t *testing.T) {
	t.Parallel()

	p := &Pipeline{Decision: &DecisionEngine{Store: &fakeKnowledgeStore{}}}

	err := p.Forget(context.Background(), 42)
	assert.Error(t, err)
}
