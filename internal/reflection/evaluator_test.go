package reflection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/matrix/internal/llm"
)

type fakeProvider struct {
	resp llm.GenerateResponse
	err  error
}

func (p *fakeProvider) Generate(_ context.Context, _ llm.GenerateRequest) (llm.GenerateResponse, error) {
	if p.err != nil {
		return llm.GenerateResponse{}, p.err
	}
	return p.resp, nil
}

func TestEvaluator_Evaluate_ParsesValidJSON(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{resp: llm.GenerateResponse{
		Text: `{"qualityScore":0.9,"shouldStore":true,"issues":[],"suggestions":["keep it concise"]}`,
	}}
	eval := &Evaluator{LLM: &llm.Service{Provider: provider}}

	result, err := eval.Evaluate(context.Background(), []Step{{Type: "cause", Content: "chose Postgres because of JSONB"}})
	require.NoError(t, err)
	assert.True(t, result.ShouldStore)
	assert.InDelta(t, 0.9, result.QualityScore, 0.0001)
	assert.Equal(t, []string{"keep it concise"}, result.Suggestions)
}

func TestEvaluator_Evaluate_ParsesJSONEmbeddedInProse(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{resp: llm.GenerateResponse{
		Text: "Here's my verdict: {\"qualityScore\":0.2,\"shouldStore\":false,\"issues\":[\"too shallow\"],\"suggestions\":[]}",
	}}
	eval := &Evaluator{LLM: &llm.Service{Provider: provider}}

	result, err := eval.Evaluate(context.Background(), []Step{{Type: "cause", Content: "x"}})
	require.NoError(t, err)
	assert.False(t, result.ShouldStore)
	assert.Equal(t, []string{"too shallow"}, result.Issues)
}

func TestEvaluator_Evaluate_UnparseableResponse_Errors(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{resp: llm.GenerateResponse{Text: "I don't know."}}
	eval := &Evaluator{LLM: &llm.Service{Provider: provider}}

	_, err := eval.Evaluate(context.Background(), []Step{{Type: "cause", Content: "x"}})
	assert.Error(t, err)
}

func TestEvaluator_Evaluate_TransportError_Propagates(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{err: errors.New("timeout")}
	eval := &Evaluator{LLM: &llm.Service{Provider: provider}}

	_, err := eval.Evaluate(context.Background(), []Step{{Type: "cause", Content: "x"}})
	assert.Error(t, err)
}
