package reflection

import (
	"context"
	"fmt"
	"strings"

	"github.com/gosuda/matrix/internal/llm"
)

// EvaluationResult is the quality verdict the evaluator produces for one
// reasoning trace.
type EvaluationResult struct {
	QualityScore float64
	ShouldStore  bool
	Issues       []string
	Suggestions  []string
}

const evaluationSystemPrompt = "You grade the quality of a reasoning trace extracted from a conversation. " +
	"Reply with strict JSON: {\"qualityScore\":0.0-1.0,\"shouldStore\":bool,\"issues\":[string],\"suggestions\":[string]}. " +
	"Only set shouldStore true for traces with clear, non-trivial reasoning worth keeping."

// Evaluator scores an extracted reasoning trace using a distinct LLM
// service instance, typically pointed at a non-thinking model, so the
// evaluation call is cheap and does not consume the conversational
// model's context.
type Evaluator struct {
	LLM *llm.Service
}

// Evaluate calls the evaluation service via DirectGenerate, outside of any
// session transcript, and tolerantly parses its verdict.
func (e *Evaluator) Evaluate(ctx context.Context, steps []Step) (EvaluationResult, error) {
	prompt := buildEvaluationPrompt(steps)

	raw, err := e.LLM.DirectGenerate(ctx, prompt, evaluationSystemPrompt)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("reflection.Evaluator.Evaluate: %w", err)
	}

	payload, err := parseEvaluation(raw)
	if err != nil {
		return EvaluationResult{}, fmt.Errorf("reflection.Evaluator.Evaluate: %w", err)
	}

	return EvaluationResult{
		QualityScore: payload.QualityScore,
		ShouldStore:  payload.ShouldStore,
		Issues:       payload.Issues,
		Suggestions:  payload.Suggestions,
	}, nil
}

func buildEvaluationPrompt(steps []Step) string {
	var b strings.Builder
	b.WriteString("Reasoning trace:\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, s.Type, s.Content)
	}
	return b.String()
}
