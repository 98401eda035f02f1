package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReflectionBackend struct {
	receivedSteps  []string
	stored         bool
	err            error
	extractedSteps []string
	extractErr     error
}

func (b *fakeReflectionBackend) StoreReasoning(_ context.Context, steps []string) (bool, error) {
	b.receivedSteps = steps
	if b.err != nil {
		return false, b.err
	}
	return b.stored, nil
}

func (b *fakeReflectionBackend) ExtractSteps(_ context.Context, _ string) ([]string, error) {
	if b.extractErr != nil {
		return nil, b.extractErr
	}
	return b.extractedSteps, nil
}

func TestReflectionStoreTool_Stored(t *testing.T) {
	t.Parallel()

	backend := &fakeReflectionBackend{stored: true}
	tool := &ReflectionStoreTool{Backend: backend}

	out, err := tool.Execute(context.Background(), `{"steps":["considered X","ruled out Y"]}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stored":true}`, out)
	assert.Equal(t, []string{"considered X", "ruled out Y"}, backend.receivedSteps)
}

func TestReflectionStoreTool_RejectedByQualityGate(t *testing.T) {
	t.Parallel()

	backend := &fakeReflectionBackend{stored: false}
	tool := &ReflectionStoreTool{Backend: backend}

	out, err := tool.Execute(context.Background(), `{"steps":["low quality"]}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"stored":false`)
}

func TestReflectionStoreTool_BackendError(t *testing.T) {
	t.Parallel()

	backend := &fakeReflectionBackend{err: errors.New("boom")}
	tool := &ReflectionStoreTool{Backend: backend}

	_, err := tool.Execute(context.Background(), `{"steps":["x"]}`)
	assert.Error(t, err)
}

func TestReflectionStoreTool_MalformedArgs(t *testing.T) {
	t.Parallel()

	tool := &ReflectionStoreTool{Backend: &fakeReflectionBackend{}}
	_, err := tool.Execute(context.Background(), `not json`)
	assert.Error(t, err)
}

func TestReflectionExtractTool_Execute(t *testing.T) {
	t.Parallel()

	backend := &fakeReflectionBackend{extractedSteps: []string{"first, we checked X", "therefore Y"}}
	tool := &ReflectionExtractTool{Backend: backend}

	out, err := tool.Execute(context.Background(), `{"text":"first, we checked X. therefore Y."}`)
	require.NoError(t, err)
	assert.JSONEq(t, `["first, we checked X","therefore Y"]`, out)
}

func TestReflectionExtractTool_BackendError(t *testing.T) {
	t.Parallel()

	backend := &fakeReflectionBackend{extractErr: errors.New("boom")}
	tool := &ReflectionExtractTool{Backend: backend}

	_, err := tool.Execute(context.Background(), `{"text":"x"}`)
	assert.Error(t, err)
}

func TestReflectionExtractTool_MalformedArgs(t *testing.T) {
	t.Parallel()

	tool := &ReflectionExtractTool{Backend: &fakeReflectionBackend{}}
	_, err := tool.Execute(context.Background(), `not json`)
	assert.Error(t, err)
}
