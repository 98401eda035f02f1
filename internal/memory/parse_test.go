package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecisionResponse_DirectJSON(t *testing.T) {
	t.Parallel()

	payload, err := parseDecisionResponse(`{"operation":"ADD","confidence":0.8,"targetMemoryId":0}`)
	require.NoError(t, err)
	assert.Equal(t, "ADD", payload.Operation)
	assert.InDelta(t, 0.8, payload.Confidence, 0.0001)
}

func TestParseDecisionResponse_EmbeddedInProse(t *testing.T) {
	t.Parallel()

	raw := "Here is my decision: {\"operation\":\"UPDATE\",\"confidence\":0.75,\"targetMemoryId\":42} — hope that helps!"
	payload, err := parseDecisionResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE", payload.Operation)
	assert.Equal(t, 42, payload.TargetMemoryID)
}

func TestParseDecisionResponse_KeywordFallback(t *testing.T) {
	t.Parallel()

	payload, err := parseDecisionResponse("I think this should be a DELETE since it's outdated.")
	require.NoError(t, err)
	assert.Equal(t, "DELETE", payload.Operation)
	assert.InDelta(t, 0.5, payload.Confidence, 0.0001)
}

func TestParseDecisionResponse_Unparseable(t *testing.T) {
	t.Parallel()

	_, err := parseDecisionResponse("no useful signal here")
	assert.ErrorIs(t, err, ErrDecisionParseFailed)
}

func TestParseDecisionResponse_InvalidOperationRejected(t *testing.T) {
	t.Parallel()

	_, err := parseDecisionResponse(`{"operation":"MAYBE","confidence":0.5}`)
	assert.Error(t, err)
}

func TestParseFactList_DirectJSON(t *testing.T) {
	t.Parallel()

	facts, ok := parseFactList(`["fact one", "fact two"]`)
	require.True(t, ok)
	assert.Equal(t, []string{"fact one", "fact two"}, facts)
}

func TestParseFactList_EmbeddedInProse(t *testing.T) {
	t.Parallel()

	facts, ok := parseFactList("Sure, here are the facts:\n[\"go uses goroutines\", \"channels synchronize goroutines\"]\nLet me know if you need more.")
	require.True(t, ok)
	assert.Len(t, facts, 2)
}

func TestParseFactList_EmptyArray(t *testing.T) {
	t.Parallel()

	facts, ok := parseFactList("[]")
	require.True(t, ok)
	assert.Empty(t, facts)
}

func TestParseFactList_Unparseable(t *testing.T) {
	t.Parallel()

	_, ok := parseFactList("nothing here worth remembering")
	assert.False(t, ok)
}
