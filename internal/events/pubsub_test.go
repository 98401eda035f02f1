package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/matrix/internal/domain"
)

func TestDecodeEnvelope_RoundTrips(t *testing.T) {
	t.Parallel()

	evt := domain.Event{Type: domain.EventToolExecuted, Metadata: domain.EventMetadata{SessionID: "sess-1"}}
	raw, err := json.Marshal(envelope{Version: envelopeVersion, Event: evt})
	require.NoError(t, err)

	got, ok := decodeEnvelope("matrix:session:sess-1", string(raw))
	require.True(t, ok)
	assert.Equal(t, evt.Type, got.Type)
	assert.Equal(t, evt.Metadata.SessionID, got.Metadata.SessionID)
}

func TestDecodeEnvelope_RejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	_, ok := decodeEnvelope("matrix:session:sess-1", "not json")
	assert.False(t, ok)
}

func TestDecodeEnvelope_RejectsVersionMismatch(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(envelope{Version: envelopeVersion + 1, Event: domain.Event{Type: domain.EventToolExecuted}})
	require.NoError(t, err)

	_, ok := decodeEnvelope("matrix:session:sess-1", string(raw))
	assert.False(t, ok)
}

func TestSessionChannel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sessionID string
		want      string
	}{
		{"normal id", "sess-1", "matrix:session:sess-1"},
		{"empty id", "", "matrix:session:"},
		{"uuid-shaped id", "550e8400-e29b-41d4-a716-446655440000", "matrix:session:550e8400-e29b-41d4-a716-446655440000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SessionChannel(tt.sessionID))
		})
	}
}
