package contextmgr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/matrix/internal/domain"
)

// memProvider is a minimal domain.HistoryProvider test double.
type memProvider struct {
	messages       []domain.Message
	restoreCalled  bool
	restoreErr     error
	bulkSetCalled  bool
	failListErr    error
}

func (p *memProvider) Append(_ context.Context, _ string, msg domain.Message) error {
	p.messages = append(p.messages, msg)
	return nil
}

func (p *memProvider) List(_ context.Context, _ string) ([]domain.Message, error) {
	if p.failListErr != nil {
		return nil, p.failListErr
	}
	out := make([]domain.Message, len(p.messages))
	copy(out, p.messages)
	return out, nil
}

func (p *memProvider) Clear(_ context.Context, _ string) error {
	p.messages = nil
	return nil
}

// restoringProvider adds the optional Restorer capability.
type restoringProvider struct {
	memProvider
}

func (p *restoringProvider) Restore(_ context.Context, _ string) ([]domain.Message, error) {
	p.restoreCalled = true
	if p.restoreErr != nil {
		return nil, p.restoreErr
	}
	out := make([]domain.Message, len(p.messages))
	copy(out, p.messages)
	return out, nil
}

// bulkProvider adds the optional BulkSetter capability.
type bulkProvider struct {
	memProvider
}

func (p *bulkProvider) SetMessages(_ context.Context, _ string, msgs []domain.Message) error {
	p.bulkSetCalled = true
	p.messages = msgs
	return nil
}

func TestManager_AddUserMessage(t *testing.T) {
	t.Parallel()

	provider := &memProvider{}
	mgr := New("s1", provider)

	require.NoError(t, mgr.AddUserMessage(context.Background(), "hello"))

	raw := mgr.RawMessages()
	require.Len(t, raw, 1)
	assert.Equal(t, domain.RoleUser, raw[0].Role)
	assert.Equal(t, "hello", raw[0].Text())
	assert.Len(t, provider.messages, 1)
}

func TestManager_AddAssistantMessage_ForcesRole(t *testing.T) {
	t.Parallel()

	mgr := New("s1", &memProvider{})

	msg := domain.Message{Role: domain.RoleUser, Content: []domain.ContentBlock{{Type: domain.BlockText, Text: "reply"}}}
	require.NoError(t, mgr.AddAssistantMessage(context.Background(), msg))

	raw := mgr.RawMessages()
	require.Len(t, raw, 1)
	assert.Equal(t, domain.RoleAssistant, raw[0].Role)
}

func TestManager_AddToolResult(t *testing.T) {
	t.Parallel()

	mgr := New("s1", &memProvider{})
	require.NoError(t, mgr.AddToolResult(context.Background(), "call-1", "search", "result text"))

	raw := mgr.RawMessages()
	require.Len(t, raw, 1)
	assert.Equal(t, domain.RoleTool, raw[0].Role)
	assert.Equal(t, "call-1", raw[0].ToolCallID)
	assert.Equal(t, "search", raw[0].Name)
}

func TestManager_NilProviderDisablesPersistence(t *testing.T) {
	t.Parallel()

	mgr := New("s1", nil)
	require.NoError(t, mgr.AddUserMessage(context.Background(), "hi"))
	assert.Len(t, mgr.RawMessages(), 1)
	require.NoError(t, mgr.ClearMessages(context.Background()))
	assert.Empty(t, mgr.RawMessages())
}

func TestManager_SetMessages_UsesBulkSetterWhenAvailable(t *testing.T) {
	t.Parallel()

	provider := &bulkProvider{}
	mgr := New("s1", provider)

	msgs := []domain.Message{domain.TextMessage(domain.RoleUser, "a"), domain.TextMessage(domain.RoleAssistant, "b")}
	require.NoError(t, mgr.SetMessages(context.Background(), msgs))

	assert.True(t, provider.bulkSetCalled)
	assert.Len(t, mgr.RawMessages(), 2)
}

func TestManager_SetMessages_FallsBackToClearAppend(t *testing.T) {
	t.Parallel()

	provider := &memProvider{}
	mgr := New("s1", provider)

	require.NoError(t, mgr.AddUserMessage(context.Background(), "stale"))

	msgs := []domain.Message{domain.TextMessage(domain.RoleUser, "fresh")}
	require.NoError(t, mgr.SetMessages(context.Background(), msgs))

	assert.Len(t, provider.messages, 1)
	assert.Equal(t, "fresh", provider.messages[0].Text())
}

func TestManager_ClearMessages(t *testing.T) {
	t.Parallel()

	provider := &memProvider{}
	mgr := New("s1", provider)

	require.NoError(t, mgr.AddUserMessage(context.Background(), "a"))
	require.NoError(t, mgr.ClearMessages(context.Background()))

	assert.Empty(t, mgr.RawMessages())
	assert.Empty(t, provider.messages)
}

func TestManager_RestoreHistory_PrefersRestorer(t *testing.T) {
	t.Parallel()

	provider := &restoringProvider{}
	provider.messages = []domain.Message{domain.TextMessage(domain.RoleUser, "restored")}

	mgr := New("s1", provider)
	require.NoError(t, mgr.RestoreHistory(context.Background()))

	assert.True(t, provider.restoreCalled)
	raw := mgr.RawMessages()
	require.Len(t, raw, 1)
	assert.Equal(t, "restored", raw[0].Text())
}

func TestManager_RestoreHistory_FallsBackToListOnRestorerError(t *testing.T) {
	t.Parallel()

	provider := &restoringProvider{memProvider: memProvider{restoreErr: errors.New("boom")}}
	provider.messages = []domain.Message{domain.TextMessage(domain.RoleUser, "from list")}

	mgr := New("s1", provider)
	require.NoError(t, mgr.RestoreHistory(context.Background()))

	raw := mgr.RawMessages()
	require.Len(t, raw, 1)
	assert.Equal(t, "from list", raw[0].Text())
}

func TestManager_RestoreHistory_NilProviderNoop(t *testing.T) {
	t.Parallel()

	mgr := New("s1", nil)
	require.NoError(t, mgr.RestoreHistory(context.Background()))
	assert.Empty(t, mgr.RawMessages())
}

func TestManager_RestoreHistory_PropagatesListError(t *testing.T) {
	t.Parallel()

	provider := &memProvider{failListErr: errors.New("db down")}
	mgr := New("s1", provider)

	err := mgr.RestoreHistory(context.Background())
	assert.Error(t, err)
}

func TestManager_Len(t *testing.T) {
	t.Parallel()

	mgr := New("s1", &memProvider{})
	assert.Equal(t, 0, mgr.Len())
	require.NoError(t, mgr.AddUserMessage(context.Background(), "a"))
	assert.Equal(t, 1, mgr.Len())
}

func TestManager_FormattedMessages_NoBudgetReturnsFullTranscript(t *testing.T) {
	t.Parallel()

	mgr := New("s1", nil)
	require.NoError(t, mgr.AddUserMessage(context.Background(), "hello"))
	require.NoError(t, mgr.AddUserMessage(context.Background(), "world"))

	got := mgr.FormattedMessages(0)
	assert.Len(t, got, 2)
}

func TestManager_FormattedMessages_DropsOldestToFitBudget(t *testing.T) {
	t.Parallel()

	mgr := New("s1", nil)
	require.NoError(t, mgr.AddUserMessage(context.Background(), "0123456789"))
	require.NoError(t, mgr.AddUserMessage(context.Background(), "0123456789"))
	require.NoError(t, mgr.AddUserMessage(context.Background(), "0123456789"))

	got := mgr.FormattedMessages(15)
	require.Len(t, got, 1)
	assert.Equal(t, "0123456789", got[0].Text())
}

func TestManager_FormattedMessages_KeepsNewestEvenIfOverBudget(t *testing.T) {
	t.Parallel()

	mgr := New("s1", nil)
	require.NoError(t, mgr.AddUserMessage(context.Background(), "this single message alone exceeds the tiny budget"))

	got := mgr.FormattedMessages(5)
	require.Len(t, got, 1)
	assert.Equal(t, "this single message alone exceeds the tiny budget", got[0].Text())
}
