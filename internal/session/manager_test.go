package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/store"
)

type fakeSessionStore struct {
	active  map[string]*store.Session // conversationID -> active session
	created []*store.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{active: make(map[string]*store.Session)}
}

func (f *fakeSessionStore) CreateSession(ctx context.Context, s *store.Session) error {
	if prev, ok := f.active[s.ConversationID]; ok {
		prev.Active = false
	}
	s.Active = true
	f.active[s.ConversationID] = s
	f.created = append(f.created, s)
	return nil
}

func (f *fakeSessionStore) GetActiveSession(ctx context.Context, conversationID string) (*store.Session, error) {
	return f.active[conversationID], nil
}

func (f *fakeSessionStore) UpdateSessionAssistantID(ctx context.Context, sessionID, assistantSessionID string) error {
	for _, s := range f.active {
		if s.ID == sessionID {
			s.AssistantSessionID = assistantSessionID
		}
	}
	return nil
}

func (f *fakeSessionStore) UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]any) error {
	for _, s := range f.active {
		if s.ID == sessionID {
			if s.Metadata == nil {
				s.Metadata = make(map[string]any)
			}
			for k, v := range patch {
				s.Metadata[k] = v
			}
		}
	}
	return nil
}

func (f *fakeSessionStore) DeactivateSession(ctx context.Context, sessionID string) error {
	for convID, s := range f.active {
		if s.ID == sessionID {
			s.Active = false
			delete(f.active, convID)
		}
	}
	return nil
}

type fakeConvStore struct{}

func (fakeConvStore) GetOrCreateConversation(ctx context.Context, platformType, platformConversationID, assistantType string) (*store.Conversation, error) {
	return &store.Conversation{
		ID:                     platformType + ":" + platformConversationID,
		PlatformType:           platformType,
		PlatformConversationID: platformConversationID,
		AssistantType:          assistantType,
	}, nil
}

func TestNeedsNewSession(t *testing.T) {
	tests := []struct {
		name          string
		active        *store.Session
		assistantType string
		command       string
		want          bool
	}{
		{
			name:          "no active session",
			active:        nil,
			assistantType: "claude",
			want:          true,
		},
		{
			name:          "same assistant resumes",
			active:        &store.Session{AssistantType: "claude"},
			assistantType: "claude",
			command:       "review",
			want:          false,
		},
		{
			name:          "assistant type change forces new",
			active:        &store.Session{AssistantType: "claude"},
			assistantType: "codex",
			want:          true,
		},
		{
			name: "execute after plan-feature resets context",
			active: &store.Session{
				AssistantType: "claude",
				Metadata:      map[string]any{store.MetaLastCommand: PlanCommand},
			},
			assistantType: "claude",
			command:       ExecuteCommand,
			want:          true,
		},
		{
			name: "execute after other command resumes",
			active: &store.Session{
				AssistantType: "claude",
				Metadata:      map[string]any{store.MetaLastCommand: "review"},
			},
			assistantType: "claude",
			command:       ExecuteCommand,
			want:          false,
		},
		{
			name: "plan after plan resumes",
			active: &store.Session{
				AssistantType: "claude",
				Metadata:      map[string]any{store.MetaLastCommand: PlanCommand},
			},
			assistantType: "claude",
			command:       PlanCommand,
			want:          false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsNewSession(tt.active, tt.assistantType, tt.command))
		})
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessionStore()
	m := NewManager(sessions, fakeConvStore{}, nil)
	conv := &store.Conversation{ID: "conv-1", AssistantType: "claude"}

	s1, created, err := m.Resolve(ctx, conv, "cb-1", "claude", "review")
	require.NoError(t, err)
	assert.True(t, created)

	// Same assistant and a non-resetting command resumes.
	s2, created, err := m.Resolve(ctx, conv, "cb-1", "claude", "review")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, s1.ID, s2.ID)

	// Plan then execute starts fresh.
	require.NoError(t, m.RecordCommand(ctx, s2.ID, PlanCommand))
	s3, created, err := m.Resolve(ctx, conv, "cb-1", "claude", ExecuteCommand)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, s2.ID, s3.ID)
	assert.False(t, s2.Active, "previous session is deactivated")
}

func TestResetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessionStore()
	m := NewManager(sessions, fakeConvStore{}, nil)
	conv := &store.Conversation{ID: "conv-1", AssistantType: "claude"}

	require.NoError(t, m.Reset(ctx, conv.ID)) // nothing active yet

	s, _, err := m.Resolve(ctx, conv, "cb-1", "claude", "review")
	require.NoError(t, err)
	require.NoError(t, m.Reset(ctx, conv.ID))
	assert.False(t, s.Active)
	require.NoError(t, m.Reset(ctx, conv.ID)) // already reset
}

func TestRecordAssistantSessionID(t *testing.T) {
	ctx := context.Background()
	sessions := newFakeSessionStore()
	m := NewManager(sessions, fakeConvStore{}, nil)
	conv := &store.Conversation{ID: "conv-1", AssistantType: "claude"}

	s, _, err := m.Resolve(ctx, conv, "cb-1", "claude", "")
	require.NoError(t, err)

	require.NoError(t, m.RecordAssistantSessionID(ctx, s.ID, "sess-xyz"))
	assert.Equal(t, "sess-xyz", s.AssistantSessionID)

	// Empty ids are ignored.
	require.NoError(t, m.RecordAssistantSessionID(ctx, s.ID, ""))
	assert.Equal(t, "sess-xyz", s.AssistantSessionID)
}
