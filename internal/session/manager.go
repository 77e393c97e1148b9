// Package session decides when an assistant session can be resumed and when a
// fresh one must be started.
package session

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/store"
)

// PlanCommand is the planning command whose context must not leak into a
// subsequent execute run.
const PlanCommand = "plan-feature"

// ExecuteCommand consumes a plan and therefore starts from a clean context.
const ExecuteCommand = "execute"

type sessionStore interface {
	CreateSession(ctx context.Context, s *store.Session) error
	GetActiveSession(ctx context.Context, conversationID string) (*store.Session, error)
	UpdateSessionAssistantID(ctx context.Context, sessionID, assistantSessionID string) error
	UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]any) error
	DeactivateSession(ctx context.Context, sessionID string) error
}

type conversationStore interface {
	GetOrCreateConversation(ctx context.Context, platformType, platformConversationID, assistantType string) (*store.Conversation, error)
}

// Manager owns conversation/session lifecycle around assistant turns.
type Manager struct {
	sessions sessionStore
	convs    conversationStore
	logger   *logger.Logger
}

// NewManager creates a session manager.
func NewManager(sessions sessionStore, convs conversationStore, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		sessions: sessions,
		convs:    convs,
		logger:   log.Component("session-manager"),
	}
}

// GetOrCreateConversation resolves the conversation for a platform thread,
// creating it on first contact. The assistant type is locked at creation.
func (m *Manager) GetOrCreateConversation(ctx context.Context, platformType, platformConversationID, assistantType string) (*store.Conversation, error) {
	return m.convs.GetOrCreateConversation(ctx, platformType, platformConversationID, assistantType)
}

// GetActiveSession returns the active session for a conversation, or nil.
func (m *Manager) GetActiveSession(ctx context.Context, conversationID string) (*store.Session, error) {
	return m.sessions.GetActiveSession(ctx, conversationID)
}

// NeedsNewSession applies the transition rule: a fresh session starts iff
// there is no active session, the requested assistant type differs from the
// active session's, or an execute command follows a plan-feature command.
func NeedsNewSession(active *store.Session, assistantType, command string) bool {
	if active == nil {
		return true
	}
	if active.AssistantType != assistantType {
		return true
	}
	if command == ExecuteCommand && active.LastCommand() == PlanCommand {
		return true
	}
	return false
}

// Resolve returns the session the next assistant turn should run in, creating
// a fresh one when the transition rule demands it. The returned bool reports
// whether a new session was created.
func (m *Manager) Resolve(ctx context.Context, conv *store.Conversation, codebaseID, assistantType, command string) (*store.Session, bool, error) {
	active, err := m.sessions.GetActiveSession(ctx, conv.ID)
	if err != nil {
		return nil, false, err
	}
	if !NeedsNewSession(active, assistantType, command) {
		return active, false, nil
	}

	s := &store.Session{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		CodebaseID:     codebaseID,
		AssistantType:  assistantType,
		Active:         true,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, false, err
	}

	m.logger.Info("started new session",
		zap.String("conversation_id", conv.ID),
		zap.String("session_id", s.ID),
		zap.String("assistant_type", assistantType))
	return s, true, nil
}

// StartFresh unconditionally starts a new session for the conversation,
// deactivating any active one. Used by workflow steps that clear context.
func (m *Manager) StartFresh(ctx context.Context, conversationID, codebaseID, assistantType string) (*store.Session, error) {
	s := &store.Session{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		CodebaseID:     codebaseID,
		AssistantType:  assistantType,
		Active:         true,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordAssistantSessionID persists the opaque assistant-side session id from
// a turn's result chunk.
func (m *Manager) RecordAssistantSessionID(ctx context.Context, sessionID, assistantSessionID string) error {
	if assistantSessionID == "" {
		return nil
	}
	return m.sessions.UpdateSessionAssistantID(ctx, sessionID, assistantSessionID)
}

// RecordCommand remembers the command a turn ran, for the plan→execute reset.
func (m *Manager) RecordCommand(ctx context.Context, sessionID, command string) error {
	if command == "" {
		return nil
	}
	return m.sessions.UpdateSessionMetadata(ctx, sessionID, map[string]any{
		store.MetaLastCommand: command,
	})
}

// Reset deactivates the conversation's active session, if any. Resetting a
// conversation with no active session is a no-op.
func (m *Manager) Reset(ctx context.Context, conversationID string) error {
	active, err := m.sessions.GetActiveSession(ctx, conversationID)
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}
	return m.sessions.DeactivateSession(ctx, active.ID)
}
