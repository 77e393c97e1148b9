package store

import "context"

// ConversationStore persists conversations keyed by platform identity.
type ConversationStore interface {
	// GetOrCreateConversation returns the conversation for the platform key,
	// creating it idempotently on first contact. assistantType is only used
	// when the row is created; it is locked for the conversation's life.
	GetOrCreateConversation(ctx context.Context, platformType, platformConversationID, assistantType string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	// ConversationsReferencingPath returns conversations whose cwd equals the
	// given working path. Used by the cleanup scheduler before reaping.
	ConversationsReferencingPath(ctx context.Context, path string) ([]*Conversation, error)
}

// CodebaseStore persists known repositories and their command registries.
type CodebaseStore interface {
	CreateCodebase(ctx context.Context, cb *Codebase) error
	GetCodebase(ctx context.Context, id string) (*Codebase, error)
	GetCodebaseByRemoteURL(ctx context.Context, remoteURL string) (*Codebase, error)
	GetCodebaseByName(ctx context.Context, name string) (*Codebase, error)
	UpdateCodebase(ctx context.Context, cb *Codebase) error
	ListCodebases(ctx context.Context) ([]*Codebase, error)
}

// SessionStore persists assistant sessions and enforces the one-active-session
// invariant.
type SessionStore interface {
	// CreateSession atomically deactivates any active session for the
	// conversation and inserts the new one with active=true.
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetActiveSession(ctx context.Context, conversationID string) (*Session, error)
	UpdateSessionAssistantID(ctx context.Context, sessionID, assistantSessionID string) error
	// UpdateSessionMetadata merges patch into the session's metadata bag.
	UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]any) error
	// DeactivateSession is idempotent: deactivating an inactive session is a no-op.
	DeactivateSession(ctx context.Context, sessionID string) error
}

// WorkflowRunStore persists workflow runs and enforces the one-running-run
// invariant.
type WorkflowRunStore interface {
	// CreateWorkflowRun inserts a run with status running, returning
	// errdefs.ErrWorkflowBusy when another run is already running for the
	// conversation.
	CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)
	GetRunningWorkflowRun(ctx context.Context, conversationID string) (*WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, id string, status RunStatus) error
	UpdateWorkflowRunMetadata(ctx context.Context, id string, patch map[string]any) error
}

// EnvironmentStore persists isolation environments (soft delete via status).
type EnvironmentStore interface {
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	GetEnvironmentByPath(ctx context.Context, workingPath string) (*Environment, error)
	// FindActiveEnvironment locates the active environment for a codebase,
	// workflow type, and identifier, or returns nil.
	FindActiveEnvironment(ctx context.Context, codebaseID, workflowType, identifier string) (*Environment, error)
	ListActiveEnvironments(ctx context.Context) ([]*Environment, error)
	ListActiveEnvironmentsByCodebase(ctx context.Context, codebaseID string) ([]*Environment, error)
	UpdateEnvironment(ctx context.Context, env *Environment) error
	// MarkEnvironmentDestroyed is idempotent on already-destroyed rows.
	MarkEnvironmentDestroyed(ctx context.Context, id string) error
}

// Store aggregates all persistence interfaces consumed by the core.
type Store interface {
	ConversationStore
	CodebaseStore
	SessionStore
	WorkflowRunStore
	EnvironmentStore
	Close() error
}
