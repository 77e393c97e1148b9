// Package store defines the persistent conversation state model: codebases,
// conversations, assistant sessions, workflow runs, and isolation
// environments.
package store

import "time"

// AssistantType identifies the AI assistant backing a conversation.
// The value is opaque to the store; known values are "claude" and "codex".
type AssistantType = string

const (
	AssistantClaude AssistantType = "claude"
	AssistantCodex  AssistantType = "codex"
)

// CommandSpec describes one registered prompt-template command.
type CommandSpec struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Codebase is a known repository.
type Codebase struct {
	ID            string                 `db:"id"`
	Name          string                 `db:"name"`
	RemoteURL     string                 `db:"remote_url"` // canonicalized, no trailing .git
	DefaultCwd    string                 `db:"default_cwd"`
	AssistantType AssistantType          `db:"assistant_type"`
	Commands      map[string]CommandSpec `db:"-"`
	CreatedAt     time.Time              `db:"created_at"`
	UpdatedAt     time.Time              `db:"updated_at"`
}

// Conversation binds a platform thread/issue/chat to the system state for it.
type Conversation struct {
	ID                     string        `db:"id"`
	PlatformType           string        `db:"platform_type"`
	PlatformConversationID string        `db:"platform_conversation_id"`
	CodebaseID             string        `db:"codebase_id"` // empty until /clone or switch
	Cwd                    string        `db:"cwd"`
	AssistantType          AssistantType `db:"assistant_type"` // locked at creation
	ParentConversationID   string        `db:"parent_conversation_id"`
	CreatedAt              time.Time     `db:"created_at"`
	UpdatedAt              time.Time     `db:"updated_at"`
}

// Session metadata keys.
const (
	MetaLastCommand = "lastCommand"
)

// Session is one assistant subprocess context, resumable across turns via the
// opaque assistant-side session id.
type Session struct {
	ID                 string         `db:"id"`
	ConversationID     string         `db:"conversation_id"`
	CodebaseID         string         `db:"codebase_id"`
	AssistantType      AssistantType  `db:"assistant_type"`
	AssistantSessionID string         `db:"assistant_session_id"`
	Active             bool           `db:"active"`
	Metadata           map[string]any `db:"-"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// LastCommand returns the name of the most recently executed command, if any.
func (s *Session) LastCommand() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata[MetaLastCommand].(string); ok {
		return v
	}
	return ""
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Workflow run metadata keys.
const (
	RunMetaExternalContext = "externalContext"
	RunMetaLastStepIndex   = "lastStepIndex"
	RunMetaExitReason      = "exitReason"
	RunMetaFailedStep      = "failedStep"
)

// Run exit reasons recorded in metadata.
const (
	ExitCompletionSignal = "completion-signal"
	ExitMaxIterations    = "max-iterations"
)

// WorkflowRun is one in-flight or completed workflow invocation.
type WorkflowRun struct {
	ID             string         `db:"id"`
	ConversationID string         `db:"conversation_id"`
	CodebaseID     string         `db:"codebase_id"`
	WorkflowName   string         `db:"workflow_name"`
	TriggerMessage string         `db:"trigger_message"`
	Status         RunStatus      `db:"status"`
	Metadata       map[string]any `db:"-"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// Terminal reports whether the run has reached a final status.
func (r *WorkflowRun) Terminal() bool {
	return r.Status == RunCompleted || r.Status == RunFailed || r.Status == RunCancelled
}

// EnvStatus is the lifecycle state of an isolation environment.
type EnvStatus string

const (
	EnvActive    EnvStatus = "active"
	EnvDestroyed EnvStatus = "destroyed"
)

// Environment metadata keys.
const (
	EnvMetaAdopted = "adopted"
)

// Environment is one isolated working directory (today: a git worktree).
type Environment struct {
	ID           string         `db:"id"`
	CodebaseID   string         `db:"codebase_id"`
	Provider     string         `db:"provider"`
	WorkflowType string         `db:"workflow_type"` // issue | pr | review | thread | task
	Identifier   string         `db:"identifier"`
	WorkingPath  string         `db:"working_path"`
	BranchName   string         `db:"branch_name"`
	Status       EnvStatus      `db:"status"`
	Platform     string         `db:"platform"`
	Metadata     map[string]any `db:"-"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	DestroyedAt  *time.Time     `db:"destroyed_at"`
}

// Adopted reports whether the environment was adopted from a pre-existing
// worktree rather than freshly created.
func (e *Environment) Adopted() bool {
	if e == nil || e.Metadata == nil {
		return false
	}
	v, ok := e.Metadata[EnvMetaAdopted].(bool)
	return ok && v
}
