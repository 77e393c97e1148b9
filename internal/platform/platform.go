// Package platform defines the adapter contract between chat/issue-tracker
// platforms and the orchestration core.
package platform

import "context"

// StreamingMode is how an adapter wants assistant output delivered.
type StreamingMode string

const (
	// ModeStream delivers assistant and tool chunks as they arrive.
	ModeStream StreamingMode = "stream"
	// ModeBatch delivers one cleaned final message per turn.
	ModeBatch StreamingMode = "batch"
)

// IsolationHints tell the orchestrator which isolation environment a message
// belongs to. Adapters derive them from webhook payloads (issue opened, PR
// review requested, thread started).
type IsolationHints struct {
	WorkflowType string // issue | pr | review | thread | task
	Identifier   string
	PRBranch     string
	PRSha        string
	IsForkPR     bool
	PRLabels     []string
	// CloseEvent marks teardown triggers (issue closed, thread archived);
	// the environment is destroyed instead of created.
	CloseEvent bool
}

// InboundMessage is one message delivered by an adapter.
type InboundMessage struct {
	PlatformType           string
	PlatformConversationID string
	Text                   string
	// ExternalContext carries platform-side metadata (issue body, labels,
	// PR description) injected into prompts.
	ExternalContext string
	// ThreadHistory is recent conversation context for the router.
	ThreadHistory []string
	Hints         *IsolationHints
}

// Adapter is implemented once per platform (Slack, Telegram, GitHub, ...).
// Adapters authorize and normalize inbound traffic, then push messages into
// the orchestrator; the core pushes replies back through SendMessage.
type Adapter interface {
	// SendMessage delivers text to the platform conversation.
	SendMessage(ctx context.Context, platformConversationID, text string) error
	StreamingMode() StreamingMode
	PlatformType() string
	// EnsureThread resolves or creates the thread for a conversation.
	// Adapters without threads return the input id.
	EnsureThread(ctx context.Context, platformConversationID string) (string, error)
}
