// Package events defines the event types and subjects published on the
// Archon event bus.
package events

// Event types for workflow runs.
const (
	WorkflowRunStarted   = "workflow_run.started"
	WorkflowRunCompleted = "workflow_run.completed"
	WorkflowRunFailed    = "workflow_run.failed"
	WorkflowRunCancelled = "workflow_run.cancelled"
)

// Event types for isolation environments.
const (
	EnvironmentCreated   = "environment.created"
	EnvironmentAdopted   = "environment.adopted"
	EnvironmentDestroyed = "environment.destroyed"
)

// Event types for sessions.
const (
	SessionStarted = "session.started"
	SessionReset   = "session.reset"
)

// Event types for conversations.
const (
	ConversationClosed = "conversation.closed"
)

// MessageChunk is the base subject for streamed assistant output; chunks are
// published per conversation.
const MessageChunk = "message.chunk"

// BuildMessageChunkSubject returns the chunk subject for one conversation.
func BuildMessageChunkSubject(conversationID string) string {
	return MessageChunk + "." + conversationID
}

// BuildMessageChunkWildcardSubject subscribes to chunks for all conversations.
func BuildMessageChunkWildcardSubject() string {
	return MessageChunk + ".*"
}

// BuildWorkflowRunSubject returns the subject for one run's lifecycle event.
func BuildWorkflowRunSubject(eventType, runID string) string {
	return eventType + "." + runID
}

// BuildWorkflowRunWildcardSubject subscribes to one lifecycle event for all runs.
func BuildWorkflowRunWildcardSubject(eventType string) string {
	return eventType + ".*"
}
