// Package assistant defines the streaming client contract for AI coding
// assistant subprocesses and the concrete CLI-backed clients.
package assistant

import "context"

// ChunkType discriminates the events emitted during an assistant turn.
type ChunkType string

const (
	ChunkAssistant ChunkType = "assistant"
	ChunkTool      ChunkType = "tool"
	ChunkThinking  ChunkType = "thinking"
	ChunkSystem    ChunkType = "system"
	ChunkResult    ChunkType = "result"
)

// MessageChunk is one streamed event from an assistant turn. The emission
// order of the subprocess is preserved end-to-end. A terminal ChunkResult
// carries the new assistant-side session id; Err is set on transport
// failures and is always the last chunk on the channel.
type MessageChunk struct {
	Type      ChunkType
	Content   string
	ToolName  string
	ToolInput map[string]any
	// SessionID is the opaque assistant-side session id (result chunks only).
	// The core never parses or mutates it.
	SessionID string
	Err       error
}

// QueryRequest describes one assistant turn.
type QueryRequest struct {
	Prompt string
	Cwd    string
	// ResumeSessionID resumes a prior assistant-side session when non-empty;
	// empty means start fresh.
	ResumeSessionID string
}

// Client is the opaque streaming query interface over one assistant backend.
type Client interface {
	// SendQuery starts a turn and returns the ordered chunk stream. The
	// channel is closed when the turn ends; cancelling ctx stops the
	// subprocess.
	SendQuery(ctx context.Context, req QueryRequest) (<-chan MessageChunk, error)

	// Type identifies the assistant backend ("claude", "codex", ...). It
	// matches the assistant type locked on a conversation.
	Type() string
}
