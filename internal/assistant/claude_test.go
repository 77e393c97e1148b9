package assistant

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/errdefs"
)

func parseClaudeLine(t *testing.T, line string) claudeStreamEvent {
	t.Helper()
	var event claudeStreamEvent
	require.NoError(t, json.Unmarshal([]byte(line), &event))
	return event
}

func TestMapClaudeEvent(t *testing.T) {
	t.Run("assistant text and thinking blocks", func(t *testing.T) {
		line := `{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"planning the fix"},{"type":"text","text":"I'll update the handler."}]}}`
		chunks := mapClaudeEvent(parseClaudeLine(t, line))
		require.Len(t, chunks, 2)
		assert.Equal(t, ChunkThinking, chunks[0].Type)
		assert.Equal(t, "planning the fix", chunks[0].Content)
		assert.Equal(t, ChunkAssistant, chunks[1].Type)
		assert.Equal(t, "I'll update the handler.", chunks[1].Content)
	})

	t.Run("tool use carries name and input", func(t *testing.T) {
		line := `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"main.go","old_string":"a"}}]}}`
		chunks := mapClaudeEvent(parseClaudeLine(t, line))
		require.Len(t, chunks, 1)
		assert.Equal(t, ChunkTool, chunks[0].Type)
		assert.Equal(t, "Edit", chunks[0].ToolName)
		assert.Equal(t, "main.go", chunks[0].ToolInput["file_path"])
	})

	t.Run("result carries session id", func(t *testing.T) {
		line := `{"type":"result","subtype":"success","session_id":"sess-abc123","result":"Done.","is_error":false}`
		chunks := mapClaudeEvent(parseClaudeLine(t, line))
		require.Len(t, chunks, 1)
		assert.Equal(t, ChunkResult, chunks[0].Type)
		assert.Equal(t, "sess-abc123", chunks[0].SessionID)
		assert.Equal(t, "Done.", chunks[0].Content)
		assert.NoError(t, chunks[0].Err)
	})

	t.Run("error result sets transport error", func(t *testing.T) {
		line := `{"type":"result","subtype":"error_during_execution","session_id":"sess-x","result":"credit balance too low","is_error":true}`
		chunks := mapClaudeEvent(parseClaudeLine(t, line))
		require.Len(t, chunks, 1)
		require.Error(t, chunks[0].Err)
		assert.True(t, errdefs.IsKind(chunks[0].Err, errdefs.KindAssistantTransport))
		assert.Equal(t, "sess-x", chunks[0].SessionID)
	})

	t.Run("system init event", func(t *testing.T) {
		line := `{"type":"system","subtype":"init","session_id":"sess-abc123"}`
		chunks := mapClaudeEvent(parseClaudeLine(t, line))
		require.Len(t, chunks, 1)
		assert.Equal(t, ChunkSystem, chunks[0].Type)
		assert.Equal(t, "init", chunks[0].Content)
	})

	t.Run("user events are dropped", func(t *testing.T) {
		line := `{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`
		assert.Empty(t, mapClaudeEvent(parseClaudeLine(t, line)))
	})

	t.Run("empty text blocks are dropped", func(t *testing.T) {
		line := `{"type":"assistant","message":{"content":[{"type":"text","text":""}]}}`
		assert.Empty(t, mapClaudeEvent(parseClaudeLine(t, line)))
	})
}

func TestMapCodexItem(t *testing.T) {
	t.Run("agent message", func(t *testing.T) {
		chunk, ok := mapCodexItem(&codexItem{Type: "agent_message", Text: "Refactored the loop."})
		require.True(t, ok)
		assert.Equal(t, ChunkAssistant, chunk.Type)
		assert.Equal(t, "Refactored the loop.", chunk.Content)
	})

	t.Run("reasoning maps to thinking", func(t *testing.T) {
		chunk, ok := mapCodexItem(&codexItem{Type: "reasoning", Text: "considering options"})
		require.True(t, ok)
		assert.Equal(t, ChunkThinking, chunk.Type)
	})

	t.Run("command execution maps to tool", func(t *testing.T) {
		chunk, ok := mapCodexItem(&codexItem{Type: "command_execution", Command: "go test ./..."})
		require.True(t, ok)
		assert.Equal(t, ChunkTool, chunk.Type)
		assert.Equal(t, "command_execution", chunk.ToolName)
		assert.Equal(t, "go test ./...", chunk.ToolInput["command"])
	})

	t.Run("unknown item types are dropped", func(t *testing.T) {
		_, ok := mapCodexItem(&codexItem{Type: "todo_list"})
		assert.False(t, ok)
		_, ok = mapCodexItem(nil)
		assert.False(t, ok)
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	claude := NewClaudeClient("", nil)
	codex := NewCodexClient("", nil)
	reg.Register(claude)
	reg.Register(codex)

	got, err := reg.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Type())

	_, err = reg.Get("gemini")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	assert.ElementsMatch(t, []string{"claude", "codex"}, reg.Types())
}
