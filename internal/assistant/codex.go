package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/errdefs"
)

// CodexClient runs turns through the Codex CLI (`codex exec --json`), which
// emits JSONL thread events.
type CodexClient struct {
	bin    string
	logger *logger.Logger
}

// NewCodexClient creates a client invoking the given binary (default "codex").
func NewCodexClient(bin string, log *logger.Logger) *CodexClient {
	if bin == "" {
		bin = "codex"
	}
	if log == nil {
		log = logger.Default()
	}
	return &CodexClient{
		bin:    bin,
		logger: log.Component("codex-client"),
	}
}

func (c *CodexClient) Type() string { return "codex" }

// codexThreadEvent is one JSONL line from codex exec --json.
// Event types: thread.started, turn.started, item.started, item.completed,
// turn.completed, turn.failed, error.
type codexThreadEvent struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id,omitempty"`
	Item     *codexItem `json:"item,omitempty"`
	Error    *codexErr  `json:"error,omitempty"`
}

// codexItem types: agent_message, reasoning, command_execution, file_change,
// mcp_tool_call, web_search.
type codexItem struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"item_type"`
	Text    string          `json:"text,omitempty"`
	Command string          `json:"command,omitempty"`
	Changes json.RawMessage `json:"changes,omitempty"`
	Tool    string          `json:"tool,omitempty"`
}

type codexErr struct {
	Message string `json:"message,omitempty"`
}

// SendQuery starts one turn; resume uses `codex exec resume <thread-id>`.
func (c *CodexClient) SendQuery(ctx context.Context, req QueryRequest) (<-chan MessageChunk, error) {
	args := []string{"exec"}
	if req.ResumeSessionID != "" {
		args = append(args, "resume", req.ResumeSessionID)
	}
	args = append(args, "--json", "--skip-git-repo-check", "-")

	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = req.Cwd
	cmd.Stdin = strings.NewReader(req.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errdefs.AssistantTransport("failed to open assistant stdout", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errdefs.AssistantTransport("failed to start assistant subprocess", err)
	}

	out := make(chan MessageChunk)
	go c.readLoop(cmd, stdout, &stderr, out)
	return out, nil
}

func (c *CodexClient) readLoop(cmd *exec.Cmd, stdout io.Reader, stderr *strings.Builder, out chan<- MessageChunk) {
	defer close(out)

	threadID := ""
	failed := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event codexThreadEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			c.logger.Debug("skipping unparseable stream line", zap.String("line", line))
			continue
		}

		switch event.Type {
		case "thread.started":
			if event.ThreadID != "" {
				threadID = event.ThreadID
			}
		case "item.completed":
			if chunk, ok := mapCodexItem(event.Item); ok {
				out <- chunk
			}
		case "turn.failed", "error":
			failed = true
			msg := "codex turn failed"
			if event.Error != nil && event.Error.Message != "" {
				msg = event.Error.Message
			}
			out <- MessageChunk{
				Type:      ChunkResult,
				SessionID: threadID,
				Err:       errdefs.AssistantTransport(msg, fmt.Errorf("turn failed")),
			}
		case "turn.completed":
			out <- MessageChunk{Type: ChunkResult, SessionID: threadID}
		}
	}

	waitErr := cmd.Wait()
	if waitErr != nil && !failed {
		out <- MessageChunk{
			Type:      ChunkResult,
			SessionID: threadID,
			Err: errdefs.AssistantTransport(
				fmt.Sprintf("assistant subprocess failed: %s", strings.TrimSpace(stderr.String())), waitErr),
		}
	}
}

func mapCodexItem(item *codexItem) (MessageChunk, bool) {
	if item == nil {
		return MessageChunk{}, false
	}
	switch item.Type {
	case "agent_message":
		return MessageChunk{Type: ChunkAssistant, Content: item.Text}, true
	case "reasoning":
		return MessageChunk{Type: ChunkThinking, Content: item.Text}, true
	case "command_execution":
		return MessageChunk{Type: ChunkTool, ToolName: "command_execution", ToolInput: map[string]any{"command": item.Command}}, true
	case "file_change":
		var changes any
		if len(item.Changes) > 0 {
			_ = json.Unmarshal(item.Changes, &changes)
		}
		return MessageChunk{Type: ChunkTool, ToolName: "file_change", ToolInput: map[string]any{"changes": changes}}, true
	case "mcp_tool_call":
		return MessageChunk{Type: ChunkTool, ToolName: item.Tool}, true
	}
	return MessageChunk{}, false
}
