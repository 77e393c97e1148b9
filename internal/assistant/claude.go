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

// scanBufSize bounds a single stream-json line. Tool results with large file
// contents routinely exceed bufio's 64KB default.
const scanBufSize = 10 * 1024 * 1024

// ClaudeClient runs turns through the Claude Code CLI using the stream-json
// protocol (`claude -p --output-format stream-json --verbose`).
type ClaudeClient struct {
	bin    string
	logger *logger.Logger
}

// NewClaudeClient creates a client invoking the given binary (default
// "claude").
func NewClaudeClient(bin string, log *logger.Logger) *ClaudeClient {
	if bin == "" {
		bin = "claude"
	}
	if log == nil {
		log = logger.Default()
	}
	return &ClaudeClient{
		bin:    bin,
		logger: log.Component("claude-client"),
	}
}

func (c *ClaudeClient) Type() string { return "claude" }

// claudeStreamEvent is a parsed NDJSON line from the CLI's stream-json output.
type claudeStreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// claudeContentBlock mirrors the content block shapes inside assistant
// messages.
type claudeContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type claudeParsedMessage struct {
	Content []claudeContentBlock `json:"content"`
}

// SendQuery starts one turn. The prompt is written to stdin; chunks are
// emitted in the subprocess's order and the channel closes at turn end.
func (c *ClaudeClient) SendQuery(ctx context.Context, req QueryRequest) (<-chan MessageChunk, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}

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

func (c *ClaudeClient) readLoop(cmd *exec.Cmd, stdout io.Reader, stderr *strings.Builder, out chan<- MessageChunk) {
	defer close(out)

	sawResult := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event claudeStreamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			c.logger.Debug("skipping unparseable stream line", zap.String("line", line))
			continue
		}
		for _, chunk := range mapClaudeEvent(event) {
			if chunk.Type == ChunkResult {
				sawResult = true
			}
			out <- chunk
		}
	}

	waitErr := cmd.Wait()
	if waitErr != nil && !sawResult {
		out <- MessageChunk{
			Type: ChunkResult,
			Err: errdefs.AssistantTransport(
				fmt.Sprintf("assistant subprocess failed: %s", strings.TrimSpace(stderr.String())), waitErr),
		}
		return
	}
	if err := scanner.Err(); err != nil && !sawResult {
		out <- MessageChunk{Type: ChunkResult, Err: errdefs.AssistantTransport("assistant stream read failed", err)}
	}
}

// mapClaudeEvent projects one stream-json event onto core message chunks.
func mapClaudeEvent(event claudeStreamEvent) []MessageChunk {
	switch event.Type {
	case "assistant":
		var msg claudeParsedMessage
		if err := json.Unmarshal(event.Message, &msg); err != nil {
			return nil
		}
		var chunks []MessageChunk
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					chunks = append(chunks, MessageChunk{Type: ChunkAssistant, Content: block.Text})
				}
			case "thinking":
				if block.Thinking != "" {
					chunks = append(chunks, MessageChunk{Type: ChunkThinking, Content: block.Thinking})
				}
			case "tool_use":
				var input map[string]any
				if len(block.Input) > 0 {
					_ = json.Unmarshal(block.Input, &input)
				}
				chunks = append(chunks, MessageChunk{Type: ChunkTool, ToolName: block.Name, ToolInput: input})
			}
		}
		return chunks

	case "system":
		content := event.Subtype
		if content == "" {
			content = "system"
		}
		return []MessageChunk{{Type: ChunkSystem, Content: content}}

	case "result":
		chunk := MessageChunk{Type: ChunkResult, SessionID: event.SessionID, Content: event.Result}
		if event.IsError {
			chunk.Err = errdefs.AssistantTransport("assistant reported an error result", fmt.Errorf("%s", event.Result))
		}
		return []MessageChunk{chunk}
	}

	return nil
}
