package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/assistant"
	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/common/stringutil"
	"github.com/archonhq/archon/internal/platform"
)

// maxMessageLength caps one outbound platform message.
const maxMessageLength = 4000

// toolIndicator prefixes tool-activity lines in stream mode.
const toolIndicator = "⚙"

// streamProjector turns the ordered chunk stream of a run into platform
// messages. Stream mode forwards as chunks arrive; batch mode accumulates and
// sends one cleaned message per run from Flush.
type streamProjector struct {
	adapter platform.Adapter
	convID  string // platform conversation id
	mode    platform.StreamingMode
	logger  *logger.Logger

	buf       strings.Builder
	sentAny   bool
	resultErr error
}

func newStreamProjector(adapter platform.Adapter, platformConversationID string, log *logger.Logger) *streamProjector {
	return &streamProjector{
		adapter: adapter,
		convID:  platformConversationID,
		mode:    adapter.StreamingMode(),
		logger:  log,
	}
}

// Chunk consumes one assistant chunk. Safe to pass as a workflow.ChunkSink.
func (p *streamProjector) Chunk(ctx context.Context) func(assistant.MessageChunk) {
	return func(chunk assistant.MessageChunk) {
		switch chunk.Type {
		case assistant.ChunkAssistant:
			if p.mode == platform.ModeStream {
				p.send(ctx, chunk.Content)
				return
			}
			p.buf.WriteString(chunk.Content)
			p.buf.WriteString("\n")

		case assistant.ChunkTool:
			if p.mode == platform.ModeStream {
				p.send(ctx, fmt.Sprintf("%s %s", toolIndicator, chunk.ToolName))
				return
			}
			p.logger.Debug("tool activity",
				zap.String("tool", chunk.ToolName),
				zap.String("platform_conversation_id", p.convID))

		case assistant.ChunkResult:
			if chunk.Err != nil {
				p.resultErr = chunk.Err
			}

		case assistant.ChunkThinking, assistant.ChunkSystem:
			// Not surfaced to platforms.
		}
	}
}

// Flush delivers the buffered batch-mode output. A run that produced no
// assistant text sends nothing.
func (p *streamProjector) Flush(ctx context.Context) {
	if p.mode != platform.ModeBatch {
		return
	}
	text := stripLeadingToolIndicators(p.buf.String())
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	p.send(ctx, stringutil.TruncateStringWithEllipsis(text, maxMessageLength))
}

// SentAny reports whether at least one message reached the platform.
func (p *streamProjector) SentAny() bool { return p.sentAny }

// ResultErr returns the turn error carried by the last result chunk, if any.
func (p *streamProjector) ResultErr() error { return p.resultErr }

func (p *streamProjector) send(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if err := p.adapter.SendMessage(ctx, p.convID, stringutil.TruncateStringWithEllipsis(text, maxMessageLength)); err != nil {
		p.logger.Error("failed to deliver message to platform",
			zap.String("platform", p.adapter.PlatformType()),
			zap.String("platform_conversation_id", p.convID),
			zap.Error(err))
		return
	}
	p.sentAny = true
}

// stripLeadingToolIndicators removes tool-activity lines an assistant echoed
// at the top of its final answer.
func stripLeadingToolIndicators(text string) string {
	lines := strings.Split(text, "\n")
	i := 0
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, toolIndicator) {
			i++
			continue
		}
		break
	}
	return strings.Join(lines[i:], "\n")
}
