// Package console is the platform adapter for local terminal use: one
// conversation, line-oriented input, streamed output.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/archonhq/archon/internal/platform"
)

// conversationID is the single conversation a terminal session maps to.
const conversationID = "local"

// Adapter reads messages from in and prints replies to out.
type Adapter struct {
	in  io.Reader
	out io.Writer
}

// New creates a console adapter.
func New(in io.Reader, out io.Writer) *Adapter {
	return &Adapter{in: in, out: out}
}

func (a *Adapter) SendMessage(ctx context.Context, platformConversationID, text string) error {
	_, err := fmt.Fprintln(a.out, text)
	return err
}

func (a *Adapter) StreamingMode() platform.StreamingMode { return platform.ModeStream }

func (a *Adapter) PlatformType() string { return "console" }

func (a *Adapter) EnsureThread(ctx context.Context, platformConversationID string) (string, error) {
	return platformConversationID, nil
}

// Run reads lines until EOF or ctx cancellation, dispatching each through
// handle. Handler errors are printed, not fatal.
func (a *Adapter) Run(ctx context.Context, handle func(context.Context, platform.InboundMessage) error) error {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		msg := platform.InboundMessage{
			PlatformType:           a.PlatformType(),
			PlatformConversationID: conversationID,
			Text:                   line,
		}
		if err := handle(ctx, msg); err != nil {
			fmt.Fprintf(a.out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}
