// Package router picks a workflow for a free-form message using a short
// assistant classification call, falling back to the assist workflow.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/assistant"
	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/workflow"
)

// Request carries the message and platform context the classifier sees.
type Request struct {
	Message      string
	PlatformType string
	// AssistantType selects the classifier backend.
	AssistantType string
	// Cwd is where the short classification turn runs.
	Cwd string
	// WorkflowTypeHint comes from isolation hints (issue, pr, ...).
	WorkflowTypeHint string
	IsPR             bool
	PRLabels         []string
	ThreadHistory    []string
}

// Router selects workflows by name.
type Router struct {
	assistants *assistant.Registry
	workflows  *workflow.Registry
	timeout    time.Duration
	logger     *logger.Logger
}

// New creates a router. timeout bounds the classification call.
func New(assistants *assistant.Registry, workflows *workflow.Registry, timeout time.Duration, log *logger.Logger) *Router {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Router{
		assistants: assistants,
		workflows:  workflows,
		timeout:    timeout,
		logger:     log.Component("router"),
	}
}

// Route picks a workflow for the request. It never fails: classifier errors,
// unknown names, and empty replies all route to the assist workflow.
func (r *Router) Route(ctx context.Context, req Request) *workflow.Definition {
	defs := r.workflows.List()
	if len(defs) == 1 {
		// Only the built-in assist exists; no call needed.
		return defs[0]
	}

	name, err := r.classify(ctx, req, defs)
	if err != nil {
		r.logger.Warn("classification failed, routing to assist", zap.Error(err))
		return r.assist()
	}

	def, err := r.workflows.Get(name)
	if err != nil {
		r.logger.Warn("classifier picked unknown workflow, routing to assist",
			zap.String("name", name))
		return r.assist()
	}

	r.logger.Info("routed message",
		zap.String("workflow", def.Name),
		zap.String("platform", req.PlatformType))
	return def
}

func (r *Router) assist() *workflow.Definition {
	def, err := r.workflows.Get(workflow.AssistWorkflow)
	if err != nil {
		// The registry guarantees assist exists; guard anyway.
		return &workflow.Definition{Name: workflow.AssistWorkflow, Prompt: "$USER_MESSAGE"}
	}
	return def
}

func (r *Router) classify(ctx context.Context, req Request, defs []*workflow.Definition) (string, error) {
	client, err := r.assistants.Get(req.AssistantType)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	chunks, err := client.SendQuery(ctx, assistant.QueryRequest{
		Prompt: buildClassifierPrompt(req, defs),
		Cwd:    req.Cwd,
	})
	if err != nil {
		return "", err
	}

	var reply strings.Builder
	for chunk := range chunks {
		if chunk.Type == assistant.ChunkAssistant {
			reply.WriteString(chunk.Content)
			reply.WriteString("\n")
		}
		if chunk.Type == assistant.ChunkResult && chunk.Err != nil {
			return "", chunk.Err
		}
	}

	name := parseSelection(reply.String(), defs)
	if name == "" {
		return "", fmt.Errorf("no workflow name in classifier reply")
	}
	return name, nil
}

// buildClassifierPrompt presents the message, the platform context, and the
// candidate workflows.
func buildClassifierPrompt(req Request, defs []*workflow.Definition) string {
	var b strings.Builder
	b.WriteString("You are a request classifier. Pick the single best workflow for the user's message.\n\n")
	b.WriteString("Available workflows:\n")
	for _, def := range defs {
		desc := def.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, desc)
	}

	fmt.Fprintf(&b, "\nPlatform: %s\n", req.PlatformType)
	if req.WorkflowTypeHint != "" {
		fmt.Fprintf(&b, "Trigger type: %s\n", req.WorkflowTypeHint)
	}
	if req.IsPR {
		b.WriteString("The message concerns a pull request.\n")
	}
	if len(req.PRLabels) > 0 {
		fmt.Fprintf(&b, "PR labels: %s\n", strings.Join(req.PRLabels, ", "))
	}
	if len(req.ThreadHistory) > 0 {
		b.WriteString("\nRecent thread history:\n")
		for _, line := range req.ThreadHistory {
			fmt.Fprintf(&b, "> %s\n", line)
		}
	}

	fmt.Fprintf(&b, "\nUser message:\n%s\n", req.Message)
	b.WriteString("\nReply with exactly one workflow name from the list above and nothing else.\n")
	return b.String()
}

// parseSelection extracts a known workflow name from the classifier reply.
// Exact-line matches win over substring matches.
func parseSelection(reply string, defs []*workflow.Definition) string {
	known := make(map[string]bool, len(defs))
	for _, def := range defs {
		known[def.Name] = true
	}

	for _, line := range strings.Split(reply, "\n") {
		candidate := strings.Trim(strings.TrimSpace(line), "`\"'.")
		if known[candidate] {
			return candidate
		}
	}

	// Fall back to the first known name mentioned anywhere.
	best := ""
	bestIdx := -1
	for _, def := range defs {
		idx := strings.Index(reply, def.Name)
		if idx >= 0 && (bestIdx == -1 || idx < bestIdx) {
			best = def.Name
			bestIdx = idx
		}
	}
	return best
}
