// Package orchestrator is the entry point for every inbound platform message.
// It hydrates conversation state, routes to the command handler or a
// workflow, and projects the run's output back to the platform.
package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/command"
	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/errdefs"
	"github.com/archonhq/archon/internal/events"
	"github.com/archonhq/archon/internal/events/bus"
	"github.com/archonhq/archon/internal/isolation"
	"github.com/archonhq/archon/internal/platform"
	"github.com/archonhq/archon/internal/router"
	"github.com/archonhq/archon/internal/session"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/telemetry"
	"github.com/archonhq/archon/internal/workflow"
)

const noCodebaseMessage = "No codebase configured. Use `/clone …` first."

type orchestratorStore interface {
	GetCodebase(ctx context.Context, id string) (*store.Codebase, error)
	UpdateConversation(ctx context.Context, conv *store.Conversation) error
	CreateWorkflowRun(ctx context.Context, run *store.WorkflowRun) error
	GetRunningWorkflowRun(ctx context.Context, conversationID string) (*store.WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, id string, status store.RunStatus) error
	FindActiveEnvironment(ctx context.Context, codebaseID, workflowType, identifier string) (*store.Environment, error)
}

type workflowEngine interface {
	Execute(ctx context.Context, d workflow.Dispatch) error
}

type workflowRouter interface {
	Route(ctx context.Context, req router.Request) *workflow.Definition
}

// Orchestrator handles inbound messages end to end under the per-conversation
// lock.
type Orchestrator struct {
	store     orchestratorStore
	sessions  *session.Manager
	commands  *command.Handler
	router    workflowRouter
	workflows *workflow.Registry
	engine    workflowEngine
	envs      isolation.Provider
	bus       bus.EventBus
	locks     *ConversationLock
	// defaultAssistant backs conversations whose platform does not pick one.
	defaultAssistant string
	tracer           trace.Tracer
	logger           *logger.Logger
}

// New creates the orchestrator.
func New(st orchestratorStore, sessions *session.Manager, commands *command.Handler, rt workflowRouter, workflows *workflow.Registry, engine workflowEngine, envs isolation.Provider, eventBus bus.EventBus, defaultAssistant string, log *logger.Logger) *Orchestrator {
	if defaultAssistant == "" {
		defaultAssistant = store.AssistantClaude
	}
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		store:            st,
		sessions:         sessions,
		commands:         commands,
		router:           rt,
		workflows:        workflows,
		engine:           engine,
		envs:             envs,
		bus:              eventBus,
		locks:            NewConversationLock(),
		defaultAssistant: defaultAssistant,
		tracer:           telemetry.Tracer("orchestrator"),
		logger:           log.Component("orchestrator"),
	}
}

// HandleMessage processes one inbound message to completion. All state for
// the conversation is mutated under its lock; the lock is released only after
// every store write has landed.
func (o *Orchestrator) HandleMessage(ctx context.Context, adapter platform.Adapter, msg platform.InboundMessage) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_message",
		trace.WithAttributes(
			attribute.String("platform", msg.PlatformType),
			attribute.String("platform_conversation_id", msg.PlatformConversationID),
		))
	defer span.End()

	conv, err := o.sessions.GetOrCreateConversation(ctx, msg.PlatformType, msg.PlatformConversationID, o.defaultAssistant)
	if err != nil {
		return err
	}

	release, err := o.locks.Acquire(ctx, conv.ID)
	if err != nil {
		return err
	}
	defer release()

	o.reconcileStaleRun(ctx, conv.ID)

	log := o.logger.WithFields(
		zap.String("conversation_id", conv.ID),
		zap.String("platform", msg.PlatformType))

	if msg.Hints != nil && msg.Hints.CloseEvent {
		return o.handleClose(ctx, conv, msg.Hints, log)
	}

	// Deterministic commands short-circuit before any AI involvement.
	// /command-invoke is the one exception: it runs as an assistant turn.
	if command.IsSlashCommand(msg.Text) && !strings.HasPrefix(strings.TrimSpace(msg.Text), "/command-invoke") {
		resp := o.commands.Handle(ctx, conv, msg.Text)
		return o.sendText(ctx, adapter, msg.PlatformConversationID, resp.Message)
	}

	if conv.CodebaseID == "" {
		return o.sendText(ctx, adapter, msg.PlatformConversationID, noCodebaseMessage)
	}
	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		return err
	}
	if cb == nil {
		return o.sendText(ctx, adapter, msg.PlatformConversationID, noCodebaseMessage)
	}

	cwd, err := o.resolveCwd(ctx, conv, cb, msg.Hints, log)
	if err != nil {
		log.Error("isolation setup failed", zap.Error(err))
		return o.sendText(ctx, adapter, msg.PlatformConversationID, errdefs.FormatUserMessage(err))
	}
	if cwd != conv.Cwd {
		conv.Cwd = cwd
		if err := o.store.UpdateConversation(ctx, conv); err != nil {
			return err
		}
	}

	def, invoke, args, err := o.selectWorkflow(ctx, cb, msg)
	if err != nil {
		return o.sendText(ctx, adapter, msg.PlatformConversationID, errdefs.FormatUserMessage(err))
	}
	span.SetAttributes(attribute.String("workflow", def.Name))

	run := &store.WorkflowRun{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		CodebaseID:     cb.ID,
		WorkflowName:   def.Name,
		TriggerMessage: msg.Text,
		Status:         store.RunRunning,
		Metadata:       map[string]any{},
	}
	if msg.ExternalContext != "" {
		run.Metadata[store.RunMetaExternalContext] = msg.ExternalContext
	}
	if err := o.store.CreateWorkflowRun(ctx, run); err != nil {
		return o.sendText(ctx, adapter, msg.PlatformConversationID, errdefs.FormatUserMessage(err))
	}
	o.publish(ctx, events.BuildWorkflowRunSubject(events.WorkflowRunStarted, run.ID), events.WorkflowRunStarted, map[string]any{
		"run_id":          run.ID,
		"conversation_id": conv.ID,
		"workflow":        def.Name,
	})

	projector := newStreamProjector(adapter, msg.PlatformConversationID, log)
	execErr := o.engine.Execute(ctx, workflow.Dispatch{
		Run:             run,
		Def:             def,
		Conversation:    conv,
		Codebase:        cb,
		Cwd:             cwd,
		AssistantType:   conv.AssistantType,
		Args:            args,
		InvokeCommand:   invoke,
		ExternalContext: msg.ExternalContext,
		Sink:            projector.Chunk(ctx),
	})
	projector.Flush(ctx)

	if execErr != nil {
		o.publish(ctx, events.BuildWorkflowRunSubject(events.WorkflowRunFailed, run.ID), events.WorkflowRunFailed, map[string]any{
			"run_id": run.ID, "workflow": def.Name,
		})
		return o.sendText(ctx, adapter, msg.PlatformConversationID, errdefs.FormatUserMessage(execErr))
	}

	o.publish(ctx, events.BuildWorkflowRunSubject(events.WorkflowRunCompleted, run.ID), events.WorkflowRunCompleted, map[string]any{
		"run_id": run.ID, "workflow": def.Name,
	})
	if !projector.SentAny() {
		// Batch platforms expect at least an acknowledgement.
		return o.sendText(ctx, adapter, msg.PlatformConversationID, "Done.")
	}
	return nil
}

// reconcileStaleRun fails a leftover running run. The lock serializes
// handling, so a running row observed at entry survived a crash.
func (o *Orchestrator) reconcileStaleRun(ctx context.Context, conversationID string) {
	run, err := o.store.GetRunningWorkflowRun(ctx, conversationID)
	if err != nil || run == nil {
		return
	}
	o.logger.Warn("failing stale workflow run",
		zap.String("run_id", run.ID),
		zap.String("conversation_id", conversationID))
	if err := o.store.UpdateWorkflowRunStatus(ctx, run.ID, store.RunFailed); err != nil {
		o.logger.Error("failed to reconcile stale run", zap.Error(err))
	}
}

// handleClose tears down the isolation environment referenced by a close
// event (issue closed, thread archived).
func (o *Orchestrator) handleClose(ctx context.Context, conv *store.Conversation, hints *platform.IsolationHints, log *logger.Logger) error {
	if conv.CodebaseID == "" {
		return nil
	}
	cb, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil || cb == nil {
		return err
	}
	env, err := o.store.FindActiveEnvironment(ctx, cb.ID, hints.WorkflowType, hints.Identifier)
	if err != nil {
		return err
	}
	if env != nil {
		if err := o.envs.Destroy(ctx, env.ID, isolation.DestroyOptions{CanonicalRepoPath: cb.DefaultCwd}); err != nil {
			log.Error("failed to destroy environment on close", zap.Error(err))
			return err
		}
		o.publish(ctx, events.EnvironmentDestroyed, events.EnvironmentDestroyed, map[string]any{
			"environment_id": env.ID,
		})
	}
	o.publish(ctx, events.ConversationClosed, events.ConversationClosed, map[string]any{
		"conversation_id": conv.ID,
	})
	return nil
}

// resolveCwd provisions (or reuses) the isolation environment the hints name,
// falling back to the canonical checkout for plain chat.
func (o *Orchestrator) resolveCwd(ctx context.Context, conv *store.Conversation, cb *store.Codebase, hints *platform.IsolationHints, log *logger.Logger) (string, error) {
	if hints == nil || hints.WorkflowType == "" {
		if conv.Cwd != "" {
			return conv.Cwd, nil
		}
		return cb.DefaultCwd, nil
	}

	env, err := o.envs.Create(ctx, isolation.CreateRequest{
		CodebaseID:        cb.ID,
		CanonicalRepoPath: cb.DefaultCwd,
		WorkflowType:      hints.WorkflowType,
		Identifier:        hints.Identifier,
		PRBranch:          hints.PRBranch,
		PRSha:             hints.PRSha,
		IsForkPR:          hints.IsForkPR,
		Platform:          conv.PlatformType,
	})
	if err != nil {
		return "", err
	}
	log.Info("isolation environment ready",
		zap.String("environment_id", env.ID),
		zap.String("branch", env.BranchName),
		zap.String("path", env.WorkingPath))
	o.publish(ctx, events.EnvironmentCreated, events.EnvironmentCreated, map[string]any{
		"environment_id": env.ID,
		"branch":         env.BranchName,
	})
	return env.WorkingPath, nil
}

// selectWorkflow picks the dispatch for the message: /command-invoke runs the
// named command as a single turn, everything else goes through the router.
func (o *Orchestrator) selectWorkflow(ctx context.Context, cb *store.Codebase, msg platform.InboundMessage) (*workflow.Definition, string, []string, error) {
	trimmed := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(trimmed, "/command-invoke") {
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			return nil, "", nil, errdefs.Validation("usage: /command-invoke NAME [ARGS]")
		}
		name := fields[1]
		if _, ok := cb.Commands[name]; !ok {
			return nil, "", nil, errdefs.Newf(errdefs.KindNotFound, "command %q is not registered for codebase %s", name, cb.Name)
		}
		return &workflow.Definition{Name: "command:" + name}, name, fields[2:], nil
	}

	req := router.Request{
		Message:       msg.Text,
		PlatformType:  msg.PlatformType,
		AssistantType: cb.AssistantType,
		Cwd:           cb.DefaultCwd,
		ThreadHistory: msg.ThreadHistory,
	}
	if msg.Hints != nil {
		req.WorkflowTypeHint = msg.Hints.WorkflowType
		req.IsPR = msg.Hints.WorkflowType == isolation.WorkflowPR
		req.PRLabels = msg.Hints.PRLabels
	}
	return o.router.Route(ctx, req), "", nil, nil
}

func (o *Orchestrator) sendText(ctx context.Context, adapter platform.Adapter, platformConversationID, text string) error {
	if text == "" {
		return nil
	}
	if err := adapter.SendMessage(ctx, platformConversationID, text); err != nil {
		return errdefs.ExternalPlatform("failed to deliver message", err)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}
