package workflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archonhq/archon/internal/assistant"
	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/errdefs"
	"github.com/archonhq/archon/internal/prompt"
	"github.com/archonhq/archon/internal/session"
	"github.com/archonhq/archon/internal/store"
)

// ChunkSink receives every chunk an assistant turn emits, in emission order.
type ChunkSink func(assistant.MessageChunk)

type runStore interface {
	GetWorkflowRun(ctx context.Context, id string) (*store.WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, id string, status store.RunStatus) error
	UpdateWorkflowRunMetadata(ctx context.Context, id string, patch map[string]any) error
}

// Engine executes workflow definitions: step sequences, parallel blocks, and
// completion-signal loops.
type Engine struct {
	assistants *assistant.Registry
	sessions   *session.Manager
	runs       runStore
	logger     *logger.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(assistants *assistant.Registry, sessions *session.Manager, runs runStore, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		assistants: assistants,
		sessions:   sessions,
		runs:       runs,
		logger:     log.Component("workflow-engine"),
	}
}

// Dispatch carries everything one workflow run needs.
type Dispatch struct {
	Run          *store.WorkflowRun
	Def          *Definition
	Conversation *store.Conversation
	Codebase     *store.Codebase
	// Cwd is the working directory assistant turns run in (worktree or
	// canonical checkout).
	Cwd string
	// AssistantType is used when the definition declares no provider.
	AssistantType string
	// Args overrides positional substitution variables. When empty the
	// trigger message is $1.
	Args []string
	// InvokeCommand runs a single registered command as one turn instead of
	// the definition's shape, resuming the active session per the transition
	// rule.
	InvokeCommand   string
	ExternalContext string
	Sink            ChunkSink
}

// Execute runs the workflow to a terminal status. Cancellation set through
// the store is observed between steps and iterations.
func (e *Engine) Execute(ctx context.Context, d Dispatch) error {
	provider := d.Def.Provider
	if provider == "" {
		provider = d.AssistantType
	}
	client, err := e.assistants.Get(provider)
	if err != nil {
		e.failRun(ctx, d, "", err)
		return err
	}

	log := e.logger.WithFields(
		zap.String("run_id", d.Run.ID),
		zap.String("workflow", d.Def.Name),
		zap.String("conversation_id", d.Conversation.ID))
	log.Info("executing workflow")

	switch {
	case d.InvokeCommand != "":
		err = e.executeInvoke(ctx, d, client)
	case d.Def.Loop != nil:
		err = e.executeLoop(ctx, d, client)
	case len(d.Def.Steps) > 0:
		err = e.executeSteps(ctx, d, client)
	default:
		err = e.executePrompt(ctx, d, client)
	}
	if err != nil {
		return err
	}

	log.Info("workflow finished")
	return nil
}

func (e *Engine) executeSteps(ctx context.Context, d Dispatch, client assistant.Client) error {
	var cur *store.Session

	for i, step := range d.Def.Steps {
		cancelled, err := e.runCancelled(ctx, d.Run.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return nil
		}

		if step.IsParallel() {
			if err := e.executeParallel(ctx, d, client, step.Parallel); err != nil {
				e.failRun(ctx, d, fmt.Sprintf("parallel block at step %d", i), err)
				return err
			}
			// The step after a parallel block inherits nothing.
			cur = nil
			e.recordStepIndex(ctx, d.Run.ID, i)
			continue
		}

		if step.ClearContext || cur == nil {
			cur, err = e.sessions.StartFresh(ctx, d.Conversation.ID, d.Codebase.ID, client.Type())
			if err != nil {
				e.failRun(ctx, d, step.Command, err)
				return err
			}
		}

		turnPrompt, err := e.commandPrompt(d, step.Command)
		if err != nil {
			e.failRun(ctx, d, step.Command, err)
			return err
		}

		res, err := e.runTurn(ctx, client, turnPrompt, d.Cwd, cur.AssistantSessionID, d.Sink)
		if err != nil {
			e.failRun(ctx, d, step.Command, err)
			return err
		}

		if res.assistantSessionID != "" {
			cur.AssistantSessionID = res.assistantSessionID
			if err := e.sessions.RecordAssistantSessionID(ctx, cur.ID, res.assistantSessionID); err != nil {
				e.logger.Warn("failed to record assistant session id", zap.Error(err))
			}
		}
		if err := e.sessions.RecordCommand(ctx, cur.ID, step.Command); err != nil {
			e.logger.Warn("failed to record command", zap.Error(err))
		}
		e.recordStepIndex(ctx, d.Run.ID, i)
	}

	return e.completeRun(ctx, d, nil)
}

// executeParallel runs the block's steps concurrently against the shared
// working directory, each in its own fresh assistant context. Any failure
// cancels the siblings.
func (e *Engine) executeParallel(ctx context.Context, d Dispatch, client assistant.Client, steps []SingleStep) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range steps {
		sub := sub
		g.Go(func() error {
			turnPrompt, err := e.commandPrompt(d, sub.Command)
			if err != nil {
				return err
			}
			_, err = e.runTurn(gctx, client, turnPrompt, d.Cwd, "", d.Sink)
			return err
		})
	}
	return g.Wait()
}

func (e *Engine) executeLoop(ctx context.Context, d Dispatch, client assistant.Client) error {
	loop := d.Def.Loop
	var transcript strings.Builder
	var cur *store.Session
	exitReason := store.ExitMaxIterations

	for iter := 1; iter <= loop.MaxIterations; iter++ {
		cancelled, err := e.runCancelled(ctx, d.Run.ID)
		if err != nil {
			return err
		}
		if cancelled {
			return nil
		}

		if loop.FreshContext || cur == nil {
			cur, err = e.sessions.StartFresh(ctx, d.Conversation.ID, d.Codebase.ID, client.Type())
			if err != nil {
				e.failRun(ctx, d, fmt.Sprintf("iteration %d", iter), err)
				return err
			}
		}

		vars := e.baseVars(d)
		vars.Named["ITERATION"] = fmt.Sprintf("%d", iter)
		turnPrompt := prompt.Assemble(loop.Prompt, vars)

		res, err := e.runTurn(ctx, client, turnPrompt, d.Cwd, cur.AssistantSessionID, d.Sink)
		if err != nil {
			e.failRun(ctx, d, fmt.Sprintf("iteration %d", iter), err)
			return err
		}
		if res.assistantSessionID != "" {
			cur.AssistantSessionID = res.assistantSessionID
			if err := e.sessions.RecordAssistantSessionID(ctx, cur.ID, res.assistantSessionID); err != nil {
				e.logger.Warn("failed to record assistant session id", zap.Error(err))
			}
		}

		transcript.WriteString(res.text)
		if signalPresent(transcript.String(), loop.Until) {
			exitReason = store.ExitCompletionSignal
			e.logger.Info("loop completion signal detected",
				zap.String("run_id", d.Run.ID), zap.Int("iteration", iter))
			break
		}
	}

	return e.completeRun(ctx, d, map[string]any{store.RunMetaExitReason: exitReason})
}

// executeInvoke runs one registered command as a single assistant turn. The
// command name participates in the plan-then-execute transition rule.
func (e *Engine) executeInvoke(ctx context.Context, d Dispatch, client assistant.Client) error {
	sess, _, err := e.sessions.Resolve(ctx, d.Conversation, d.Codebase.ID, client.Type(), d.InvokeCommand)
	if err != nil {
		e.failRun(ctx, d, d.InvokeCommand, err)
		return err
	}

	turnPrompt, err := e.commandPrompt(d, d.InvokeCommand)
	if err != nil {
		e.failRun(ctx, d, d.InvokeCommand, err)
		return err
	}

	res, err := e.runTurn(ctx, client, turnPrompt, d.Cwd, sess.AssistantSessionID, d.Sink)
	if err != nil {
		e.failRun(ctx, d, d.InvokeCommand, err)
		return err
	}
	if res.assistantSessionID != "" {
		if err := e.sessions.RecordAssistantSessionID(ctx, sess.ID, res.assistantSessionID); err != nil {
			e.logger.Warn("failed to record assistant session id", zap.Error(err))
		}
	}
	if err := e.sessions.RecordCommand(ctx, sess.ID, d.InvokeCommand); err != nil {
		e.logger.Warn("failed to record command", zap.Error(err))
	}
	return e.completeRun(ctx, d, nil)
}

// executePrompt handles direct-dispatch workflows (the built-in assist): one
// substituted turn that resumes the conversation's active session per the
// transition rule.
func (e *Engine) executePrompt(ctx context.Context, d Dispatch, client assistant.Client) error {
	sess, _, err := e.sessions.Resolve(ctx, d.Conversation, d.Codebase.ID, client.Type(), "")
	if err != nil {
		e.failRun(ctx, d, d.Def.Name, err)
		return err
	}

	turnPrompt := prompt.Assemble(d.Def.Prompt, e.baseVars(d))
	res, err := e.runTurn(ctx, client, turnPrompt, d.Cwd, sess.AssistantSessionID, d.Sink)
	if err != nil {
		e.failRun(ctx, d, d.Def.Name, err)
		return err
	}
	if res.assistantSessionID != "" {
		if err := e.sessions.RecordAssistantSessionID(ctx, sess.ID, res.assistantSessionID); err != nil {
			e.logger.Warn("failed to record assistant session id", zap.Error(err))
		}
	}
	return e.completeRun(ctx, d, nil)
}

// baseVars builds the substitution variables shared by every turn of a run.
func (e *Engine) baseVars(d Dispatch) prompt.Vars {
	positional := d.Args
	if len(positional) == 0 {
		positional = []string{d.Run.TriggerMessage}
	}
	return prompt.Vars{
		Positional:      positional,
		Named:           map[string]string{"USER_MESSAGE": d.Run.TriggerMessage},
		ExternalContext: d.ExternalContext,
	}
}

// commandPrompt loads a registered command file and assembles the turn prompt.
func (e *Engine) commandPrompt(d Dispatch, command string) (string, error) {
	tpl, err := e.commandTemplate(d.Codebase, command)
	if err != nil {
		return "", err
	}
	return prompt.Assemble(tpl, e.baseVars(d)), nil
}

func (e *Engine) commandTemplate(cb *store.Codebase, command string) (string, error) {
	spec, ok := cb.Commands[command]
	if !ok {
		return "", errdefs.Newf(errdefs.KindNotFound, "command %q is not registered for codebase %s", command, cb.Name)
	}
	path := spec.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(cb.DefaultCwd, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errdefs.Wrap(errdefs.KindNotFound, fmt.Sprintf("failed to read command file for %q", command), err)
	}
	return string(data), nil
}

type turnResult struct {
	text               string
	assistantSessionID string
}

// runTurn streams one assistant turn, forwarding every chunk to the sink and
// buffering assistant text for signal detection.
func (e *Engine) runTurn(ctx context.Context, client assistant.Client, turnPrompt, cwd, resumeID string, sink ChunkSink) (turnResult, error) {
	chunks, err := client.SendQuery(ctx, assistant.QueryRequest{
		Prompt:          turnPrompt,
		Cwd:             cwd,
		ResumeSessionID: resumeID,
	})
	if err != nil {
		return turnResult{}, err
	}

	var res turnResult
	var turnErr error
	var text strings.Builder
	for chunk := range chunks {
		if sink != nil {
			sink(chunk)
		}
		switch chunk.Type {
		case assistant.ChunkAssistant:
			text.WriteString(chunk.Content)
			text.WriteString("\n")
		case assistant.ChunkResult:
			if chunk.SessionID != "" {
				res.assistantSessionID = chunk.SessionID
			}
			if chunk.Err != nil {
				turnErr = chunk.Err
			}
		}
	}
	res.text = text.String()
	return res, turnErr
}

// runCancelled reports whether the run was cancelled out-of-band.
func (e *Engine) runCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := e.runs.GetWorkflowRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, errdefs.Newf(errdefs.KindNotFound, "workflow run %s not found", runID)
	}
	return run.Status == store.RunCancelled, nil
}

func (e *Engine) recordStepIndex(ctx context.Context, runID string, index int) {
	if err := e.runs.UpdateWorkflowRunMetadata(ctx, runID, map[string]any{
		store.RunMetaLastStepIndex: index,
	}); err != nil {
		e.logger.Warn("failed to record step index", zap.Error(err))
	}
}

func (e *Engine) completeRun(ctx context.Context, d Dispatch, meta map[string]any) error {
	if len(meta) > 0 {
		if err := e.runs.UpdateWorkflowRunMetadata(ctx, d.Run.ID, meta); err != nil {
			e.logger.Warn("failed to record run metadata", zap.Error(err))
		}
	}
	if err := e.runs.UpdateWorkflowRunStatus(ctx, d.Run.ID, store.RunCompleted); err != nil {
		return err
	}
	e.autoCommit(ctx, d)
	return nil
}

func (e *Engine) failRun(ctx context.Context, d Dispatch, failedStep string, cause error) {
	e.logger.Error("workflow run failed",
		zap.String("run_id", d.Run.ID),
		zap.String("failed_step", failedStep),
		zap.Error(cause))
	if failedStep != "" {
		if err := e.runs.UpdateWorkflowRunMetadata(ctx, d.Run.ID, map[string]any{
			store.RunMetaFailedStep: failedStep,
		}); err != nil {
			e.logger.Warn("failed to record failed step", zap.Error(err))
		}
	}
	if err := e.runs.UpdateWorkflowRunStatus(ctx, d.Run.ID, store.RunFailed); err != nil {
		e.logger.Warn("failed to update run status", zap.Error(err))
	}
	e.autoCommit(ctx, d)
}

// autoCommit stages and commits any leftover changes so partial work survives
// subsequent runs in the same worktree. Best-effort.
func (e *Engine) autoCommit(ctx context.Context, d Dispatch) {
	if d.Cwd == "" {
		return
	}
	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = d.Cwd
	if out, err := add.CombinedOutput(); err != nil {
		e.logger.Debug("auto-commit staging failed", zap.String("output", string(out)))
		return
	}
	commit := exec.CommandContext(ctx, "git", "commit", "-m",
		fmt.Sprintf("archon: checkpoint after workflow %s (run %s)", d.Def.Name, d.Run.ID))
	commit.Dir = d.Cwd
	if out, err := commit.CombinedOutput(); err != nil {
		if !strings.Contains(string(out), "nothing to commit") {
			e.logger.Debug("auto-commit failed", zap.String("output", string(out)))
		}
	}
}

// signalPresent matches the canonical <promise>…</promise> form and, for
// leniency, a bare occurrence of the signal. Case-sensitive.
func signalPresent(text, until string) bool {
	if strings.Contains(text, "<promise>"+until+"</promise>") {
		return true
	}
	return strings.Contains(text, until)
}
