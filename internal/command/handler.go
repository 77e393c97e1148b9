// Package command implements the deterministic slash-command surface. No
// handler makes an AI call or starts a workflow run.
package command

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/errdefs"
	"github.com/archonhq/archon/internal/isolation"
	"github.com/archonhq/archon/internal/session"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/workflow"
)

// commandDir is where a repository declares its prompt-template commands.
const commandDir = ".archon/commands"

// Response is what a handler returns; the orchestrator forwards Message to
// the platform verbatim.
type Response struct {
	Success bool
	Message string
}

func ok(format string, args ...any) Response {
	return Response{Success: true, Message: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...any) Response {
	return Response{Success: false, Message: fmt.Sprintf(format, args...)}
}

type handlerStore interface {
	store.CodebaseStore
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	UpdateConversation(ctx context.Context, conv *store.Conversation) error
	GetRunningWorkflowRun(ctx context.Context, conversationID string) (*store.WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, id string, status store.RunStatus) error
	GetActiveSession(ctx context.Context, conversationID string) (*store.Session, error)
}

type sweeper interface {
	Sweep(ctx context.Context) isolation.SweepSummary
}

// cloneFunc clones url into dest; swappable in tests.
type cloneFunc func(ctx context.Context, url, dest string) error

// Handler dispatches slash commands.
type Handler struct {
	store     handlerStore
	sessions  *session.Manager
	workflows *workflow.Registry
	envs      isolation.Provider
	sweeper   sweeper
	// workspacesDir is {home}/workspaces; canonical clones live under it.
	workspacesDir string
	templatesDir  string
	clone         cloneFunc
	logger        *logger.Logger
}

// NewHandler creates the command handler.
func NewHandler(st handlerStore, sessions *session.Manager, workflows *workflow.Registry, envs isolation.Provider, sw sweeper, workspacesDir, templatesDir string, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		store:         st,
		sessions:      sessions,
		workflows:     workflows,
		envs:          envs,
		sweeper:       sw,
		workspacesDir: workspacesDir,
		templatesDir:  templatesDir,
		clone:         gitClone,
		logger:        log.Component("command-handler"),
	}
}

// IsSlashCommand reports whether text is a slash command.
func IsSlashCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

// Handle dispatches one slash command for a conversation. Unknown commands
// fail with a pointer to /help.
func (h *Handler) Handle(ctx context.Context, conv *store.Conversation, text string) Response {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return fail("Empty command. Try /help.")
	}
	name, args := fields[0], fields[1:]

	h.logger.Info("handling command",
		zap.String("command", name),
		zap.String("conversation_id", conv.ID))

	switch name {
	case "/clone":
		return h.handleClone(ctx, conv, args)
	case "/codebase-switch":
		return h.handleCodebaseSwitch(ctx, conv, args)
	case "/getcwd":
		return h.handleGetCwd(conv)
	case "/setcwd":
		return h.handleSetCwd(ctx, conv, args)
	case "/command-set":
		return h.handleCommandSet(ctx, conv, args, text)
	case "/load-commands":
		return h.handleLoadCommands(ctx, conv, args)
	case "/commands":
		return h.handleCommands(ctx, conv)
	case "/template-add":
		return h.handleTemplateAdd(ctx, conv, args)
	case "/workflow":
		return h.handleWorkflow(ctx, conv, args)
	case "/worktree":
		return h.handleWorktree(ctx, conv, args)
	case "/status":
		return h.handleStatus(ctx, conv)
	case "/reset":
		return h.handleReset(ctx, conv)
	case "/help":
		return h.handleHelp()
	default:
		return fail("Unknown command %s. Try /help.", name)
	}
}

func (h *Handler) handleClone(ctx context.Context, conv *store.Conversation, args []string) Response {
	if len(args) != 1 {
		return fail("Usage: /clone URL")
	}
	remoteURL := CanonicalRemoteURL(args[0])
	owner, repo, err := ownerRepo(remoteURL)
	if err != nil {
		return fail("Could not parse repository URL %q.", args[0])
	}

	cb, err := h.store.GetCodebaseByRemoteURL(ctx, remoteURL)
	if err != nil {
		return h.internalError(err)
	}

	dest := filepath.Join(h.workspacesDir, owner, repo)
	if cb != nil && cb.DefaultCwd != "" {
		// Keep an existing checkout; a stale path falls through to a fresh
		// clone at the canonical location.
		if _, err := os.Stat(cb.DefaultCwd); err == nil {
			dest = cb.DefaultCwd
		}
	}

	if _, statErr := os.Stat(dest); os.IsNotExist(statErr) {
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return h.internalError(err)
		}
		if err := h.clone(ctx, remoteURL, dest); err != nil {
			return fail("Clone failed: %v", err)
		}
	}

	commands := discoverCommands(dest)
	if cb == nil {
		cb = &store.Codebase{
			ID:            uuid.New().String(),
			Name:          owner + "/" + repo,
			RemoteURL:     remoteURL,
			DefaultCwd:    dest,
			AssistantType: conv.AssistantType,
			Commands:      commands,
		}
		if err := h.store.CreateCodebase(ctx, cb); err != nil {
			return h.internalError(err)
		}
	} else {
		// Refresh the registry and correct a stale path in place.
		cb.DefaultCwd = dest
		for name, spec := range commands {
			if cb.Commands == nil {
				cb.Commands = make(map[string]store.CommandSpec)
			}
			cb.Commands[name] = spec
		}
		if err := h.store.UpdateCodebase(ctx, cb); err != nil {
			return h.internalError(err)
		}
	}

	conv.CodebaseID = cb.ID
	conv.Cwd = cb.DefaultCwd
	if err := h.store.UpdateConversation(ctx, conv); err != nil {
		return h.internalError(err)
	}

	if err := h.workflows.Load(cb.DefaultCwd); err != nil {
		h.logger.Warn("failed to load workflows after clone", zap.Error(err))
	}

	return ok("Cloned %s into %s. %d command(s) registered. You're all set.", remoteURL, dest, len(commands))
}

func (h *Handler) handleCodebaseSwitch(ctx context.Context, conv *store.Conversation, args []string) Response {
	if len(args) != 1 {
		return fail("Usage: /codebase-switch NAME")
	}
	cb, err := h.store.GetCodebaseByName(ctx, args[0])
	if err != nil {
		return h.internalError(err)
	}
	if cb == nil {
		return fail("No codebase named %q. Use /clone to add one.", args[0])
	}
	conv.CodebaseID = cb.ID
	conv.Cwd = cb.DefaultCwd
	if err := h.store.UpdateConversation(ctx, conv); err != nil {
		return h.internalError(err)
	}
	if err := h.workflows.Load(cb.DefaultCwd); err != nil {
		h.logger.Warn("failed to load workflows after switch", zap.Error(err))
	}
	return ok("Switched to %s (%s).", cb.Name, cb.DefaultCwd)
}

func (h *Handler) handleGetCwd(conv *store.Conversation) Response {
	if conv.Cwd == "" {
		return ok("No working directory set. Use `/clone URL` or `/setcwd PATH`.")
	}
	return ok("%s", conv.Cwd)
}

func (h *Handler) handleSetCwd(ctx context.Context, conv *store.Conversation, args []string) Response {
	if len(args) != 1 {
		return fail("Usage: /setcwd PATH")
	}
	path := args[0]
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fail("%s is not a directory.", path)
	}
	conv.Cwd = path
	if err := h.store.UpdateConversation(ctx, conv); err != nil {
		return h.internalError(err)
	}
	return ok("Working directory set to %s.", path)
}

func (h *Handler) handleCommandSet(ctx context.Context, conv *store.Conversation, args []string, raw string) Response {
	if len(args) < 2 {
		return fail("Usage: /command-set NAME PATH [TEXT]")
	}
	cb, resp := h.requireCodebase(ctx, conv)
	if cb == nil {
		return resp
	}
	name, path := args[0], args[1]

	// Everything after the path is the command body, preserved verbatim.
	if len(args) > 2 {
		idx := strings.Index(raw, path)
		body := strings.TrimSpace(raw[idx+len(path):])
		full := path
		if !filepath.IsAbs(full) {
			full = filepath.Join(cb.DefaultCwd, path)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return h.internalError(err)
		}
		if err := os.WriteFile(full, []byte(body+"\n"), 0644); err != nil {
			return h.internalError(err)
		}
	}

	if cb.Commands == nil {
		cb.Commands = make(map[string]store.CommandSpec)
	}
	cb.Commands[name] = store.CommandSpec{Path: path}
	if err := h.store.UpdateCodebase(ctx, cb); err != nil {
		return h.internalError(err)
	}
	return ok("Command %s registered at %s.", name, path)
}

func (h *Handler) handleLoadCommands(ctx context.Context, conv *store.Conversation, args []string) Response {
	if len(args) != 1 {
		return fail("Usage: /load-commands FOLDER")
	}
	cb, resp := h.requireCodebase(ctx, conv)
	if cb == nil {
		return resp
	}

	folder := args[0]
	abs := folder
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cb.DefaultCwd, folder)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return fail("Could not read folder %s: %v", folder, err)
	}

	count := 0
	if cb.Commands == nil {
		cb.Commands = make(map[string]store.CommandSpec)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		cb.Commands[name] = store.CommandSpec{Path: filepath.Join(folder, entry.Name())}
		count++
	}
	if err := h.store.UpdateCodebase(ctx, cb); err != nil {
		return h.internalError(err)
	}
	return ok("Registered %d command(s) from %s.", count, folder)
}

func (h *Handler) handleCommands(ctx context.Context, conv *store.Conversation) Response {
	cb, resp := h.requireCodebase(ctx, conv)
	if cb == nil {
		return resp
	}
	if len(cb.Commands) == 0 {
		return ok("No commands registered. Use /command-set or /load-commands.")
	}
	names := make([]string, 0, len(cb.Commands))
	for name := range cb.Commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Registered commands:\n")
	for _, name := range names {
		spec := cb.Commands[name]
		if spec.Description != "" {
			fmt.Fprintf(&b, "- %s — %s\n", name, spec.Description)
		} else {
			fmt.Fprintf(&b, "- %s (%s)\n", name, spec.Path)
		}
	}
	return ok("%s", strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) handleTemplateAdd(ctx context.Context, conv *store.Conversation, args []string) Response {
	if len(args) != 2 {
		return fail("Usage: /template-add NAME PATH")
	}
	cb, resp := h.requireCodebase(ctx, conv)
	if cb == nil {
		return resp
	}
	name, src := args[0], args[1]
	if !filepath.IsAbs(src) {
		src = filepath.Join(cb.DefaultCwd, src)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fail("Could not read template source %s: %v", args[1], err)
	}

	dst := filepath.Join(h.templatesDir, name+".md")
	if err := os.MkdirAll(h.templatesDir, 0755); err != nil {
		return h.internalError(err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return h.internalError(err)
	}

	if cb.Commands == nil {
		cb.Commands = make(map[string]store.CommandSpec)
	}
	cb.Commands[name] = store.CommandSpec{Path: dst, Description: "global template"}
	if err := h.store.UpdateCodebase(ctx, cb); err != nil {
		return h.internalError(err)
	}
	return ok("Template %s added; invoke it with /command-invoke %s.", name, name)
}

func (h *Handler) handleWorkflow(ctx context.Context, conv *store.Conversation, args []string) Response {
	if len(args) == 0 {
		return fail("Usage: /workflow list|reload|cancel")
	}
	switch args[0] {
	case "list":
		var b strings.Builder
		b.WriteString("Workflows:\n")
		for _, def := range h.workflows.List() {
			desc := def.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Fprintf(&b, "- %s — %s\n", def.Name, desc)
		}
		return ok("%s", strings.TrimRight(b.String(), "\n"))

	case "reload":
		cb, resp := h.requireCodebase(ctx, conv)
		if cb == nil {
			return resp
		}
		if err := h.workflows.Load(cb.DefaultCwd); err != nil {
			return fail("Reload failed: %v", err)
		}
		return ok("Workflows reloaded (%d available).", len(h.workflows.List()))

	case "cancel":
		run, err := h.store.GetRunningWorkflowRun(ctx, conv.ID)
		if err != nil {
			return h.internalError(err)
		}
		if run == nil {
			return ok("No workflow is running.")
		}
		if err := h.store.UpdateWorkflowRunStatus(ctx, run.ID, store.RunCancelled); err != nil {
			return h.internalError(err)
		}
		return ok("Workflow %s cancelled. It will stop before its next step.", run.WorkflowName)

	default:
		return fail("Unknown subcommand %q. Usage: /workflow list|reload|cancel", args[0])
	}
}

func (h *Handler) handleWorktree(ctx context.Context, conv *store.Conversation, args []string) Response {
	if len(args) == 0 {
		return fail("Usage: /worktree list|clean")
	}
	switch args[0] {
	case "list":
		envs, err := h.envs.List(ctx)
		if err != nil {
			return h.internalError(err)
		}
		if len(envs) == 0 {
			return ok("No active worktrees.")
		}
		var b strings.Builder
		b.WriteString("Active worktrees:\n")
		for _, env := range envs {
			adopted := ""
			if env.Adopted() {
				adopted = " (adopted)"
			}
			fmt.Fprintf(&b, "- %s [%s] %s%s\n", env.BranchName, env.WorkflowType, env.WorkingPath, adopted)
		}
		return ok("%s", strings.TrimRight(b.String(), "\n"))

	case "clean":
		summary := h.sweeper.Sweep(ctx)
		msg := fmt.Sprintf("Cleanup done: %d removed, %d kept.", summary.Removed, summary.Skipped)
		if len(summary.Errors) > 0 {
			msg += fmt.Sprintf(" %d error(s): %s", len(summary.Errors), strings.Join(summary.Errors, "; "))
		}
		return ok("%s", msg)

	default:
		return fail("Unknown subcommand %q. Usage: /worktree list|clean", args[0])
	}
}

func (h *Handler) handleStatus(ctx context.Context, conv *store.Conversation) Response {
	var b strings.Builder
	if conv.CodebaseID == "" {
		b.WriteString("Codebase: none (use /clone URL)\n")
	} else {
		cb, err := h.store.GetCodebase(ctx, conv.CodebaseID)
		if err != nil || cb == nil {
			b.WriteString("Codebase: unknown\n")
		} else {
			fmt.Fprintf(&b, "Codebase: %s (%s)\n", cb.Name, cb.RemoteURL)
			fmt.Fprintf(&b, "Commands: %d registered\n", len(cb.Commands))
		}
	}
	fmt.Fprintf(&b, "Cwd: %s\n", orNone(conv.Cwd))
	fmt.Fprintf(&b, "Assistant: %s\n", conv.AssistantType)

	active, err := h.store.GetActiveSession(ctx, conv.ID)
	if err == nil && active != nil {
		fmt.Fprintf(&b, "Session: active (last command: %s)\n", orNone(active.LastCommand()))
	} else {
		b.WriteString("Session: none\n")
	}
	return ok("%s", strings.TrimRight(b.String(), "\n"))
}

func (h *Handler) handleReset(ctx context.Context, conv *store.Conversation) Response {
	if err := h.sessions.Reset(ctx, conv.ID); err != nil {
		return h.internalError(err)
	}
	run, err := h.store.GetRunningWorkflowRun(ctx, conv.ID)
	if err != nil {
		return h.internalError(err)
	}
	if run != nil {
		if err := h.store.UpdateWorkflowRunStatus(ctx, run.ID, store.RunCancelled); err != nil {
			return h.internalError(err)
		}
	}
	return ok("Session reset. The next message starts a fresh assistant context.")
}

func (h *Handler) handleHelp() Response {
	return ok(`Available commands:
/clone URL — clone a repository and set it up
/codebase-switch NAME — switch this conversation to another codebase
/getcwd — show the working directory
/setcwd PATH — set the working directory
/command-set NAME PATH [TEXT] — register (or create) a command file
/load-commands FOLDER — register all markdown files in a folder
/commands — list registered commands
/command-invoke NAME [ARGS] — run a registered command as one assistant turn
/template-add NAME PATH — add a global template
/workflow list|reload|cancel — inspect or cancel workflows
/worktree list|clean — inspect or clean isolation worktrees
/status — show conversation status
/reset — deactivate the current session
/help — this message`)
}

// requireCodebase loads the conversation's codebase or returns the guidance
// response.
func (h *Handler) requireCodebase(ctx context.Context, conv *store.Conversation) (*store.Codebase, Response) {
	if conv.CodebaseID == "" {
		return nil, fail("No codebase configured. Use `/clone …` first.")
	}
	cb, err := h.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		return nil, h.internalError(err)
	}
	if cb == nil {
		return nil, fail("No codebase configured. Use `/clone …` first.")
	}
	return cb, Response{}
}

func (h *Handler) internalError(err error) Response {
	h.logger.Error("command failed", zap.Error(err))
	return fail("%s", errdefs.FormatUserMessage(err))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// CanonicalRemoteURL strips a trailing .git and slash from a remote URL.
func CanonicalRemoteURL(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")
	return url
}

// ownerRepo extracts the last two path segments of a remote URL, handling
// both https and scp-like ssh forms.
func ownerRepo(remoteURL string) (string, string, error) {
	s := remoteURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i:], "/") {
		return "", "", fmt.Errorf("malformed remote url")
	}
	s = strings.ReplaceAll(s, ":", "/")
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("remote url has no owner/repo")
	}
	owner := parts[len(parts)-2]
	repo := parts[len(parts)-1]
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("remote url has no owner/repo")
	}
	return owner, repo, nil
}

// discoverCommands registers every markdown file in the repo's command
// folder.
func discoverCommands(repoPath string) map[string]store.CommandSpec {
	commands := make(map[string]store.CommandSpec)
	dir := filepath.Join(repoPath, commandDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return commands
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		commands[name] = store.CommandSpec{Path: filepath.Join(commandDir, entry.Name())}
	}
	return commands
}

func gitClone(ctx context.Context, url, dest string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", url, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s", strings.TrimSpace(string(out)))
	}
	return nil
}
