package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/assistant"
	"github.com/archonhq/archon/internal/command"
	"github.com/archonhq/archon/internal/errdefs"
	"github.com/archonhq/archon/internal/isolation"
	"github.com/archonhq/archon/internal/platform"
	"github.com/archonhq/archon/internal/router"
	"github.com/archonhq/archon/internal/session"
	"github.com/archonhq/archon/internal/store"
	"github.com/archonhq/archon/internal/workflow"
)

type fakeAdapter struct {
	mode     platform.StreamingMode
	mu       sync.Mutex
	messages []string
}

func (f *fakeAdapter) SendMessage(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeAdapter) StreamingMode() platform.StreamingMode { return f.mode }
func (f *fakeAdapter) PlatformType() string                  { return "test" }
func (f *fakeAdapter) EnsureThread(ctx context.Context, id string) (string, error) {
	return id, nil
}

func (f *fakeAdapter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

type fakeOrchStore struct {
	conv        *store.Conversation
	codebases   map[string]*store.Codebase
	runs        map[string]*store.WorkflowRun
	env         *store.Environment
	activeSess  *store.Session
	createErr   error
	createdRuns []*store.WorkflowRun
}

func (f *fakeOrchStore) GetCodebase(ctx context.Context, id string) (*store.Codebase, error) {
	return f.codebases[id], nil
}

func (f *fakeOrchStore) GetCodebaseByRemoteURL(ctx context.Context, url string) (*store.Codebase, error) {
	return nil, nil
}

func (f *fakeOrchStore) GetCodebaseByName(ctx context.Context, name string) (*store.Codebase, error) {
	return nil, nil
}

func (f *fakeOrchStore) CreateCodebase(ctx context.Context, cb *store.Codebase) error {
	f.codebases[cb.ID] = cb
	return nil
}

func (f *fakeOrchStore) UpdateCodebase(ctx context.Context, cb *store.Codebase) error {
	f.codebases[cb.ID] = cb
	return nil
}

func (f *fakeOrchStore) ListCodebases(ctx context.Context) ([]*store.Codebase, error) {
	return nil, nil
}

func (f *fakeOrchStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return f.conv, nil
}

func (f *fakeOrchStore) UpdateConversation(ctx context.Context, conv *store.Conversation) error {
	f.conv = conv
	return nil
}

func (f *fakeOrchStore) GetOrCreateConversation(ctx context.Context, platformType, platformConversationID, assistantType string) (*store.Conversation, error) {
	return f.conv, nil
}

func (f *fakeOrchStore) CreateWorkflowRun(ctx context.Context, run *store.WorkflowRun) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.runs[run.ID] = run
	f.createdRuns = append(f.createdRuns, run)
	return nil
}

func (f *fakeOrchStore) GetRunningWorkflowRun(ctx context.Context, conversationID string) (*store.WorkflowRun, error) {
	for _, run := range f.runs {
		if run.ConversationID == conversationID && run.Status == store.RunRunning {
			return run, nil
		}
	}
	return nil, nil
}

func (f *fakeOrchStore) UpdateWorkflowRunStatus(ctx context.Context, id string, status store.RunStatus) error {
	if run, ok := f.runs[id]; ok {
		run.Status = status
	}
	return nil
}

func (f *fakeOrchStore) FindActiveEnvironment(ctx context.Context, codebaseID, workflowType, identifier string) (*store.Environment, error) {
	return f.env, nil
}

func (f *fakeOrchStore) GetActiveSession(ctx context.Context, conversationID string) (*store.Session, error) {
	return f.activeSess, nil
}

func (f *fakeOrchStore) CreateSession(ctx context.Context, s *store.Session) error {
	f.activeSess = s
	return nil
}

func (f *fakeOrchStore) UpdateSessionAssistantID(ctx context.Context, sessionID, assistantSessionID string) error {
	return nil
}

func (f *fakeOrchStore) UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]any) error {
	return nil
}

func (f *fakeOrchStore) DeactivateSession(ctx context.Context, sessionID string) error {
	f.activeSess = nil
	return nil
}

type fakeEngine struct {
	dispatches []workflow.Dispatch
	execErr    error
	chunks     []assistant.MessageChunk
}

func (f *fakeEngine) Execute(ctx context.Context, d workflow.Dispatch) error {
	f.dispatches = append(f.dispatches, d)
	for _, chunk := range f.chunks {
		if d.Sink != nil {
			d.Sink(chunk)
		}
	}
	return f.execErr
}

type fakeRouter struct {
	def  *workflow.Definition
	reqs []router.Request
}

func (f *fakeRouter) Route(ctx context.Context, req router.Request) *workflow.Definition {
	f.reqs = append(f.reqs, req)
	return f.def
}

type fakeEnvProvider struct {
	created   []isolation.CreateRequest
	destroyed []string
	env       *store.Environment
}

func (f *fakeEnvProvider) Create(ctx context.Context, req isolation.CreateRequest) (*store.Environment, error) {
	f.created = append(f.created, req)
	return f.env, nil
}

func (f *fakeEnvProvider) Destroy(ctx context.Context, envID string, opts isolation.DestroyOptions) error {
	f.destroyed = append(f.destroyed, envID)
	return nil
}

func (f *fakeEnvProvider) Get(ctx context.Context, envID string) (*store.Environment, error) {
	return f.env, nil
}

func (f *fakeEnvProvider) List(ctx context.Context) ([]*store.Environment, error) {
	return nil, nil
}

func (f *fakeEnvProvider) Adopt(ctx context.Context, req isolation.CreateRequest) (*store.Environment, error) {
	return f.env, nil
}

func (f *fakeEnvProvider) HealthCheck(ctx context.Context, envID string) (bool, error) {
	return true, nil
}

func (f *fakeEnvProvider) Type() string { return isolation.ProviderWorktree }

type noopSweeper struct{}

func (noopSweeper) Sweep(ctx context.Context) isolation.SweepSummary {
	return isolation.SweepSummary{}
}

type orchFixture struct {
	orch    *Orchestrator
	store   *fakeOrchStore
	engine  *fakeEngine
	router  *fakeRouter
	envs    *fakeEnvProvider
	adapter *fakeAdapter
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	st := &fakeOrchStore{
		conv:      &store.Conversation{ID: "conv-1", PlatformType: "test", AssistantType: store.AssistantClaude},
		codebases: make(map[string]*store.Codebase),
		runs:      make(map[string]*store.WorkflowRun),
	}
	sessions := session.NewManager(st, st, nil)
	workflows := workflow.NewRegistry("")
	require.NoError(t, workflows.Load(""))
	envs := &fakeEnvProvider{}
	commands := command.NewHandler(st, sessions, workflows, envs, noopSweeper{}, t.TempDir(), t.TempDir(), nil)
	eng := &fakeEngine{}
	rt := &fakeRouter{def: &workflow.Definition{Name: workflow.AssistWorkflow, Prompt: "$USER_MESSAGE"}}
	adapter := &fakeAdapter{mode: platform.ModeBatch}

	orch := New(st, sessions, commands, rt, workflows, eng, envs, nil, store.AssistantClaude, nil)
	return &orchFixture{orch: orch, store: st, engine: eng, router: rt, envs: envs, adapter: adapter}
}

func (f *orchFixture) withCodebase(t *testing.T) *store.Codebase {
	t.Helper()
	cb := &store.Codebase{
		ID:         "cb-1",
		Name:       "widget",
		DefaultCwd: t.TempDir(),
		Commands:   map[string]store.CommandSpec{},
	}
	f.store.codebases[cb.ID] = cb
	f.store.conv.CodebaseID = cb.ID
	f.store.conv.Cwd = cb.DefaultCwd
	return cb
}

func msg(text string) platform.InboundMessage {
	return platform.InboundMessage{
		PlatformType:           "test",
		PlatformConversationID: "chat-1",
		Text:                   text,
	}
}

func TestHandleMessageWithoutCodebase(t *testing.T) {
	f := newOrchFixture(t)
	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, msg("fix the bug")))
	require.Len(t, f.adapter.sent(), 1)
	assert.Contains(t, f.adapter.sent()[0], "/clone")
	assert.Empty(t, f.engine.dispatches)
}

func TestHandleMessageSlashCommandShortCircuits(t *testing.T) {
	f := newOrchFixture(t)
	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, msg("/help")))
	require.Len(t, f.adapter.sent(), 1)
	assert.Contains(t, f.adapter.sent()[0], "/clone URL")
	assert.Empty(t, f.engine.dispatches)
	assert.Empty(t, f.router.reqs)
}

func TestHandleMessageRoutesAndRuns(t *testing.T) {
	f := newOrchFixture(t)
	cb := f.withCodebase(t)
	f.engine.chunks = []assistant.MessageChunk{
		{Type: assistant.ChunkAssistant, Content: "All done, the fix is in."},
		{Type: assistant.ChunkResult, SessionID: "sess-abc"},
	}

	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, msg("fix the login bug")))

	require.Len(t, f.engine.dispatches, 1)
	d := f.engine.dispatches[0]
	assert.Equal(t, workflow.AssistWorkflow, d.Def.Name)
	assert.Equal(t, cb.ID, d.Codebase.ID)
	assert.Equal(t, cb.DefaultCwd, d.Cwd)
	assert.Equal(t, "fix the login bug", d.Run.TriggerMessage)

	require.Len(t, f.store.createdRuns, 1)
	sent := f.adapter.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "All done")
}

func TestHandleMessageEngineFailureSendsUserMessage(t *testing.T) {
	f := newOrchFixture(t)
	f.withCodebase(t)
	f.engine.execErr = errdefs.AssistantTransport("stream closed", assert.AnError)

	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, msg("do something")))
	sent := f.adapter.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "/reset")
}

func TestHandleMessageWorkflowBusy(t *testing.T) {
	f := newOrchFixture(t)
	f.withCodebase(t)
	f.store.createErr = errdefs.ErrWorkflowBusy

	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, msg("another task")))
	sent := f.adapter.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Another operation is in progress")
	assert.Empty(t, f.engine.dispatches)
}

func TestHandleMessageReconcilesStaleRun(t *testing.T) {
	f := newOrchFixture(t)
	f.withCodebase(t)
	f.store.runs["stale"] = &store.WorkflowRun{
		ID: "stale", ConversationID: "conv-1", Status: store.RunRunning,
	}

	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, msg("hello")))
	assert.Equal(t, store.RunFailed, f.store.runs["stale"].Status)
	// The new message still ran.
	require.Len(t, f.engine.dispatches, 1)
}

func TestHandleMessageIsolationHints(t *testing.T) {
	f := newOrchFixture(t)
	cb := f.withCodebase(t)
	f.envs.env = &store.Environment{
		ID: "env-1", BranchName: "issue-42", WorkingPath: "/wt/acme/widget/issue-42",
	}

	m := msg("please handle this issue")
	m.Hints = &platform.IsolationHints{WorkflowType: isolation.WorkflowIssue, Identifier: "42"}
	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, m))

	require.Len(t, f.envs.created, 1)
	assert.Equal(t, cb.DefaultCwd, f.envs.created[0].CanonicalRepoPath)
	assert.Equal(t, "42", f.envs.created[0].Identifier)

	require.Len(t, f.engine.dispatches, 1)
	assert.Equal(t, "/wt/acme/widget/issue-42", f.engine.dispatches[0].Cwd)
	assert.Equal(t, "/wt/acme/widget/issue-42", f.store.conv.Cwd)
}

func TestHandleMessageCloseEventDestroysEnvironment(t *testing.T) {
	f := newOrchFixture(t)
	f.withCodebase(t)
	f.store.env = &store.Environment{ID: "env-9", Status: store.EnvActive}

	m := msg("")
	m.Hints = &platform.IsolationHints{WorkflowType: isolation.WorkflowIssue, Identifier: "42", CloseEvent: true}
	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, m))

	assert.Equal(t, []string{"env-9"}, f.envs.destroyed)
	assert.Empty(t, f.engine.dispatches)
}

func TestHandleMessageCommandInvoke(t *testing.T) {
	f := newOrchFixture(t)
	cb := f.withCodebase(t)
	cb.Commands["review"] = store.CommandSpec{Path: "prompts/review.md"}

	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, msg("/command-invoke review 42 high")))

	require.Len(t, f.engine.dispatches, 1)
	d := f.engine.dispatches[0]
	assert.Equal(t, "command:review", d.Def.Name)
	assert.Equal(t, "review", d.InvokeCommand)
	assert.Equal(t, []string{"42", "high"}, d.Args)
	assert.Empty(t, f.router.reqs)
}

func TestHandleMessageCommandInvokeUnknown(t *testing.T) {
	f := newOrchFixture(t)
	f.withCodebase(t)

	require.NoError(t, f.orch.HandleMessage(context.Background(), f.adapter, msg("/command-invoke nope")))
	sent := f.adapter.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "not")
	assert.Empty(t, f.engine.dispatches)
}

func TestConversationLockSerializes(t *testing.T) {
	locks := NewConversationLock()
	var mu sync.Mutex
	var order []int

	release1, err := locks.Acquire(context.Background(), "c1")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		release2, err := locks.Acquire(context.Background(), "c1")
		require.NoError(t, err)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		release2()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	release1()
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

func TestConversationLockIndependentKeys(t *testing.T) {
	locks := NewConversationLock()
	release1, err := locks.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer release1()

	release2, err := locks.Acquire(context.Background(), "c2")
	require.NoError(t, err)
	release2()
}

func TestConversationLockContextCancelled(t *testing.T) {
	locks := NewConversationLock()
	release, err := locks.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
