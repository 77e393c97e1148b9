package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/assistant"
	"github.com/archonhq/archon/internal/session"
	"github.com/archonhq/archon/internal/store"
)

// scriptedClient answers SendQuery from a response function.
type scriptedClient struct {
	mu      sync.Mutex
	calls   []assistant.QueryRequest
	respond func(req assistant.QueryRequest, call int) []assistant.MessageChunk
}

func (c *scriptedClient) Type() string { return "claude" }

func (c *scriptedClient) SendQuery(ctx context.Context, req assistant.QueryRequest) (<-chan assistant.MessageChunk, error) {
	c.mu.Lock()
	call := len(c.calls)
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	chunks := c.respond(req, call)
	out := make(chan assistant.MessageChunk, len(chunks))
	for _, chunk := range chunks {
		out <- chunk
	}
	close(out)
	return out, nil
}

func (c *scriptedClient) requests() []assistant.QueryRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]assistant.QueryRequest(nil), c.calls...)
}

func reply(text, sessionID string) []assistant.MessageChunk {
	return []assistant.MessageChunk{
		{Type: assistant.ChunkAssistant, Content: text},
		{Type: assistant.ChunkResult, SessionID: sessionID},
	}
}

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*store.WorkflowRun
}

func newFakeRunStore(run *store.WorkflowRun) *fakeRunStore {
	if run.Metadata == nil {
		run.Metadata = make(map[string]any)
	}
	return &fakeRunStore{runs: map[string]*store.WorkflowRun{run.ID: run}}
}

func (f *fakeRunStore) GetWorkflowRun(ctx context.Context, id string) (*store.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id], nil
}

func (f *fakeRunStore) UpdateWorkflowRunStatus(ctx context.Context, id string, status store.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id].Status = status
	return nil
}

func (f *fakeRunStore) UpdateWorkflowRunMetadata(ctx context.Context, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range patch {
		f.runs[id].Metadata[k] = v
	}
	return nil
}

type engineSessionStore struct {
	mu      sync.Mutex
	active  map[string]*store.Session
	created int
}

func (f *engineSessionStore) CreateSession(ctx context.Context, s *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		f.active = make(map[string]*store.Session)
	}
	if prev, ok := f.active[s.ConversationID]; ok {
		prev.Active = false
	}
	s.Active = true
	f.active[s.ConversationID] = s
	f.created++
	return nil
}

func (f *engineSessionStore) GetActiveSession(ctx context.Context, conversationID string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[conversationID], nil
}

func (f *engineSessionStore) UpdateSessionAssistantID(ctx context.Context, sessionID, assistantSessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.active {
		if s.ID == sessionID {
			s.AssistantSessionID = assistantSessionID
		}
	}
	return nil
}

func (f *engineSessionStore) UpdateSessionMetadata(ctx context.Context, sessionID string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.active {
		if s.ID == sessionID {
			if s.Metadata == nil {
				s.Metadata = make(map[string]any)
			}
			for k, v := range patch {
				s.Metadata[k] = v
			}
		}
	}
	return nil
}

func (f *engineSessionStore) DeactivateSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for convID, s := range f.active {
		if s.ID == sessionID {
			s.Active = false
			delete(f.active, convID)
		}
	}
	return nil
}

type engineConvStore struct{}

func (engineConvStore) GetOrCreateConversation(ctx context.Context, platformType, platformConversationID, assistantType string) (*store.Conversation, error) {
	return nil, nil
}

type engineFixture struct {
	engine   *Engine
	client   *scriptedClient
	runs     *fakeRunStore
	sessions *engineSessionStore
	dispatch Dispatch
}

func newEngineFixture(t *testing.T, def *Definition, commands map[string]string, respond func(assistant.QueryRequest, int) []assistant.MessageChunk) *engineFixture {
	t.Helper()

	repo := t.TempDir()
	registry := map[string]store.CommandSpec{}
	for name, content := range commands {
		rel := filepath.Join(".archon", "commands", name+".md")
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(repo, rel)), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(repo, rel), []byte(content), 0644))
		registry[name] = store.CommandSpec{Path: rel}
	}

	client := &scriptedClient{respond: respond}
	reg := assistant.NewRegistry()
	reg.Register(client)

	sessions := &engineSessionStore{}
	runs := newFakeRunStore(&store.WorkflowRun{
		ID:             "run-1",
		ConversationID: "conv-1",
		CodebaseID:     "cb-1",
		WorkflowName:   def.Name,
		TriggerMessage: "add dark mode",
		Status:         store.RunRunning,
	})

	mgr := session.NewManager(sessions, engineConvStore{}, nil)
	engine := NewEngine(reg, mgr, runs, nil)

	return &engineFixture{
		engine:   engine,
		client:   client,
		runs:     runs,
		sessions: sessions,
		dispatch: Dispatch{
			Run:          runs.runs["run-1"],
			Def:          def,
			Conversation: &store.Conversation{ID: "conv-1", AssistantType: "claude"},
			Codebase:     &store.Codebase{ID: "cb-1", Name: "webapp", DefaultCwd: repo, Commands: registry},
			AssistantType: "claude",
		},
	}
}

func TestExecuteStepsResumesAndRecords(t *testing.T) {
	def := &Definition{
		Name: "build-feature",
		Steps: []Step{
			{Command: "plan-feature"},
			{Command: "implement"},
		},
	}
	commands := map[string]string{
		"plan-feature": "Plan this: $USER_MESSAGE",
		"implement":    "Implement the plan for $ARGUMENTS",
	}
	fx := newEngineFixture(t, def, commands, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		return reply("ok", fmt.Sprintf("sess-%d", call+1))
	})

	require.NoError(t, fx.engine.Execute(context.Background(), fx.dispatch))

	reqs := fx.client.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Plan this: add dark mode", reqs[0].Prompt)
	assert.Empty(t, reqs[0].ResumeSessionID, "first step starts fresh")
	assert.Equal(t, "Implement the plan for add dark mode", reqs[1].Prompt)
	assert.Equal(t, "sess-1", reqs[1].ResumeSessionID, "second step resumes the first turn's session")

	run := fx.runs.runs["run-1"]
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Metadata[store.RunMetaLastStepIndex])
	assert.Equal(t, 1, fx.sessions.created, "steps without clear_context share one session")

	active, _ := fx.sessions.GetActiveSession(context.Background(), "conv-1")
	require.NotNil(t, active)
	assert.Equal(t, "implement", active.Metadata[store.MetaLastCommand])
}

func TestExecuteStepsClearContextStartsFresh(t *testing.T) {
	def := &Definition{
		Name: "review-flow",
		Steps: []Step{
			{Command: "implement"},
			{Command: "review", ClearContext: true},
		},
	}
	commands := map[string]string{
		"implement": "Implement $USER_MESSAGE",
		"review":    "Review the changes",
	}
	fx := newEngineFixture(t, def, commands, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		return reply("ok", fmt.Sprintf("sess-%d", call+1))
	})

	require.NoError(t, fx.engine.Execute(context.Background(), fx.dispatch))

	reqs := fx.client.requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[1].ResumeSessionID, "clear_context discards the session")
	assert.Equal(t, 2, fx.sessions.created)
}

func TestExecuteParallelFailFast(t *testing.T) {
	def := &Definition{
		Name: "split-work",
		Steps: []Step{
			{Parallel: []SingleStep{{Command: "backend"}, {Command: "frontend"}}},
		},
	}
	commands := map[string]string{
		"backend":  "Do the backend",
		"frontend": "Do the frontend",
	}
	fx := newEngineFixture(t, def, commands, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		if strings.Contains(req.Prompt, "frontend") {
			return []assistant.MessageChunk{{Type: assistant.ChunkResult, Err: fmt.Errorf("subprocess crashed")}}
		}
		return reply("ok", "sess-b")
	})

	err := fx.engine.Execute(context.Background(), fx.dispatch)
	require.Error(t, err)

	run := fx.runs.runs["run-1"]
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, run.Metadata[store.RunMetaFailedStep], "parallel")

	// Parallel steps all start fresh: no resume ids anywhere.
	for _, req := range fx.client.requests() {
		assert.Empty(t, req.ResumeSessionID)
	}
}

func TestExecuteLoopCompletionSignal(t *testing.T) {
	def := &Definition{
		Name: "fix-tests",
		Loop: &Loop{
			Prompt:        "Iteration $ITERATION: fix failing tests for $USER_MESSAGE. Reply <promise>ALL GREEN</promise> when done.",
			Until:         "ALL GREEN",
			MaxIterations: 5,
		},
	}
	fx := newEngineFixture(t, def, nil, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		if call == 1 {
			return reply("done. <promise>ALL GREEN</promise>", "sess-loop")
		}
		return reply("still failing", "sess-loop")
	})

	require.NoError(t, fx.engine.Execute(context.Background(), fx.dispatch))

	reqs := fx.client.requests()
	require.Len(t, reqs, 2, "loop exits as soon as the signal appears")
	assert.Contains(t, reqs[0].Prompt, "Iteration 1:")
	assert.Contains(t, reqs[1].Prompt, "Iteration 2:")
	assert.Equal(t, "sess-loop", reqs[1].ResumeSessionID, "non-fresh loops resume")

	run := fx.runs.runs["run-1"]
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, store.ExitCompletionSignal, run.Metadata[store.RunMetaExitReason])
}

func TestExecuteLoopMaxIterations(t *testing.T) {
	def := &Definition{
		Name: "one-shot",
		Loop: &Loop{Prompt: "Try once", Until: "NEVER", MaxIterations: 1, FreshContext: true},
	}
	fx := newEngineFixture(t, def, nil, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		return reply("no luck", "sess-x")
	})

	require.NoError(t, fx.engine.Execute(context.Background(), fx.dispatch))

	require.Len(t, fx.client.requests(), 1)
	run := fx.runs.runs["run-1"]
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.Equal(t, store.ExitMaxIterations, run.Metadata[store.RunMetaExitReason])
}

func TestExecuteObservesCancellation(t *testing.T) {
	def := &Definition{Name: "long", Steps: []Step{{Command: "implement"}}}
	fx := newEngineFixture(t, def, map[string]string{"implement": "Implement"}, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		return reply("ok", "s")
	})
	fx.runs.runs["run-1"].Status = store.RunCancelled

	require.NoError(t, fx.engine.Execute(context.Background(), fx.dispatch))
	assert.Empty(t, fx.client.requests(), "cancelled runs execute nothing")
	assert.Equal(t, store.RunCancelled, fx.runs.runs["run-1"].Status, "status is not overwritten")
}

func TestExecutePromptWorkflow(t *testing.T) {
	def := builtinAssist()
	fx := newEngineFixture(t, def, nil, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		return reply("answer", "sess-a")
	})
	fx.dispatch.ExternalContext = "issue: dark mode requested"

	var sunk []assistant.MessageChunk
	var mu sync.Mutex
	fx.dispatch.Sink = func(chunk assistant.MessageChunk) {
		mu.Lock()
		sunk = append(sunk, chunk)
		mu.Unlock()
	}

	require.NoError(t, fx.engine.Execute(context.Background(), fx.dispatch))

	reqs := fx.client.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "add dark mode\n\n---\n\nissue: dark mode requested", reqs[0].Prompt)
	assert.Len(t, sunk, 2, "every chunk reaches the sink")
	assert.Equal(t, store.RunCompleted, fx.runs.runs["run-1"].Status)
}

func TestExecuteInvokeResumesActiveSession(t *testing.T) {
	def := &Definition{Name: "command:review"}
	fx := newEngineFixture(t, def, map[string]string{"review": "Review issue $1 at priority $2"}, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		return reply("looks good", "sess-new")
	})
	fx.sessions.active = map[string]*store.Session{
		"conv-1": {ID: "s-old", ConversationID: "conv-1", AssistantType: "claude", AssistantSessionID: "sess-old", Active: true},
	}
	fx.dispatch.InvokeCommand = "review"
	fx.dispatch.Args = []string{"42", "high"}

	require.NoError(t, fx.engine.Execute(context.Background(), fx.dispatch))

	reqs := fx.client.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Review issue 42 at priority high", reqs[0].Prompt)
	assert.Equal(t, "sess-old", reqs[0].ResumeSessionID, "invoke resumes the active session")
	assert.Equal(t, store.RunCompleted, fx.runs.runs["run-1"].Status)

	active, _ := fx.sessions.GetActiveSession(context.Background(), "conv-1")
	require.NotNil(t, active)
	assert.Equal(t, "review", active.Metadata[store.MetaLastCommand])
}

func TestExecuteInvokeExecuteAfterPlanStartsFresh(t *testing.T) {
	def := &Definition{Name: "command:execute"}
	fx := newEngineFixture(t, def, map[string]string{"execute": "Execute the plan"}, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		return reply("done", "sess-exec")
	})
	fx.sessions.active = map[string]*store.Session{
		"conv-1": {
			ID: "s-plan", ConversationID: "conv-1", AssistantType: "claude",
			AssistantSessionID: "sess-plan", Active: true,
			Metadata: map[string]any{store.MetaLastCommand: session.PlanCommand},
		},
	}
	fx.dispatch.InvokeCommand = session.ExecuteCommand

	require.NoError(t, fx.engine.Execute(context.Background(), fx.dispatch))

	reqs := fx.client.requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].ResumeSessionID, "execute after plan-feature starts a fresh session")
}

func TestMissingCommandFailsRun(t *testing.T) {
	def := &Definition{Name: "w", Steps: []Step{{Command: "nope"}}}
	fx := newEngineFixture(t, def, nil, func(req assistant.QueryRequest, call int) []assistant.MessageChunk {
		return reply("ok", "s")
	})

	err := fx.engine.Execute(context.Background(), fx.dispatch)
	require.Error(t, err)
	assert.Equal(t, store.RunFailed, fx.runs.runs["run-1"].Status)
	assert.Equal(t, "nope", fx.runs.runs["run-1"].Metadata[store.RunMetaFailedStep])
}
