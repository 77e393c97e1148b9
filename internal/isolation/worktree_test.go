package isolation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon/internal/store"
)

type memEnvStore struct {
	envs map[string]*store.Environment
}

func newMemEnvStore() *memEnvStore {
	return &memEnvStore{envs: make(map[string]*store.Environment)}
}

func (m *memEnvStore) CreateEnvironment(ctx context.Context, env *store.Environment) error {
	m.envs[env.ID] = env
	return nil
}

func (m *memEnvStore) GetEnvironment(ctx context.Context, id string) (*store.Environment, error) {
	return m.envs[id], nil
}

func (m *memEnvStore) GetEnvironmentByPath(ctx context.Context, path string) (*store.Environment, error) {
	for _, env := range m.envs {
		if env.WorkingPath == path && env.Status == store.EnvActive {
			return env, nil
		}
	}
	return nil, nil
}

func (m *memEnvStore) FindActiveEnvironment(ctx context.Context, codebaseID, workflowType, identifier string) (*store.Environment, error) {
	for _, env := range m.envs {
		if env.CodebaseID == codebaseID && env.WorkflowType == workflowType &&
			env.Identifier == identifier && env.Status == store.EnvActive {
			return env, nil
		}
	}
	return nil, nil
}

func (m *memEnvStore) ListActiveEnvironments(ctx context.Context) ([]*store.Environment, error) {
	var out []*store.Environment
	for _, env := range m.envs {
		if env.Status == store.EnvActive {
			out = append(out, env)
		}
	}
	return out, nil
}

func (m *memEnvStore) ListActiveEnvironmentsByCodebase(ctx context.Context, codebaseID string) ([]*store.Environment, error) {
	var out []*store.Environment
	for _, env := range m.envs {
		if env.CodebaseID == codebaseID && env.Status == store.EnvActive {
			out = append(out, env)
		}
	}
	return out, nil
}

func (m *memEnvStore) UpdateEnvironment(ctx context.Context, env *store.Environment) error {
	m.envs[env.ID] = env
	return nil
}

func (m *memEnvStore) MarkEnvironmentDestroyed(ctx context.Context, id string) error {
	if env, ok := m.envs[id]; ok {
		env.Status = store.EnvDestroyed
	}
	return nil
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// initCanonicalRepo builds an {owner}/{repo}-shaped checkout with one commit.
func initCanonicalRepo(t *testing.T) string {
	t.Helper()
	repo := filepath.Join(t.TempDir(), "acme", "webapp")
	require.NoError(t, os.MkdirAll(repo, 0755))
	gitRun(t, repo, "init")
	gitRun(t, repo, "config", "user.email", "dev@example.com")
	gitRun(t, repo, "config", "user.name", "dev")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("webapp\n"), 0644))
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "initial commit")
	return repo
}

func newTestProvider(t *testing.T) (*WorktreeProvider, *memEnvStore, string) {
	t.Helper()
	envs := newMemEnvStore()
	p, err := NewWorktreeProvider(t.TempDir(), nil, envs, nil)
	require.NoError(t, err)
	return p, envs, initCanonicalRepo(t)
}

func issueRequest(repo, id string) CreateRequest {
	return CreateRequest{
		CodebaseID:        "cb-1",
		CanonicalRepoPath: repo,
		WorkflowType:      WorkflowIssue,
		Identifier:        id,
	}
}

func TestCreateProvisionsWorktree(t *testing.T) {
	p, envs, repo := newTestProvider(t)

	env, err := p.Create(context.Background(), issueRequest(repo, "7"))
	require.NoError(t, err)
	assert.Equal(t, "issue-7", env.BranchName)
	assert.Equal(t, WorktreePath(p.base, repo, "issue-7"), env.WorkingPath)
	assert.True(t, isValidWorktree(env.WorkingPath))
	assert.False(t, env.Adopted())
	assert.Equal(t, store.EnvActive, envs.envs[env.ID].Status)
}

func TestCreateSecondCallReturnsSameEnvironmentAdopted(t *testing.T) {
	p, envs, repo := newTestProvider(t)

	first, err := p.Create(context.Background(), issueRequest(repo, "7"))
	require.NoError(t, err)

	second, err := p.Create(context.Background(), issueRequest(repo, "7"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "second create reuses the environment")
	assert.True(t, second.Adopted())
	assert.True(t, envs.envs[first.ID].Adopted(), "adoption marker is persisted")
}

func TestCreateAdoptsWorktreeWithoutRecord(t *testing.T) {
	p, _, repo := newTestProvider(t)

	path := WorktreePath(p.base, repo, "issue-21")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	gitRun(t, repo, "worktree", "add", path, "-b", "issue-21")

	env, err := p.Create(context.Background(), issueRequest(repo, "21"))
	require.NoError(t, err)
	assert.Equal(t, path, env.WorkingPath)
	assert.True(t, env.Adopted())
}

func TestCreateRemovesOrphanDirectory(t *testing.T) {
	p, _, repo := newTestProvider(t)

	// A plain directory at the target path is not a worktree and must be
	// cleared before provisioning.
	path := WorktreePath(p.base, repo, "issue-9")
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "stale.txt"), []byte("x"), 0644))

	env, err := p.Create(context.Background(), issueRequest(repo, "9"))
	require.NoError(t, err)
	assert.True(t, isValidWorktree(env.WorkingPath))
	_, statErr := os.Stat(filepath.Join(path, "stale.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDestroyRemovesWorktreeAndIsIdempotent(t *testing.T) {
	p, envs, repo := newTestProvider(t)

	env, err := p.Create(context.Background(), issueRequest(repo, "3"))
	require.NoError(t, err)

	opts := DestroyOptions{CanonicalRepoPath: repo}
	require.NoError(t, p.Destroy(context.Background(), env.ID, opts))
	_, statErr := os.Stat(env.WorkingPath)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, store.EnvDestroyed, envs.envs[env.ID].Status)
	assert.Empty(t, gitRun(t, repo, "branch", "--list", "issue-3"))

	require.NoError(t, p.Destroy(context.Background(), env.ID, opts))
}

func TestDestroyMissingPathSucceeds(t *testing.T) {
	p, envs, repo := newTestProvider(t)

	env, err := p.Create(context.Background(), issueRequest(repo, "5"))
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(env.WorkingPath))

	opts := DestroyOptions{CanonicalRepoPath: repo}
	require.NoError(t, p.Destroy(context.Background(), env.ID, opts))
	assert.Equal(t, store.EnvDestroyed, envs.envs[env.ID].Status)

	require.NoError(t, p.Destroy(context.Background(), env.ID, opts))
}

func TestCreateSameRepoPRChecksOutHeadBranch(t *testing.T) {
	p, _, _ := newTestProvider(t)

	origin := initCanonicalRepo(t)
	def := gitRun(t, origin, "rev-parse", "--abbrev-ref", "HEAD")
	gitRun(t, origin, "checkout", "-b", "feature-1")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "feature.txt"), []byte("f\n"), 0644))
	gitRun(t, origin, "add", ".")
	gitRun(t, origin, "commit", "-m", "feature work")
	gitRun(t, origin, "checkout", def)

	canonical := filepath.Join(t.TempDir(), "acme", "webapp")
	require.NoError(t, os.MkdirAll(filepath.Dir(canonical), 0755))
	gitRun(t, filepath.Dir(canonical), "clone", origin, canonical)

	env, err := p.Create(context.Background(), CreateRequest{
		CodebaseID:        "cb-1",
		CanonicalRepoPath: canonical,
		WorkflowType:      WorkflowPR,
		Identifier:        "11",
		PRBranch:          "feature-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "feature-1", env.BranchName)
	assert.Equal(t, "feature-1", gitRun(t, env.WorkingPath, "rev-parse", "--abbrev-ref", "HEAD"))
	_, statErr := os.Stat(filepath.Join(env.WorkingPath, "feature.txt"))
	assert.NoError(t, statErr)
}

func TestCreateForkPRMaterializesReviewBranch(t *testing.T) {
	p, _, _ := newTestProvider(t)

	origin := initCanonicalRepo(t)
	def := gitRun(t, origin, "rev-parse", "--abbrev-ref", "HEAD")
	gitRun(t, origin, "checkout", "-b", "contrib-work")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "fork.txt"), []byte("f\n"), 0644))
	gitRun(t, origin, "add", ".")
	gitRun(t, origin, "commit", "-m", "fork work")
	gitRun(t, origin, "update-ref", "refs/pull/12/head", "HEAD")
	gitRun(t, origin, "checkout", def)

	canonical := filepath.Join(t.TempDir(), "acme", "webapp")
	require.NoError(t, os.MkdirAll(filepath.Dir(canonical), 0755))
	gitRun(t, filepath.Dir(canonical), "clone", origin, canonical)

	env, err := p.Create(context.Background(), CreateRequest{
		CodebaseID:        "cb-1",
		CanonicalRepoPath: canonical,
		WorkflowType:      WorkflowPR,
		Identifier:        "12",
		IsForkPR:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, "pr-12-review", env.BranchName)
	assert.Equal(t, "pr-12-review", gitRun(t, env.WorkingPath, "rev-parse", "--abbrev-ref", "HEAD"))
	_, statErr := os.Stat(filepath.Join(env.WorkingPath, "fork.txt"))
	assert.NoError(t, statErr)
}
