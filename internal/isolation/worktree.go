package isolation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/errdefs"
	"github.com/archonhq/archon/internal/store"
)

// WorktreeProvider backs isolation environments with git worktrees of the
// codebase's canonical checkout.
type WorktreeProvider struct {
	base      string // expanded worktree base directory
	seedFiles []string
	envs      store.EnvironmentStore
	logger    *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewWorktreeProvider creates the provider. base must be an absolute path;
// it is created on first use.
func NewWorktreeProvider(base string, seedFiles []string, envs store.EnvironmentStore, log *logger.Logger) (*WorktreeProvider, error) {
	if base == "" {
		return nil, errdefs.Validation("worktree base path is required")
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, errdefs.Isolation("failed to create worktree base directory", err)
	}
	return &WorktreeProvider{
		base:      base,
		seedFiles: seedFiles,
		envs:      envs,
		logger:    log.Component("worktree-provider"),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (p *WorktreeProvider) Type() string { return ProviderWorktree }

// getRepoLock returns the mutex serializing ref mutations on one canonical
// repo.
func (p *WorktreeProvider) getRepoLock(repoPath string) *sync.Mutex {
	p.repoLockMu.Lock()
	defer p.repoLockMu.Unlock()
	if lock, ok := p.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	p.repoLocks[repoPath] = lock
	return lock
}

// Create provisions the environment, adopting any worktree that already
// serves the request.
func (p *WorktreeProvider) Create(ctx context.Context, req CreateRequest) (*store.Environment, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	branch := BranchName(req)
	path := WorktreePath(p.base, req.CanonicalRepoPath, branch)

	// An active record whose directory is still a valid worktree is reused,
	// marked as adopted rather than freshly provisioned.
	if existing, err := p.envs.FindActiveEnvironment(ctx, req.CodebaseID, req.WorkflowType, req.Identifier); err != nil {
		return nil, err
	} else if existing != nil && isValidWorktree(existing.WorkingPath) {
		if !existing.Adopted() {
			if existing.Metadata == nil {
				existing.Metadata = make(map[string]any)
			}
			existing.Metadata[store.EnvMetaAdopted] = true
			if err := p.envs.UpdateEnvironment(ctx, existing); err != nil {
				return nil, err
			}
		}
		p.logger.Info("reusing existing environment",
			zap.String("env_id", existing.ID),
			zap.String("path", existing.WorkingPath))
		return existing, nil
	}

	lock := p.getRepoLock(req.CanonicalRepoPath)
	lock.Lock()
	defer lock.Unlock()

	// Adoption at the computed path.
	if isValidWorktree(path) {
		return p.adopt(ctx, req, branch, path)
	}

	// PR workflows with a concrete head branch may already be checked out
	// elsewhere; adopt that worktree even if the path differs.
	if req.WorkflowType == WorkflowPR && req.PRBranch != "" {
		if wt := p.findWorktreeByBranch(ctx, req.CanonicalRepoPath, req.PRBranch); wt != "" {
			return p.adopt(ctx, req, req.PRBranch, wt)
		}
	}

	// Orphan cleanup: a plain directory at the target path blocks creation.
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, errdefs.Newf(errdefs.KindIsolation, "worktree path %s exists and is not a directory", path)
		}
		p.logger.Warn("removing orphaned directory at worktree path", zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			return nil, errdefs.Isolation("failed to remove orphaned worktree directory", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, errdefs.Isolation("failed to stat worktree path", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errdefs.Isolation("failed to create worktree parent directory", err)
	}

	var err error
	switch {
	case req.WorkflowType == WorkflowPR && !req.IsForkPR && req.PRBranch != "":
		err = p.createSameRepoPR(ctx, req, path)
	case req.WorkflowType == WorkflowPR && req.IsForkPR:
		err = p.createForkPR(ctx, req, branch, path)
	default:
		err = p.createFresh(ctx, req, branch, path)
	}
	if err != nil {
		return nil, err
	}

	p.seed(req.CanonicalRepoPath, path)

	env := &store.Environment{
		ID:           uuid.New().String(),
		CodebaseID:   req.CodebaseID,
		Provider:     ProviderWorktree,
		WorkflowType: req.WorkflowType,
		Identifier:   req.Identifier,
		WorkingPath:  path,
		BranchName:   branch,
		Status:       store.EnvActive,
		Platform:     req.Platform,
	}
	if err := p.envs.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}

	p.logger.Info("created worktree environment",
		zap.String("env_id", env.ID),
		zap.String("workflow_type", req.WorkflowType),
		zap.String("branch", branch),
		zap.String("path", path))
	return env, nil
}

// adopt registers a pre-existing worktree as an environment.
func (p *WorktreeProvider) adopt(ctx context.Context, req CreateRequest, branch, path string) (*store.Environment, error) {
	if existing, err := p.envs.GetEnvironmentByPath(ctx, path); err != nil {
		return nil, err
	} else if existing != nil && existing.Status == store.EnvActive {
		return existing, nil
	}

	env := &store.Environment{
		ID:           uuid.New().String(),
		CodebaseID:   req.CodebaseID,
		Provider:     ProviderWorktree,
		WorkflowType: req.WorkflowType,
		Identifier:   req.Identifier,
		WorkingPath:  path,
		BranchName:   branch,
		Status:       store.EnvActive,
		Platform:     req.Platform,
		Metadata:     map[string]any{store.EnvMetaAdopted: true},
	}
	if err := p.envs.CreateEnvironment(ctx, env); err != nil {
		return nil, err
	}

	p.logger.Info("adopted existing worktree",
		zap.String("env_id", env.ID),
		zap.String("branch", branch),
		zap.String("path", path))
	return env, nil
}

// Adopt registers a pre-existing worktree without creating anything on disk.
func (p *WorktreeProvider) Adopt(ctx context.Context, req CreateRequest) (*store.Environment, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	branch := BranchName(req)
	path := WorktreePath(p.base, req.CanonicalRepoPath, branch)
	if !isValidWorktree(path) {
		return nil, errdefs.ErrEnvironmentNotFound
	}
	return p.adopt(ctx, req, branch, path)
}

// createFresh provisions a non-PR worktree on a new branch.
func (p *WorktreeProvider) createFresh(ctx context.Context, req CreateRequest, branch, path string) error {
	out, err := p.git(ctx, req.CanonicalRepoPath, "worktree", "add", path, "-b", branch)
	if err != nil {
		if !branchAlreadyExists(out) {
			return errdefs.Isolation(fmt.Sprintf("git worktree add failed: %s", out), err)
		}
		// Branch survives from a previous environment; reattach to it.
		out, err = p.git(ctx, req.CanonicalRepoPath, "worktree", "add", path, branch)
		if err != nil {
			return errdefs.Isolation(fmt.Sprintf("git worktree add failed: %s", out), err)
		}
	}
	return nil
}

// createSameRepoPR checks out the PR head branch tracking origin.
func (p *WorktreeProvider) createSameRepoPR(ctx context.Context, req CreateRequest, path string) error {
	if out, err := p.git(ctx, req.CanonicalRepoPath, "fetch", "origin", req.PRBranch); err != nil {
		return errdefs.Isolation(fmt.Sprintf("git fetch failed: %s", out), err)
	}

	out, err := p.git(ctx, req.CanonicalRepoPath, "worktree", "add", path,
		"-b", req.PRBranch, "origin/"+req.PRBranch)
	if err != nil {
		if !branchAlreadyExists(out) {
			return errdefs.Isolation(fmt.Sprintf("git worktree add failed: %s", out), err)
		}
		out, err = p.git(ctx, req.CanonicalRepoPath, "worktree", "add", path, req.PRBranch)
		if err != nil {
			return errdefs.Isolation(fmt.Sprintf("git worktree add failed: %s", out), err)
		}
	}

	// Upstream tracking lets the assistant push back to the PR.
	if out, err := p.git(ctx, path, "branch", "--set-upstream-to", "origin/"+req.PRBranch); err != nil {
		p.logger.Warn("failed to set upstream tracking",
			zap.String("branch", req.PRBranch),
			zap.String("output", out))
	}
	return nil
}

// createForkPR materializes a fork PR head under a local review branch.
func (p *WorktreeProvider) createForkPR(ctx context.Context, req CreateRequest, branch, path string) error {
	if req.PRSha != "" {
		if out, err := p.git(ctx, req.CanonicalRepoPath, "fetch", "origin",
			fmt.Sprintf("pull/%s/head", req.Identifier)); err != nil {
			return errdefs.Isolation(fmt.Sprintf("git fetch failed: %s", out), err)
		}
		if out, err := p.git(ctx, req.CanonicalRepoPath, "worktree", "add", path, req.PRSha); err != nil {
			return errdefs.Isolation(fmt.Sprintf("git worktree add failed: %s", out), err)
		}
		out, err := p.git(ctx, path, "checkout", "-b", branch, req.PRSha)
		if err != nil && branchAlreadyExists(out) {
			// Stale branch from a previous review round.
			if out, err := p.git(ctx, req.CanonicalRepoPath, "branch", "-D", branch); err != nil {
				p.logger.Debug("stale branch delete failed", zap.String("output", out))
			}
			out, err = p.git(ctx, path, "checkout", "-b", branch, req.PRSha)
		}
		if err != nil {
			return errdefs.Isolation(fmt.Sprintf("git checkout failed: %s", out), err)
		}
		return nil
	}

	refspec := fmt.Sprintf("pull/%s/head:%s", req.Identifier, branch)
	out, err := p.git(ctx, req.CanonicalRepoPath, "fetch", "origin", refspec)
	if err != nil && branchAlreadyExists(out) {
		if out, err := p.git(ctx, req.CanonicalRepoPath, "branch", "-D", branch); err != nil {
			p.logger.Debug("stale branch delete failed", zap.String("output", out))
		}
		out, err = p.git(ctx, req.CanonicalRepoPath, "fetch", "origin", refspec)
	}
	if err != nil {
		return errdefs.Isolation(fmt.Sprintf("git fetch failed: %s", out), err)
	}

	if out, err := p.git(ctx, req.CanonicalRepoPath, "worktree", "add", path, branch); err != nil {
		return errdefs.Isolation(fmt.Sprintf("git worktree add failed: %s", out), err)
	}
	return nil
}

// Destroy tears down the environment. Missing paths and already-deleted
// branches are treated as success.
func (p *WorktreeProvider) Destroy(ctx context.Context, envID string, opts DestroyOptions) error {
	env, err := p.envs.GetEnvironment(ctx, envID)
	if err != nil {
		return err
	}
	if env == nil {
		return errdefs.ErrEnvironmentNotFound
	}
	if env.Status == store.EnvDestroyed {
		return nil
	}

	branch := opts.BranchName
	if branch == "" {
		branch = env.BranchName
	}
	repoPath := opts.CanonicalRepoPath

	if repoPath != "" {
		lock := p.getRepoLock(repoPath)
		lock.Lock()
		defer lock.Unlock()
	}

	if _, statErr := os.Stat(env.WorkingPath); os.IsNotExist(statErr) {
		// Nothing on disk; only the branch may survive.
		if repoPath != "" && branch != "" {
			p.deleteBranch(ctx, repoPath, branch)
		}
		return p.envs.MarkEnvironmentDestroyed(ctx, envID)
	}

	if repoPath != "" {
		args := []string{"worktree", "remove"}
		if opts.Force {
			args = append(args, "--force")
		}
		args = append(args, env.WorkingPath)
		if out, gitErr := p.git(ctx, repoPath, args...); gitErr != nil {
			if !worktreeGone(out) && !worktreeGone(gitErr.Error()) {
				return errdefs.Isolation(fmt.Sprintf("git worktree remove failed: %s", out), gitErr)
			}
		}
	}

	// The directory may survive a failed or skipped git removal.
	if _, statErr := os.Stat(env.WorkingPath); statErr == nil {
		if rmErr := os.RemoveAll(env.WorkingPath); rmErr != nil {
			p.logger.Warn("failed to remove worktree directory",
				zap.String("path", env.WorkingPath), zap.Error(rmErr))
		}
	}

	if repoPath != "" && branch != "" {
		p.deleteBranch(ctx, repoPath, branch)
	}

	if err := p.envs.MarkEnvironmentDestroyed(ctx, envID); err != nil {
		return err
	}

	p.logger.Info("destroyed worktree environment",
		zap.String("env_id", envID),
		zap.String("path", env.WorkingPath),
		zap.String("branch", branch))
	return nil
}

// deleteBranch is best-effort: branches already gone or still checked out are
// left alone.
func (p *WorktreeProvider) deleteBranch(ctx context.Context, repoPath, branch string) {
	out, err := p.git(ctx, repoPath, "branch", "-D", branch)
	if err != nil && !branchGone(out) && !branchGone(err.Error()) {
		p.logger.Warn("failed to delete branch",
			zap.String("branch", branch),
			zap.String("output", out))
	}
}

func (p *WorktreeProvider) Get(ctx context.Context, envID string) (*store.Environment, error) {
	env, err := p.envs.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, errdefs.ErrEnvironmentNotFound
	}
	return env, nil
}

func (p *WorktreeProvider) List(ctx context.Context) ([]*store.Environment, error) {
	return p.envs.ListActiveEnvironments(ctx)
}

// HealthCheck reports whether the environment's directory is still a usable
// worktree.
func (p *WorktreeProvider) HealthCheck(ctx context.Context, envID string) (bool, error) {
	env, err := p.Get(ctx, envID)
	if err != nil {
		return false, err
	}
	if env.Status != store.EnvActive {
		return false, nil
	}
	return isValidWorktree(env.WorkingPath), nil
}

// findWorktreeByBranch scans `git worktree list --porcelain` for a worktree
// on the given branch, returning its path or "".
func (p *WorktreeProvider) findWorktreeByBranch(ctx context.Context, repoPath, branch string) string {
	out, err := p.git(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		p.logger.Debug("git worktree list failed", zap.String("output", out))
		return ""
	}
	for _, wt := range parseWorktreeList(out) {
		if wt.branch == branch {
			return wt.path
		}
	}
	return ""
}

// git runs a git command in dir and returns its combined output.
func (p *WorktreeProvider) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

type worktreeEntry struct {
	path   string
	branch string
}

// parseWorktreeList parses `git worktree list --porcelain` output.
func parseWorktreeList(out string) []worktreeEntry {
	var entries []worktreeEntry
	var cur worktreeEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.path != "" {
				entries = append(entries, cur)
			}
			cur = worktreeEntry{path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			cur.branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	if cur.path != "" {
		entries = append(entries, cur)
	}
	return entries
}

// isValidWorktree checks that path is a git worktree: worktrees carry a .git
// file (not directory) pointing at the common git dir.
func isValidWorktree(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

func validateCreate(req CreateRequest) error {
	if req.CodebaseID == "" {
		return errdefs.Validation("codebase id is required")
	}
	if req.CanonicalRepoPath == "" {
		return errdefs.Validation("canonical repo path is required")
	}
	if req.WorkflowType == "" {
		return errdefs.Validation("workflow type is required")
	}
	if req.Identifier == "" {
		return errdefs.Validation("identifier is required")
	}
	return nil
}

func branchAlreadyExists(out string) bool {
	return strings.Contains(out, "already exists")
}

// worktreeGone matches git's ways of saying the worktree is already gone.
func worktreeGone(msg string) bool {
	return strings.Contains(msg, "No such file or directory") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "is not a working tree")
}

// branchGone matches git's ways of saying the branch cannot or need not be
// deleted.
func branchGone(msg string) bool {
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "did not match") ||
		strings.Contains(msg, "checked out at")
}

// lastCommitTime returns the committer time of HEAD in the given directory.
func lastCommitTime(ctx context.Context, dir string) (time.Time, error) {
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--format=%ct")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return time.Time{}, fmt.Errorf("git log failed: %s", strings.TrimSpace(string(out)))
	}
	var unix int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &unix); err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}
