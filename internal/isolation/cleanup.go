package isolation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/store"
)

// Platforms whose threads stay open for weeks; idle worktrees for them are
// not reaped by the stale sweep.
var longLivedPlatforms = map[string]bool{
	"telegram": true,
}

// Inspector answers the git questions the sweeper asks about a worktree.
type Inspector interface {
	PathExists(path string) bool
	// IsMerged reports whether branch is merged into the repo's main branch.
	IsMerged(ctx context.Context, repoPath, branch string) (bool, error)
	HasUncommittedChanges(ctx context.Context, path string) (bool, error)
	// LastActivity returns the committer time of HEAD in the worktree.
	LastActivity(ctx context.Context, path string) (time.Time, error)
}

type sweeperEnvStore interface {
	ListActiveEnvironments(ctx context.Context) ([]*store.Environment, error)
	GetEnvironmentByPath(ctx context.Context, path string) (*store.Environment, error)
	MarkEnvironmentDestroyed(ctx context.Context, id string) error
}

type sweeperConvStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ConversationsReferencingPath(ctx context.Context, path string) ([]*store.Conversation, error)
}

type sweeperCodebaseStore interface {
	GetCodebase(ctx context.Context, id string) (*store.Codebase, error)
}

type destroyer interface {
	Destroy(ctx context.Context, envID string, opts DestroyOptions) error
}

// SweeperConfig tunes the cleanup scheduler.
type SweeperConfig struct {
	Interval       time.Duration
	StaleAfter     time.Duration
	MaxPerCodebase int
}

// SweepSummary reports one pass of the cleanup scheduler.
type SweepSummary struct {
	Removed int
	Skipped int
	Errors  []string
}

// Sweeper periodically reclaims isolation environments: missing paths,
// merged-and-clean branches, stale idle worktrees, and per-codebase overflow.
type Sweeper struct {
	provider  destroyer
	envs      sweeperEnvStore
	convs     sweeperConvStore
	codebases sweeperCodebaseStore
	inspect   Inspector
	cfg       SweeperConfig
	logger    *logger.Logger
	now       func() time.Time
}

// NewSweeper creates the cleanup scheduler. inspect may be nil, in which case
// the git CLI is used.
func NewSweeper(provider destroyer, envs sweeperEnvStore, convs sweeperConvStore, codebases sweeperCodebaseStore, cfg SweeperConfig, inspect Inspector, log *logger.Logger) *Sweeper {
	if inspect == nil {
		inspect = gitInspector{}
	}
	if log == nil {
		log = logger.Default()
	}
	if cfg.MaxPerCodebase <= 0 {
		cfg.MaxPerCodebase = 25
	}
	return &Sweeper{
		provider:  provider,
		envs:      envs,
		convs:     convs,
		codebases: codebases,
		inspect:   inspect,
		cfg:       cfg,
		logger:    log.Component("cleanup-sweeper"),
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := s.Sweep(ctx)
			s.logger.Info("cleanup sweep finished",
				zap.Int("removed", summary.Removed),
				zap.Int("skipped", summary.Skipped),
				zap.Int("errors", len(summary.Errors)))
		}
	}
}

// Sweep runs one cleanup pass. Every step is best-effort; errors are
// collected per environment and never abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) SweepSummary {
	var summary SweepSummary

	envs, err := s.envs.ListActiveEnvironments(ctx)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("list environments: %v", err))
		return summary
	}

	byCodebase := make(map[string][]*store.Environment)
	for _, env := range envs {
		removed, skipped, envErr := s.sweepOne(ctx, env)
		switch {
		case envErr != nil:
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", env.ID, envErr))
		case removed:
			summary.Removed++
		case skipped:
			summary.Skipped++
			byCodebase[env.CodebaseID] = append(byCodebase[env.CodebaseID], env)
		}
	}

	// Overflow: codebases above the cap lose their oldest idle environments.
	for codebaseID, remaining := range byCodebase {
		removed, errs := s.enforceCap(ctx, codebaseID, remaining)
		summary.Removed += removed
		summary.Skipped -= removed
		summary.Errors = append(summary.Errors, errs...)
	}

	return summary
}

// sweepOne applies the per-environment policies. Returns removed/skipped.
func (s *Sweeper) sweepOne(ctx context.Context, env *store.Environment) (bool, bool, error) {
	// Missing directory: nothing to reclaim, just correct the record.
	if !s.inspect.PathExists(env.WorkingPath) {
		if err := s.envs.MarkEnvironmentDestroyed(ctx, env.ID); err != nil {
			return false, false, err
		}
		s.logger.Info("marked environment with missing path destroyed",
			zap.String("env_id", env.ID), zap.String("path", env.WorkingPath))
		return true, false, nil
	}

	cb, err := s.codebases.GetCodebase(ctx, env.CodebaseID)
	if err != nil {
		return false, true, err
	}

	// Merged, clean, and unreferenced worktrees are done with.
	merged, err := s.inspect.IsMerged(ctx, cb.DefaultCwd, env.BranchName)
	if err != nil {
		return false, true, err
	}
	if merged {
		dirty, err := s.inspect.HasUncommittedChanges(ctx, env.WorkingPath)
		if err != nil {
			return false, true, err
		}
		if !dirty {
			refs, err := s.convs.ConversationsReferencingPath(ctx, env.WorkingPath)
			if err != nil {
				return false, true, err
			}
			if len(refs) == 0 {
				if err := s.destroy(ctx, env, cb); err != nil {
					return false, true, err
				}
				return true, false, nil
			}
		}
	}

	// Stale idle worktrees are reaped unless the platform keeps threads
	// alive long-term.
	if s.cfg.StaleAfter > 0 && !longLivedPlatforms[env.Platform] {
		last, err := s.inspect.LastActivity(ctx, env.WorkingPath)
		if err == nil && s.now().Sub(last) > s.cfg.StaleAfter {
			dirty, err := s.inspect.HasUncommittedChanges(ctx, env.WorkingPath)
			if err != nil {
				return false, true, err
			}
			if !dirty {
				if err := s.destroy(ctx, env, cb); err != nil {
					return false, true, err
				}
				s.logger.Info("removed stale environment",
					zap.String("env_id", env.ID),
					zap.Time("last_activity", last))
				return true, false, nil
			}
		}
	}

	return false, true, nil
}

// enforceCap removes the oldest idle environments above the per-codebase
// maximum.
func (s *Sweeper) enforceCap(ctx context.Context, codebaseID string, envs []*store.Environment) (int, []string) {
	if len(envs) <= s.cfg.MaxPerCodebase {
		return 0, nil
	}

	cb, err := s.codebases.GetCodebase(ctx, codebaseID)
	if err != nil {
		return 0, []string{fmt.Sprintf("codebase %s: %v", codebaseID, err)}
	}

	type candidate struct {
		env  *store.Environment
		last time.Time
	}
	var candidates []candidate
	for _, env := range envs {
		dirty, err := s.inspect.HasUncommittedChanges(ctx, env.WorkingPath)
		if err != nil || dirty {
			continue
		}
		if refs, err := s.convs.ConversationsReferencingPath(ctx, env.WorkingPath); err != nil || len(refs) > 0 {
			continue
		}
		last, err := s.inspect.LastActivity(ctx, env.WorkingPath)
		if err != nil {
			last = env.CreatedAt
		}
		candidates = append(candidates, candidate{env: env, last: last})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].last.Before(candidates[j].last)
	})

	removed := 0
	var errs []string
	excess := len(envs) - s.cfg.MaxPerCodebase
	for _, c := range candidates {
		if removed >= excess {
			break
		}
		if err := s.destroy(ctx, c.env, cb); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", c.env.ID, err))
			continue
		}
		removed++
	}
	return removed, errs
}

func (s *Sweeper) destroy(ctx context.Context, env *store.Environment, cb *store.Codebase) error {
	return s.provider.Destroy(ctx, env.ID, DestroyOptions{
		Force:             true,
		CanonicalRepoPath: cb.DefaultCwd,
	})
}

// OnConversationClosed reclaims the environment a closed conversation was
// working in, if any. Intended as an event-bus handler.
func (s *Sweeper) OnConversationClosed(ctx context.Context, conversationID string) {
	conv, err := s.convs.GetConversation(ctx, conversationID)
	if err != nil || conv == nil || conv.Cwd == "" {
		return
	}
	env, err := s.envs.GetEnvironmentByPath(ctx, conv.Cwd)
	if err != nil || env == nil || env.Status != store.EnvActive {
		return
	}
	cb, err := s.codebases.GetCodebase(ctx, env.CodebaseID)
	if err != nil {
		s.logger.Warn("failed to load codebase for closed-conversation cleanup",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if err := s.destroy(ctx, env, cb); err != nil {
		s.logger.Warn("failed to destroy environment for closed conversation",
			zap.String("env_id", env.ID), zap.Error(err))
	}
}

// gitInspector answers sweep questions with the git CLI.
type gitInspector struct{}

func (gitInspector) PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (gitInspector) IsMerged(ctx context.Context, repoPath, branch string) (bool, error) {
	main := mainBranch(ctx, repoPath)
	cmd := exec.CommandContext(ctx, "git", "branch", "--merged", main, "--format=%(refname:short)")
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("git branch --merged failed: %s", strings.TrimSpace(string(out)))
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == branch {
			return true, nil
		}
	}
	return false, nil
}

func (gitInspector) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("git status failed: %s", strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)) != "", nil
}

func (gitInspector) LastActivity(ctx context.Context, path string) (time.Time, error) {
	return lastCommitTime(ctx, path)
}

// mainBranch resolves the repo's main branch from origin's HEAD, falling
// back to "main".
func mainBranch(ctx context.Context, repoPath string) string {
	cmd := exec.CommandContext(ctx, "git", "symbolic-ref", "refs/remotes/origin/HEAD", "--short")
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "main"
	}
	ref := strings.TrimSpace(string(out))
	return strings.TrimPrefix(ref, "origin/")
}
