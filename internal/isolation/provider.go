// Package isolation provisions and reclaims per-conversation working
// directories. The only backend today is git worktrees; the provider
// interface is stable so container/VM backends can slot in later.
package isolation

import (
	"context"

	"github.com/archonhq/archon/internal/store"
)

// ProviderWorktree is the provider tag for the git-worktree backend.
const ProviderWorktree = "worktree"

// Workflow types an environment can be provisioned for.
const (
	WorkflowIssue  = "issue"
	WorkflowPR     = "pr"
	WorkflowReview = "review"
	WorkflowThread = "thread"
	WorkflowTask   = "task"
)

// CreateRequest describes the environment to provision.
type CreateRequest struct {
	CodebaseID        string
	CanonicalRepoPath string
	WorkflowType      string
	Identifier        string
	// PRBranch is the head branch of the PR, when known.
	PRBranch string
	// PRSha pins a fork PR to a concrete commit.
	PRSha    string
	IsForkPR bool
	Platform string
}

// DestroyOptions tune environment teardown.
type DestroyOptions struct {
	Force bool
	// BranchName overrides the branch to delete; defaults to the
	// environment's recorded branch.
	BranchName string
	// CanonicalRepoPath locates the repo whose refs are cleaned up.
	CanonicalRepoPath string
}

// Provider creates, adopts, and destroys isolation environments.
type Provider interface {
	// Create provisions (or adopts) the environment for the request.
	Create(ctx context.Context, req CreateRequest) (*store.Environment, error)
	// Destroy tears down the environment. Destroying an already-missing
	// worktree is not an error.
	Destroy(ctx context.Context, envID string, opts DestroyOptions) error
	// Get returns the environment record.
	Get(ctx context.Context, envID string) (*store.Environment, error)
	// List returns all active environments.
	List(ctx context.Context) ([]*store.Environment, error)
	// Adopt registers a pre-existing worktree as an environment without
	// creating anything on disk.
	Adopt(ctx context.Context, req CreateRequest) (*store.Environment, error)
	// HealthCheck reports whether the environment's directory is a usable
	// worktree.
	HealthCheck(ctx context.Context, envID string) (bool, error)
	// Type identifies the backend ("worktree").
	Type() string
}
