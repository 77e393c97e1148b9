package isolation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const maxSlugLen = 50

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug normalizes an identifier into a branch-safe fragment: lowercase,
// non-alphanumeric runs collapsed to a single dash, trimmed, max 50 chars.
func Slug(s string) string {
	out := slugRe.ReplaceAllString(strings.ToLower(s), "-")
	out = strings.Trim(out, "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	return out
}

// ThreadHash derives a stable short id for a chat thread identifier.
func ThreadHash(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])[:8]
}

// BranchName computes the worktree branch for a create request.
func BranchName(req CreateRequest) string {
	switch req.WorkflowType {
	case WorkflowIssue:
		return "issue-" + req.Identifier
	case WorkflowPR:
		// Same-repo PRs with a known head branch push to the PR directly.
		if !req.IsForkPR && req.PRBranch != "" {
			return req.PRBranch
		}
		return fmt.Sprintf("pr-%s-review", req.Identifier)
	case WorkflowReview:
		return "review-" + req.Identifier
	case WorkflowThread:
		return "thread-" + ThreadHash(req.Identifier)
	case WorkflowTask:
		return "task-" + Slug(req.Identifier)
	default:
		return "work-" + Slug(req.Identifier)
	}
}

// WorktreePath computes where the environment lives:
// {base}/{owner}/{repo}/{branch}, with owner/repo taken from the last two
// segments of the canonical repo path.
func WorktreePath(base, canonicalRepoPath, branchName string) string {
	clean := filepath.Clean(canonicalRepoPath)
	repo := filepath.Base(clean)
	owner := filepath.Base(filepath.Dir(clean))
	return filepath.Join(base, owner, repo, branchName)
}
