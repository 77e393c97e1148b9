package workflow

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/archonhq/archon/internal/common/logger"
	"github.com/archonhq/archon/internal/errdefs"
)

// AssistWorkflow is the catch-all workflow the router falls back to. It is
// always present.
const AssistWorkflow = "assist"

// repoWorkflowDir is where a repository declares its own workflows.
const repoWorkflowDir = ".archon/workflows"

func builtinAssist() *Definition {
	return &Definition{
		Name:        AssistWorkflow,
		Description: "General-purpose assistance: answer questions, make small code changes, investigate the codebase.",
		Prompt:      "$USER_MESSAGE",
	}
}

// Registry discovers workflow definitions for a codebase. Repo-level
// definitions override home-level ones, which override the built-ins.
type Registry struct {
	homeDir string // {archonHome}/workflows

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates a registry reading shared workflows from homeDir.
// The built-in assist workflow is always available.
func NewRegistry(homeDir string) *Registry {
	r := &Registry{homeDir: homeDir, defs: make(map[string]*Definition)}
	r.defs[AssistWorkflow] = builtinAssist()
	return r
}

// Load discovers workflows for a codebase checkout. Existing entries are
// replaced wholesale, so Load doubles as reload.
func (r *Registry) Load(repoPath string) error {
	defs := map[string]*Definition{AssistWorkflow: builtinAssist()}

	dirs := []string{}
	if r.homeDir != "" {
		dirs = append(dirs, r.homeDir)
	}
	if repoPath != "" {
		dirs = append(dirs, filepath.Join(repoPath, repoWorkflowDir))
	}

	var firstErr error
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !isYAML(name) {
				continue
			}
			path := filepath.Join(dir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				logger.Default().Warn("failed to read workflow file",
					zap.String("path", path), zap.Error(err))
				continue
			}
			def, err := Parse(data)
			if err != nil {
				logger.Default().Warn("skipping invalid workflow definition",
					zap.String("path", path), zap.Error(err))
				continue
			}
			defs[def.Name] = def
		}
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	return firstErr
}

// Get returns the definition by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, errdefs.ErrWorkflowNotFound
	}
	return def, nil
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
