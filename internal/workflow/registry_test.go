package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkflow(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
}

func TestRegistryAlwaysHasAssist(t *testing.T) {
	r := NewRegistry("")
	def, err := r.Get(AssistWorkflow)
	require.NoError(t, err)
	assert.Equal(t, "$USER_MESSAGE", def.Prompt)

	// Survives a load against a repo with no workflow dir.
	require.NoError(t, r.Load(t.TempDir()))
	_, err = r.Get(AssistWorkflow)
	assert.NoError(t, err)
}

func TestRegistryRepoOverridesHome(t *testing.T) {
	home := t.TempDir()
	repo := t.TempDir()
	writeWorkflow(t, home, "review.yaml", "name: review\ndescription: home version\nsteps:\n  - command: review\n")
	writeWorkflow(t, home, "triage.yaml", "name: triage\nsteps:\n  - command: triage\n")
	writeWorkflow(t, filepath.Join(repo, repoWorkflowDir), "review.yml", "name: review\ndescription: repo version\nsteps:\n  - command: review\n")

	r := NewRegistry(home)
	require.NoError(t, r.Load(repo))

	review, err := r.Get("review")
	require.NoError(t, err)
	assert.Equal(t, "repo version", review.Description)

	_, err = r.Get("triage")
	assert.NoError(t, err)

	names := make([]string, 0)
	for _, def := range r.List() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"assist", "review", "triage"}, names)
}

func TestRegistrySkipsInvalidDefinitions(t *testing.T) {
	repo := t.TempDir()
	dir := filepath.Join(repo, repoWorkflowDir)
	writeWorkflow(t, dir, "bad.yaml", "name: bad\n") // no shape
	writeWorkflow(t, dir, "notes.txt", "not a workflow")
	writeWorkflow(t, dir, "good.yaml", "name: good\nsteps:\n  - command: x\n")

	r := NewRegistry("")
	require.NoError(t, r.Load(repo))

	_, err := r.Get("good")
	assert.NoError(t, err)
	_, err = r.Get("bad")
	assert.Error(t, err)
}

func TestRegistryLoadIsReload(t *testing.T) {
	repo := t.TempDir()
	dir := filepath.Join(repo, repoWorkflowDir)
	writeWorkflow(t, dir, "a.yaml", "name: a\nsteps:\n  - command: x\n")

	r := NewRegistry("")
	require.NoError(t, r.Load(repo))
	_, err := r.Get("a")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "a.yaml")))
	writeWorkflow(t, dir, "b.yaml", "name: b\nsteps:\n  - command: x\n")
	require.NoError(t, r.Load(repo))

	_, err = r.Get("a")
	assert.Error(t, err)
	_, err = r.Get("b")
	assert.NoError(t, err)
}
