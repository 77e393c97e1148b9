package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

func newFileLogger(t *testing.T, level string) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := NewLogger(LoggingConfig{Level: level, Format: "json", OutputPath: path})
	require.NoError(t, err)
	return log, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestComponentFieldAppearsOnEveryLine(t *testing.T) {
	log, path := newFileLogger(t, "info")

	log.Component("router").Info("event dispatched")
	_ = log.Sync()

	out := readLog(t, path)
	assert.Contains(t, out, `"component":"router"`)
	assert.Contains(t, out, "event dispatched")
}

func TestWithFieldsAccumulates(t *testing.T) {
	log, path := newFileLogger(t, "info")

	log.Component("workflow-engine").
		WithFields(zap.String("run_id", "run-1")).
		Warn("step retried")
	_ = log.Sync()

	out := readLog(t, path)
	assert.Contains(t, out, `"component":"workflow-engine"`)
	assert.Contains(t, out, `"run_id":"run-1"`)
}

func TestLevelFiltersDebug(t *testing.T) {
	log, path := newFileLogger(t, "info")

	log.Debug("noise")
	log.Info("signal")
	_ = log.Sync()

	out := readLog(t, path)
	assert.NotContains(t, out, "noise")
	assert.Contains(t, out, "signal")
}

func TestUnparseableLevelFallsBackToInfo(t *testing.T) {
	log, path := newFileLogger(t, "loud")

	log.Info("still works")
	_ = log.Sync()

	assert.Contains(t, readLog(t, path), "still works")
}
