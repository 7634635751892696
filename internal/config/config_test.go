package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_CarriesSpecDefaults(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Execution.ToolsEnabled)
	assert.Equal(t, 30000, cfg.Execution.ToolTimeoutMs)
	assert.Equal(t, 1<<20, cfg.Execution.ToolMaxOutputBytes)
	assert.Equal(t, 100.0, cfg.RateLimit.Capacity)
	assert.Equal(t, 10.0, cfg.RateLimit.RefillPerSecond)
	assert.Equal(t, int64(10<<20), cfg.EventStore.SegmentMaxBytes)
	assert.Equal(t, 7, cfg.EventStore.RetentionDays)
	assert.Equal(t, 3, cfg.Orchestrator.ReviewIterations)
	assert.Equal(t, 0.7, cfg.Orchestrator.ReviewThreshold)
	assert.Equal(t, 5, cfg.Orchestrator.ChunkedMaxChunks)
	assert.Equal(t, "final_only", cfg.Orchestrator.CombinedStrategy)
	assert.Equal(t, 2, cfg.Continuation.MaxAttempts)
	assert.Equal(t, 0.15, cfg.Hints.Threshold)
	assert.Equal(t, 4096, cfg.Logging.RedactMaxPreviewBytes)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assistantd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9191
rate_limit:
  capacity: 42
orchestrator:
  combined_strategy: per_chunk
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 42.0, cfg.RateLimit.Capacity)
	assert.Equal(t, "per_chunk", cfg.Orchestrator.CombinedStrategy)
	assert.Equal(t, 3, cfg.Orchestrator.ReviewIterations, "unset fields keep their defaults")
}

func TestLoad_ExpandsEnvVarsInFile(t *testing.T) {
	t.Setenv("TEST_EVENT_DIR", "/tmp/forgekeeper-events")
	path := filepath.Join(t.TempDir(), "assistantd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("event_store:\n  dir: ${TEST_EVENT_DIR}\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/forgekeeper-events", cfg.EventStore.Dir)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("ASSISTANTD_PORT", "7777")
	t.Setenv("ASSISTANTD_TOOL_ALLOW", "echo,get_time")

	path := filepath.Join(t.TempDir(), "assistantd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, []string{"echo", "get_time"}, cfg.Execution.ToolAllow)
}

func TestValidate_RejectsBadStrategy(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.CombinedStrategy = "sometimes"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNonPositiveTimeout(t *testing.T) {
	cfg := Default()
	cfg.Execution.ToolTimeoutMs = 0
	assert.Error(t, cfg.Validate())
}
