package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8585, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:8585", cfg.Server.Addr())
	assert.Equal(t, 4, cfg.Engine.MaxConcurrency)
	assert.Equal(t, "abort", cfg.Engine.DefaultOnError)
	assert.Equal(t, "dryrun", cfg.Engine.Executor)
	assert.Equal(t, 24*time.Hour, cfg.Engine.Retention)
	assert.Equal(t, 5*time.Second, cfg.Approval.SweepInterval)
	assert.Equal(t, "memory", cfg.Events.Backend)
	assert.Equal(t, "echo", cfg.DryRun.Strategy)
	assert.Equal(t, "flowd", cfg.Observability.ServiceName)
	assert.False(t, cfg.Approval.YOLO)
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9999
  shutdown_timeout: 3s
engine:
  max_concurrency: 8
  default_on_error: continue
approval:
  yolo: true
planner:
  agent_cost_usd:
    coder: 0.25
dryrun:
  strategy: random
  min_latency: 10ms
  max_latency: 50ms
agent:
  api_key: sk-live-secret
  default_model: gpt-4o-mini
  models:
    reviewer:
      model: gpt-4o
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrency)
	assert.Equal(t, "continue", cfg.Engine.DefaultOnError)
	assert.True(t, cfg.Approval.YOLO)
	assert.Equal(t, 0.25, cfg.Planner.AgentCostUSD["coder"])
	assert.Equal(t, "random", cfg.DryRun.Strategy)
	assert.Equal(t, 50*time.Millisecond, cfg.DryRun.MaxLatency)
	assert.Equal(t, "sk-live-secret", cfg.Agent.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.Agent.APIKey.String())
	assert.Equal(t, "gpt-4o", cfg.Agent.Models["reviewer"].Model)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_concurrency: 2\n", 0600)
	t.Setenv("FLOWD_ENGINE_MAX_CONCURRENCY", "16")
	t.Setenv("FLOWD_APPROVAL_YOLO", "true")
	t.Setenv("FLOWD_SERVER_HTTP_PORT", "7000")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Engine.MaxConcurrency)
	assert.True(t, cfg.Approval.YOLO)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoadWithFile_MissingFile(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8585, cfg.Server.Port)
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed", 0600)
	_, err := LoadWithFile(path)
	assert.ErrorContains(t, err, "failed to load config file")
}

func TestLoadWithFile_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad on_error", "engine:\n  default_on_error: retry\n", "default_on_error"},
		{"bad backend", "events:\n  backend: kafka\n", "events backend"},
		{"nats without url", "events:\n  backend: nats\n", "nats_url"},
		{"file without path", "dryrun:\n  strategy: file\n", "response_file"},
		{"unknown strategy", "dryrun:\n  strategy: chaos\n", "unknown dryrun strategy"},
		{"latency inverted", "dryrun:\n  min_latency: 2s\n  max_latency: 1s\n", "max_latency"},
		{"agent without model", "engine:\n  executor: agent\n", "default_model"},
		{"bad port", "server:\n  http_port: 70000\n", "invalid server port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithFile(writeConfig(t, tt.yaml, 0600))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	path := writeConfig(t, "engine:\n  max_concurrency: 2\n", 0644)
	_, err := LoadWithFile(path)
	assert.ErrorContains(t, err, "insecure config file permissions")
}

func TestLoadWithFile_ReadOnlyPermissionsAllowed(t *testing.T) {
	path := writeConfig(t, "engine:\n  max_concurrency: 3\n", 0400)
	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrency)
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	big := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	_, err := LoadWithFile(writeConfig(t, big, 0600))
	assert.ErrorContains(t, err, "too large")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", envKey("FLOWD_SERVER_HTTP_PORT"))
	assert.Equal(t, "approval.yolo", envKey("FLOWD_APPROVAL_YOLO"))
	assert.Equal(t, "debug", envKey("FLOWD_DEBUG"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x.db"), ExpandHome("~/x.db"))
	assert.Equal(t, "/tmp/x.db", ExpandHome("/tmp/x.db"))
}
