package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 10000, cfg.Dedup.MaxSize)
	assert.Equal(t, time.Second, cfg.Dedup.SaveInterval)
	assert.Equal(t, "claude", cfg.Bridge.Binary)
	assert.Equal(t, "kill", cfg.Bridge.ShutdownPolicy)
	assert.Positive(t, cfg.Orchestrator.MaxConcurrent)
	assert.NotEmpty(t, cfg.Relays)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
relays:
  - wss://relay.example.com
log:
  level: debug
dedup:
  max_size: 500
  save_interval: 250ms
bridge:
  binary: /opt/bin/claude
  shutdown_policy: detach
  timeout: 5m
orchestrator:
  max_concurrent: 2
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://relay.example.com"}, cfg.Relays)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 500, cfg.Dedup.MaxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Dedup.SaveInterval)
	assert.Equal(t, "/opt/bin/claude", cfg.Bridge.Binary)
	assert.Equal(t, "detach", cfg.Bridge.ShutdownPolicy)
	assert.Equal(t, 5*time.Minute, cfg.Bridge.Timeout)
	assert.Equal(t, 2, cfg.Orchestrator.MaxConcurrent)
	// untouched sections keep defaults
	assert.Equal(t, 3, cfg.Orchestrator.MaxFollowups)
	assert.Equal(t, "cl100k_base", cfg.Prompt.Encoding)
}

func TestLoadFromPath_InvalidShutdownPolicy(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("bridge:\n  shutdown_policy: explode\n"), 0644))

	_, err := LoadFromPath(configPath)
	assert.ErrorContains(t, err, "shutdown_policy")
}

func TestLoad_ProjectOverridesUser(t *testing.T) {
	userDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", userDir)
	require.NoError(t, os.MkdirAll(filepath.Join(userDir, "agora"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "agora", "config.yaml"),
		[]byte("log:\n  level: warn\ndedup:\n  max_size: 42\n"), 0644))

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ProjectDirName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ProjectDirName, "config.yaml"),
		[]byte("log:\n  level: error\n"), 0644))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, 42, cfg.Dedup.MaxSize)
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ProjectDirName), 0755))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	assert.Equal(t, root, FindProjectRoot(nested))
	assert.Equal(t, "", FindProjectRoot(t.TempDir()))
}
