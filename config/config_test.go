package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Gateway.ListenHost)
	assert.Equal(t, 8080, cfg.Gateway.ListenPort)
	assert.Equal(t, 50, cfg.Gateway.MaxPayloadMB)
	assert.Equal(t, "http://127.0.0.1:8188", cfg.Engine.ComfyURL)
	assert.Equal(t, 180*time.Second, cfg.Execution.OutputTimeout())
	assert.Equal(t, 1500*time.Millisecond, cfg.Execution.OutputPoll())
	assert.Equal(t, 10*time.Second, cfg.Execution.ArtifactGrace())
	assert.Equal(t, 4, cfg.Execution.Workers)
	assert.Equal(t, 100, cfg.Cache.MinFileSizeMB)

	// artifacts_dir derives from the state db location.
	assert.Equal(t, filepath.Join(filepath.Dir(cfg.State.DBPath), "artifacts"), cfg.State.ArtifactsDir)
}

func TestSecretsBindFromEnv(t *testing.T) {
	t.Setenv("CE_API_KEY", "sekrit")
	t.Setenv("CE_COMFY_URL", "http://engine:9999")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.Gateway.APIKey)
	assert.Equal(t, "http://engine:9999", cfg.Engine.ComfyURL)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  listen_port: 9090
app:
  app_id: demo-app
execution:
  output_timeout_seconds: 30.5
  workers: 2
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Gateway.ListenPort)
	assert.Equal(t, "demo-app", cfg.App.AppID)
	assert.Equal(t, 30500*time.Millisecond, cfg.Execution.OutputTimeout())
	assert.Equal(t, 2, cfg.Execution.Workers)
	// Untouched values keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Gateway.ListenHost)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  listen_port: -1\n"), 0o644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)

	path2 := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path2, []byte("execution:\n  workers: 0\n"), 0o644))
	_, err = LoadFromFile(path2)
	assert.Error(t, err)
}
