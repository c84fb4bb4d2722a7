package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Engine().MaxAttempts)
	assert.Equal(t, 1, cfg.Engine().Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Engine().StepTimeout)
	assert.Equal(t, "memory", cfg.ContextStore().Backend)
	assert.Equal(t, "vox", cfg.ContextStore().KeyPrefix)
	assert.Equal(t, time.Hour, cfg.ContextStore().TTL)
	assert.Equal(t, 50, cfg.ContextStore().HistoryLimit)
	assert.Equal(t, 1000, cfg.Memory().Capacity)
	assert.Equal(t, 5, cfg.Memory().TopK)
	assert.Equal(t, 8, cfg.Session().MaxSessions)
	assert.Equal(t, 0.5, cfg.Normalizer().ConfidenceThreshold)
	assert.True(t, cfg.Browser().Headless)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
engine:
  max_attempts: 5
  step_timeout: 10s
context_store:
  backend: redis
  redis_url: redis://cache.internal:6379/1
session:
  max_sessions: 2
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine().MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Engine().StepTimeout)
	assert.Equal(t, "redis", cfg.ContextStore().Backend)
	assert.Equal(t, "redis://cache.internal:6379/1", cfg.ContextStore().RedisURL)
	assert.Equal(t, 2, cfg.Session().MaxSessions)

	// Untouched keys keep their defaults.
	assert.Equal(t, 1000, cfg.Memory().Capacity)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cases := []struct {
		name    string
		content string
	}{
		{"zero attempts", "engine:\n  max_attempts: 0\n"},
		{"zero concurrency", "engine:\n  concurrency: 0\n"},
		{"bad context backend", "context_store:\n  backend: etcd\n"},
		{"bad memory backend", "memory:\n  backend: sqlite\n"},
		{"zero capacity", "memory:\n  capacity: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOX_ENGINE_MAX_ATTEMPTS", "7")
	t.Setenv("VOX_CONTEXT_STORE_BACKEND", "redis")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine().MaxAttempts)
	assert.Equal(t, "redis", cfg.ContextStore().Backend)
}

func TestSetters(t *testing.T) {
	cfg := Default()
	cfg.SetEngineConcurrency(4)
	cfg.SetBrowserHeadless(false)

	assert.Equal(t, 4, cfg.Engine().Concurrency)
	assert.False(t, cfg.Browser().Headless)
}
