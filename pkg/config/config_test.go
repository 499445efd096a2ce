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
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "SQLITE_PATH",
		"AXM_MAX_RETRIES", "AXM_LOCK_TIMEOUT", "AXM_ALLOW_REOPEN",
		"AXM_SCHEMA_VERSIONS", "AXM_ALLOWED_AGENTS",
		"AXM_RATE_RPS", "AXM_RATE_BURST",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.False(t, cfg.AllowReopen)
	assert.Equal(t, ">=1.0.0 <2.0.0", cfg.SchemaVersions)
	assert.Empty(t, cfg.AllowedAgents)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AXM_MAX_RETRIES", "5")
	t.Setenv("AXM_LOCK_TIMEOUT", "250ms")
	t.Setenv("AXM_ALLOW_REOPEN", "true")
	t.Setenv("AXM_ALLOWED_AGENTS", "watchdog, rca-agent ,executor")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.True(t, cfg.AllowReopen)
	assert.Equal(t, []string{"watchdog", "rca-agent", "executor"}, cfg.AllowedAgents)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("AXM_MAX_RETRIES", "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsMalformedTimeout(t *testing.T) {
	t.Setenv("AXM_LOCK_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`
name: Production East
code: prod-east
max_retries: 4
lock_timeout: 2s
allow_reopen: true
allowed_agents: [watchdog, executor]
rate_rps: 200
backpressure:
  rpm: 600
  burst: 20
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_prod-east.yaml"), data, 0o600))

	profile, err := LoadProfile(dir, "PROD-EAST")
	require.NoError(t, err)
	assert.Equal(t, "prod-east", profile.Code)
	assert.Equal(t, 600, profile.Backpressure.RPM)

	cfg, err := Load()
	require.NoError(t, err)
	profile.Apply(cfg)

	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.True(t, cfg.AllowReopen)
	assert.Equal(t, []string{"watchdog", "executor"}, cfg.AllowedAgents)
	assert.Equal(t, 200, cfg.RateRPS)
	assert.Equal(t, 100, cfg.RateBurst) // unset in profile, base retained
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nowhere")
	assert.Error(t, err)
}
