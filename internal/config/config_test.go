package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoad(t *testing.T, yamlBody string) *Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AGENTPLANE_DATA_DIR", dir)

	path := ""
	if yamlBody != "" {
		path = filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	}

	cfg, err := Load(path)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := testLoad(t, "")

	assert.Equal(t, ":8090", cfg.Addr)
	assert.Equal(t, "openai/gpt-5-codex", cfg.DefaultModel)
	assert.Equal(t, 30*time.Second, cfg.ClientAuthTimeout())
	assert.Equal(t, 24*time.Hour, cfg.WSTokenTTL())
	assert.Equal(t, 180*time.Second, cfg.PushTimeout())
	assert.Equal(t, 90*time.Minute, cfg.ExecutionTimeout())
	assert.Equal(t, 10*time.Minute, cfg.InactivityTimeout())
	assert.Equal(t, 2*time.Minute, cfg.HeartbeatTimeout())
	assert.Equal(t, 3, cfg.BreakerFailureThreshold)
	assert.Equal(t, 200*time.Millisecond, cfg.HistoryRateLimit())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	cfg := testLoad(t, "addr: \":9999\"\nexecution_timeout_seconds: 60\n")

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, time.Minute, cfg.ExecutionTimeout())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("AGENTPLANE_ADDR", ":7777")
	cfg := testLoad(t, "addr: \":9999\"\n")

	assert.Equal(t, ":7777", cfg.Addr)
}

func TestLoad_CreatesSessionsDir(t *testing.T) {
	cfg := testLoad(t, "")

	info, err := os.Stat(cfg.SessionsDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestModelAllowlist(t *testing.T) {
	cfg := testLoad(t, "")

	assert.True(t, cfg.ModelAllowed("openai/gpt-5-codex"))
	assert.False(t, cfg.ModelAllowed("bogus/model"))
	assert.True(t, cfg.EffortAllowed("openai/gpt-5-codex", "high"))
	assert.False(t, cfg.EffortAllowed("openai/gpt-5-codex", "extreme"))
}

func TestValidate_RejectsUnknownDefaultModel(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTPLANE_DATA_DIR", dir)
	t.Setenv("AGENTPLANE_DEFAULT_MODEL", "bogus/model")

	_, err := Load("")
	assert.Error(t, err)
}
