package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.Engine.BaseURL)
	assert.Equal(t, []string{"key", "issue_key", "jira_key", "jira_id"}, cfg.Reconcile.KeyAliases)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
engine:
  base_url: http://localhost:9999/v1
  model: test/model
  timeout: 5s
reconcile:
  key_aliases: [issue_key, key]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999/v1", cfg.Engine.BaseURL)
	assert.Equal(t, "test/model", cfg.Engine.Model)
	assert.Equal(t, 5*time.Second, cfg.EngineTimeout())
	assert.Equal(t, []string{"issue_key", "key"}, cfg.Reconcile.KeyAliases)
	// Untouched sections keep defaults.
	assert.Equal(t, "reflexive_feedback", cfg.Feedback.ActiveSheet)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STARPIPE_ENGINE_API_KEY", "sk-env-key")
	t.Setenv("STARPIPE_TRACKER_TOKEN", "tracker-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-env-key", cfg.Engine.APIKey)
	assert.Equal(t, "tracker-token", cfg.Tracker.APIToken)
}

func TestTimeoutFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Timeout = "garbage"
	assert.Equal(t, 2*time.Minute, cfg.EngineTimeout())
	cfg.Tracker.Timeout = ""
	assert.Equal(t, 30*time.Second, cfg.TrackerTimeout())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Engine.Model = "custom/model"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom/model", loaded.Engine.Model)
}
