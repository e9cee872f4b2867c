package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	// A named-but-missing file is an error; defaults only apply to the
	// search-path case.
	require.Error(t, err)

	// Run from an empty directory so no stray config.yaml is picked up.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err = Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Engine.StepCeiling)
	assert.Equal(t, 3, cfg.Engine.RetryMaxAttempts)
	assert.Equal(t, time.Second, cfg.Engine.RetryBaseDelay)
	assert.Equal(t, 30*time.Minute, cfg.Engine.MaxTaskDuration)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.True(t, cfg.Browser.Headless)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
engine:
  step_ceiling: 4
  retry_max_attempts: 5
store:
  driver: postgres
  dsn: postgres://localhost/taskpilot
logger:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.StepCeiling)
	assert.Equal(t, 5, cfg.Engine.RetryMaxAttempts)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Logger.Level)
	// Untouched sections keep defaults.
	assert.Equal(t, 10*time.Minute, cfg.Sessions.MaxIdleAge)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store driver", func(c *Config) { c.Store.Driver = "dynamo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres"; c.Store.DSN = "" }},
		{"zero step ceiling", func(c *Config) { c.Engine.StepCeiling = 0 }},
		{"zero retry attempts", func(c *Config) { c.Engine.RetryMaxAttempts = 0 }},
		{"negative base delay", func(c *Config) { c.Engine.RetryBaseDelay = -time.Second }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Store:  StoreConfig{Driver: "memory"},
				Engine: EngineConfig{StepCeiling: 10, RetryMaxAttempts: 3, RetryBaseDelay: time.Second},
			}
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
