package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonkit/pkg/domain/errors"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "gemini-2.5-pro", cfg.GoogleAPI.Model)
	assert.Equal(t, 2, cfg.BatchProcessing.ParallelWorkers)
	assert.Equal(t, 3, cfg.BatchProcessing.MaxRetries)
	assert.True(t, cfg.BatchProcessing.EnableResume)
	assert.Equal(t, "chinese_transcript", cfg.Templates.DefaultTemplate)
	assert.Contains(t, cfg.VideoProcessing.SupportedFormats, ".mp4")
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
google_api:
  api_key: file-key-0001
  model: gemini-2.0-flash
  temperature: 0.3
  max_tokens: 16384
batch_processing:
  parallel_workers: 4
  max_retries: 5
templates:
  default_template: summary_report
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path, true)
	require.NoError(t, err)
	assert.Equal(t, "file-key-0001", cfg.GoogleAPI.APIKey)
	assert.Equal(t, "gemini-2.0-flash", cfg.GoogleAPI.Model)
	assert.Equal(t, 4, cfg.BatchProcessing.ParallelWorkers)
	assert.Equal(t, 5, cfg.BatchProcessing.MaxRetries)
	assert.Equal(t, "summary_report", cfg.Templates.DefaultTemplate)
	// unset sections keep their defaults
	assert.Equal(t, 360, cfg.BatchProcessing.TaskTimeoutSeconds)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), true)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeConfigurationInvalid))
}

func TestLoadMissingDefaultFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", cfg.GoogleAPI.Model)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LESSONKIT_MODEL", "gemini-exp")
	t.Setenv("LESSONKIT_PARALLEL_WORKERS", "6")
	t.Setenv("LESSONKIT_LOG_LEVEL", "debug")

	cfg, err := Load("", false)
	require.NoError(t, err)
	assert.Equal(t, "gemini-exp", cfg.GoogleAPI.Model)
	assert.Equal(t, 6, cfg.BatchProcessing.ParallelWorkers)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"temperature too high", func(c *Config) { c.GoogleAPI.Temperature = 3.0 }},
		{"zero max tokens", func(c *Config) { c.GoogleAPI.MaxTokens = 0 }},
		{"too many workers", func(c *Config) { c.BatchProcessing.ParallelWorkers = 64 }},
		{"negative retries", func(c *Config) { c.BatchProcessing.MaxRetries = -1 }},
		{"no default template", func(c *Config) { c.Templates.DefaultTemplate = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeConfigurationInvalid))
		})
	}
}

func TestResolveAPIKeysPrecedence(t *testing.T) {
	cfg := Default()
	cfg.GoogleAPI.APIKey = "configured-single"
	cfg.MultiAPIKeys = MultiAPIKeys{Enabled: true, APIKeys: []string{"pool-a", "pool-b", "pool-a", ""}}

	// the CLI flag beats everything
	got, multi, err := cfg.ResolveAPIKeys("cli-key")
	require.NoError(t, err)
	assert.Equal(t, []string{"cli-key"}, got)
	assert.False(t, multi)

	// the pool beats the single key, deduplicated
	got, multi, err = cfg.ResolveAPIKeys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"pool-a", "pool-b"}, got)
	assert.True(t, multi)

	// a one-key pool is not multi-key
	cfg.MultiAPIKeys.APIKeys = []string{"pool-a"}
	got, multi, err = cfg.ResolveAPIKeys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"pool-a"}, got)
	assert.False(t, multi)

	// disabled pool falls back to the single key
	cfg.MultiAPIKeys.Enabled = false
	got, multi, err = cfg.ResolveAPIKeys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"configured-single"}, got)
	assert.False(t, multi)
}

func TestResolveAPIKeysEnvFallback(t *testing.T) {
	t.Setenv("GOOGLE_GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("GOOGLE_API_KEY", "")

	cfg := Default()
	got, multi, err := cfg.ResolveAPIKeys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"env-key"}, got)
	assert.False(t, multi)
}

func TestResolveAPIKeysNoneConfigured(t *testing.T) {
	t.Setenv("GOOGLE_GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	cfg := Default()
	_, _, err := cfg.ResolveAPIKeys("")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAuthError))
}
