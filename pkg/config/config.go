// Package config loads the YAML configuration file, applies
// environment overrides, and resolves upstream credentials.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"lessonkit/pkg/domain/errors"
	"lessonkit/pkg/keys"
)

// GoogleAPI configures the upstream model service.
type GoogleAPI struct {
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	MaxFileSizeMB int     `yaml:"max_file_size_mb"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
}

// MultiAPIKeys enables the credential pool.
type MultiAPIKeys struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
}

// BatchProcessing tunes the worker pool and retry posture.
type BatchProcessing struct {
	ParallelWorkers    int     `yaml:"parallel_workers"`
	MaxRetries         int     `yaml:"max_retries"`
	EnableResume       bool    `yaml:"enable_resume"`
	CheckpointInterval int     `yaml:"checkpoint_interval"`
	APIRateLimit       float64 `yaml:"api_rate_limit"`
	TaskTimeoutSeconds int     `yaml:"task_timeout_seconds"`
	DailyRequestCap    int     `yaml:"daily_request_cap"`
	RetryUnknown       bool    `yaml:"retry_unknown"`
}

// VideoProcessing bounds the input surface.
type VideoProcessing struct {
	SupportedFormats     []string `yaml:"supported_formats"`
	UploadTimeoutSeconds int      `yaml:"upload_timeout_seconds"`
	PollIntervalSeconds  int      `yaml:"poll_interval_seconds"`
}

// Templates selects the default prompt template.
type Templates struct {
	DefaultTemplate string `yaml:"default_template"`
	Dir             string `yaml:"dir"`
}

// Output configures where lesson artifacts land.
type Output struct {
	DefaultPath string `yaml:"default_path"`
}

// Config is the full application configuration.
type Config struct {
	GoogleAPI       GoogleAPI       `yaml:"google_api"`
	MultiAPIKeys    MultiAPIKeys    `yaml:"multi_api_keys"`
	BatchProcessing BatchProcessing `yaml:"batch_processing"`
	VideoProcessing VideoProcessing `yaml:"video_processing"`
	Templates       Templates       `yaml:"templates"`
	Output          Output          `yaml:"output"`
	LogLevel        string          `yaml:"log_level"`
	StateDir        string          `yaml:"state_dir"`
	KeyUsagePath    string          `yaml:"key_usage_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GoogleAPI: GoogleAPI{
			Model:         "gemini-2.5-pro",
			MaxFileSizeMB: 500,
			Temperature:   0.7,
			MaxTokens:     8192,
		},
		BatchProcessing: BatchProcessing{
			ParallelWorkers:    2,
			MaxRetries:         3,
			EnableResume:       true,
			CheckpointInterval: 10,
			APIRateLimit:       60,
			TaskTimeoutSeconds: 360,
			DailyRequestCap:    100,
			RetryUnknown:       true,
		},
		VideoProcessing: VideoProcessing{
			SupportedFormats:     []string{".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v"},
			UploadTimeoutSeconds: 600,
			PollIntervalSeconds:  10,
		},
		Templates: Templates{
			DefaultTemplate: "chinese_transcript",
			Dir:             "templates",
		},
		Output: Output{
			DefaultPath: "output",
		},
		LogLevel:     "info",
		StateDir:     ".lessonkit/state",
		KeyUsagePath: ".lessonkit/key_usage.json",
	}
}

// Load builds the configuration: defaults, then the YAML file, then a
// .env file, then environment overrides. An explicitly named config
// file must exist; the default location may be absent.
func Load(path string, explicit bool) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.New(errors.CodeConfigurationInvalid, "config", "failed to parse config file", err)
			}
		case os.IsNotExist(err) && !explicit:
			// fall through to defaults
		default:
			return nil, errors.New(errors.CodeConfigurationInvalid, "config", "failed to read config file", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the supported environment overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LESSONKIT_MODEL"); v != "" {
		cfg.GoogleAPI.Model = v
	}
	if v := os.Getenv("LESSONKIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LESSONKIT_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("LESSONKIT_PARALLEL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchProcessing.ParallelWorkers = n
		}
	}
	if v := os.Getenv("LESSONKIT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchProcessing.MaxRetries = n
		}
	}
}

// Validate checks ranges for the fields the engine depends on.
func (c *Config) Validate() error {
	if c.GoogleAPI.Model == "" {
		return errors.New(errors.CodeConfigurationInvalid, "config", "google_api.model is required", nil)
	}
	if c.GoogleAPI.Temperature < 0 || c.GoogleAPI.Temperature > 2 {
		return errors.New(errors.CodeConfigurationInvalid, "config", "google_api.temperature must be between 0 and 2", nil)
	}
	if c.GoogleAPI.MaxTokens <= 0 {
		return errors.New(errors.CodeConfigurationInvalid, "config", "google_api.max_tokens must be positive", nil)
	}
	if c.BatchProcessing.ParallelWorkers < 1 || c.BatchProcessing.ParallelWorkers > 16 {
		return errors.New(errors.CodeConfigurationInvalid, "config", "batch_processing.parallel_workers must be between 1 and 16", nil)
	}
	if c.BatchProcessing.MaxRetries < 0 || c.BatchProcessing.MaxRetries > 10 {
		return errors.New(errors.CodeConfigurationInvalid, "config", "batch_processing.max_retries must be between 0 and 10", nil)
	}
	if c.BatchProcessing.TaskTimeoutSeconds <= 0 {
		return errors.New(errors.CodeConfigurationInvalid, "config", "batch_processing.task_timeout_seconds must be positive", nil)
	}
	if c.Templates.DefaultTemplate == "" {
		return errors.New(errors.CodeConfigurationInvalid, "config", "templates.default_template is required", nil)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(errors.CodeConfigurationInvalid, "config", "log_level must be one of debug, info, warn, error", nil)
	}
	return nil
}

// ResolveAPIKeys picks the credential set, in precedence order: an
// explicit CLI key, the configured pool, the single configured key,
// then the well-known environment variables. multiKey reports whether
// rotation applies.
func (c *Config) ResolveAPIKeys(cliKey string) (apiKeys []string, multiKey bool, err error) {
	if cliKey != "" {
		return []string{cliKey}, false, nil
	}

	if c.MultiAPIKeys.Enabled && len(c.MultiAPIKeys.APIKeys) > 0 {
		seen := make(map[string]struct{})
		var pool []string
		for _, k := range c.MultiAPIKeys.APIKeys {
			if k == "" {
				continue
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			pool = append(pool, k)
		}
		if len(pool) > 0 {
			return pool, len(pool) > 1, nil
		}
	}

	if c.GoogleAPI.APIKey != "" {
		return []string{c.GoogleAPI.APIKey}, false, nil
	}

	if k := keys.DiscoverEnvKey(); k != "" {
		return []string{k}, false, nil
	}

	return nil, false, errors.New(errors.CodeAuthError, "config",
		"no API key configured: set google_api.api_key, enable multi_api_keys, or export GEMINI_API_KEY", nil)
}
