// Package config loads agentplane configuration from built-in
// defaults, an optional YAML file, and AGENTPLANE_* environment
// variables (later sources win).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the control plane's runtime configuration. Timeout
// fields are in seconds; use the Duration helpers.
type Config struct {
	Addr     string `koanf:"addr"`
	DataDir  string `koanf:"data_dir"`
	LogLevel string `koanf:"log_level"`

	// BaseURL is the externally visible URL used in session link
	// footers appended to pull-request bodies.
	BaseURL string `koanf:"base_url"`

	DefaultModel string `koanf:"default_model"`
	// Models maps an allowed model to its allowed reasoning efforts.
	Models map[string][]string `koanf:"models"`

	ClientAuthTimeoutSeconds int `koanf:"client_auth_timeout_seconds"`
	WSTokenTTLSeconds        int `koanf:"ws_token_ttl_seconds"`
	PushTimeoutSeconds       int `koanf:"push_timeout_seconds"`
	ExecutionTimeoutSeconds  int `koanf:"execution_timeout_seconds"`
	InactivityTimeoutSeconds int `koanf:"inactivity_timeout_seconds"`
	InactivityWarningSeconds int `koanf:"inactivity_warning_seconds"`
	HeartbeatTimeoutSeconds  int `koanf:"heartbeat_timeout_seconds"`
	SpawnWaitWindowSeconds   int `koanf:"spawn_wait_window_seconds"`
	ActorIdleLingerSeconds   int `koanf:"actor_idle_linger_seconds"`
	BreakerFailureThreshold  int `koanf:"breaker_failure_threshold"`
	BreakerOpenWindowSeconds int `koanf:"breaker_open_window_seconds"`
	HistoryRateLimitMillis   int `koanf:"history_rate_limit_millis"`
	ShutdownGraceSeconds     int `koanf:"shutdown_grace_seconds"`

	SandboxProviderURL   string `koanf:"sandbox_provider_url"`
	SandboxProviderToken string `koanf:"sandbox_provider_token"`
	GitHubToken          string `koanf:"github_token"`
	GitHubAPIURL         string `koanf:"github_api_url"`
	CallbackWebhookURL   string `koanf:"callback_webhook_url"`
	SlackBotToken        string `koanf:"slack_bot_token"`
}

// defaults are the built-in configuration values. Every key that can be
// set via file or environment appears here.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":      ":8090",
		"data_dir":  defaultDataDir(),
		"log_level": "info",
		"base_url":  "http://localhost:8090",

		"default_model": "openai/gpt-5-codex",
		"models": map[string][]string{
			"openai/gpt-5-codex":          {"low", "medium", "high"},
			"anthropic/claude-sonnet-4-5": {"low", "medium", "high"},
		},

		"client_auth_timeout_seconds": 30,
		"ws_token_ttl_seconds":        24 * 60 * 60,
		"push_timeout_seconds":        180,
		"execution_timeout_seconds":   90 * 60,
		"inactivity_timeout_seconds":  10 * 60,
		"inactivity_warning_seconds":  5 * 60,
		"heartbeat_timeout_seconds":   2 * 60,
		"spawn_wait_window_seconds":   2 * 60,
		"actor_idle_linger_seconds":   30 * 60,
		"breaker_failure_threshold":   3,
		"breaker_open_window_seconds": 60,
		"history_rate_limit_millis":   200,
		"shutdown_grace_seconds":      15,
	}
}

// Load builds a Config from defaults, the optional YAML file at path
// (skipped when path is empty or missing), and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	// AGENTPLANE_DATA_DIR -> data_dir, etc.
	err := k.Load(env.Provider("AGENTPLANE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "AGENTPLANE_"))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("default_model is required")
	}
	if _, ok := c.Models[c.DefaultModel]; !ok {
		return fmt.Errorf("default_model %q is not in the model allowlist", c.DefaultModel)
	}
	if err := os.MkdirAll(c.SessionsDir(), 0o750); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return nil
}

// SessionsDir returns the directory holding per-session databases.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// SessionDBPath returns the SQLite path for one session.
func (c *Config) SessionDBPath(sessionID string) string {
	return filepath.Join(c.SessionsDir(), sessionID+".db")
}

// ModelAllowed reports whether model is in the allowlist.
func (c *Config) ModelAllowed(model string) bool {
	_, ok := c.Models[model]
	return ok
}

// EffortAllowed reports whether effort is valid for model.
func (c *Config) EffortAllowed(model, effort string) bool {
	for _, e := range c.Models[model] {
		if e == effort {
			return true
		}
	}
	return false
}

func (c *Config) ClientAuthTimeout() time.Duration {
	return time.Duration(c.ClientAuthTimeoutSeconds) * time.Second
}

func (c *Config) WSTokenTTL() time.Duration {
	return time.Duration(c.WSTokenTTLSeconds) * time.Second
}

func (c *Config) PushTimeout() time.Duration {
	return time.Duration(c.PushTimeoutSeconds) * time.Second
}

func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds) * time.Second
}

func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSeconds) * time.Second
}

func (c *Config) InactivityWarning() time.Duration {
	return time.Duration(c.InactivityWarningSeconds) * time.Second
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *Config) SpawnWaitWindow() time.Duration {
	return time.Duration(c.SpawnWaitWindowSeconds) * time.Second
}

func (c *Config) ActorIdleLinger() time.Duration {
	return time.Duration(c.ActorIdleLingerSeconds) * time.Second
}

func (c *Config) BreakerOpenWindow() time.Duration {
	return time.Duration(c.BreakerOpenWindowSeconds) * time.Second
}

func (c *Config) HistoryRateLimit() time.Duration {
	return time.Duration(c.HistoryRateLimitMillis) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "agentplane")
	}
	return filepath.Join(home, ".config", "agentplane")
}
