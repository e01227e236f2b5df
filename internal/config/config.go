// Package config loads and validates the bot configuration from
// <home>/config.yaml, with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/planbot/internal/otel"
)

// PlanfixConfig holds connection and rate-limit settings for the Planfix REST API.
type PlanfixConfig struct {
	BaseURL   string `yaml:"base_url"`
	Account   string `yaml:"account"`
	APIKey    string `yaml:"api_key"`
	SourceID  int    `yaml:"source_id"`
	ProcessID int64  `yaml:"process_id"`

	// MaxConcurrency bounds in-flight requests. Planfix allows one request
	// per second, so extra concurrency only helps absorb latency.
	MaxConcurrency int `yaml:"max_concurrency"`
	// MinIntervalMS is the minimum spacing between dispatches, in milliseconds.
	MinIntervalMS int `yaml:"min_interval_ms"`
	// DailyLimit is the provider's daily request quota (20 000 for the base plan).
	DailyLimit int `yaml:"daily_limit"`
	// MaxRetries bounds throttle retries per call.
	MaxRetries int `yaml:"max_retries"`

	// StatusIDs optionally pins abstract status keys to remote ids,
	// bypassing cache and API resolution for the pinned keys.
	StatusIDs map[string]int64 `yaml:"status_ids"`
	// StatusNames optionally overrides the display-name alias used to
	// match a status key against the remote status list.
	StatusNames map[string]string `yaml:"status_names"`
}

type TelegramConfig struct {
	Token    string  `yaml:"token"`
	AdminIDs []int64 `yaml:"admin_ids"`
	Enabled  bool    `yaml:"enabled"`
}

type WebhookConfig struct {
	BindAddr     string `yaml:"bind_addr"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Secret       string `yaml:"secret"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type SyncConfig struct {
	// PollIntervalSeconds is the reconciliation loop cadence.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// RefreshSchedule is a 5-field cron expression for the status-cache refresh.
	RefreshSchedule string `yaml:"refresh_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Planfix  PlanfixConfig  `yaml:"planfix"`
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Sync     SyncConfig     `yaml:"sync"`
	OTel     otel.Config    `yaml:"otel"`
}

// DefaultHomeDir returns $PLANBOT_HOME or ~/.planbot.
func DefaultHomeDir() string {
	if dir := os.Getenv("PLANBOT_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".planbot"
	}
	return filepath.Join(home, ".planbot")
}

// Load reads <homeDir>/config.yaml. A missing file yields defaults so a
// fresh install can start and report what is unconfigured.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PLANFIX_API_KEY"); v != "" {
		c.Planfix.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("PLANFIX_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Planfix.MaxConcurrency <= 0 {
		c.Planfix.MaxConcurrency = 3
	}
	if c.Planfix.MinIntervalMS <= 0 {
		c.Planfix.MinIntervalMS = 1000
	}
	if c.Planfix.DailyLimit <= 0 {
		c.Planfix.DailyLimit = 20000
	}
	if c.Planfix.MaxRetries <= 0 {
		c.Planfix.MaxRetries = 3
	}
	if c.Sync.PollIntervalSeconds <= 0 {
		c.Sync.PollIntervalSeconds = 60
	}
	if c.Sync.RefreshSchedule == "" {
		c.Sync.RefreshSchedule = "0 4 * * *"
	}
	if c.Webhook.BindAddr == "" {
		c.Webhook.BindAddr = "127.0.0.1:8080"
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}
}

// Validate reports configuration required for the service to run at all.
func (c *Config) Validate() error {
	if c.Planfix.BaseURL == "" {
		return fmt.Errorf("planfix.base_url is required")
	}
	if c.Planfix.APIKey == "" {
		return fmt.Errorf("planfix.api_key is required (config or PLANFIX_API_KEY)")
	}
	if c.Planfix.ProcessID == 0 {
		return fmt.Errorf("planfix.process_id is required")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled")
	}
	return nil
}

// PollInterval returns the reconciliation cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSeconds) * time.Second
}

// MinInterval returns the governor's minimum request spacing.
func (c *PlanfixConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMS) * time.Millisecond
}
