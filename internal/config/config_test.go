package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Planfix.MaxConcurrency != 3 {
		t.Errorf("MaxConcurrency = %d, want 3", cfg.Planfix.MaxConcurrency)
	}
	if cfg.Planfix.DailyLimit != 20000 {
		t.Errorf("DailyLimit = %d, want 20000", cfg.Planfix.DailyLimit)
	}
	if cfg.Planfix.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Planfix.MaxRetries)
	}
	if cfg.Planfix.MinInterval() != time.Second {
		t.Errorf("MinInterval = %v, want 1s", cfg.Planfix.MinInterval())
	}
	if cfg.PollInterval() != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval())
	}
	if cfg.Sync.RefreshSchedule != "0 4 * * *" {
		t.Errorf("RefreshSchedule = %q", cfg.Sync.RefreshSchedule)
	}
	if cfg.Webhook.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.Webhook.MaxBodyBytes)
	}
}

func TestLoadFromYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
log_level: debug
planfix:
  base_url: https://acme.planfix.com/rest
  account: acme
  api_key: key-from-file
  process_id: 42
  max_concurrency: 5
  status_ids:
    completed: 128
  status_names:
    in_progress: "В работе"
telegram:
  enabled: true
  token: tok
  admin_ids: [100, 200]
sync:
  poll_interval_seconds: 30
webhook:
  bind_addr: ":9090"
`)

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Planfix.MaxConcurrency != 5 {
		t.Errorf("MaxConcurrency = %d", cfg.Planfix.MaxConcurrency)
	}
	if cfg.Planfix.StatusIDs["completed"] != 128 {
		t.Errorf("StatusIDs[completed] = %d", cfg.Planfix.StatusIDs["completed"])
	}
	if cfg.Planfix.StatusNames["in_progress"] != "В работе" {
		t.Errorf("StatusNames[in_progress] = %q", cfg.Planfix.StatusNames["in_progress"])
	}
	if len(cfg.Telegram.AdminIDs) != 2 || cfg.Telegram.AdminIDs[1] != 200 {
		t.Errorf("AdminIDs = %v", cfg.Telegram.AdminIDs)
	}
	if cfg.PollInterval() != 30*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval())
	}
	if cfg.Webhook.BindAddr != ":9090" {
		t.Errorf("BindAddr = %q", cfg.Webhook.BindAddr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
planfix:
  base_url: https://acme.planfix.com/rest
  api_key: stale
  process_id: 42
`)
	t.Setenv("PLANFIX_API_KEY", "fresh")
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot-token")

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Planfix.APIKey != "fresh" {
		t.Errorf("APIKey = %q, want env override", cfg.Planfix.APIKey)
	}
	if cfg.Telegram.Token != "bot-token" {
		t.Errorf("Token = %q", cfg.Telegram.Token)
	}
}

func TestValidateRejectsIncomplete(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing base_url")
	}

	cfg.Planfix.BaseURL = "https://acme.planfix.com/rest"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing api_key")
	}

	cfg.Planfix.APIKey = "k"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing process_id")
	}

	cfg.Planfix.ProcessID = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled telegram without token")
	}
}
