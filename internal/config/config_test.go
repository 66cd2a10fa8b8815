package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9080" || cfg.DBPath != "nextbt.db" || !cfg.EmailEnabled {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.ChannelTimeout != 15*time.Second || cfg.DigestRetentionDays != 30 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SMTPConfigured() {
		t.Error("SMTP should not be configured by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "8081")
	t.Setenv("EMAIL_ENABLED", "false")
	t.Setenv("NOTIFY_SELF", "1")
	t.Setenv("CHANNEL_TIMEOUT", "5")
	t.Setenv("CHANNEL_RATE_PER_SEC", "2.5")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_FROM", "bt@example.com")
	t.Setenv("DIGEST_TIMEZONE", "UTC")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8081" || cfg.EmailEnabled || !cfg.NotifySelf {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.ChannelTimeout != 5*time.Second || cfg.ChannelRatePerSec != 2.5 {
		t.Errorf("numeric env not applied: %+v", cfg)
	}
	if !cfg.SMTPConfigured() {
		t.Error("expected SMTP to be configured")
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "nextbt.yaml")
	yaml := `
port: "7000"
db_path: /data/bt.db
channel_timeout: 30s
digest_schedule: "*/15 * * * *"
smtp:
  host: mail.internal
  from: noreply@internal
vapid:
  public_key: pub
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7001")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "7001" {
		t.Errorf("env should beat yaml, got port %s", cfg.Port)
	}
	if cfg.DBPath != "/data/bt.db" || cfg.SMTP.Host != "mail.internal" || cfg.VAPID.PublicKey != "pub" {
		t.Errorf("yaml not applied: %+v", cfg)
	}
	if cfg.ChannelTimeout != 30*time.Second || cfg.DigestSchedule != "*/15 * * * *" {
		t.Errorf("yaml durations not applied: %+v", cfg)
	}
	if cfg.SMTP.Port != "587" {
		t.Errorf("defaults should survive a partial yaml, got smtp port %q", cfg.SMTP.Port)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CRON_SECRET=from-dotenv\nBASE_URL=https://bt.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BASE_URL", "https://override.example.com")
	t.Cleanup(func() { os.Unsetenv("CRON_SECRET") })

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CronSecret != "from-dotenv" {
		t.Errorf("expected secret from .env, got %q", cfg.CronSecret)
	}
	if cfg.BaseURL != "https://override.example.com" {
		t.Errorf(".env must not override the environment, got %q", cfg.BaseURL)
	}
}

func TestLoadReportsAllInvalidKeys(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("EMAIL_ENABLED", "maybe")
	t.Setenv("AUDIT_QUEUE_SIZE", "lots")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"EMAIL_ENABLED", "AUDIT_QUEUE_SIZE"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should mention %s: %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.SMTP.Security = "tls13"
	cfg.DigestRetentionDays = 0
	cfg.DigestTimezone = "Nowhere/Special"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, key := range []string{"SMTP_SECURITY", "DIGEST_RETENTION_DAYS", "DIGEST_TIMEZONE"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error should mention %s: %v", key, err)
		}
	}
	if Defaults().Validate() != nil {
		t.Error("defaults should be valid")
	}
}
