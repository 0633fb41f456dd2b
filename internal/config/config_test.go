package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func loadWithHome(t *testing.T, yaml string) (Config, error) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TASKLINK_HOME", dir)
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return Load()
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWithHome(t, `
telegram:
  enabled: false
sync:
  enabled: false
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.SyncInterval() != 5*time.Minute {
		t.Errorf("SyncInterval = %v", cfg.SyncInterval())
	}
	if cfg.TaskDelay() != 500*time.Millisecond {
		t.Errorf("TaskDelay = %v", cfg.TaskDelay())
	}
	if cfg.FailurePause() != time.Minute {
		t.Errorf("FailurePause = %v", cfg.FailurePause())
	}
	if cfg.StartupDelay() != 30*time.Second {
		t.Errorf("StartupDelay = %v", cfg.StartupDelay())
	}
	if cfg.Digest.Spec != "0 9 * * 1-5" {
		t.Errorf("Digest.Spec = %q", cfg.Digest.Spec)
	}
}

func TestLoadMissingFileSetsGenesis(t *testing.T) {
	cfg, err := loadWithHome(t, "")
	// Validation is deferred on first run so the caller can bootstrap
	// config.yaml even though defaults would not pass it.
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Error("NeedsGenesis = false for absent config.yaml")
	}
}

func TestValidateTelegramToken(t *testing.T) {
	_, err := loadWithHome(t, `
telegram:
  enabled: true
sync:
  enabled: false
`)
	if err == nil {
		t.Fatal("expected error for enabled telegram without token")
	}
}

func TestValidateTrackerWebhook(t *testing.T) {
	_, err := loadWithHome(t, `
telegram:
  enabled: false
sync:
  enabled: true
`)
	if err == nil {
		t.Fatal("expected error for enabled sync without webhook url")
	}
}

func TestWebhookURLTrailingSlash(t *testing.T) {
	cfg, err := loadWithHome(t, `
telegram:
  enabled: false
sync:
  enabled: true
tracker:
  webhook_url: https://portal.example/rest/1/secretsecret
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tracker.WebhookURL != "https://portal.example/rest/1/secretsecret/" {
		t.Errorf("WebhookURL = %q", cfg.Tracker.WebhookURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "111:abc")
	t.Setenv("TRACKER_WEBHOOK_URL", "https://portal.example/rest/9/envsecret/")
	t.Setenv("TASKLINK_SYNC_INTERVAL_SECONDS", "60")

	cfg, err := loadWithHome(t, `
telegram:
  enabled: true
  token: from-file
sync:
  enabled: true
tracker:
  webhook_url: https://file.example/rest/1/filesecret/
`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "111:abc" {
		t.Errorf("Token = %q, env should override file", cfg.Telegram.Token)
	}
	if cfg.Tracker.WebhookURL != "https://portal.example/rest/9/envsecret/" {
		t.Errorf("WebhookURL = %q", cfg.Tracker.WebhookURL)
	}
	if cfg.Sync.IntervalSeconds != 60 {
		t.Errorf("IntervalSeconds = %d", cfg.Sync.IntervalSeconds)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs produced different fingerprints")
	}
	b.Sync.IntervalSeconds = 60
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("different configs produced identical fingerprints")
	}
}
