package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/tasklink/internal/config"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment line\n" +
		"TASKLINK_TEST_A=hello\n" +
		"TASKLINK_TEST_B = spaced \n" +
		"not-a-pair\n" +
		"=no-key\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKLINK_TEST_A", "")
	t.Setenv("TASKLINK_TEST_B", "")
	t.Setenv("TASKLINK_TEST_C", "preset")
	os.Unsetenv("TASKLINK_TEST_A")
	os.Unsetenv("TASKLINK_TEST_B")

	loadDotEnv(path)

	if got := os.Getenv("TASKLINK_TEST_A"); got != "hello" {
		t.Errorf("TASKLINK_TEST_A = %q, want hello", got)
	}
	if got := os.Getenv("TASKLINK_TEST_B"); got != "spaced" {
		t.Errorf("TASKLINK_TEST_B = %q, want spaced", got)
	}
	// Preset environment always wins over the file.
	if got := os.Getenv("TASKLINK_TEST_C"); got != "preset" {
		t.Errorf("TASKLINK_TEST_C = %q, want preset", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "nope.env"))
}

func TestWriteDefaultConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "tasklink-home")
	if err := writeDefaultConfig(home); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}

	t.Setenv("TASKLINK_HOME", home)
	t.Setenv("TELEGRAM_TOKEN", "12345678:fake-token-for-validation-pass")
	t.Setenv("TRACKER_WEBHOOK_URL", "https://portal.example/rest/1/secret")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load after write: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Error("NeedsGenesis still set after writing config.yaml")
	}
	if !cfg.Sync.Enabled || cfg.Sync.IntervalSeconds != 300 {
		t.Errorf("unexpected sync defaults: %+v", cfg.Sync)
	}
	if cfg.Digest.Spec != "0 9 * * 1-5" {
		t.Errorf("digest spec = %q", cfg.Digest.Spec)
	}
}
