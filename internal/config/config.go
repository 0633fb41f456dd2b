package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds bot credentials and the support channel wiring.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// ChannelChatID is the chat where status-change notices are posted.
	ChannelChatID int64 `yaml:"channel_chat_id"`
	// AllowedIDs restricts who may talk to the bot. Empty allows everyone.
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// TrackerConfig holds the external work-tracker connection settings.
type TrackerConfig struct {
	// WebhookURL is the inbound REST webhook base, e.g.
	// https://portal.example/rest/1/<secret>/. The secret lives in the path.
	WebhookURL string `yaml:"webhook_url"`
	// ResponsibleID is the tracker user assigned to newly mirrored tasks.
	ResponsibleID int64 `yaml:"responsible_id"`
	// GroupID is the tracker workgroup new tasks are filed under. 0 = none.
	GroupID int64 `yaml:"group_id"`
	// TimeoutSeconds bounds each tracker API call. Default 30.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SyncConfig tunes the reconciliation loop.
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`
	// IntervalSeconds between reconciliation cycles. Default 300.
	IntervalSeconds int `yaml:"interval_seconds"`
	// TaskDelayMillis between per-task remote reads within a cycle. Default 500.
	TaskDelayMillis int `yaml:"task_delay_millis"`
	// FailurePauseSeconds after a cycle ends in error. Default 60.
	FailurePauseSeconds int `yaml:"failure_pause_seconds"`
	// StartupDelaySeconds before the first cycle. Default 30.
	StartupDelaySeconds int `yaml:"startup_delay_seconds"`
}

// DigestConfig controls the scheduled task-summary posts.
type DigestConfig struct {
	Enabled bool `yaml:"enabled"`
	// Spec is a cron expression (5-field). Default "0 9 * * 1-5".
	Spec string `yaml:"spec"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Telegram TelegramConfig `yaml:"telegram"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Sync     SyncConfig     `yaml:"sync"`
	Digest   DigestConfig   `yaml:"digest"`

	// OTLPEndpoint enables trace export when set, e.g. "localhost:4318".
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// OTelStdout mirrors spans to stdout for local debugging.
	OTelStdout bool `yaml:"otel_stdout"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// SyncInterval returns the configured cycle interval as a duration.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// TaskDelay returns the per-task pacing delay within a cycle.
func (c Config) TaskDelay() time.Duration {
	return time.Duration(c.Sync.TaskDelayMillis) * time.Millisecond
}

// FailurePause returns the pause applied after a failed cycle.
func (c Config) FailurePause() time.Duration {
	return time.Duration(c.Sync.FailurePauseSeconds) * time.Second
}

// StartupDelay returns the delay before the first cycle runs.
func (c Config) StartupDelay() time.Duration {
	return time.Duration(c.Sync.StartupDelaySeconds) * time.Second
}

// TrackerTimeout bounds a single tracker API call.
func (c Config) TrackerTimeout() time.Duration {
	return time.Duration(c.Tracker.TimeoutSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|sync=%d/%d/%d/%d|digest=%s|channel=%d",
		c.LogLevel, c.Sync.IntervalSeconds, c.Sync.TaskDelayMillis,
		c.Sync.FailurePauseSeconds, c.Sync.StartupDelaySeconds,
		c.Digest.Spec, c.Telegram.ChannelChatID)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Telegram: TelegramConfig{Enabled: true},
		Tracker: TrackerConfig{
			ResponsibleID:  1,
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			Enabled:             true,
			IntervalSeconds:     300,
			TaskDelayMillis:     500,
			FailurePauseSeconds: 60,
			StartupDelaySeconds: 30,
		},
		Digest: DigestConfig{
			Enabled: false,
			Spec:    "0 9 * * 1-5",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKLINK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tasklink")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create tasklink home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if cfg.NeedsGenesis {
		// Nothing to validate yet; the caller bootstraps config.yaml
		// and reloads.
		return cfg, nil
	}
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Sync.IntervalSeconds <= 0 {
		cfg.Sync.IntervalSeconds = 300
	}
	if cfg.Sync.TaskDelayMillis < 0 {
		cfg.Sync.TaskDelayMillis = 500
	}
	if cfg.Sync.FailurePauseSeconds <= 0 {
		cfg.Sync.FailurePauseSeconds = 60
	}
	if cfg.Sync.StartupDelaySeconds < 0 {
		cfg.Sync.StartupDelaySeconds = 30
	}
	if cfg.Tracker.TimeoutSeconds <= 0 {
		cfg.Tracker.TimeoutSeconds = 30
	}
	if cfg.Tracker.ResponsibleID <= 0 {
		cfg.Tracker.ResponsibleID = 1
	}
	if strings.TrimSpace(cfg.Digest.Spec) == "" {
		cfg.Digest.Spec = "0 9 * * 1-5"
	}
	cfg.Tracker.WebhookURL = strings.TrimSpace(cfg.Tracker.WebhookURL)
	if cfg.Tracker.WebhookURL != "" && !strings.HasSuffix(cfg.Tracker.WebhookURL, "/") {
		cfg.Tracker.WebhookURL += "/"
	}
}

func validate(cfg *Config) error {
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled is true")
	}
	if cfg.Sync.Enabled && cfg.Tracker.WebhookURL == "" {
		return fmt.Errorf("tracker.webhook_url is required when sync.enabled is true")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKLINK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHANNEL_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Telegram.ChannelChatID = v
		}
	}
	if raw := os.Getenv("TRACKER_WEBHOOK_URL"); raw != "" {
		cfg.Tracker.WebhookURL = raw
	}
	if raw := os.Getenv("TRACKER_RESPONSIBLE_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Tracker.ResponsibleID = v
		}
	}
	if raw := os.Getenv("TRACKER_GROUP_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Tracker.GroupID = v
		}
	}
	if raw := os.Getenv("TASKLINK_SYNC_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("TASKLINK_SYNC_TASK_DELAY_MILLIS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.TaskDelayMillis = v
		}
	}
	if raw := os.Getenv("TASKLINK_SYNC_STARTUP_DELAY_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.StartupDelaySeconds = v
		}
	}
	if raw := os.Getenv("TASKLINK_OTLP_ENDPOINT"); raw != "" {
		cfg.OTLPEndpoint = raw
	}
}
