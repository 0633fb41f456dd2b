package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/tasklink/internal/auth"
	"github.com/basket/tasklink/internal/bus"
	"github.com/basket/tasklink/internal/channels"
	"github.com/basket/tasklink/internal/config"
	"github.com/basket/tasklink/internal/cron"
	"github.com/basket/tasklink/internal/identity"
	otelPkg "github.com/basket/tasklink/internal/otel"
	"github.com/basket/tasklink/internal/store"
	"github.com/basket/tasklink/internal/syncer"
	"github.com/basket/tasklink/internal/telemetry"
	"github.com/basket/tasklink/internal/tracker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the daemon (telegram bot + reconciliation loop)
  %s -once                    Run a single reconciliation cycle and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKLINK_HOME           Data directory (default: ~/.tasklink)
  TELEGRAM_TOKEN          Telegram bot token
  TRACKER_WEBHOOK_URL     Work-tracker inbound webhook base URL
`)
}

func main() {
	loadDotEnv(".env")

	once := flag.Bool("once", false, "run one reconciliation cycle and exit")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	eventBus := bus.New()

	// OpenTelemetry (no-op when no endpoint is configured).
	otelCfg := otelPkg.Config{
		Enabled:  cfg.OTLPEndpoint != "" || cfg.OTelStdout,
		Endpoint: cfg.OTLPEndpoint,
	}
	if cfg.OTelStdout {
		otelCfg.Exporter = "stdout"
	}
	otelProvider, err := otelPkg.Init(ctx, otelCfg)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}
	recorder := otelPkg.NewRecorder(eventBus, metrics, logger)
	recorder.Start(ctx)
	defer recorder.Stop()

	dbPath := filepath.Join(cfg.HomeDir, "tasklink.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	trackerClient := tracker.NewClient(cfg.Tracker.WebhookURL, cfg.TrackerTimeout(), logger, eventBus)
	ident := identity.NewCache(trackerClient, st, logger)

	engine := syncer.New(st, trackerClient, eventBus, logger, syncer.Config{
		Interval:     cfg.SyncInterval(),
		TaskDelay:    cfg.TaskDelay(),
		FailurePause: cfg.FailurePause(),
		StartupDelay: cfg.StartupDelay(),
	})

	if *once {
		result, err := engine.RunCycle(ctx)
		if err != nil {
			logger.Error("cycle failed", "error", err)
			os.Exit(1)
		}
		fmt.Println(channels.FormatCycleResult(result))
		return
	}

	guard := auth.NewGuard(st, logger)

	var tg *channels.Telegram
	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg = channels.NewTelegram(channels.Config{
				Token:         cfg.Telegram.Token,
				AllowedIDs:    cfg.Telegram.AllowedIDs,
				ChannelChatID: cfg.Telegram.ChannelChatID,
				ResponsibleID: cfg.Tracker.ResponsibleID,
				GroupID:       cfg.Tracker.GroupID,
			}, st, trackerClient, ident, engine, guard, logger)
			engine.SetGateway(tg)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	if cfg.Sync.Enabled {
		if err := engine.Start(ctx); err != nil {
			fatalStartup(logger, "E_SYNC_START", err)
		}
		defer engine.Stop()
		logger.Info("startup phase", "phase", "sync_started", "interval", cfg.SyncInterval())
	} else {
		logger.Info("reconciliation loop disabled")
	}

	if cfg.Digest.Enabled && tg != nil {
		digest, err := cron.NewScheduler(cron.Config{
			Store:  st,
			Poster: tg,
			Logger: logger,
			ChatID: cfg.Telegram.ChannelChatID,
			Spec:   cfg.Digest.Spec,
		})
		if err != nil {
			fatalStartup(logger, "E_DIGEST_SPEC", err)
		}
		digest.Start(ctx)
		defer digest.Stop()
	}

	// Warm the identity cache in the background. A cold cache still works,
	// it bulk-loads lazily on the first resolve.
	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		n, err := ident.Refresh(warmCtx)
		if err != nil {
			logger.Warn("identity cache warm-up failed", "error", err)
			return
		}
		logger.Info("identity cache warmed", "entries", n)
	}()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				logger.Info("config changed on disk, restart to apply", "path", ev.Path, "op", ev.Op.String())
			}
		}()
	}

	logger.Info("tasklink running", "version", Version)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	// Deferred stops run in reverse order: digest, engine (finishes any
	// in-flight cycle), recorder, otel, store.
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"tasklink","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// writeDefaultConfig writes a starter config.yaml so a first run has
// something to edit. Secrets come from the environment, not this file.
func writeDefaultConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	starter := `log_level: info

telegram:
  enabled: true
  # token comes from TELEGRAM_TOKEN
  channel_chat_id: 0
  allowed_ids: []

tracker:
  # webhook_url comes from TRACKER_WEBHOOK_URL
  responsible_id: 1
  timeout_seconds: 30

sync:
  enabled: true
  interval_seconds: 300
  task_delay_millis: 500
  failure_pause_seconds: 60
  startup_delay_seconds: 30

digest:
  enabled: false
  spec: "0 9 * * 1-5"
`
	return os.WriteFile(config.ConfigPath(homeDir), []byte(starter), 0o644)
}
