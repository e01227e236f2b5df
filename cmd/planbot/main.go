package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/planbot/internal/config"
	"github.com/basket/planbot/internal/cron"
	"github.com/basket/planbot/internal/notify"
	otelPkg "github.com/basket/planbot/internal/otel"
	"github.com/basket/planbot/internal/persistence"
	"github.com/basket/planbot/internal/planfix"
	"github.com/basket/planbot/internal/reconcile"
	"github.com/basket/planbot/internal/status"
	"github.com/basket/planbot/internal/telemetry"
	"github.com/basket/planbot/internal/tracker"
	"github.com/basket/planbot/internal/webhook"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the sync daemon (poller + webhook)

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PLANBOT_HOME            Data directory (default: ~/.planbot)
  PLANFIX_API_KEY         Planfix REST API token
  TELEGRAM_BOT_TOKEN      Telegram bot token
  PLANFIX_WEBHOOK_SECRET  Shared secret for webhook signatures
`)
}

func main() {
	loadDotEnv(".env")

	homeDir := flag.String("home", config.DefaultHomeDir(), "data directory")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(*homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_CREATE", err)
	}
	cfg, err := config.Load(*homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Console logs only when an operator is watching; under a service
	// manager the JSONL file is the record.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	if err := cfg.Validate(); err != nil {
		fatalStartup(logger, "E_CONFIG_INVALID", err)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "planbot.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	governor := planfix.NewGovernor(planfix.GovernorOptions{
		MaxConcurrency: cfg.Planfix.MaxConcurrency,
		MinInterval:    cfg.Planfix.MinInterval(),
		DailyLimit:     cfg.Planfix.DailyLimit,
		MaxRetries:     cfg.Planfix.MaxRetries,
		Logger:         logger,
		Metrics:        metrics,
	})
	client := planfix.NewClient(planfix.ClientOptions{
		BaseURL:  cfg.Planfix.BaseURL,
		APIKey:   cfg.Planfix.APIKey,
		Governor: governor,
		Logger:   logger,
	})

	registry := status.NewRegistry(status.Options{
		Fetcher:   client,
		Cache:     store,
		ProcessID: cfg.Planfix.ProcessID,
		Overrides: cfg.Planfix.StatusIDs,
		Aliases:   cfg.Planfix.StatusNames,
		Logger:    logger,
	})
	if err := registry.EnsureLoaded(ctx); err != nil {
		fatalStartup(logger, "E_STATUS_RESOLVE", err)
	}
	logger.Info("startup phase", "phase", "statuses_resolved")

	var dispatcher notify.Dispatcher
	if cfg.Telegram.Enabled {
		dispatcher, err = notify.NewTelegramDispatcher(cfg.Telegram.Token, logger)
		if err != nil {
			fatalStartup(logger, "E_TELEGRAM_INIT", err)
		}
	} else {
		logger.Warn("telegram disabled, notifications go to the log only")
		dispatcher = notify.NewLogDispatcher(logger)
	}

	var adminChatID int64
	if len(cfg.Telegram.AdminIDs) > 0 {
		adminChatID = cfg.Telegram.AdminIDs[0]
	}

	trk := tracker.New(logger, metrics)
	poller := reconcile.NewPoller(reconcile.Options{
		Client:      client,
		Store:       store,
		Registry:    registry,
		Tracker:     trk,
		Dispatcher:  dispatcher,
		ProcessID:   cfg.Planfix.ProcessID,
		AdminChatID: adminChatID,
		Interval:    cfg.PollInterval(),
		Logger:      logger,
		Metrics:     metrics,
	})

	// Registration verdicts issued while the bot was down land before
	// the first poll cycle.
	if err := poller.CheckRegistrations(ctx); err != nil {
		logger.Warn("startup registration sweep failed", "error", err)
	}

	hook, err := webhook.New(webhook.Options{
		Config:      cfg.Webhook,
		Store:       store,
		Registry:    registry,
		Tracker:     trk,
		Dispatcher:  dispatcher,
		AdminChatID: adminChatID,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_WEBHOOK_INIT", err)
	}
	go func() {
		if err := hook.Run(ctx); err != nil && err != http.ErrServerClosed {
			fatalStartup(logger, "E_WEBHOOK_SERVE", err)
		}
	}()

	scheduler := cron.NewScheduler(cron.Config{Logger: logger})
	if err := scheduler.AddJob(cfg.Sync.RefreshSchedule, cron.Job{
		Name: "status-refresh",
		Run:  registry.Refresh,
	}); err != nil {
		fatalStartup(logger, "E_CRON_SCHEDULE", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range confWatcher.Events() {
				// Transport settings need a restart; status overrides
				// take effect through a refresh.
				if err := registry.Refresh(ctx); err != nil {
					logger.Warn("status refresh after config change failed", "error", err)
				}
			}
		}()
	}

	logger.Info("planbot running",
		"poll_interval", cfg.PollInterval().String(),
		"webhook_addr", cfg.Webhook.BindAddr,
		"process_id", cfg.Planfix.ProcessID)
	poller.Run(ctx)
	logger.Info("shutdown complete")
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE lines from a .env file without
// overriding variables already set in the environment.
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
