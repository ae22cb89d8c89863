package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/regalhq/regal/internal/config"
	"github.com/regalhq/regal/internal/invoke"
	"github.com/regalhq/regal/internal/notify"
	"github.com/regalhq/regal/internal/orchestrator"
	"github.com/regalhq/regal/internal/server"
	"github.com/regalhq/regal/internal/storage"
	"github.com/regalhq/regal/internal/storage/lite"
	"github.com/regalhq/regal/internal/telemetry"
	"github.com/regalhq/regal/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("REGAL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("regald starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the selected storage backend. Both expose the same run store,
	// ledger, and audit surfaces.
	var (
		runs         orchestrator.RunStore
		ledger       orchestrator.RequestLedger
		audit        orchestrator.AuditLog
		notifyLedger notify.Ledger
		pinger       server.Pinger
		auditReader  server.AuditReader
	)
	switch cfg.Storage {
	case config.StorageSQLite:
		store, err := lite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		defer func() { _ = store.Close() }()
		runs, ledger, audit = store.Runs(), store.Ledger(), store.Audit()
		notifyLedger = store.Ledger()
		pinger = store
		auditReader = store.Audit()
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer db.Close()

		// RunMigrations tracks applied files in schema_migrations and
		// skips duplicates, so errors here indicate real failures.
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		runs, ledger, audit = db.Runs(), db.Ledger(), db.Audit()
		notifyLedger = db.Ledger()
		pinger = db
		auditReader = db.Audit()
	}

	// Create the enrichment invoker. Without one, queued runs stay queued;
	// useful for deployments where a separate process owns dispatch.
	var invoker orchestrator.Invoker
	if cfg.InvokerURL != "" {
		invoker = invoke.New(cfg.InvokerURL, cfg.InvokerTimeout, logger)
		logger.Info("invoker: enabled", "endpoint", cfg.InvokerURL)
	} else {
		logger.Info("invoker: disabled (no REGAL_INVOKER_URL)")
	}

	opts := []orchestrator.Option{orchestrator.WithSlots(cfg.Slots)}
	if cfg.DirectDispatch {
		opts = append(opts, orchestrator.WithDirectDispatch())
	}
	svc := orchestrator.New(orchestrator.Deps{
		Runs:    runs,
		Ledger:  ledger,
		Audit:   audit,
		Invoker: invoker,
		Logger:  logger,
	}, opts...)

	// Re-arm runs that were queued or running when the previous process
	// stopped.
	if stats := svc.Resume(ctx); stats.Resumed > 0 || stats.Failed > 0 {
		logger.Info("startup resume sweep",
			"resumed", stats.Resumed, "skipped", stats.Skipped, "failed", stats.Failed)
	}

	// Dispatch loop promotes queued runs on a cadence. Direct dispatch
	// deployments invoke synchronously from the API instead.
	if !cfg.DirectDispatch {
		go svc.DispatchLoop(ctx, cfg.DispatchInterval, cfg.DispatchLimit)
	}

	// Notification worker posts finished requests to the caller webhook.
	// An empty webhook URL disables it.
	notifier := notify.NewWorker(notifyLedger, cfg.WebhookURL, logger, cfg.NotifyInterval, cfg.NotifyBatch)
	notifier.Start(ctx)

	srv := server.New(server.ServerConfig{
		Orchestrator:        svc,
		Pinger:              pinger,
		Audit:               auditReader,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown. Each phase gets its own timeout so early
		// completion doesn't steal budget from later phases. Order:
		// (1) stop accepting new HTTP requests, (2) wait for detached
		// invocations, (3) flush pending notifications.
		slog.Info("regald shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		svc.Drain()

		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer notifyCancel()
		notifier.Drain(notifyCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("regald stopped")
	return nil
}
