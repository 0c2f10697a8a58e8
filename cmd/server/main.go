package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/idost/parasto-jobs/internal/artifact"
	"github.com/idost/parasto-jobs/internal/cancel"
	"github.com/idost/parasto-jobs/internal/config"
	"github.com/idost/parasto-jobs/internal/core"
	_ "github.com/idost/parasto-jobs/internal/core/entities" // Register all entity types
	"github.com/idost/parasto-jobs/internal/logging"
	"github.com/idost/parasto-jobs/internal/store/postgres"
	"github.com/idost/parasto-jobs/internal/tracing"
	"github.com/idost/parasto-jobs/internal/web"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading the environment")
	configFile := flag.String("config", "", "optional JSON/YAML/TOML config file keyed by environment variable names")
	migrate := flag.Bool("migrate", false, "apply the database schema and exit")
	flag.Parse()

	// Values already in the environment win over the dotenv file
	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("no env file loaded, using environment variables", "path", *envFile)
	} else {
		slog.Info("loaded env file", "path", *envFile)
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"job_store", cfg.Jobs.Store,
		"jobs_max_concurrent", cfg.Jobs.MaxConcurrent,
		"artifact_backend", cfg.Artifact.Backend,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	slog.Debug("effective configuration", "config", cfg.String())

	ctx := context.Background()

	tracerProvider, shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	slog.Info("tracing configured", "exporter", cfg.Tracing.Exporter, "sample_rate", cfg.Tracing.SampleRate)

	var (
		deps   core.Deps
		checks []web.HealthCheck
	)

	switch cfg.Jobs.Store {
	case "postgres":
		pool, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if *migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				slog.Error("migration failed", "error", err)
				os.Exit(1)
			}
			slog.Info("schema applied")
			return
		}

		entities := postgres.NewEntityStore(pool)
		deps.Jobs = postgres.NewJobStore(pool, cfg.Jobs.ErrorPreview)
		deps.Writer = entities
		deps.Source = entities
		checks = append(checks, web.HealthCheck{Name: "database", Check: pool.Ping})

	default:
		if *migrate {
			slog.Error("--migrate requires JOB_STORE=postgres")
			os.Exit(1)
		}
		slog.Warn("using in-memory job and entity stores; data is lost on restart")
		entities := core.NewMemoryEntityStore()
		deps.Jobs = core.NewMemoryJobStore(cfg.Jobs.ErrorPreview)
		deps.Writer = entities
		deps.Source = entities
	}

	artifacts, err := artifact.New(ctx, cfg.Artifact, cfg.Server.PublicBaseURL)
	if err != nil {
		slog.Error("failed to create artifact store", "error", err)
		os.Exit(1)
	}
	deps.Artifacts = artifacts

	var serverOpts []web.Option
	if local, ok := artifacts.(*artifact.LocalStore); ok {
		serverOpts = append(serverOpts, web.WithFiles(local.Handler()))
	}

	if cfg.Redis.Addr != "" {
		registry, err := cancel.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer registry.Close()

		deps.Cancels = registry
		checks = append(checks, web.HealthCheck{Name: "redis", Check: registry.Ping})
		slog.Info("cancellation broker connected", "addr", cfg.Redis.Addr)
	}

	coordinator, err := core.NewCoordinator(deps, core.Options{
		MaxConcurrent:    cfg.Jobs.MaxConcurrent,
		Retention:        cfg.Export.Retention,
		ProgressInterval: cfg.Export.ProgressInterval,
		SpoolDir:         cfg.Import.UploadDir,
		MaxFileSize:      cfg.Import.MaxFileSize,
		Write: core.WritePolicy{
			MaxAttempts: cfg.Write.MaxAttempts,
			RetryMin:    cfg.Write.RetryMin,
			RetryMax:    cfg.Write.RetryMax,
			TripAfter:   cfg.Write.TripAfter,
		},
		EscalateAfter: cfg.Write.EscalateAfter,
		Tracer:        tracerProvider,
	})
	if err != nil {
		slog.Error("failed to create job coordinator", "error", err)
		os.Exit(1)
	}

	if cfg.Jobs.ReconcileOnStart {
		n, err := coordinator.Reconcile(ctx)
		if err != nil {
			slog.Error("failed to reconcile unfinished jobs", "error", err)
			os.Exit(1)
		}
		if n > 0 {
			slog.Warn("failed jobs left unfinished by a previous run", "count", n)
		}
	}

	slog.Info("entities registered", "count", core.EntityCount())
	for _, def := range core.Entities() {
		slog.Debug("entity", "type", def.Type, "columns", len(def.Fields), "importable", def.Importable)
	}

	serverOpts = append(serverOpts, web.WithHealthChecks(checks...))
	server := web.NewServer(coordinator, cfg, serverOpts...)

	// Background sweeper stops with sweepCtx
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go coordinator.StartSweeper(sweepCtx, cfg.Jobs.SweepInterval)

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		stopSweeper()

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancelShutdown()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}

		status := coordinator.Limiter().Status()
		if status.Active > 0 {
			slog.Info("waiting for running jobs", "active", status.Active)
		}
		if err := coordinator.Close(shutdownCtx); err != nil {
			slog.Warn("jobs interrupted by shutdown", "error", err)
		} else {
			slog.Info("all jobs finished")
		}

		// Spans of interrupted jobs end during Close; flush them last.
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("trace flush failed", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-stopped
	slog.Info("server stopped")
}
