package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/recoverlution/luma/internal/bootstrap"
	api "github.com/recoverlution/luma/internal/interface/http"
	"github.com/recoverlution/luma/pkg/logger"
)

var withWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Starts the HTTP API. With --worker the scheduler (daily sweep and
baseline watch) runs in the same process; otherwise run luma-worker alongside.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&withWorker, "worker", false, "Run the scheduler in-process")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─────────────────────────────────────────────────────────────────────────
	// 1. Configuration and logger
	// ─────────────────────────────────────────────────────────────────────────
	cfg, log, err := loadConfig("")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting luma-api",
		logger.String("version", cfg.App.Version),
		logger.String("environment", string(cfg.App.Environment)),
		logger.String("driver", cfg.Database.Driver),
		logger.Bool("redis", cfg.Redis.Enabled()),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. Engine
	// ─────────────────────────────────────────────────────────────────────────
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("close app", logger.Err(err))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 3. Scheduler (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var worker *bootstrap.Worker
	if withWorker {
		if !cfg.Scheduler.Enabled {
			log.Warn("--worker given but scheduler is disabled; jobs are registered but not started")
		}
		if worker, err = app.NewWorker(); err != nil {
			return fmt.Errorf("worker: %w", err)
		}
		if cfg.Scheduler.Enabled {
			if err := worker.Scheduler.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			defer func() { _ = worker.Scheduler.Stop() }()
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HTTP server
	// ─────────────────────────────────────────────────────────────────────────
	srv := api.NewServer(cfg.HTTP, api.DependenciesFromApp(app, worker))
	errCh := srv.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. Graceful shutdown
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	log.Info("starting graceful shutdown", logger.Duration("timeout", cfg.App.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("shutdown completed")
	return nil
}
