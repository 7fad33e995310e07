// luma-worker runs LUMA's background jobs: the daily sweep (staleness,
// spaced-review and crisis-window recomputation for every active patient) and
// the baseline watch (pauses disengaged onboarding baselines).
//
// Usage:
//
//	luma-worker run     # scheduler loop until SIGINT/SIGTERM
//	luma-worker sweep   # one daily sweep, then exit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/recoverlution/luma/config"
	"github.com/recoverlution/luma/internal/bootstrap"
	"github.com/recoverlution/luma/internal/infrastructure/scheduler"
	"github.com/recoverlution/luma/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:          "luma-worker",
	Short:        "LUMA background jobs",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the daily sweep once and exit",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// COMMANDS
// ══════════════════════════════════════════════════════════════════════════════

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	// ─────────────────────────────────────────────────────────────────────────
	// 1. Engine and jobs
	// ─────────────────────────────────────────────────────────────────────────
	cfg, log, app, worker, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() { _ = app.Close() }()

	if !cfg.Scheduler.Enabled {
		log.Warn("scheduler is disabled (SCHEDULER_ENABLED=false); nothing to run")
		return nil
	}

	worker.Scheduler.OnJobComplete(func(r scheduler.JobResult) {
		if !r.Success {
			log.Error("job failed",
				logger.String("job", r.JobName),
				logger.String("error", r.Error),
				logger.Latency(r.Duration),
			)
		}
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 2. Scheduler loop
	// ─────────────────────────────────────────────────────────────────────────
	if err := worker.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	for _, j := range worker.Scheduler.ListJobs() {
		log.Info("job scheduled",
			logger.String("job", j.Name),
			logger.String("schedule", j.Schedule),
			logger.Time("next_run", j.NextRun),
		)
	}
	log.Info("luma-worker is running", logger.String("timezone", cfg.App.Timezone))

	// ─────────────────────────────────────────────────────────────────────────
	// 3. Graceful shutdown
	// ─────────────────────────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info("received shutdown signal", logger.Duration("timeout", cfg.App.ShutdownTimeout))

	done := make(chan error, 1)
	go func() { done <- worker.Scheduler.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("stop scheduler: %w", err)
		}
	case <-time.After(cfg.App.ShutdownTimeout):
		return fmt.Errorf("scheduler did not stop within %s", cfg.App.ShutdownTimeout)
	}

	log.Info("shutdown completed")
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, log, app, worker, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() { _ = app.Close() }()

	res, err := worker.Scheduler.RunNow(ctx, worker.DailySweep.Name())
	if err != nil {
		return err
	}
	stats := worker.DailySweep.LastStats()
	if stats != nil {
		fmt.Fprintf(cmd.OutOrStdout(),
			"patients=%d swept=%d failed=%d decisions=%d stale_blocks=%d reviews_due=%d duration=%s\n",
			stats.Patients, stats.Swept, stats.Failed, stats.Decisions, stats.StaleBlocks, stats.ReviewsDue,
			res.Duration.Round(time.Millisecond))
	}
	if !res.Success {
		return fmt.Errorf("daily sweep failed: %s", res.Error)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func setup(ctx context.Context) (*config.Config, *logger.Logger, *bootstrap.App, *bootstrap.Worker, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(logger.Options{
		Level:       logger.ParseLevel(cfg.Observability.LogLevel),
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.App.Name + "-worker",
		AddCaller:   cfg.App.Debug,
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("build logger: %w", err)
	}

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: log})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("bootstrap: %w", err)
	}
	worker, err := app.NewWorker()
	if err != nil {
		_ = app.Close()
		return nil, nil, nil, nil, fmt.Errorf("worker: %w", err)
	}
	return cfg, log, app, worker, nil
}
