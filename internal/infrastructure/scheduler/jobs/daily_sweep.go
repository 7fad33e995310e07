// Package jobs holds LUMA's scheduled jobs.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recoverlution/luma/internal/application/command"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// DAILY SWEEP JOB
// ══════════════════════════════════════════════════════════════════════════════

// PatientLister lists the patients a sweep visits.
type PatientLister interface {
	ListTracked(ctx context.Context) ([]shared.PatientID, error)
}

// PatientSweeper sweeps one patient.
type PatientSweeper interface {
	Handle(ctx context.Context, id shared.PatientID) (*command.SweepPatientResult, error)
}

// DailySweepConfig configures the sweep.
type DailySweepConfig struct {
	// Concurrency bounds patients swept in parallel.
	Concurrency int

	// Timeout bounds the whole pass.
	Timeout time.Duration

	// MaxFailureRatio fails the run when more patients than this fraction fail.
	MaxFailureRatio float64
}

// DefaultDailySweepConfig returns the defaults.
func DefaultDailySweepConfig() DailySweepConfig {
	return DailySweepConfig{
		Concurrency:     8,
		Timeout:         30 * time.Minute,
		MaxFailureRatio: 0.1,
	}
}

// SweepStats summarises one run.
type SweepStats struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Patients    int           `json:"patients"`
	Swept       int           `json:"swept"`
	Failed      int           `json:"failed"`
	Decisions   int           `json:"decisions"`
	StaleBlocks int           `json:"stale_blocks"`
	ReviewsDue  int           `json:"reviews_due"`
}

// DailySweepJob runs the per-patient sweep over every tracked patient.
type DailySweepJob struct {
	patients PatientLister
	sweeper  PatientSweeper
	log      *logger.Logger
	config   DailySweepConfig

	last atomic.Pointer[SweepStats]
}

// NewDailySweepJob creates the job.
func NewDailySweepJob(patients PatientLister, sweeper PatientSweeper, log *logger.Logger, config DailySweepConfig) *DailySweepJob {
	def := DefaultDailySweepConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxFailureRatio <= 0 {
		config.MaxFailureRatio = def.MaxFailureRatio
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DailySweepJob{
		patients: patients,
		sweeper:  sweeper,
		log:      log.With(logger.Component("daily_sweep")),
		config:   config,
	}
}

// Name implements scheduler.Job.
func (j *DailySweepJob) Name() string { return "daily_sweep" }

// Description implements scheduler.Job.
func (j *DailySweepJob) Description() string {
	return "Decays stale microblock states, pauses stalled baselines and runs a scheduled decision cycle per patient"
}

// Run implements scheduler.Job. Per-patient failures are logged and counted;
// the run fails only when they exceed MaxFailureRatio.
func (j *DailySweepJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	stats := &SweepStats{StartedAt: time.Now().UTC()}
	ids, err := j.patients.ListTracked(ctx)
	if err != nil {
		return fmt.Errorf("list tracked patients: %w", err)
	}
	stats.Patients = len(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.config.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := j.sweeper.Handle(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				j.log.Warn("patient sweep failed", logger.PatientID(id.String()), logger.Err(err))
				return nil
			}
			stats.Swept++
			stats.StaleBlocks += len(res.StaleBlocks)
			stats.ReviewsDue += len(res.ReviewsDue)
			if res.Emitted {
				stats.Decisions++
			}
			return nil
		})
	}
	waitErr := g.Wait()

	stats.Duration = time.Since(stats.StartedAt)
	j.last.Store(stats)

	j.log.Info("daily sweep finished",
		logger.Int("patients", stats.Patients),
		logger.Int("swept", stats.Swept),
		logger.Int("failed", stats.Failed),
		logger.Int("decisions", stats.Decisions),
		logger.Int("stale_blocks", stats.StaleBlocks),
		logger.Duration("duration", stats.Duration),
	)

	if waitErr != nil {
		return fmt.Errorf("daily sweep interrupted: %w", waitErr)
	}
	if stats.Patients > 0 && float64(stats.Failed)/float64(stats.Patients) > j.config.MaxFailureRatio {
		return fmt.Errorf("daily sweep: %d of %d patients failed", stats.Failed, stats.Patients)
	}
	return nil
}

// LastStats returns the most recent run's stats, or nil.
func (j *DailySweepJob) LastStats() *SweepStats {
	return j.last.Load()
}
