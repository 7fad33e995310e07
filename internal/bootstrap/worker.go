package bootstrap

import (
	"fmt"

	"github.com/recoverlution/luma/internal/infrastructure/scheduler"
	"github.com/recoverlution/luma/internal/infrastructure/scheduler/jobs"
)

// Worker is the scheduler with LUMA's jobs registered.
type Worker struct {
	Scheduler     *scheduler.Scheduler
	DailySweep    *jobs.DailySweepJob
	BaselineWatch *jobs.BaselineWatchJob
}

// NewWorker registers the daily sweep on its cron expression (evaluated in the
// app timezone) and the baseline watch on its interval.
func (a *App) NewWorker() (*Worker, error) {
	sc := a.Config.Scheduler

	cron, err := scheduler.ParseCronExpressionIn(sc.DailySweepCron, a.Config.App.Location)
	if err != nil {
		return nil, fmt.Errorf("daily sweep schedule: %w", err)
	}

	s := scheduler.New(scheduler.Config{Logger: a.Log, Now: a.Clock})
	w := &Worker{
		Scheduler: s,
		DailySweep: jobs.NewDailySweepJob(a.Repos.Patients, a.Commands.Sweep, a.Log, jobs.DailySweepConfig{
			Concurrency:     sc.SweepConcurrency,
			Timeout:         sc.SweepTimeout,
			MaxFailureRatio: sc.MaxFailureRatio,
		}),
		BaselineWatch: jobs.NewBaselineWatchJob(a.Commands.WatchBaselines, a.Log),
	}

	if err := s.Register(w.DailySweep, cron); err != nil {
		return nil, err
	}
	if err := s.Register(w.BaselineWatch, scheduler.Every(sc.BaselineWatchInterval)); err != nil {
		return nil, err
	}
	return w, nil
}
