package jobs

import (
	"context"
	"fmt"

	"github.com/recoverlution/luma/internal/application/command"
	"github.com/recoverlution/luma/pkg/logger"
)

// BaselineWatcher pauses disengaged baselines.
type BaselineWatcher interface {
	Handle(ctx context.Context) (*command.WatchBaselinesResult, error)
}

// BaselineWatchJob runs the watcher on an interval.
type BaselineWatchJob struct {
	watcher BaselineWatcher
	log     *logger.Logger
}

// NewBaselineWatchJob creates the job.
func NewBaselineWatchJob(watcher BaselineWatcher, log *logger.Logger) *BaselineWatchJob {
	if log == nil {
		log = logger.Nop()
	}
	return &BaselineWatchJob{watcher: watcher, log: log.With(logger.Component("baseline_watch"))}
}

func (j *BaselineWatchJob) Name() string { return "baseline_watch" }

func (j *BaselineWatchJob) Description() string {
	return "Pauses active baselines after five days without assessment events"
}

func (j *BaselineWatchJob) Run(ctx context.Context) error {
	res, err := j.watcher.Handle(ctx)
	if err != nil {
		return fmt.Errorf("baseline watch: %w", err)
	}
	if len(res.Paused) > 0 || res.Failed > 0 {
		j.log.Info("baseline watch finished",
			logger.Int("checked", res.Checked),
			logger.Int("paused", len(res.Paused)),
			logger.Int("failed", res.Failed),
		)
	}
	return nil
}
