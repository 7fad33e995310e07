package http

import (
	"context"

	"github.com/recoverlution/luma/internal/bootstrap"
	"github.com/recoverlution/luma/internal/interface/http/handlers"
)

// DependenciesFromApp exposes a wired app over HTTP. worker may be nil when
// the scheduler runs in a separate process; its sections are then omitted
// from /metrics.
func DependenciesFromApp(app *bootstrap.App, worker *bootstrap.Worker) Dependencies {
	checker := handlers.NewCompositeHealthChecker(app.Config.App.Version)
	for _, c := range app.Checks {
		checker.AddCheck(c.Name, c.Check)
	}

	metrics := map[string]MetricsSource{
		"event_bus": func(context.Context) (any, error) {
			return app.Bus.Metrics().Snapshot(), nil
		},
	}
	metrics["catalog"] = func(context.Context) (any, error) {
		out := map[string]any{
			"active_version": app.Catalogs.Active().Version(),
			"versions":       app.Catalogs.Versions(),
			"micro_blocks":   app.Catalogs.Active().Size(),
		}
		if app.CatalogWatcher != nil {
			out["watcher"] = app.CatalogWatcher.Stats()
		}
		return out, nil
	}
	if app.DecisionCounter != nil {
		metrics["decisions_today"] = func(ctx context.Context) (any, error) {
			return app.DecisionCounter.Today(ctx)
		}
	}
	if app.Webhook != nil {
		metrics["webhook_breaker"] = func(context.Context) (any, error) {
			b := app.Webhook.Breaker()
			return map[string]any{
				"name":   b.Name(),
				"state":  b.State().String(),
				"counts": b.Counts(),
			}, nil
		}
	}
	if worker != nil {
		metrics["scheduler"] = func(context.Context) (any, error) {
			return map[string]any{
				"running": worker.Scheduler.IsRunning(),
				"jobs":    worker.Scheduler.ListJobs(),
				"history": worker.Scheduler.History(20),
			}, nil
		}
		metrics["daily_sweep"] = func(context.Context) (any, error) {
			return worker.DailySweep.LastStats(), nil
		}
	}

	return Dependencies{
		Commands:      app.Commands,
		Queries:       app.Queries,
		HealthChecker: checker,
		Metrics:       metrics,
		Logger:        app.Log,
		Version:       app.Config.App.Version,
	}
}
