package command

import (
	"context"
	"fmt"

	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// WATCH BASELINES COMMAND
// Pauses ACTIVE baselines whose patient has gone quiet. Patients are checked
// one at a time under their lock; one failure does not stop the pass.
// ══════════════════════════════════════════════════════════════════════════════

// WatchBaselinesResult summarises one pass.
type WatchBaselinesResult struct {
	Checked int
	Paused  []shared.PatientID
	Failed  int
}

// WatchBaselinesHandler runs the pass.
type WatchBaselinesHandler struct {
	cycle     *Cycle
	baselines baseline.Repository
}

// NewWatchBaselinesHandler creates a new handler.
func NewWatchBaselinesHandler(cycle *Cycle, baselines baseline.Repository) *WatchBaselinesHandler {
	return &WatchBaselinesHandler{cycle: cycle, baselines: baselines}
}

// Handle checks every ACTIVE baseline.
func (h *WatchBaselinesHandler) Handle(ctx context.Context) (*WatchBaselinesResult, error) {
	active, err := h.baselines.ListByStatus(ctx, baseline.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("watch_baselines: %w", err)
	}

	result := &WatchBaselinesResult{}
	for _, b := range active {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Checked++

		paused, err := h.watchOne(ctx, b.PatientID)
		if err != nil {
			result.Failed++
			h.cycle.log.Warn("baseline watch failed",
				logger.PatientID(b.PatientID.String()),
				logger.Err(err),
			)
			continue
		}
		if paused {
			result.Paused = append(result.Paused, b.PatientID)
		}
	}
	return result, nil
}

func (h *WatchBaselinesHandler) watchOne(ctx context.Context, id shared.PatientID) (bool, error) {
	release, err := h.cycle.lockPatient(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()

	p, err := h.cycle.patients.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !p.Status.IsTracked() {
		return false, nil
	}

	events, err := h.cycle.baseline.Sweep(ctx, id, h.cycle.Now(), p.Location())
	if err != nil {
		return false, err
	}
	h.cycle.publish(ctx, events)
	return len(events) > 0, nil
}
