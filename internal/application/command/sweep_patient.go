package command

import (
	"context"
	"fmt"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SWEEP PATIENT COMMAND
// The daily maintenance pass for one patient. Safe to re-run:
// - pauses a disengaged baseline
// - lists blocks past the staleness horizon and GREEN blocks due for review
// - runs a scheduled decision cycle, which keeps an active decision in place
// ══════════════════════════════════════════════════════════════════════════════

// SweepPatientResult is the outcome of one sweep.
type SweepPatientResult struct {
	PatientID   shared.PatientID
	StaleBlocks []shared.MicroBlockID
	ReviewsDue  []shared.MicroBlockID
	Decision    decision.Decision
	Emitted     bool
	Events      []shared.Event
}

// SweepPatientHandler runs the per-patient sweep.
type SweepPatientHandler struct {
	cycle *Cycle
}

// NewSweepPatientHandler creates a new handler.
func NewSweepPatientHandler(cycle *Cycle) *SweepPatientHandler {
	return &SweepPatientHandler{cycle: cycle}
}

// Handle sweeps one patient. Patients that are no longer tracked are skipped.
func (h *SweepPatientHandler) Handle(ctx context.Context, id shared.PatientID) (*SweepPatientResult, error) {
	release, err := h.cycle.lockPatient(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sweep_patient: %w", err)
	}
	defer release()

	p, err := h.cycle.patients.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sweep_patient: %w", err)
	}
	result := &SweepPatientResult{PatientID: id}
	if !p.Status.IsTracked() {
		return result, nil
	}

	now := h.cycle.Now()
	loc := p.Location()

	baselineEvents, err := h.cycle.baseline.Sweep(ctx, id, now, loc)
	if err != nil {
		return nil, fmt.Errorf("sweep_patient: baseline: %w", err)
	}

	stale, err := h.cycle.store.StaleBlocks(ctx, id, now)
	if err != nil {
		return nil, fmt.Errorf("sweep_patient: %w", err)
	}
	result.StaleBlocks = stale

	snap, err := h.cycle.store.Snapshot(ctx, id, now)
	if err != nil {
		return nil, fmt.Errorf("sweep_patient: %w", err)
	}
	for _, st := range snap.States {
		if st.IsReviewDue(now) {
			result.ReviewsDue = append(result.ReviewsDue, st.MicroBlockID)
		}
	}

	res, err := h.cycle.run(ctx, cycleInput{
		patient: p,
		trigger: decision.TriggerScheduledSweep,
		now:     now,
		events:  baselineEvents,
	})
	if err != nil {
		return nil, fmt.Errorf("sweep_patient: %w", err)
	}
	result.Decision = res.Decision
	result.Emitted = res.Emitted
	result.Events = res.Events
	return result, nil
}
