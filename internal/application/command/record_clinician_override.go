package command

import (
	"context"
	"fmt"
	"time"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD CLINICIAN OVERRIDE COMMAND
// A clinician pins a micro-block's light. The pin holds until enough
// consecutive automatic observations contradict it.
// ══════════════════════════════════════════════════════════════════════════════

// RecordClinicianOverrideCommand contains data for an override.
type RecordClinicianOverrideCommand struct {
	PatientID    string
	MicroBlockID string

	// State is RED, ORANGE or GREEN.
	State string

	Note        string
	ClinicianID string
	Timestamp   time.Time
}

// Validate validates the command.
func (c RecordClinicianOverrideCommand) Validate() error {
	if _, err := shared.NewPatientID(c.PatientID); err != nil {
		return err
	}
	if _, err := shared.NewMicroBlockID(c.MicroBlockID); err != nil {
		return err
	}
	light, err := shared.ParseLight(c.State)
	if err != nil {
		return err
	}
	if !light.IsKnown() {
		return shared.ValidationError("override", "Validate", "override state must be RED, ORANGE or GREEN")
	}
	if c.ClinicianID == "" {
		return shared.WrapError("override", "Validate", shared.ErrEmptyValue, "clinician_id is required", nil)
	}
	return nil
}

// RecordClinicianOverrideResult contains the result of an override.
type RecordClinicianOverrideResult struct {
	State    microblock.State
	Decision decision.Decision
	Emitted  bool
	Events   []shared.Event
}

// RecordClinicianOverrideHandler handles overrides.
type RecordClinicianOverrideHandler struct {
	cycle *Cycle
}

// NewRecordClinicianOverrideHandler creates a new handler.
func NewRecordClinicianOverrideHandler(cycle *Cycle) *RecordClinicianOverrideHandler {
	return &RecordClinicianOverrideHandler{cycle: cycle}
}

// Handle executes the command.
func (h *RecordClinicianOverrideHandler) Handle(ctx context.Context, cmd RecordClinicianOverrideCommand) (*RecordClinicianOverrideResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("record_override: validation failed: %w", err)
	}

	pid := shared.PatientID(cmd.PatientID)
	light, _ := shared.ParseLight(cmd.State)

	release, err := h.cycle.lockPatient(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("record_override: %w", err)
	}
	defer release()

	now := h.cycle.Now()
	at, err := eventTime(cmd.Timestamp, now, DefaultRecordCheckinHandlerConfig().MaxClockSkew)
	if err != nil {
		return nil, fmt.Errorf("record_override: validation failed: %w", err)
	}

	p, err := h.cycle.loadTracked(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("record_override: failed to get patient: %w", err)
	}

	store := h.cycle.Store()
	e, err := microblock.NewEvent(microblock.EventInput{
		PatientID:     pid,
		MicroBlockID:  shared.MicroBlockID(cmd.MicroBlockID),
		Source:        shared.SourceClinicianOverride,
		OccurredAt:    at,
		RecordedAt:    now,
		OverrideLight: light,
		ClinicianID:   shared.ClinicianID(cmd.ClinicianID),
		Note:          cmd.Note,
	}, store.Params().K)
	if err != nil {
		return nil, fmt.Errorf("record_override: validation failed: %w", err)
	}

	applied, err := store.Apply(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("record_override: %w", err)
	}

	h.cycle.log.Info("clinician override recorded",
		logger.PatientID(pid.String()),
		logger.MicroBlockID(string(e.MicroBlockID)),
		logger.String("light", string(light)),
		logger.String("clinician_id", cmd.ClinicianID),
	)

	res, err := h.cycle.run(ctx, cycleInput{
		patient: p,
		trigger: decision.TriggerClinicianOverride,
		now:     now,
		applied: []microblock.ApplyResult{applied},
	})
	if err != nil {
		return nil, fmt.Errorf("record_override: %w", err)
	}

	return &RecordClinicianOverrideResult{
		State:    applied.Current,
		Decision: res.Decision,
		Emitted:  res.Emitted,
		Events:   res.Events,
	}, nil
}
