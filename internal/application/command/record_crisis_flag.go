package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD CRISIS FLAG COMMAND
// Crisis flags come only from external analysis collaborators. The flag is
// stored, then a cycle runs immediately so Safety can escalate without waiting
// for the next check-in.
// ══════════════════════════════════════════════════════════════════════════════

// RecordCrisisFlagCommand contains data for a crisis flag.
type RecordCrisisFlagCommand struct {
	PatientID string
	Timestamp time.Time

	// Source names the collaborator that raised the flag.
	Source string
}

// Validate validates the command.
func (c RecordCrisisFlagCommand) Validate() error {
	if _, err := shared.NewPatientID(c.PatientID); err != nil {
		return err
	}
	if c.Source == "" {
		return shared.WrapError("crisis_flag", "Validate", shared.ErrEmptyValue, "source is required", nil)
	}
	return nil
}

// RecordCrisisFlagResult contains the result.
type RecordCrisisFlagResult struct {
	FlagID   string
	Decision decision.Decision
	Emitted  bool
	Events   []shared.Event
}

// RecordCrisisFlagHandler handles crisis flags.
type RecordCrisisFlagHandler struct {
	cycle *Cycle
}

// NewRecordCrisisFlagHandler creates a new handler.
func NewRecordCrisisFlagHandler(cycle *Cycle) *RecordCrisisFlagHandler {
	return &RecordCrisisFlagHandler{cycle: cycle}
}

// Handle executes the command.
func (h *RecordCrisisFlagHandler) Handle(ctx context.Context, cmd RecordCrisisFlagCommand) (*RecordCrisisFlagResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("record_crisis_flag: validation failed: %w", err)
	}

	pid := shared.PatientID(cmd.PatientID)

	release, err := h.cycle.lockPatient(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("record_crisis_flag: %w", err)
	}
	defer release()

	now := h.cycle.Now()
	at, err := eventTime(cmd.Timestamp, now, DefaultRecordCheckinHandlerConfig().MaxClockSkew)
	if err != nil {
		return nil, fmt.Errorf("record_crisis_flag: validation failed: %w", err)
	}

	p, err := h.cycle.loadTracked(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("record_crisis_flag: failed to get patient: %w", err)
	}

	flag := patient.CrisisFlag{
		ID:        uuid.NewString(),
		PatientID: pid,
		At:        at,
		Source:    cmd.Source,
	}
	if err := h.cycle.signals.SaveCrisisFlag(ctx, flag); err != nil {
		return nil, fmt.Errorf("record_crisis_flag: failed to save flag: %w", err)
	}

	h.cycle.log.Warn("crisis flag raised",
		logger.PatientID(pid.String()),
		logger.String("source", cmd.Source),
	)

	res, err := h.cycle.run(ctx, cycleInput{
		patient: p,
		trigger: decision.TriggerCrisisFlag,
		now:     now,
		events:  []shared.Event{shared.NewCrisisFlaggedEvent(pid, cmd.Source, at)},
	})
	if err != nil {
		return nil, fmt.Errorf("record_crisis_flag: %w", err)
	}

	return &RecordCrisisFlagResult{
		FlagID:   flag.ID,
		Decision: res.Decision,
		Emitted:  res.Emitted,
		Events:   res.Events,
	}, nil
}
