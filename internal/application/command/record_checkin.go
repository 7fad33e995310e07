package command

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD CHECK-IN COMMAND
// A patient self-report: one value per assessed micro-block, plus optional
// context tags and a distress signal. Every dimension becomes an assessment
// event; the whole check-in is rejected before any write if one is invalid.
// ══════════════════════════════════════════════════════════════════════════════

// RecordCheckinCommand contains data for a check-in.
type RecordCheckinCommand struct {
	// PatientID is the patient's id (required).
	PatientID string

	// Dimensions maps micro-block id to a value in [0,1]; higher is better.
	Dimensions map[string]float64

	// Timestamp is when the check-in happened. Zero means now.
	Timestamp time.Time

	// ContextTags are free-form tags such as "work" or "alone".
	ContextTags []string

	// HighDistress is the patient's explicit distress flag.
	HighDistress bool

	// Arousal is an optional self-reported arousal level in [0,1].
	Arousal *float64

	// Backfill marks late-arriving data that may precede applied events.
	Backfill bool
}

// Validate validates the command.
func (c RecordCheckinCommand) Validate() error {
	if _, err := shared.NewPatientID(c.PatientID); err != nil {
		return err
	}
	if len(c.Dimensions) == 0 {
		return shared.ValidationError("checkin", "Validate", "at least one dimension is required")
	}
	for id, v := range c.Dimensions {
		if _, err := shared.NewMicroBlockID(id); err != nil {
			return err
		}
		if v < 0 || v > 1 {
			return shared.WrapError("checkin", "Validate", shared.ErrValueOutOfRange,
				fmt.Sprintf("dimension %s value %v outside [0,1]", id, v), nil)
		}
	}
	if c.Arousal != nil && (*c.Arousal < 0 || *c.Arousal > 1) {
		return shared.WrapError("checkin", "Validate", shared.ErrValueOutOfRange, "arousal outside [0,1]", nil)
	}
	return nil
}

// RecordCheckinResult contains the result of a check-in.
type RecordCheckinResult struct {
	CheckinID string
	States    []microblock.State
	Decision  decision.Decision
	Emitted   bool
	Events    []shared.Event
}

// RecordCheckinHandlerConfig contains handler configuration.
type RecordCheckinHandlerConfig struct {
	// MaxClockSkew is how far in the future a timestamp may be.
	MaxClockSkew time.Duration
}

// DefaultRecordCheckinHandlerConfig returns default configuration.
func DefaultRecordCheckinHandlerConfig() RecordCheckinHandlerConfig {
	return RecordCheckinHandlerConfig{
		MaxClockSkew: 5 * time.Minute,
	}
}

// RecordCheckinHandler handles check-ins.
type RecordCheckinHandler struct {
	cycle  *Cycle
	config RecordCheckinHandlerConfig
}

// NewRecordCheckinHandler creates a new handler.
func NewRecordCheckinHandler(cycle *Cycle, config RecordCheckinHandlerConfig) *RecordCheckinHandler {
	if config.MaxClockSkew <= 0 {
		config = DefaultRecordCheckinHandlerConfig()
	}
	return &RecordCheckinHandler{cycle: cycle, config: config}
}

// Handle executes the command.
func (h *RecordCheckinHandler) Handle(ctx context.Context, cmd RecordCheckinCommand) (*RecordCheckinResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("record_checkin: validation failed: %w", err)
	}

	pid := shared.PatientID(cmd.PatientID)
	tags := shared.NormalizeTags(cmd.ContextTags)

	release, err := h.cycle.lockPatient(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("record_checkin: %w", err)
	}
	defer release()

	// Read under the lock so timestamps follow lock order.
	now := h.cycle.Now()
	at, err := eventTime(cmd.Timestamp, now, h.config.MaxClockSkew)
	if err != nil {
		return nil, fmt.Errorf("record_checkin: validation failed: %w", err)
	}

	p, err := h.cycle.loadTracked(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("record_checkin: failed to get patient: %w", err)
	}

	source, err := h.cycle.assessmentSource(ctx, pid, now)
	if err != nil {
		return nil, fmt.Errorf("record_checkin: %w", err)
	}

	ids := make([]string, 0, len(cmd.Dimensions))
	for id := range cmd.Dimensions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	store := h.cycle.Store()
	events := make([]microblock.Event, 0, len(ids))
	dims := make(map[shared.MicroBlockID]float64, len(ids))
	for _, id := range ids {
		v := cmd.Dimensions[id]
		e, err := microblock.NewEvent(microblock.EventInput{
			PatientID:    pid,
			MicroBlockID: shared.MicroBlockID(id),
			Signal:       microblock.Signal{Score: microblock.Float(v)},
			Source:       source,
			Backfill:     cmd.Backfill,
			ContextTags:  tags,
			OccurredAt:   at,
			RecordedAt:   now,
		}, store.Params().K)
		if err != nil {
			return nil, fmt.Errorf("record_checkin: validation failed: %w", err)
		}
		if err := store.Validate(ctx, e); err != nil {
			return nil, fmt.Errorf("record_checkin: %w", err)
		}
		events = append(events, e)
		dims[e.MicroBlockID] = v
	}

	checkin := patient.Checkin{
		ID:           uuid.NewString(),
		PatientID:    pid,
		At:           at,
		Dimensions:   dims,
		ContextTags:  tags,
		HighDistress: cmd.HighDistress,
		Arousal:      cmd.Arousal,
	}
	if err := h.cycle.signals.SaveCheckin(ctx, checkin); err != nil {
		return nil, fmt.Errorf("record_checkin: failed to save check-in: %w", err)
	}

	applied, err := h.cycle.applyAll(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("record_checkin: %w", err)
	}

	res, err := h.cycle.run(ctx, cycleInput{
		patient: p,
		trigger: decision.TriggerCheckin,
		now:     now,
		applied: applied,
	})
	if err != nil {
		return nil, fmt.Errorf("record_checkin: %w", err)
	}

	return &RecordCheckinResult{
		CheckinID: checkin.ID,
		States:    res.States,
		Decision:  res.Decision,
		Emitted:   res.Emitted,
		Events:    res.Events,
	}, nil
}

// ════════════════════════════════════════════════════════════════════════════
// Helpers shared by the assessment commands
// ════════════════════════════════════════════════════════════════════════════

// eventTime defaults a zero timestamp to now and rejects timestamps too far ahead.
func eventTime(ts, now time.Time, skew time.Duration) (time.Time, error) {
	if ts.IsZero() {
		return now, nil
	}
	if ts.After(now.Add(skew)) {
		return time.Time{}, shared.WrapError("command", "Validate", shared.ErrFutureTimestamp,
			fmt.Sprintf("timestamp %s is in the future", ts.Format(time.RFC3339)), nil)
	}
	return ts.UTC(), nil
}

// assessmentSource labels automatic events by the patient's baseline status.
func (c *Cycle) assessmentSource(ctx context.Context, id shared.PatientID, now time.Time) (shared.Source, error) {
	b, err := c.baseline.Status(ctx, id, now)
	if err != nil {
		return "", fmt.Errorf("baseline status: %w", err)
	}
	if b.Status == baseline.StatusComplete {
		return shared.SourceOngoing, nil
	}
	return shared.SourceBaseline, nil
}

// applyAll applies pre-validated events in order.
func (c *Cycle) applyAll(ctx context.Context, events []microblock.Event) ([]microblock.ApplyResult, error) {
	out := make([]microblock.ApplyResult, 0, len(events))
	for _, e := range events {
		r, err := c.store.Apply(ctx, e)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
