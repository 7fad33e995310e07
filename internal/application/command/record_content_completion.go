package command

import (
	"context"
	"fmt"
	"time"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD CONTENT COMPLETION COMMAND
// A finished content item yields one assessment event per targeted block.
// The signal blends the reflection with engagement: time spent against the
// item's expected minutes, scroll depth and exercises completed.
// ══════════════════════════════════════════════════════════════════════════════

// RecordContentCompletionCommand contains data for a completion.
type RecordContentCompletionCommand struct {
	PatientID string
	ContentID string

	// ReflectionSentiment in [-1,1], from the external analysis collaborator.
	ReflectionSentiment *float64

	// SelfReportDifficulty in [0,1]; higher means harder.
	SelfReportDifficulty *float64

	// Engagement
	CompletionSeconds  float64
	ScrollDepth        *float64
	ExercisesCompleted int
	ExercisesTotal     int

	ContextTags []string
	Timestamp   time.Time
	Backfill    bool
}

// Validate validates the command.
func (c RecordContentCompletionCommand) Validate() error {
	if _, err := shared.NewPatientID(c.PatientID); err != nil {
		return err
	}
	if c.ContentID == "" {
		return shared.WrapError("completion", "Validate", shared.ErrEmptyValue, "content_id is required", nil)
	}
	if c.ReflectionSentiment != nil && (*c.ReflectionSentiment < -1 || *c.ReflectionSentiment > 1) {
		return shared.WrapError("completion", "Validate", shared.ErrValueOutOfRange, "reflection sentiment outside [-1,1]", nil)
	}
	if c.SelfReportDifficulty != nil && (*c.SelfReportDifficulty < 0 || *c.SelfReportDifficulty > 1) {
		return shared.WrapError("completion", "Validate", shared.ErrValueOutOfRange, "difficulty outside [0,1]", nil)
	}
	if c.ScrollDepth != nil && (*c.ScrollDepth < 0 || *c.ScrollDepth > 1) {
		return shared.WrapError("completion", "Validate", shared.ErrValueOutOfRange, "scroll depth outside [0,1]", nil)
	}
	if c.CompletionSeconds < 0 || c.ExercisesCompleted < 0 || c.ExercisesTotal < 0 || c.ExercisesCompleted > c.ExercisesTotal {
		return shared.ValidationError("completion", "Validate", "invalid engagement counters")
	}
	return nil
}

func (c RecordContentCompletionCommand) signal(expectedSeconds float64) microblock.Signal {
	return microblock.Signal{
		ReflectionSentiment:  c.ReflectionSentiment,
		SelfReportDifficulty: c.SelfReportDifficulty,
		CompletionSeconds:    c.CompletionSeconds,
		ExpectedSeconds:      expectedSeconds,
		ScrollDepth:          c.ScrollDepth,
		ExercisesCompleted:   c.ExercisesCompleted,
		ExercisesTotal:       c.ExercisesTotal,
	}
}

// RecordContentCompletionResult contains the result of a completion.
type RecordContentCompletionResult struct {
	States   []microblock.State
	Decision decision.Decision
	Emitted  bool
	Events   []shared.Event
}

// RecordContentCompletionHandler handles completions.
type RecordContentCompletionHandler struct {
	cycle        *Cycle
	maxClockSkew time.Duration
}

// NewRecordContentCompletionHandler creates a new handler.
func NewRecordContentCompletionHandler(cycle *Cycle) *RecordContentCompletionHandler {
	return &RecordContentCompletionHandler{
		cycle:        cycle,
		maxClockSkew: DefaultRecordCheckinHandlerConfig().MaxClockSkew,
	}
}

// Handle executes the command.
func (h *RecordContentCompletionHandler) Handle(ctx context.Context, cmd RecordContentCompletionCommand) (*RecordContentCompletionResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("record_completion: validation failed: %w", err)
	}

	pid := shared.PatientID(cmd.PatientID)

	store := h.cycle.Store()
	item, ok := store.Catalog().Content(shared.ContentID(cmd.ContentID))
	if !ok {
		return nil, fmt.Errorf("record_completion: validation failed: %w",
			shared.WrapError("completion", "Validate", shared.ErrInvalidInput,
				"content item not in catalog", shared.ErrUnknownContent))
	}
	sig := cmd.signal(float64(item.Minutes * 60))
	if _, ok := sig.Derive(); !ok {
		return nil, fmt.Errorf("record_completion: validation failed: %w",
			shared.ValidationError("completion", "Validate", "completion carries no reflection or engagement signal"))
	}

	release, err := h.cycle.lockPatient(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("record_completion: %w", err)
	}
	defer release()

	now := h.cycle.Now()
	at, err := eventTime(cmd.Timestamp, now, h.maxClockSkew)
	if err != nil {
		return nil, fmt.Errorf("record_completion: validation failed: %w", err)
	}

	p, err := h.cycle.loadTracked(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("record_completion: failed to get patient: %w", err)
	}

	source, err := h.cycle.assessmentSource(ctx, pid, now)
	if err != nil {
		return nil, fmt.Errorf("record_completion: %w", err)
	}

	tags := shared.NormalizeTags(cmd.ContextTags)
	events := make([]microblock.Event, 0, len(item.Targets))
	for _, block := range item.Targets {
		e, err := microblock.NewEvent(microblock.EventInput{
			PatientID:    pid,
			MicroBlockID: block,
			Signal:       sig,
			Source:       source,
			Backfill:     cmd.Backfill,
			ContextTags:  tags,
			OccurredAt:   at,
			RecordedAt:   now,
		}, store.Params().K)
		if err != nil {
			return nil, fmt.Errorf("record_completion: validation failed: %w", err)
		}
		if err := store.Validate(ctx, e); err != nil {
			return nil, fmt.Errorf("record_completion: %w", err)
		}
		events = append(events, e)
	}

	applied, err := h.cycle.applyAll(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("record_completion: %w", err)
	}

	res, err := h.cycle.run(ctx, cycleInput{
		patient: p,
		trigger: decision.TriggerContentCompletion,
		now:     now,
		applied: applied,
	})
	if err != nil {
		return nil, fmt.Errorf("record_completion: %w", err)
	}

	return &RecordContentCompletionResult{
		States:   res.States,
		Decision: res.Decision,
		Emitted:  res.Emitted,
		Events:   res.Events,
	}, nil
}
