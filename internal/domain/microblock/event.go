// Package microblock implements the per-patient micro-block state store:
// an append-only assessment event log and the state derived from it.
package microblock

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/recoverlution/luma/internal/domain/shared"
)

// Signal is the raw observation behind an assessment. Every field is optional;
// the derived score averages whichever components are present.
type Signal struct {
	// Score is a direct 0..1 rating (1 = doing well), e.g. a check-in slider.
	Score *float64 `json:"score,omitempty"`
	// ReflectionSentiment in -1..1.
	ReflectionSentiment *float64 `json:"reflection_sentiment,omitempty"`
	// SelfReportDifficulty in 0..1 (1 = very hard).
	SelfReportDifficulty *float64 `json:"self_report_difficulty,omitempty"`

	// Engagement with a content item.
	CompletionSeconds  float64  `json:"completion_seconds,omitempty"`
	ExpectedSeconds    float64  `json:"expected_seconds,omitempty"`
	ScrollDepth        *float64 `json:"scroll_depth,omitempty"`
	ExercisesCompleted int      `json:"exercises_completed,omitempty"`
	ExercisesTotal     int      `json:"exercises_total,omitempty"`
}

// Float is a helper for building signals.
func Float(v float64) *float64 { return &v }

// Derive returns the signal score in [0,1] and whether any component was present.
func (s Signal) Derive() (float64, bool) {
	var sum float64
	var n int

	if s.Score != nil {
		sum += shared.Clamp01(*s.Score)
		n++
	}
	if s.ReflectionSentiment != nil {
		sum += shared.Clamp01((*s.ReflectionSentiment + 1) / 2)
		n++
	}
	if s.SelfReportDifficulty != nil {
		sum += 1 - shared.Clamp01(*s.SelfReportDifficulty)
		n++
	}
	if eng, ok := s.engagement(); ok {
		sum += eng
		n++
	}

	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (s Signal) engagement() (float64, bool) {
	var sum float64
	var n int
	if s.ScrollDepth != nil {
		sum += shared.Clamp01(*s.ScrollDepth)
		n++
	}
	if s.ExercisesTotal > 0 {
		sum += shared.Clamp01(float64(s.ExercisesCompleted) / float64(s.ExercisesTotal))
		n++
	}
	if s.ExpectedSeconds > 0 && s.CompletionSeconds > 0 {
		sum += math.Min(1, s.CompletionSeconds/s.ExpectedSeconds)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Event is an immutable assessment observation.
type Event struct {
	ID             string              `json:"id"`
	PatientID      shared.PatientID    `json:"patient_id"`
	MicroBlockID   shared.MicroBlockID `json:"microblock_id"`
	CatalogVersion int                 `json:"catalog_version"`
	Signal         Signal              `json:"signal"`
	Score          float64             `json:"score"`
	Light          shared.Light        `json:"derived_light"`
	Confidence     float64             `json:"derived_confidence"`
	Source         shared.Source       `json:"source"`
	Backfill       bool                `json:"backfill,omitempty"`
	ContextTags    []shared.ContextTag `json:"context_tags,omitempty"`
	ClinicianID    shared.ClinicianID  `json:"clinician_id,omitempty"`
	Note           string              `json:"note,omitempty"`
	OccurredAt     time.Time           `json:"occurred_at"`
	RecordedAt     time.Time           `json:"recorded_at"`
}

// IsOverride reports a clinician-authored event.
func (e Event) IsOverride() bool {
	return e.Source == shared.SourceClinicianOverride
}

// EventInput carries the fields a caller supplies for a new event.
type EventInput struct {
	PatientID      shared.PatientID
	MicroBlockID   shared.MicroBlockID
	CatalogVersion int
	Signal         Signal
	Source         shared.Source
	Backfill       bool
	ContextTags    []shared.ContextTag
	OccurredAt     time.Time
	RecordedAt     time.Time

	// Override fields, only for SourceClinicianOverride.
	OverrideLight shared.Light
	ClinicianID   shared.ClinicianID
	Note          string
}

// NewEvent validates input and derives the event's light and confidence.
// k is the confidence growth rate used for a single fresh sample.
func NewEvent(in EventInput, k float64) (Event, error) {
	const op = "NewEvent"
	if !in.PatientID.IsValid() {
		return Event{}, shared.ErrInvalidPatientID
	}
	if !in.MicroBlockID.IsValid() {
		return Event{}, shared.ErrInvalidMicroBlockID
	}
	if !in.Source.IsValid() {
		return Event{}, shared.ErrInvalidSource
	}
	if in.OccurredAt.IsZero() {
		return Event{}, shared.ValidationError("microblock", op, "occurred_at is required")
	}
	if in.RecordedAt.IsZero() {
		in.RecordedAt = in.OccurredAt
	}

	e := Event{
		ID:             uuid.NewString(),
		PatientID:      in.PatientID,
		MicroBlockID:   in.MicroBlockID,
		CatalogVersion: in.CatalogVersion,
		Signal:         in.Signal,
		Source:         in.Source,
		Backfill:       in.Backfill,
		ContextTags:    in.ContextTags,
		OccurredAt:     in.OccurredAt.UTC(),
		RecordedAt:     in.RecordedAt.UTC(),
	}

	if in.Source == shared.SourceClinicianOverride {
		if !in.OverrideLight.IsKnown() {
			return Event{}, shared.ValidationError("microblock", op, "override must set RED, ORANGE or GREEN")
		}
		if in.ClinicianID == "" {
			return Event{}, shared.ValidationError("microblock", op, "override requires clinician_id")
		}
		e.Light = in.OverrideLight
		e.Score = in.OverrideLight.Signal()
		e.Confidence = 1.0
		e.ClinicianID = in.ClinicianID
		e.Note = in.Note
		return e, nil
	}

	score, ok := in.Signal.Derive()
	if !ok {
		return Event{}, shared.ValidationError("microblock", op, "signal carries no measurable component")
	}
	e.Score = score
	e.Light = shared.LightFromScore(score)
	e.Confidence = 1 - math.Exp(-k)
	return e, nil
}

// SortEvents orders events by occurrence, then recording time, then id.
// Replay always uses this order.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		return a.ID < b.ID
	})
}
