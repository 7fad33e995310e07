// Package pattern finds recurring temporal and contextual regularities in a
// patient's assessment history.
package pattern

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// TRIGGER
// ══════════════════════════════════════════════════════════════════════════════

// TriggerKind distinguishes clock-based from context-based triggers.
type TriggerKind string

const (
	TriggerTime    TriggerKind = "time"
	TriggerContext TriggerKind = "context"
)

// Trigger describes when a pattern recurs.
type Trigger struct {
	Kind       TriggerKind       `json:"kind"`
	Weekday    time.Weekday      `json:"weekday,omitempty"`
	HourStart  int               `json:"hour_start,omitempty"`
	HourEnd    int               `json:"hour_end,omitempty"`
	ContextTag shared.ContextTag `json:"context_tag,omitempty"`
}

// TimeTrigger builds a weekday/hour trigger.
func TimeTrigger(day time.Weekday, hourStart, hourEnd int) Trigger {
	return Trigger{Kind: TriggerTime, Weekday: day, HourStart: hourStart, HourEnd: hourEnd}
}

// ContextTrigger builds a context-tag trigger.
func ContextTrigger(tag shared.ContextTag) Trigger {
	return Trigger{Kind: TriggerContext, ContextTag: tag}
}

// Key is the stable grouping key, used for id derivation.
func (t Trigger) Key() string {
	if t.Kind == TriggerContext {
		return "context:" + string(t.ContextTag)
	}
	return fmt.Sprintf("time:%d:%02d-%02d", int(t.Weekday), t.HourStart, t.HourEnd)
}

// String renders the trigger for humans, e.g. "Monday 8-9am".
func (t Trigger) String() string {
	if t.Kind == TriggerContext {
		return "context " + string(t.ContextTag)
	}
	start, sm := clock(t.HourStart)
	end, em := clock(t.HourEnd)
	if sm == em {
		return fmt.Sprintf("%s %d-%d%s", t.Weekday, start, end, em)
	}
	return fmt.Sprintf("%s %d%s-%d%s", t.Weekday, start, sm, end, em)
}

func clock(h int) (int, string) {
	h %= 24
	suffix := "am"
	if h >= 12 {
		suffix = "pm"
	}
	h %= 12
	if h == 0 {
		h = 12
	}
	return h, suffix
}

// Imminent reports whether the trigger is open now or opens within lookahead.
// Context triggers are imminent when the current check-in carries the tag.
func (t Trigger) Imminent(now time.Time, loc *time.Location, lookahead time.Duration, current []shared.ContextTag) bool {
	if t.Kind == TriggerContext {
		for _, tag := range current {
			if tag == t.ContextTag {
				return true
			}
		}
		return false
	}
	return timeutil.WithinLookahead(now, loc, t.Weekday, t.HourStart, t.HourEnd, lookahead)
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, shared.ValidationError("pattern", "ParseWeekday", "unknown weekday "+s)
}

// ══════════════════════════════════════════════════════════════════════════════
// PATTERN
// ══════════════════════════════════════════════════════════════════════════════

// Status of a stored pattern.
type Status string

const (
	StatusActive      Status = "active"
	StatusInvalidated Status = "invalidated"
)

// Pattern is a detected regularity for one (trigger, micro-block) pair.
type Pattern struct {
	ID            string                `json:"id"`
	PatientID     shared.PatientID      `json:"patient_id"`
	Trigger       Trigger               `json:"trigger"`
	MicroBlocks   []shared.MicroBlockID `json:"associated_microblocks"`
	Confidence    float64               `json:"confidence"`
	Corroborating int                   `json:"corroborating"`
	Total         int                   `json:"total"`
	FirstObserved time.Time             `json:"first_observed"`
	LastConfirmed time.Time             `json:"last_confirmed"`
	Status        Status                `json:"status"`
	InvalidatedAt *time.Time            `json:"invalidated_at,omitempty"`
}

// IsActive reports an active pattern.
func (p Pattern) IsActive() bool {
	return p.Status == StatusActive
}

var idNamespace = uuid.MustParse("0b6c1d0e-5f7a-4c38-9e4f-2d8a1b7c6e51")

// PatternID derives the stable id for (patient, trigger, block), so repeated
// detection over the same window produces the same ids.
func PatternID(patientID shared.PatientID, t Trigger, block shared.MicroBlockID) string {
	return uuid.NewSHA1(idNamespace, []byte(string(patientID)+"|"+t.Key()+"|"+string(block))).String()
}

// Repository stores detected patterns.
type Repository interface {
	// Save upserts a pattern by id.
	Save(ctx context.Context, p Pattern) error

	// Delete removes a pattern that fell below the retention ratio.
	Delete(ctx context.Context, patientID shared.PatientID, id string) error

	// ListForPatient returns every stored pattern, ordered by id.
	ListForPatient(ctx context.Context, patientID shared.PatientID) ([]Pattern, error)
}
