// Package decision is the priority-ordered intervention selector. The Engine
// is a pure function of its Input: loading state and persisting the result
// happen outside of it.
package decision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Action is what the decision asks downstream to do.
type Action string

const (
	ActionContent  Action = "CONTENT"
	ActionEscalate Action = "ESCALATE"
	ActionNone     Action = "NO_ACTION"
)

// Tier is the priority tier that produced the decision.
type Tier string

const (
	TierSafety    Tier = "safety"
	TierStability Tier = "stability"
	TierProgress  Tier = "progress"
	TierRest      Tier = "rest"
	TierNone      Tier = "none"
)

// Trigger is what started the decision cycle.
type Trigger string

const (
	TriggerCheckin           Trigger = "checkin"
	TriggerContentCompletion Trigger = "content_completion"
	TriggerClinicianOverride Trigger = "clinician_override"
	TriggerCrisisFlag        Trigger = "crisis_flag"
	TriggerScheduledSweep    Trigger = "scheduled_sweep"
)

// IsValid checks the trigger.
func (t Trigger) IsValid() bool {
	switch t {
	case TriggerCheckin, TriggerContentCompletion, TriggerClinicianOverride, TriggerCrisisFlag, TriggerScheduledSweep:
		return true
	}
	return false
}

// FactorKind classifies a reasoning entry.
type FactorKind string

const (
	FactorTier             FactorKind = "tier"
	FactorMicroBlock       FactorKind = "microblock"
	FactorPattern          FactorKind = "pattern"
	FactorCrisisFlag       FactorKind = "crisis_flag"
	FactorDistress         FactorKind = "distress"
	FactorRestLimit        FactorKind = "rest_limit"
	FactorPaused           FactorKind = "suggestions_paused"
	FactorColdStart        FactorKind = "cold_start"
	FactorDiversity        FactorKind = "diversity_guard"
	FactorMaintenance      FactorKind = "maintenance"
	FactorInsufficientData FactorKind = "insufficient_data"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORDS
// ══════════════════════════════════════════════════════════════════════════════

// Factor is one machine-checkable reasoning entry. Ref carries the decisive
// id (micro-block, pattern, tier name) where there is one.
type Factor struct {
	Kind   FactorKind `json:"kind"`
	Ref    string     `json:"ref,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// String renders the factor as "kind ref: detail".
func (f Factor) String() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.Ref != "" {
		b.WriteString(" ")
		b.WriteString(f.Ref)
	}
	if f.Detail != "" {
		b.WriteString(": ")
		b.WriteString(f.Detail)
	}
	return b.String()
}

// Candidate is one content option the Progress or Stability tier considered.
type Candidate struct {
	ContentID    shared.ContentID    `json:"content_id"`
	MicroBlockID shared.MicroBlockID `json:"microblock_id"`
	PatternID    string              `json:"pattern_id,omitempty"`
	Score        float64             `json:"score"`
	Rank         int                 `json:"rank"`
	Why          string              `json:"why"`
}

// Decision is one append-only audit record.
type Decision struct {
	ID                string              `json:"id"`
	PatientID         shared.PatientID    `json:"patient_id"`
	CreatedAt         time.Time           `json:"created_at"`
	Trigger           Trigger             `json:"trigger"`
	Action            Action              `json:"selected_action"`
	ContentID         shared.ContentID    `json:"content_id,omitempty"`
	Tier              Tier                `json:"priority_tier"`
	PrimaryMicroBlock shared.MicroBlockID `json:"primary_microblock,omitempty"`
	PatternID         string              `json:"pattern_id,omitempty"`
	Reasoning         []Factor            `json:"reasoning"`
	Candidates        []Candidate         `json:"candidates,omitempty"`
	PolicyVersion     string              `json:"policy_version"`
	ExpiresAt         time.Time           `json:"expires_at"`
	Supersedes        string              `json:"supersedes,omitempty"`

	// Seq is the write position the repository assigned on Save. It only
	// grows in write order, so it is the escalation feed cursor.
	Seq int64 `json:"seq,omitempty"`
}

// IsEscalation reports an ESCALATE decision.
func (d Decision) IsEscalation() bool {
	return d.Action == ActionEscalate
}

// IsActive reports whether the decision has not expired at now.
func (d Decision) IsActive(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}

// SelectedAction renders the action the way consumers read it: a content id,
// ESCALATE, or NO_ACTION.
func (d Decision) SelectedAction() string {
	if d.Action == ActionContent {
		return string(d.ContentID)
	}
	return string(d.Action)
}

// ReasoningStrings renders the reasoning list.
func (d Decision) ReasoningStrings() []string {
	out := make([]string, len(d.Reasoning))
	for i, f := range d.Reasoning {
		out[i] = f.String()
	}
	return out
}

// NamesInput reports whether the reasoning names a micro-block or pattern id.
func (d Decision) NamesInput() bool {
	for _, f := range d.Reasoning {
		if (f.Kind == FactorMicroBlock || f.Kind == FactorPattern) && f.Ref != "" {
			return true
		}
	}
	return false
}

// Validate enforces the record contract before it is written.
func (d Decision) Validate() error {
	const op = "Validate"
	if !d.PatientID.IsValid() {
		return shared.ErrInvalidPatientID
	}
	if len(d.Reasoning) == 0 {
		return shared.ErrMissingReasoning
	}
	if d.Reasoning[0].Kind != FactorTier || d.Reasoning[0].Ref != string(d.Tier) {
		return shared.ValidationError("decision", op, "reasoning must open with the tier that fired")
	}
	switch d.Action {
	case ActionContent:
		if d.ContentID == "" {
			return shared.ValidationError("decision", op, "content decision without content id")
		}
	case ActionEscalate, ActionNone:
	default:
		return shared.ValidationError("decision", op, fmt.Sprintf("unknown action %q", d.Action))
	}
	if (d.Tier == TierStability || d.Tier == TierProgress) && d.Action == ActionContent && !d.NamesInput() {
		return shared.ValidationError("decision", op, "stability/progress reasoning must name a micro-block or pattern")
	}
	if !d.ExpiresAt.After(d.CreatedAt) {
		return shared.ValidationError("decision", op, "expires_at must follow created_at")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// Repository is the append-only decision log.
type Repository interface {
	// Save appends a decision. Existing ids are rejected with ErrAlreadyExists.
	Save(ctx context.Context, d Decision) error

	// Get returns one decision or ErrDecisionNotFound.
	Get(ctx context.Context, id string) (Decision, error)

	// Recent returns up to limit decisions, newest first.
	Recent(ctx context.Context, patientID shared.PatientID, limit int) ([]Decision, error)

	// ListSince returns the patient's decisions with CreatedAt >= since, newest first.
	ListSince(ctx context.Context, patientID shared.PatientID, since time.Time) ([]Decision, error)

	// EscalationsAfter returns ESCALATE decisions across patients with
	// Seq > afterSeq and CreatedAt > since, in write order, with Seq set.
	EscalationsAfter(ctx context.Context, afterSeq int64, since time.Time, limit int) ([]Decision, error)
}

// Cache keeps the active decision per patient for the read path. A miss is
// ErrNotFound; callers then fall back to the Repository.
type Cache interface {
	GetActive(ctx context.Context, patientID shared.PatientID) (Decision, error)
	SetActive(ctx context.Context, d Decision) error
	Invalidate(ctx context.Context, patientID shared.PatientID) error
}

// ActiveFrom picks the active decision from a newest-first list: the latest
// record that has not expired. A newer decision supersedes older ones.
func ActiveFrom(recent []Decision, now time.Time) (Decision, bool) {
	for _, d := range recent {
		if d.CreatedAt.After(now) {
			continue
		}
		if d.IsActive(now) {
			return d, true
		}
		return Decision{}, false
	}
	return Decision{}, false
}

// CrisisFlagActive reports whether a crisis flag raised at flaggedAt still
// applies at now: within window and not yet answered by a later escalation.
func CrisisFlagActive(flaggedAt time.Time, recent []Decision, now time.Time, window time.Duration) bool {
	if flaggedAt.IsZero() || flaggedAt.After(now) || now.Sub(flaggedAt) > window {
		return false
	}
	for _, d := range recent {
		if d.IsEscalation() && !d.CreatedAt.Before(flaggedAt) {
			return false
		}
	}
	return true
}
