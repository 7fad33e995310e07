// Package query contains read operations (CQRS - Queries).
package query

import (
	"time"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/pattern"
)

// ══════════════════════════════════════════════════════════════════════════════
// DTOs
// Wire shapes shared by the HTTP handlers and the MCP tools.
// ══════════════════════════════════════════════════════════════════════════════

// FactorDTO is one reasoning entry.
type FactorDTO struct {
	Kind   string `json:"kind"`
	Ref    string `json:"ref,omitempty"`
	Detail string `json:"detail,omitempty"`
	Text   string `json:"text"`
}

// CandidateDTO is one considered option.
type CandidateDTO struct {
	ContentID    string  `json:"content_id"`
	MicroBlockID string  `json:"microblock_id"`
	PatternID    string  `json:"pattern_id,omitempty"`
	Score        float64 `json:"score"`
	Rank         int     `json:"rank"`
	Why          string  `json:"why"`
}

// DecisionDTO is the outbound decision record.
type DecisionDTO struct {
	// ─────────────────────────────────────────────────────────────────────────
	// Identity
	// ─────────────────────────────────────────────────────────────────────────

	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Trigger   string    `json:"trigger"`
	Seq       int64     `json:"seq,omitempty"`

	// ─────────────────────────────────────────────────────────────────────────
	// Outcome
	// ─────────────────────────────────────────────────────────────────────────

	// SelectedAction is a content id, ESCALATE or NO_ACTION.
	SelectedAction    string `json:"selected_action"`
	Action            string `json:"action"`
	ContentID         string `json:"content_id,omitempty"`
	PriorityTier      string `json:"priority_tier"`
	PrimaryMicroBlock string `json:"primary_microblock,omitempty"`
	PatternID         string `json:"pattern_id,omitempty"`

	// ─────────────────────────────────────────────────────────────────────────
	// Trace
	// ─────────────────────────────────────────────────────────────────────────

	Reasoning     []FactorDTO    `json:"reasoning"`
	Candidates    []CandidateDTO `json:"candidates,omitempty"`
	PolicyVersion string         `json:"policy_version"`
	Supersedes    string         `json:"supersedes,omitempty"`
}

// NewDecisionDTO maps a decision.
func NewDecisionDTO(d decision.Decision) DecisionDTO {
	dto := DecisionDTO{
		ID:                d.ID,
		PatientID:         d.PatientID.String(),
		CreatedAt:         d.CreatedAt,
		ExpiresAt:         d.ExpiresAt,
		Trigger:           string(d.Trigger),
		Seq:               d.Seq,
		SelectedAction:    d.SelectedAction(),
		Action:            string(d.Action),
		ContentID:         string(d.ContentID),
		PriorityTier:      string(d.Tier),
		PrimaryMicroBlock: string(d.PrimaryMicroBlock),
		PatternID:         d.PatternID,
		PolicyVersion:     d.PolicyVersion,
		Supersedes:        d.Supersedes,
		Reasoning:         make([]FactorDTO, 0, len(d.Reasoning)),
	}
	for _, f := range d.Reasoning {
		dto.Reasoning = append(dto.Reasoning, FactorDTO{
			Kind:   string(f.Kind),
			Ref:    f.Ref,
			Detail: f.Detail,
			Text:   f.String(),
		})
	}
	for _, c := range d.Candidates {
		dto.Candidates = append(dto.Candidates, CandidateDTO{
			ContentID:    string(c.ContentID),
			MicroBlockID: string(c.MicroBlockID),
			PatternID:    c.PatternID,
			Score:        c.Score,
			Rank:         c.Rank,
			Why:          c.Why,
		})
	}
	return dto
}

// PatternDTO is the outbound pattern.
type PatternDTO struct {
	ID            string     `json:"id"`
	Trigger       string     `json:"trigger"`
	TriggerKind   string     `json:"trigger_kind"`
	Weekday       string     `json:"weekday,omitempty"`
	HourStart     int        `json:"hour_start,omitempty"`
	HourEnd       int        `json:"hour_end,omitempty"`
	ContextTag    string     `json:"context_tag,omitempty"`
	MicroBlocks   []string   `json:"microblocks"`
	Confidence    float64    `json:"confidence"`
	Corroborating int        `json:"corroborating"`
	Total         int        `json:"total"`
	FirstObserved time.Time  `json:"first_observed"`
	LastConfirmed time.Time  `json:"last_confirmed"`
	Status        string     `json:"status"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
}

// NewPatternDTO maps a pattern.
func NewPatternDTO(p pattern.Pattern) PatternDTO {
	dto := PatternDTO{
		ID:            p.ID,
		Trigger:       p.Trigger.String(),
		TriggerKind:   string(p.Trigger.Kind),
		ContextTag:    string(p.Trigger.ContextTag),
		Confidence:    p.Confidence,
		Corroborating: p.Corroborating,
		Total:         p.Total,
		FirstObserved: p.FirstObserved,
		LastConfirmed: p.LastConfirmed,
		Status:        string(p.Status),
		InvalidatedAt: p.InvalidatedAt,
	}
	if p.Trigger.Kind == pattern.TriggerTime {
		dto.Weekday = p.Trigger.Weekday.String()
		dto.HourStart = p.Trigger.HourStart
		dto.HourEnd = p.Trigger.HourEnd
	}
	for _, b := range p.MicroBlocks {
		dto.MicroBlocks = append(dto.MicroBlocks, string(b))
	}
	return dto
}

// StateDTO is one micro-block state.
type StateDTO struct {
	MicroBlockID string     `json:"microblock_id"`
	Pillar       string     `json:"pillar"`
	State        string     `json:"state"`
	Confidence   float64    `json:"confidence"`
	Score        float64    `json:"score"`
	SampleCount  int        `json:"sample_count"`
	LastAssessed *time.Time `json:"last_assessed,omitempty"`
	Overridden   bool       `json:"overridden"`
	ReviewDue    *time.Time `json:"review_due,omitempty"`
}

// NewStateDTO maps a state.
func NewStateDTO(st microblock.State) StateDTO {
	dto := StateDTO{
		MicroBlockID: string(st.MicroBlockID),
		Pillar:       string(st.MicroBlockID.Pillar()),
		State:        string(st.Light),
		Confidence:   st.Confidence,
		Score:        st.Score,
		SampleCount:  st.SampleCount,
		Overridden:   st.IsOverridden(),
		ReviewDue:    st.ReviewDue,
	}
	if !st.LastAssessed.IsZero() {
		t := st.LastAssessed
		dto.LastAssessed = &t
	}
	return dto
}
