package microblock

import (
	"math"
	"time"

	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/timeutil"
)

// Params are the scoring constants. All are configuration, never hard-coded at call sites.
type Params struct {
	// K is the confidence growth rate in 1 - exp(-K * effective_samples).
	K float64 `yaml:"k"`
	// HalfLife of an observation's recency weight.
	HalfLife time.Duration `yaml:"half_life"`
	// StalenessHorizon after which confidence decays toward zero.
	StalenessHorizon time.Duration `yaml:"staleness_horizon"`
	// StalenessHalfLife of the decay applied past the horizon.
	StalenessHalfLife time.Duration `yaml:"staleness_half_life"`
	// OverrideContradictions is how many consecutive contradicting automatic
	// events an override withstands. The next one releases it.
	OverrideContradictions int `yaml:"override_contradictions"`
	// ReviewIntervals schedule spaced re-exposure of GREEN blocks by streak length.
	ReviewIntervals []time.Duration `yaml:"review_intervals"`
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		K:                      0.5,
		HalfLife:               30 * timeutil.Day,
		StalenessHorizon:       90 * timeutil.Day,
		StalenessHalfLife:      30 * timeutil.Day,
		OverrideContradictions: 2,
		ReviewIntervals: []time.Duration{
			1 * timeutil.Day,
			3 * timeutil.Day,
			7 * timeutil.Day,
			14 * timeutil.Day,
			30 * timeutil.Day,
		},
	}
}

// Override is an active clinician pin on a block.
type Override struct {
	Light          shared.Light       `json:"light"`
	ClinicianID    shared.ClinicianID `json:"clinician_id"`
	Note           string             `json:"note,omitempty"`
	SetAt          time.Time          `json:"set_at"`
	Contradictions int                `json:"contradictions"`
}

// State is the materialized view of one (patient, micro-block) event stream.
type State struct {
	PatientID      shared.PatientID    `json:"patient_id"`
	MicroBlockID   shared.MicroBlockID `json:"microblock_id"`
	Light          shared.Light        `json:"state"`
	Confidence     float64             `json:"confidence"`
	Score          float64             `json:"score"`
	SampleCount    int                 `json:"sample_count"`
	LastAssessed   time.Time           `json:"last_assessed"`
	DecayDue       time.Time           `json:"decay_due"`
	Override       *Override           `json:"override,omitempty"`
	GreenStreak    int                 `json:"green_streak"`
	ReviewDue      *time.Time          `json:"review_due,omitempty"`
	CatalogVersion int                 `json:"catalog_version"`
}

// Unknown returns the empty state for a block never assessed.
func Unknown(patientID shared.PatientID, block shared.MicroBlockID) State {
	return State{
		PatientID:    patientID,
		MicroBlockID: block,
		Light:        shared.LightUnknown,
	}
}

// IsKnown reports whether at least one sample exists.
func (s State) IsKnown() bool {
	return s.SampleCount > 0
}

// IsOverridden reports an active clinician pin.
func (s State) IsOverridden() bool {
	return s.Override != nil
}

// IsStale reports whether last_assessed is past the staleness horizon at now.
func (s State) IsStale(now time.Time, p Params) bool {
	return s.IsKnown() && now.Sub(s.LastAssessed) > p.StalenessHorizon
}

// CheckFresh returns ErrStateStale when the state is past its horizon.
// The error is an internal signal for the decay sweep, never a caller-facing failure.
func (s State) CheckFresh(now time.Time, p Params) error {
	if s.IsStale(now, p) {
		return shared.ErrStateStale
	}
	return nil
}

// EffectiveConfidence is the stored confidence decayed for staleness at now.
// It is non-increasing in now once past the horizon.
func (s State) EffectiveConfidence(now time.Time, p Params) float64 {
	if !s.IsStale(now, p) {
		return s.Confidence
	}
	over := now.Sub(s.LastAssessed) - p.StalenessHorizon
	return s.Confidence * timeutil.HalfLifeWeight(over, p.StalenessHalfLife)
}

// At returns a copy with confidence decayed to now.
func (s State) At(now time.Time, p Params) State {
	s.Confidence = s.EffectiveConfidence(now, p)
	return s
}

// IsReviewDue reports a GREEN block whose spaced review date has passed.
func (s State) IsReviewDue(now time.Time) bool {
	return s.Light == shared.LightGreen && s.ReviewDue != nil && !now.Before(*s.ReviewDue)
}

// Recompute derives the state from the full event history of one block.
// The result depends only on the events and params, so replaying the log
// always reproduces the same state. Recency weights are measured from the
// latest event; staleness relative to wall-clock is applied on read.
func Recompute(patientID shared.PatientID, block shared.MicroBlockID, events []Event, p Params) State {
	st := Unknown(patientID, block)
	if len(events) == 0 {
		return st
	}

	ordered := make([]Event, len(events))
	copy(ordered, events)
	SortEvents(ordered)

	var override *Override
	windowStart := 0
	streak := 0

	for i, e := range ordered {
		if e.IsOverride() {
			override = &Override{
				Light:       e.Light,
				ClinicianID: e.ClinicianID,
				Note:        e.Note,
				SetAt:       e.OccurredAt,
			}
			windowStart = i + 1
		} else if override != nil {
			if e.Light != override.Light {
				override.Contradictions++
				if override.Contradictions > p.OverrideContradictions {
					override = nil
				}
			} else {
				override.Contradictions = 0
			}
		}

		if e.Light == shared.LightGreen {
			streak++
		} else {
			streak = 0
		}
		if e.CatalogVersion > st.CatalogVersion {
			st.CatalogVersion = e.CatalogVersion
		}
	}

	last := ordered[len(ordered)-1]
	st.SampleCount = len(ordered)
	st.LastAssessed = last.OccurredAt
	st.DecayDue = last.OccurredAt.Add(p.StalenessHorizon)
	st.GreenStreak = streak

	if override != nil {
		ov := *override
		st.Override = &ov
		st.Light = ov.Light
		st.Score = ov.Light.Signal()
		st.Confidence = 1.0
	} else {
		var weighted, total float64
		for _, e := range ordered[windowStart:] {
			w := timeutil.HalfLifeWeight(last.OccurredAt.Sub(e.OccurredAt), p.HalfLife)
			weighted += w * e.Score
			total += w
		}
		st.Score = weighted / total
		st.Light = shared.LightFromScore(st.Score)
		st.Confidence = 1 - math.Exp(-p.K*total)
	}

	if st.Light == shared.LightGreen && streak > 0 && len(p.ReviewIntervals) > 0 {
		idx := streak - 1
		if idx >= len(p.ReviewIntervals) {
			idx = len(p.ReviewIntervals) - 1
		}
		due := last.OccurredAt.Add(p.ReviewIntervals[idx])
		st.ReviewDue = &due
	}

	return st
}
