// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"math"
	"regexp"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// PatientID represents a unique patient identifier (UUID format).
type PatientID string

// UUID validation regex (simple version).
var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValid checks if the patient ID is a valid UUID.
func (p PatientID) IsValid() bool {
	return uuidRegex.MatchString(string(p))
}

// String returns the string representation.
func (p PatientID) String() string {
	return string(p)
}

// NewPatientID creates a new PatientID with validation.
func NewPatientID(id string) (PatientID, error) {
	pid := PatientID(strings.ToLower(strings.TrimSpace(id)))
	if !pid.IsValid() {
		return "", ErrInvalidPatientID
	}
	return pid, nil
}

// MicroBlockID identifies a micro-block, e.g. "ER-DT-001": pillar, family, sequence.
type MicroBlockID string

var microBlockRegex = regexp.MustCompile(`^[A-Z]{2}-[A-Z]{2,4}-[0-9]{3}$`)

// IsValid checks the id format and that its prefix is a known pillar.
func (m MicroBlockID) IsValid() bool {
	if !microBlockRegex.MatchString(string(m)) {
		return false
	}
	return m.Pillar().IsValid()
}

// Pillar returns the pillar encoded in the id prefix.
func (m MicroBlockID) Pillar() Pillar {
	if len(m) < 2 {
		return ""
	}
	return Pillar(m[:2])
}

// String returns the string representation.
func (m MicroBlockID) String() string {
	return string(m)
}

// NewMicroBlockID creates a MicroBlockID with validation.
func NewMicroBlockID(id string) (MicroBlockID, error) {
	mid := MicroBlockID(strings.ToUpper(strings.TrimSpace(id)))
	if !mid.IsValid() {
		return "", ErrInvalidMicroBlockID
	}
	return mid, nil
}

// ContentID identifies a catalog content item.
type ContentID string

// String returns the string representation.
func (c ContentID) String() string {
	return string(c)
}

// ClinicianID identifies the clinician who authored an override.
type ClinicianID string

// ═══════════════════════════════════════════════════════════════════════════
// Pillar Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Pillar is one of the six recovery-capacity domains.
type Pillar string

const (
	PillarEmotionalRegulation Pillar = "ER"
	PillarStressResilience    Pillar = "SR"
	PillarSocialConnectivity  Pillar = "SC"
	PillarCognitiveReframing  Pillar = "CR"
	PillarIdentityIntegration Pillar = "II"
	PillarDecisionMastery     Pillar = "DM"
)

// AllPillars returns the pillars in canonical order.
func AllPillars() []Pillar {
	return []Pillar{
		PillarEmotionalRegulation,
		PillarStressResilience,
		PillarSocialConnectivity,
		PillarCognitiveReframing,
		PillarIdentityIntegration,
		PillarDecisionMastery,
	}
}

// IsValid checks the pillar is one of the six known codes.
func (p Pillar) IsValid() bool {
	switch p {
	case PillarEmotionalRegulation, PillarStressResilience, PillarSocialConnectivity,
		PillarCognitiveReframing, PillarIdentityIntegration, PillarDecisionMastery:
		return true
	}
	return false
}

// Name returns the display name.
func (p Pillar) Name() string {
	switch p {
	case PillarEmotionalRegulation:
		return "Emotional Regulation"
	case PillarStressResilience:
		return "Stress Resilience"
	case PillarSocialConnectivity:
		return "Social Connectivity"
	case PillarCognitiveReframing:
		return "Cognitive Reframing"
	case PillarIdentityIntegration:
		return "Identity Integration"
	case PillarDecisionMastery:
		return "Decision Mastery"
	}
	return string(p)
}

// ═══════════════════════════════════════════════════════════════════════════
// Light Value Object (tri-state plus UNKNOWN)
// ═══════════════════════════════════════════════════════════════════════════

// Light is the traffic-light state of a micro-block.
type Light string

const (
	LightRed     Light = "RED"
	LightOrange  Light = "ORANGE"
	LightGreen   Light = "GREEN"
	LightUnknown Light = "UNKNOWN"
)

// Signal score cut points.
const (
	RedUpperBound    = 0.33
	OrangeUpperBound = 0.66
)

// IsValid checks the light is one of the four states.
func (l Light) IsValid() bool {
	switch l {
	case LightRed, LightOrange, LightGreen, LightUnknown:
		return true
	}
	return false
}

// IsKnown reports whether the light carries an assessment.
func (l Light) IsKnown() bool {
	return l == LightRed || l == LightOrange || l == LightGreen
}

// NeedsWork reports RED or ORANGE.
func (l Light) NeedsWork() bool {
	return l == LightRed || l == LightOrange
}

// Rank orders known lights from most to least concerning (RED=0). UNKNOWN is -1.
func (l Light) Rank() int {
	switch l {
	case LightRed:
		return 0
	case LightOrange:
		return 1
	case LightGreen:
		return 2
	}
	return -1
}

// Signal maps a known light to a [0,1] signal score (RED=0, ORANGE=0.5, GREEN=1).
func (l Light) Signal() float64 {
	switch l {
	case LightOrange:
		return 0.5
	case LightGreen:
		return 1
	}
	return 0
}

// Points maps a known light to pillar points (RED=0, ORANGE=50, GREEN=100).
func (l Light) Points() float64 {
	return l.Signal() * 100
}

// LightFromScore thresholds a signal score. The score is floored to 1e-9
// before comparison so float drift never promotes a value across a cut.
func LightFromScore(score float64) Light {
	s := math.Floor(score*1e9) / 1e9
	switch {
	case s < RedUpperBound:
		return LightRed
	case s < OrangeUpperBound:
		return LightOrange
	default:
		return LightGreen
	}
}

// ParseLight parses a case-insensitive light name.
func ParseLight(s string) (Light, error) {
	l := Light(strings.ToUpper(strings.TrimSpace(s)))
	if !l.IsValid() {
		return "", ErrInvalidLight
	}
	return l, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Source Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Source is the origin of an assessment event.
type Source string

const (
	SourceBaseline          Source = "baseline"
	SourceOngoing           Source = "ongoing"
	SourceClinicianOverride Source = "clinician_override"
)

// IsValid checks the source.
func (s Source) IsValid() bool {
	switch s {
	case SourceBaseline, SourceOngoing, SourceClinicianOverride:
		return true
	}
	return false
}

// IsAutomatic reports events not authored by a clinician.
func (s Source) IsAutomatic() bool {
	return s == SourceBaseline || s == SourceOngoing
}

// ContextTag is a free-form situational tag attached to a check-in ("work", "family").
type ContextTag string

// NormalizeTags lower-cases, trims, and de-duplicates tags, preserving first-seen order.
func NormalizeTags(tags []string) []ContextTag {
	out := make([]ContextTag, 0, len(tags))
	seen := make(map[ContextTag]struct{}, len(tags))
	for _, t := range tags {
		tag := ContextTag(strings.ToLower(strings.TrimSpace(t)))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// TimeRange Value Object
// ═══════════════════════════════════════════════════════════════════════════

// TimeRange represents a time period.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// IsValid checks if the time range is valid.
func (t TimeRange) IsValid() bool {
	return !t.From.IsZero() && !t.To.IsZero() && !t.From.After(t.To)
}

// Contains checks if a time is within the range.
func (t TimeRange) Contains(tm time.Time) bool {
	return !tm.Before(t.From) && !tm.After(t.To)
}

// Trailing returns the range [now-d, now].
func Trailing(now time.Time, d time.Duration) TimeRange {
	return TimeRange{From: now.Add(-d), To: now}
}

// Clamp01 restricts v to [0,1].
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
