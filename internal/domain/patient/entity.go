// Package patient holds the patient aggregate: the lifecycle root that every
// other record references by id. It also owns the inbound signals that are not
// assessments themselves (check-in context and crisis flags).
package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// Status is the lifecycle status of a patient.
type Status string

const (
	// StatusOnboarding - enrolled, baseline in progress.
	StatusOnboarding Status = "onboarding"
	// StatusActive - past onboarding, receiving ongoing decisions.
	StatusActive Status = "active"
	// StatusDischarged - left the programme; records retained.
	StatusDischarged Status = "discharged"
	// StatusArchived - retention hold only.
	StatusArchived Status = "archived"
)

// IsValid checks the status.
func (s Status) IsValid() bool {
	switch s {
	case StatusOnboarding, StatusActive, StatusDischarged, StatusArchived:
		return true
	}
	return false
}

// IsTracked reports whether inbound events are accepted.
func (s Status) IsTracked() bool {
	return s == StatusOnboarding || s == StatusActive
}

// CanTransitionTo enforces the lifecycle graph.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusOnboarding:
		return next == StatusActive || next == StatusDischarged
	case StatusActive:
		return next == StatusDischarged
	case StatusDischarged:
		return next == StatusArchived || next == StatusActive
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Patient is the lifecycle root.
type Patient struct {
	ID                shared.PatientID
	ExternalRef       string
	Status            Status
	Timezone          string
	SuggestionsPaused bool
	EnrolledAt        time.Time
	UpdatedAt         time.Time
	DischargedAt      *time.Time
}

// NewPatientParams are the inputs to enrolment.
type NewPatientParams struct {
	ID          string
	ExternalRef string
	Timezone    string
	EnrolledAt  time.Time
}

// NewPatient enrols a patient in onboarding status.
func NewPatient(p NewPatientParams) (*Patient, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	pid, err := shared.NewPatientID(id)
	if err != nil {
		return nil, err
	}

	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := timeutil.Location(tz); err != nil {
		return nil, shared.WrapError("patient", "New", shared.ErrInvalidInput, "unknown timezone", err)
	}

	at := p.EnrolledAt
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	return &Patient{
		ID:          pid,
		ExternalRef: strings.TrimSpace(p.ExternalRef),
		Status:      StatusOnboarding,
		Timezone:    tz,
		EnrolledAt:  at,
		UpdatedAt:   at,
	}, nil
}

// Location returns the patient's time zone.
func (p *Patient) Location() *time.Location {
	return timeutil.MustLocation(p.Timezone)
}

// TransitionTo moves the patient along the lifecycle graph.
func (p *Patient) TransitionTo(next Status, at time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return shared.ErrInvalidPatientStatus
	}
	p.Status = next
	p.UpdatedAt = at.UTC()
	if next == StatusDischarged {
		t := at.UTC()
		p.DischargedAt = &t
	}
	if next == StatusActive {
		p.DischargedAt = nil
	}
	return nil
}

// Activate ends onboarding. A no-op if already active.
func (p *Patient) Activate(at time.Time) error {
	if p.Status == StatusActive {
		return nil
	}
	return p.TransitionTo(StatusActive, at)
}

// SetSuggestionsPaused records the patient's explicit pause preference.
func (p *Patient) SetSuggestionsPaused(paused bool, at time.Time) {
	p.SuggestionsPaused = paused
	p.UpdatedAt = at.UTC()
}

// EnsureTracked returns ErrPatientNotTracked for discharged or archived patients.
func (p *Patient) EnsureTracked() error {
	if !p.Status.IsTracked() {
		return shared.ErrPatientNotTracked
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// INBOUND SIGNALS
// ══════════════════════════════════════════════════════════════════════════════

// Checkin is the non-assessment part of a check-in: distress and context.
type Checkin struct {
	ID           string
	PatientID    shared.PatientID
	At           time.Time
	Dimensions   map[shared.MicroBlockID]float64
	ContextTags  []shared.ContextTag
	HighDistress bool
	Arousal      *float64
}

// IsHighDistress applies the arousal threshold to the check-in.
func (c Checkin) IsHighDistress(arousalThreshold float64) bool {
	if c.HighDistress {
		return true
	}
	return c.Arousal != nil && *c.Arousal >= arousalThreshold
}

// CrisisFlag is raised only by external analysis collaborators.
type CrisisFlag struct {
	ID        string
	PatientID shared.PatientID
	At        time.Time
	Source    string
}
