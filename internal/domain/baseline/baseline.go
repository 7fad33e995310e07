// Package baseline drives the onboarding assessment protocol that populates
// a new patient's micro-block states.
package baseline

import (
	"context"
	"time"

	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/timeutil"
)

// Status of the onboarding protocol.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusActive     Status = "ACTIVE"
	StatusPaused     Status = "PAUSED"
	StatusComplete   Status = "COMPLETE"
)

// IsValid checks the status.
func (s Status) IsValid() bool {
	switch s {
	case StatusNotStarted, StatusActive, StatusPaused, StatusComplete:
		return true
	}
	return false
}

// Config holds the protocol thresholds.
type Config struct {
	// MinMicroBlocks distinct blocks must be assessed before completion (40-120).
	MinMicroBlocks int `yaml:"min_microblocks"`
	// MinDays must have elapsed before completion.
	MinDays int `yaml:"min_days"`
	// MaxDays marks the protocol overdue. Completion still requires coverage.
	MaxDays int `yaml:"max_days"`
	// DisengagementDays without events pause the protocol.
	DisengagementDays int `yaml:"disengagement_days"`
	// LowConfidence below which a known block is sampled again.
	LowConfidence float64 `yaml:"low_confidence"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinMicroBlocks:    60,
		MinDays:           14,
		MaxDays:           28,
		DisengagementDays: 5,
		LowConfidence:     0.5,
	}
}

// Validate checks the thresholds sit inside the protocol's allowed ranges.
func (c Config) Validate() error {
	if c.MinMicroBlocks < 40 || c.MinMicroBlocks > 120 {
		return shared.ValidationError("baseline", "Config", "min_microblocks must be within 40-120")
	}
	if c.MinDays < 14 || c.MaxDays > 28 || c.MinDays > c.MaxDays {
		return shared.ValidationError("baseline", "Config", "days must satisfy 14 <= min_days <= max_days <= 28")
	}
	if c.DisengagementDays <= 0 {
		return shared.ValidationError("baseline", "Config", "disengagement_days must be positive")
	}
	if c.LowConfidence <= 0 || c.LowConfidence >= 1 {
		return shared.ValidationError("baseline", "Config", "low_confidence must be within (0,1)")
	}
	return nil
}

// Baseline is the per-patient protocol record.
type Baseline struct {
	PatientID      shared.PatientID `json:"patient_id"`
	Status         Status           `json:"status"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	PausedAt       *time.Time       `json:"paused_at,omitempty"`
	LastEventAt    *time.Time       `json:"last_event_at,omitempty"`
	StepsIssued    int              `json:"steps_issued"`
	AssessedBlocks int              `json:"assessed_blocks"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// New returns a NOT_STARTED record.
func New(patientID shared.PatientID, at time.Time) *Baseline {
	return &Baseline{
		PatientID: patientID,
		Status:    StatusNotStarted,
		UpdatedAt: at.UTC(),
	}
}

// ElapsedDays counts calendar days since the protocol started, in loc.
func (b *Baseline) ElapsedDays(now time.Time, loc *time.Location) int {
	if b.StartedAt == nil {
		return 0
	}
	return timeutil.DaysBetween(*b.StartedAt, now, loc)
}

// IsOverdue reports an unfinished protocol past MaxDays.
func (b *Baseline) IsOverdue(now time.Time, loc *time.Location, cfg Config) bool {
	return b.Status != StatusComplete && b.ElapsedDays(now, loc) > cfg.MaxDays
}

// RecordEvent registers an assessment at at with the current number of
// distinct assessed blocks and returns the status transitions it caused, in order.
func (b *Baseline) RecordEvent(at time.Time, assessed int, loc *time.Location, cfg Config) []shared.EventType {
	at = at.UTC()
	var out []shared.EventType

	switch b.Status {
	case StatusNotStarted:
		b.Status = StatusActive
		b.StartedAt = &at
		out = append(out, shared.EventBaselineStarted)
	case StatusPaused:
		b.Status = StatusActive
		b.PausedAt = nil
		out = append(out, shared.EventBaselineResumed)
	}

	if b.LastEventAt == nil || at.After(*b.LastEventAt) {
		b.LastEventAt = &at
	}
	b.AssessedBlocks = assessed
	b.UpdatedAt = at

	if b.Status == StatusActive && b.canComplete(at, loc, cfg) {
		b.Status = StatusComplete
		b.CompletedAt = &at
		out = append(out, shared.EventBaselineCompleted)
	}
	return out
}

// CheckDisengagement pauses an ACTIVE protocol with no events for
// DisengagementDays. It reports whether the record changed.
func (b *Baseline) CheckDisengagement(now time.Time, cfg Config) bool {
	if b.Status != StatusActive || b.LastEventAt == nil {
		return false
	}
	if now.Sub(*b.LastEventAt) < time.Duration(cfg.DisengagementDays)*timeutil.Day {
		return false
	}
	t := now.UTC()
	b.Status = StatusPaused
	b.PausedAt = &t
	b.UpdatedAt = t
	return true
}

func (b *Baseline) canComplete(now time.Time, loc *time.Location, cfg Config) bool {
	return b.AssessedBlocks >= cfg.MinMicroBlocks && b.ElapsedDays(now, loc) >= cfg.MinDays
}

// Repository stores baseline records.
type Repository interface {
	// Get returns the record or ErrBaselineNotFound.
	Get(ctx context.Context, patientID shared.PatientID) (*Baseline, error)

	// Save upserts the record.
	Save(ctx context.Context, b *Baseline) error

	// ListByStatus returns every record in status.
	ListByStatus(ctx context.Context, status Status) ([]*Baseline, error)
}
