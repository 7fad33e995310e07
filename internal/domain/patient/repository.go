package patient

import (
	"context"
	"time"

	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Implementations live in infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Repository stores patients.
type Repository interface {
	// Create stores a new patient. Returns ErrPatientAlreadyExists on conflict.
	Create(ctx context.Context, p *Patient) error

	// GetByID returns the patient or ErrPatientNotFound.
	GetByID(ctx context.Context, id shared.PatientID) (*Patient, error)

	// Update persists lifecycle and preference changes.
	Update(ctx context.Context, p *Patient) error

	// ListTracked returns every onboarding or active patient id.
	ListTracked(ctx context.Context) ([]shared.PatientID, error)
}

// SignalRepository stores check-in context and crisis flags.
type SignalRepository interface {
	// ─────────────────────────────────────────────────────────────────────────
	// Check-ins
	// ─────────────────────────────────────────────────────────────────────────

	// SaveCheckin appends a check-in.
	SaveCheckin(ctx context.Context, c Checkin) error

	// LatestCheckin returns the most recent check-in, or ErrNotFound.
	LatestCheckin(ctx context.Context, id shared.PatientID) (Checkin, error)

	// ─────────────────────────────────────────────────────────────────────────
	// Crisis flags
	// ─────────────────────────────────────────────────────────────────────────

	// SaveCrisisFlag appends a crisis flag.
	SaveCrisisFlag(ctx context.Context, f CrisisFlag) error

	// CrisisFlagsSince returns flags with At >= since, oldest first.
	CrisisFlagsSince(ctx context.Context, id shared.PatientID, since time.Time) ([]CrisisFlag, error)
}
