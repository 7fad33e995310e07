package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PATIENT REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// PatientRepository implements patient.Repository for PostgreSQL.
type PatientRepository struct {
	conn *Connection
}

// NewPatientRepository creates a new PatientRepository.
func NewPatientRepository(conn *Connection) *PatientRepository {
	return &PatientRepository{conn: conn}
}

var _ patient.Repository = (*PatientRepository)(nil)

const patientColumns = `id, external_ref, status, timezone, suggestions_paused, enrolled_at, updated_at, discharged_at`

// Create stores a new patient.
func (r *PatientRepository) Create(ctx context.Context, p *patient.Patient) error {
	query := `INSERT INTO patients (` + patientColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.conn.Exec(ctx, query,
		p.ID.String(),
		p.ExternalRef,
		string(p.Status),
		p.Timezone,
		p.SuggestionsPaused,
		p.EnrolledAt,
		p.UpdatedAt,
		p.DischargedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrPatientAlreadyExists
		}
		return fmt.Errorf("failed to create patient: %w", err)
	}
	return nil
}

// GetByID returns a patient.
func (r *PatientRepository) GetByID(ctx context.Context, id shared.PatientID) (*patient.Patient, error) {
	row := r.conn.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id.String())

	var (
		p      patient.Patient
		rawID  string
		status string
	)
	err := row.Scan(&rawID, &p.ExternalRef, &status, &p.Timezone, &p.SuggestionsPaused, &p.EnrolledAt, &p.UpdatedAt, &p.DischargedAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrPatientNotFound
		}
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	p.ID = shared.PatientID(rawID)
	p.Status = patient.Status(status)
	return &p, nil
}

// Update persists lifecycle and preference changes.
func (r *PatientRepository) Update(ctx context.Context, p *patient.Patient) error {
	query := `
		UPDATE patients SET
			external_ref = $1,
			status = $2,
			timezone = $3,
			suggestions_paused = $4,
			updated_at = $5,
			discharged_at = $6
		WHERE id = $7
	`
	tag, err := r.conn.Exec(ctx, query,
		p.ExternalRef,
		string(p.Status),
		p.Timezone,
		p.SuggestionsPaused,
		p.UpdatedAt,
		p.DischargedAt,
		p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrPatientNotFound
	}
	return nil
}

// ListTracked returns onboarding and active patient ids.
func (r *PatientRepository) ListTracked(ctx context.Context) ([]shared.PatientID, error) {
	rows, err := r.conn.Query(ctx, `SELECT id FROM patients WHERE status IN ('onboarding', 'active') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked patients: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan patient ids: %w", err)
	}
	out := make([]shared.PatientID, len(ids))
	for i, id := range ids {
		out[i] = shared.PatientID(id)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SIGNAL REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// SignalRepository implements patient.SignalRepository for PostgreSQL.
type SignalRepository struct {
	conn *Connection
}

// NewSignalRepository creates a new SignalRepository.
func NewSignalRepository(conn *Connection) *SignalRepository {
	return &SignalRepository{conn: conn}
}

var _ patient.SignalRepository = (*SignalRepository)(nil)

// SaveCheckin appends a check-in.
func (r *SignalRepository) SaveCheckin(ctx context.Context, c patient.Checkin) error {
	dims, err := json.Marshal(c.Dimensions)
	if err != nil {
		return fmt.Errorf("failed to marshal dimensions: %w", err)
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO checkins (id, patient_id, at, dimensions, context_tags, high_distress, arousal)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, c.ID, c.PatientID.String(), c.At, dims, tagStrings(c.ContextTags), c.HighDistress, c.Arousal)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("failed to save checkin: %w", err)
	}
	return nil
}

// LatestCheckin returns the most recent check-in.
func (r *SignalRepository) LatestCheckin(ctx context.Context, id shared.PatientID) (patient.Checkin, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT id, at, dimensions, context_tags, high_distress, arousal
		FROM checkins WHERE patient_id = $1
		ORDER BY at DESC LIMIT 1
	`, id.String())

	c := patient.Checkin{PatientID: id}
	var (
		dims []byte
		tags []string
	)
	if err := row.Scan(&c.ID, &c.At, &dims, &tags, &c.HighDistress, &c.Arousal); err != nil {
		if IsNoRows(err) {
			return patient.Checkin{}, shared.ErrNotFound
		}
		return patient.Checkin{}, fmt.Errorf("failed to get latest checkin: %w", err)
	}
	if err := json.Unmarshal(dims, &c.Dimensions); err != nil {
		return patient.Checkin{}, fmt.Errorf("failed to unmarshal dimensions: %w", err)
	}
	c.ContextTags = contextTags(tags)
	return c, nil
}

// SaveCrisisFlag appends a crisis flag.
func (r *SignalRepository) SaveCrisisFlag(ctx context.Context, f patient.CrisisFlag) error {
	_, err := r.conn.Exec(ctx, `INSERT INTO crisis_flags (id, patient_id, at, source) VALUES ($1, $2, $3, $4)`,
		f.ID, f.PatientID.String(), f.At, f.Source)
	if err != nil {
		return fmt.Errorf("failed to save crisis flag: %w", err)
	}
	return nil
}

// CrisisFlagsSince returns flags with At >= since, oldest first.
func (r *SignalRepository) CrisisFlagsSince(ctx context.Context, id shared.PatientID, since time.Time) ([]patient.CrisisFlag, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT id, at, source FROM crisis_flags
		WHERE patient_id = $1 AND at >= $2
		ORDER BY at
	`, id.String(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query crisis flags: %w", err)
	}
	defer rows.Close()

	var out []patient.CrisisFlag
	for rows.Next() {
		f := patient.CrisisFlag{PatientID: id}
		if err := rows.Scan(&f.ID, &f.At, &f.Source); err != nil {
			return nil, fmt.Errorf("failed to scan crisis flag: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func tagStrings(tags []shared.ContextTag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}

func contextTags(tags []string) []shared.ContextTag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]shared.ContextTag, len(tags))
	for i, t := range tags {
		out[i] = shared.ContextTag(t)
	}
	return out
}
