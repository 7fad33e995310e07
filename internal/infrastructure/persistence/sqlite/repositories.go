package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/pattern"
	"github.com/recoverlution/luma/internal/domain/shared"
)

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// queryDocs runs a query whose single column is a JSON record and decodes
// each row with decode.
func queryDocs(ctx context.Context, db *sql.DB, decode func([]byte) error, query string, args ...any) error {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		if err := decode(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ══════════════════════════════════════════════════════════════════════════════
// PATIENTS
// ══════════════════════════════════════════════════════════════════════════════

// PatientRepository implements patient.Repository.
type PatientRepository struct{ db *sql.DB }

// NewPatientRepository creates a repository on d.
func NewPatientRepository(d *DB) *PatientRepository { return &PatientRepository{db: d.db} }

var _ patient.Repository = (*PatientRepository)(nil)

// Create stores a new patient.
func (r *PatientRepository) Create(ctx context.Context, p *patient.Patient) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patients (id, external_ref, status, timezone, suggestions_paused, enrolled_at, updated_at, discharged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.ExternalRef, string(p.Status), p.Timezone, p.SuggestionsPaused,
		formatTime(p.EnrolledAt), formatTime(p.UpdatedAt), nullableTime(p.DischargedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return shared.ErrPatientAlreadyExists
		}
		return fmt.Errorf("sqlite: create patient: %w", err)
	}
	return nil
}

// GetByID returns the patient.
func (r *PatientRepository) GetByID(ctx context.Context, id shared.PatientID) (*patient.Patient, error) {
	var (
		p                 patient.Patient
		status            string
		enrolled, updated string
		discharged        sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT external_ref, status, timezone, suggestions_paused, enrolled_at, updated_at, discharged_at
		FROM patients WHERE id = ?`, id.String()).
		Scan(&p.ExternalRef, &status, &p.Timezone, &p.SuggestionsPaused, &enrolled, &updated, &discharged)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrPatientNotFound
		}
		return nil, fmt.Errorf("sqlite: get patient: %w", err)
	}
	p.ID = id
	p.Status = patient.Status(status)
	if p.EnrolledAt, err = parseTime(enrolled); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if discharged.Valid {
		t, err := parseTime(discharged.String)
		if err != nil {
			return nil, err
		}
		p.DischargedAt = &t
	}
	return &p, nil
}

// Update persists lifecycle and preference changes.
func (r *PatientRepository) Update(ctx context.Context, p *patient.Patient) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE patients SET external_ref = ?, status = ?, timezone = ?, suggestions_paused = ?, updated_at = ?, discharged_at = ?
		WHERE id = ?`,
		p.ExternalRef, string(p.Status), p.Timezone, p.SuggestionsPaused, formatTime(p.UpdatedAt), nullableTime(p.DischargedAt), p.ID.String())
	if err != nil {
		return fmt.Errorf("sqlite: update patient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.ErrPatientNotFound
	}
	return nil
}

// ListTracked returns onboarding and active patient ids.
func (r *PatientRepository) ListTracked(ctx context.Context) ([]shared.PatientID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM patients WHERE status IN ('onboarding', 'active') ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tracked: %w", err)
	}
	defer rows.Close()

	var out []shared.PatientID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, shared.PatientID(id))
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// ══════════════════════════════════════════════════════════════════════════════
// SIGNALS
// ══════════════════════════════════════════════════════════════════════════════

// SignalRepository implements patient.SignalRepository.
type SignalRepository struct{ db *sql.DB }

// NewSignalRepository creates a repository on d.
func NewSignalRepository(d *DB) *SignalRepository { return &SignalRepository{db: d.db} }

var _ patient.SignalRepository = (*SignalRepository)(nil)

// SaveCheckin appends a check-in.
func (r *SignalRepository) SaveCheckin(ctx context.Context, c patient.Checkin) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("sqlite: marshal checkin: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO checkins (id, patient_id, at, record) VALUES (?, ?, ?, ?)`,
		c.ID, c.PatientID.String(), formatTime(c.At), doc)
	if err != nil {
		if isUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: save checkin: %w", err)
	}
	return nil
}

// LatestCheckin returns the most recent check-in.
func (r *SignalRepository) LatestCheckin(ctx context.Context, id shared.PatientID) (patient.Checkin, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM checkins WHERE patient_id = ? ORDER BY at DESC LIMIT 1`, id.String()).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return patient.Checkin{}, shared.ErrNotFound
		}
		return patient.Checkin{}, fmt.Errorf("sqlite: latest checkin: %w", err)
	}
	var c patient.Checkin
	if err := json.Unmarshal(doc, &c); err != nil {
		return patient.Checkin{}, fmt.Errorf("sqlite: unmarshal checkin: %w", err)
	}
	return c, nil
}

// SaveCrisisFlag appends a crisis flag.
func (r *SignalRepository) SaveCrisisFlag(ctx context.Context, f patient.CrisisFlag) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO crisis_flags (id, patient_id, at, source) VALUES (?, ?, ?, ?)`,
		f.ID, f.PatientID.String(), formatTime(f.At), f.Source)
	if err != nil {
		return fmt.Errorf("sqlite: save crisis flag: %w", err)
	}
	return nil
}

// CrisisFlagsSince returns flags with At >= since, oldest first.
func (r *SignalRepository) CrisisFlagsSince(ctx context.Context, id shared.PatientID, since time.Time) ([]patient.CrisisFlag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, at, source FROM crisis_flags WHERE patient_id = ? AND at >= ? ORDER BY at`,
		id.String(), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("sqlite: crisis flags: %w", err)
	}
	defer rows.Close()

	var out []patient.CrisisFlag
	for rows.Next() {
		f := patient.CrisisFlag{PatientID: id}
		var at string
		if err := rows.Scan(&f.ID, &at, &f.Source); err != nil {
			return nil, err
		}
		if f.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ══════════════════════════════════════════════════════════════════════════════
// ASSESSMENT LOG AND STATES
// ══════════════════════════════════════════════════════════════════════════════

// EventRepository implements microblock.EventRepository.
type EventRepository struct{ db *sql.DB }

// NewEventRepository creates a repository on d.
func NewEventRepository(d *DB) *EventRepository { return &EventRepository{db: d.db} }

var _ microblock.EventRepository = (*EventRepository)(nil)

// Append stores a new event.
func (r *EventRepository) Append(ctx context.Context, e microblock.Event) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sqlite: marshal event: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO assessment_events (id, patient_id, microblock_id, occurred_at, record) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.PatientID.String(), string(e.MicroBlockID), formatTime(e.OccurredAt), doc)
	if err != nil {
		if isUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: append event: %w", err)
	}
	return nil
}

// ListForBlock returns one stream in replay order.
func (r *EventRepository) ListForBlock(ctx context.Context, patientID shared.PatientID, block shared.MicroBlockID) ([]microblock.Event, error) {
	return r.list(ctx, `SELECT record FROM assessment_events WHERE patient_id = ? AND microblock_id = ?`, patientID.String(), string(block))
}

// ListForPatient returns events with OccurredAt >= since in replay order.
func (r *EventRepository) ListForPatient(ctx context.Context, patientID shared.PatientID, since time.Time) ([]microblock.Event, error) {
	return r.list(ctx, `SELECT record FROM assessment_events WHERE patient_id = ? AND occurred_at >= ?`, patientID.String(), formatTime(since))
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]microblock.Event, error) {
	var out []microblock.Event
	err := queryDocs(ctx, r.db, func(doc []byte) error {
		var e microblock.Event
		if err := json.Unmarshal(doc, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	}, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	microblock.SortEvents(out)
	return out, nil
}

// LastEventAt returns the latest OccurredAt, or zero time.
func (r *EventRepository) LastEventAt(ctx context.Context, patientID shared.PatientID) (time.Time, error) {
	var at sql.NullString
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(occurred_at) FROM assessment_events WHERE patient_id = ?`, patientID.String()).Scan(&at); err != nil {
		return time.Time{}, fmt.Errorf("sqlite: last event: %w", err)
	}
	if !at.Valid {
		return time.Time{}, nil
	}
	return parseTime(at.String)
}

// StateRepository implements microblock.StateRepository.
type StateRepository struct{ db *sql.DB }

// NewStateRepository creates a repository on d.
func NewStateRepository(d *DB) *StateRepository { return &StateRepository{db: d.db} }

var _ microblock.StateRepository = (*StateRepository)(nil)

// Save upserts a state.
func (r *StateRepository) Save(ctx context.Context, st microblock.State) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sqlite: marshal state: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO microblock_states (patient_id, microblock_id, record) VALUES (?, ?, ?)
		ON CONFLICT (patient_id, microblock_id) DO UPDATE SET record = excluded.record`,
		st.PatientID.String(), string(st.MicroBlockID), doc)
	if err != nil {
		return fmt.Errorf("sqlite: save state: %w", err)
	}
	return nil
}

// Get returns a stored state.
func (r *StateRepository) Get(ctx context.Context, patientID shared.PatientID, block shared.MicroBlockID) (microblock.State, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM microblock_states WHERE patient_id = ? AND microblock_id = ?`,
		patientID.String(), string(block)).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return microblock.State{}, shared.ErrNotFound
		}
		return microblock.State{}, fmt.Errorf("sqlite: get state: %w", err)
	}
	var st microblock.State
	if err := json.Unmarshal(doc, &st); err != nil {
		return microblock.State{}, fmt.Errorf("sqlite: unmarshal state: %w", err)
	}
	return st, nil
}

// ListForPatient returns every stored state for the patient.
func (r *StateRepository) ListForPatient(ctx context.Context, patientID shared.PatientID) ([]microblock.State, error) {
	var out []microblock.State
	err := queryDocs(ctx, r.db, func(doc []byte) error {
		var st microblock.State
		if err := json.Unmarshal(doc, &st); err != nil {
			return err
		}
		out = append(out, st)
		return nil
	}, `SELECT record FROM microblock_states WHERE patient_id = ? ORDER BY microblock_id`, patientID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list states: %w", err)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BASELINES AND PATTERNS
// ══════════════════════════════════════════════════════════════════════════════

// BaselineRepository implements baseline.Repository.
type BaselineRepository struct{ db *sql.DB }

// NewBaselineRepository creates a repository on d.
func NewBaselineRepository(d *DB) *BaselineRepository { return &BaselineRepository{db: d.db} }

var _ baseline.Repository = (*BaselineRepository)(nil)

// Get returns the record.
func (r *BaselineRepository) Get(ctx context.Context, patientID shared.PatientID) (*baseline.Baseline, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx, `SELECT record FROM baselines WHERE patient_id = ?`, patientID.String()).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrBaselineNotFound
		}
		return nil, fmt.Errorf("sqlite: get baseline: %w", err)
	}
	var b baseline.Baseline
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal baseline: %w", err)
	}
	return &b, nil
}

// Save upserts the record.
func (r *BaselineRepository) Save(ctx context.Context, b *baseline.Baseline) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("sqlite: marshal baseline: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO baselines (patient_id, status, record) VALUES (?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET status = excluded.status, record = excluded.record`,
		b.PatientID.String(), string(b.Status), doc)
	if err != nil {
		return fmt.Errorf("sqlite: save baseline: %w", err)
	}
	return nil
}

// ListByStatus returns every record in status.
func (r *BaselineRepository) ListByStatus(ctx context.Context, status baseline.Status) ([]*baseline.Baseline, error) {
	var out []*baseline.Baseline
	err := queryDocs(ctx, r.db, func(doc []byte) error {
		var b baseline.Baseline
		if err := json.Unmarshal(doc, &b); err != nil {
			return err
		}
		out = append(out, &b)
		return nil
	}, `SELECT record FROM baselines WHERE status = ? ORDER BY patient_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list baselines: %w", err)
	}
	return out, nil
}

// PatternRepository implements pattern.Repository.
type PatternRepository struct{ db *sql.DB }

// NewPatternRepository creates a repository on d.
func NewPatternRepository(d *DB) *PatternRepository { return &PatternRepository{db: d.db} }

var _ pattern.Repository = (*PatternRepository)(nil)

// Save upserts a pattern by id.
func (r *PatternRepository) Save(ctx context.Context, p pattern.Pattern) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("sqlite: marshal pattern: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO patterns (id, patient_id, record) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET record = excluded.record`,
		p.ID, p.PatientID.String(), doc)
	if err != nil {
		return fmt.Errorf("sqlite: save pattern: %w", err)
	}
	return nil
}

// Delete removes a pattern.
func (r *PatternRepository) Delete(ctx context.Context, patientID shared.PatientID, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM patterns WHERE patient_id = ? AND id = ?`, patientID.String(), id); err != nil {
		return fmt.Errorf("sqlite: delete pattern: %w", err)
	}
	return nil
}

// ListForPatient returns patterns ordered by id.
func (r *PatternRepository) ListForPatient(ctx context.Context, patientID shared.PatientID) ([]pattern.Pattern, error) {
	var out []pattern.Pattern
	err := queryDocs(ctx, r.db, func(doc []byte) error {
		var p pattern.Pattern
		if err := json.Unmarshal(doc, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	}, `SELECT record FROM patterns WHERE patient_id = ? ORDER BY id`, patientID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list patterns: %w", err)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DECISIONS
// ══════════════════════════════════════════════════════════════════════════════

// DecisionRepository implements decision.Repository.
type DecisionRepository struct{ db *sql.DB }

// NewDecisionRepository creates a repository on d.
func NewDecisionRepository(d *DB) *DecisionRepository { return &DecisionRepository{db: d.db} }

var _ decision.Repository = (*DecisionRepository)(nil)

// Save appends a decision.
func (r *DecisionRepository) Save(ctx context.Context, d decision.Decision) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("sqlite: marshal decision: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO decisions (id, patient_id, action, created_at, record) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.PatientID.String(), string(d.Action), formatTime(d.CreatedAt), doc)
	if err != nil {
		if isUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: save decision: %w", err)
	}
	return nil
}

// Get returns one decision.
func (r *DecisionRepository) Get(ctx context.Context, id string) (decision.Decision, error) {
	var doc []byte
	if err := r.db.QueryRowContext(ctx, `SELECT record FROM decisions WHERE id = ?`, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decision.Decision{}, shared.ErrDecisionNotFound
		}
		return decision.Decision{}, fmt.Errorf("sqlite: get decision: %w", err)
	}
	var d decision.Decision
	if err := json.Unmarshal(doc, &d); err != nil {
		return decision.Decision{}, fmt.Errorf("sqlite: unmarshal decision: %w", err)
	}
	return d, nil
}

// Recent returns up to limit decisions, newest first.
func (r *DecisionRepository) Recent(ctx context.Context, patientID shared.PatientID, limit int) ([]decision.Decision, error) {
	return r.list(ctx, `SELECT record FROM decisions WHERE patient_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, patientID.String(), limit)
}

// ListSince returns decisions with CreatedAt >= since, newest first.
func (r *DecisionRepository) ListSince(ctx context.Context, patientID shared.PatientID, since time.Time) ([]decision.Decision, error) {
	return r.list(ctx, `SELECT record FROM decisions WHERE patient_id = ? AND created_at >= ? ORDER BY created_at DESC, rowid DESC`, patientID.String(), formatTime(since))
}

// EscalationsAfter returns ESCALATE decisions past the cursor in write
// order. The rowid is the cursor: rows are never deleted, so it only grows.
func (r *DecisionRepository) EscalationsAfter(ctx context.Context, afterSeq int64, since time.Time, limit int) ([]decision.Decision, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT rowid, record FROM decisions
		WHERE action = 'ESCALATE' AND rowid > ? AND created_at > ?
		ORDER BY rowid LIMIT ?`, afterSeq, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list escalations: %w", err)
	}
	defer rows.Close()

	var out []decision.Decision
	for rows.Next() {
		var (
			seq int64
			doc []byte
		)
		if err := rows.Scan(&seq, &doc); err != nil {
			return nil, fmt.Errorf("sqlite: scan escalation: %w", err)
		}
		var d decision.Decision
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal decision: %w", err)
		}
		d.Seq = seq
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list escalations: %w", err)
	}
	return out, nil
}

func (r *DecisionRepository) list(ctx context.Context, query string, args ...any) ([]decision.Decision, error) {
	var out []decision.Decision
	err := queryDocs(ctx, r.db, func(doc []byte) error {
		var d decision.Decision
		if err := json.Unmarshal(doc, &d); err != nil {
			return err
		}
		out = append(out, d)
		return nil
	}, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list decisions: %w", err)
	}
	return out, nil
}
