package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/pattern"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DECISION LOG
// ══════════════════════════════════════════════════════════════════════════════

// DecisionRepository implements decision.Repository. The full record is kept
// as JSONB; patient, action and created_at are columns for indexing.
type DecisionRepository struct {
	conn *Connection
}

// NewDecisionRepository creates a new DecisionRepository.
func NewDecisionRepository(conn *Connection) *DecisionRepository {
	return &DecisionRepository{conn: conn}
}

var _ decision.Repository = (*DecisionRepository)(nil)

// escalationSeqLock is the advisory lock key held while an escalation row
// takes its seq, so concurrent escalations commit in seq order.
const escalationSeqLock int64 = 0x6c756d61

const insertDecisionSQL = `INSERT INTO decisions (id, patient_id, action, created_at, record) VALUES ($1, $2, $3, $4, $5)`

// Save appends a decision.
func (r *DecisionRepository) Save(ctx context.Context, d decision.Decision) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	args := []any{d.ID, d.PatientID.String(), string(d.Action), d.CreatedAt, doc}

	if d.IsEscalation() {
		err = r.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, escalationSeqLock); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, insertDecisionSQL, args...)
			return err
		})
	} else {
		_, err = r.conn.Exec(ctx, insertDecisionSQL, args...)
	}
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// Get returns one decision.
func (r *DecisionRepository) Get(ctx context.Context, id string) (decision.Decision, error) {
	var doc []byte
	if err := r.conn.QueryRow(ctx, `SELECT record FROM decisions WHERE id = $1`, id).Scan(&doc); err != nil {
		if IsNoRows(err) {
			return decision.Decision{}, shared.ErrDecisionNotFound
		}
		return decision.Decision{}, fmt.Errorf("failed to get decision: %w", err)
	}
	var d decision.Decision
	if err := json.Unmarshal(doc, &d); err != nil {
		return decision.Decision{}, fmt.Errorf("failed to unmarshal decision: %w", err)
	}
	return d, nil
}

// Recent returns up to limit decisions, newest first.
func (r *DecisionRepository) Recent(ctx context.Context, patientID shared.PatientID, limit int) ([]decision.Decision, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT record FROM decisions WHERE patient_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2
	`, patientID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	return collectDecisions(rows)
}

// ListSince returns decisions with CreatedAt >= since, newest first.
func (r *DecisionRepository) ListSince(ctx context.Context, patientID shared.PatientID, since time.Time) ([]decision.Decision, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT record FROM decisions WHERE patient_id = $1 AND created_at >= $2
		ORDER BY created_at DESC, id DESC
	`, patientID.String(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	return collectDecisions(rows)
}

// EscalationsAfter returns ESCALATE decisions past the seq cursor in write order.
func (r *DecisionRepository) EscalationsAfter(ctx context.Context, afterSeq int64, since time.Time, limit int) ([]decision.Decision, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT seq, record FROM decisions
		WHERE action = 'ESCALATE' AND seq > $1 AND created_at > $2
		ORDER BY seq LIMIT $3
	`, afterSeq, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	type row struct {
		Seq    int64
		Record []byte
	}
	scanned, err := pgx.CollectRows(rows, pgx.RowToStructByPos[row])
	if err != nil {
		return nil, fmt.Errorf("failed to scan escalations: %w", err)
	}
	out := make([]decision.Decision, 0, len(scanned))
	for _, sr := range scanned {
		var d decision.Decision
		if err := json.Unmarshal(sr.Record, &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
		d.Seq = sr.Seq
		out = append(out, d)
	}
	return out, nil
}

func collectDecisions(rows pgx.Rows) ([]decision.Decision, error) {
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan decisions: %w", err)
	}
	out := make([]decision.Decision, 0, len(docs))
	for _, doc := range docs {
		var d decision.Decision
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BASELINES
// ══════════════════════════════════════════════════════════════════════════════

// BaselineRepository implements baseline.Repository.
type BaselineRepository struct {
	conn *Connection
}

// NewBaselineRepository creates a new BaselineRepository.
func NewBaselineRepository(conn *Connection) *BaselineRepository {
	return &BaselineRepository{conn: conn}
}

var _ baseline.Repository = (*BaselineRepository)(nil)

// Get returns the record.
func (r *BaselineRepository) Get(ctx context.Context, patientID shared.PatientID) (*baseline.Baseline, error) {
	var doc []byte
	if err := r.conn.QueryRow(ctx, `SELECT record FROM baselines WHERE patient_id = $1`, patientID.String()).Scan(&doc); err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrBaselineNotFound
		}
		return nil, fmt.Errorf("failed to get baseline: %w", err)
	}
	var b baseline.Baseline
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
	}
	return &b, nil
}

// Save upserts the record.
func (r *BaselineRepository) Save(ctx context.Context, b *baseline.Baseline) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO baselines (patient_id, status, record, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id) DO UPDATE SET status = EXCLUDED.status, record = EXCLUDED.record, updated_at = EXCLUDED.updated_at
	`, b.PatientID.String(), string(b.Status), doc, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	return nil
}

// ListByStatus returns every record in status.
func (r *BaselineRepository) ListByStatus(ctx context.Context, status baseline.Status) ([]*baseline.Baseline, error) {
	rows, err := r.conn.Query(ctx, `SELECT record FROM baselines WHERE status = $1 ORDER BY patient_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan baselines: %w", err)
	}
	out := make([]*baseline.Baseline, 0, len(docs))
	for _, doc := range docs {
		var b baseline.Baseline
		if err := json.Unmarshal(doc, &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
		}
		out = append(out, &b)
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PATTERNS
// ══════════════════════════════════════════════════════════════════════════════

// PatternRepository implements pattern.Repository.
type PatternRepository struct {
	conn *Connection
}

// NewPatternRepository creates a new PatternRepository.
func NewPatternRepository(conn *Connection) *PatternRepository {
	return &PatternRepository{conn: conn}
}

var _ pattern.Repository = (*PatternRepository)(nil)

// Save upserts a pattern by id.
func (r *PatternRepository) Save(ctx context.Context, p pattern.Pattern) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern: %w", err)
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO patterns (id, patient_id, status, record) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, record = EXCLUDED.record
	`, p.ID, p.PatientID.String(), string(p.Status), doc)
	if err != nil {
		return fmt.Errorf("failed to save pattern: %w", err)
	}
	return nil
}

// Delete removes a pattern.
func (r *PatternRepository) Delete(ctx context.Context, patientID shared.PatientID, id string) error {
	if _, err := r.conn.Exec(ctx, `DELETE FROM patterns WHERE patient_id = $1 AND id = $2`, patientID.String(), id); err != nil {
		return fmt.Errorf("failed to delete pattern: %w", err)
	}
	return nil
}

// ListForPatient returns patterns ordered by id.
func (r *PatternRepository) ListForPatient(ctx context.Context, patientID shared.PatientID) ([]pattern.Pattern, error) {
	rows, err := r.conn.Query(ctx, `SELECT record FROM patterns WHERE patient_id = $1 ORDER BY id`, patientID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan patterns: %w", err)
	}
	out := make([]pattern.Pattern, 0, len(docs))
	for _, doc := range docs {
		var p pattern.Pattern
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}
