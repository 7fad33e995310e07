package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ASSESSMENT EVENT LOG
// ══════════════════════════════════════════════════════════════════════════════

// EventRepository implements microblock.EventRepository. The table rejects
// UPDATE and DELETE through a trigger.
type EventRepository struct {
	conn *Connection
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(conn *Connection) *EventRepository {
	return &EventRepository{conn: conn}
}

var _ microblock.EventRepository = (*EventRepository)(nil)

const eventColumns = `id, patient_id, microblock_id, catalog_version, signal, score, derived_light,
	derived_confidence, source, backfill, context_tags, clinician_id, note, occurred_at, recorded_at`

// Append stores a new event.
func (r *EventRepository) Append(ctx context.Context, e microblock.Event) error {
	signal, err := json.Marshal(e.Signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	_, err = r.conn.Exec(ctx,
		`INSERT INTO assessment_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID,
		e.PatientID.String(),
		string(e.MicroBlockID),
		e.CatalogVersion,
		signal,
		e.Score,
		string(e.Light),
		e.Confidence,
		string(e.Source),
		e.Backfill,
		tagStrings(e.ContextTags),
		string(e.ClinicianID),
		e.Note,
		e.OccurredAt,
		e.RecordedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListForBlock returns one stream in replay order.
func (r *EventRepository) ListForBlock(ctx context.Context, patientID shared.PatientID, block shared.MicroBlockID) ([]microblock.Event, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT `+eventColumns+` FROM assessment_events WHERE patient_id = $1 AND microblock_id = $2`,
		patientID.String(), string(block))
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

// ListForPatient returns events with OccurredAt >= since in replay order.
func (r *EventRepository) ListForPatient(ctx context.Context, patientID shared.PatientID, since time.Time) ([]microblock.Event, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT `+eventColumns+` FROM assessment_events WHERE patient_id = $1 AND occurred_at >= $2`,
		patientID.String(), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

// LastEventAt returns the latest OccurredAt, or zero time.
func (r *EventRepository) LastEventAt(ctx context.Context, patientID shared.PatientID) (time.Time, error) {
	var at *time.Time
	err := r.conn.QueryRow(ctx, `SELECT MAX(occurred_at) FROM assessment_events WHERE patient_id = $1`, patientID.String()).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last event: %w", err)
	}
	if at == nil {
		return time.Time{}, nil
	}
	return at.UTC(), nil
}

func collectEvents(rows pgx.Rows) ([]microblock.Event, error) {
	defer rows.Close()

	var out []microblock.Event
	for rows.Next() {
		var (
			e                              microblock.Event
			pid, block, light, src, clinID string
			signal                         []byte
			tags                           []string
		)
		err := rows.Scan(&e.ID, &pid, &block, &e.CatalogVersion, &signal, &e.Score, &light,
			&e.Confidence, &src, &e.Backfill, &tags, &clinID, &e.Note, &e.OccurredAt, &e.RecordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(signal, &e.Signal); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signal: %w", err)
		}
		e.PatientID = shared.PatientID(pid)
		e.MicroBlockID = shared.MicroBlockID(block)
		e.Light = shared.Light(light)
		e.Source = shared.Source(src)
		e.ClinicianID = shared.ClinicianID(clinID)
		e.ContextTags = contextTags(tags)
		e.OccurredAt = e.OccurredAt.UTC()
		e.RecordedAt = e.RecordedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	microblock.SortEvents(out)
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MATERIALIZED STATES
// ══════════════════════════════════════════════════════════════════════════════

// StateRepository implements microblock.StateRepository. States are stored as
// JSONB documents keyed by (patient, micro-block).
type StateRepository struct {
	conn *Connection
}

// NewStateRepository creates a new StateRepository.
func NewStateRepository(conn *Connection) *StateRepository {
	return &StateRepository{conn: conn}
}

var _ microblock.StateRepository = (*StateRepository)(nil)

// Save upserts a state.
func (r *StateRepository) Save(ctx context.Context, st microblock.State) error {
	doc, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	_, err = r.conn.Exec(ctx, `
		INSERT INTO microblock_states (patient_id, microblock_id, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (patient_id, microblock_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
	`, st.PatientID.String(), string(st.MicroBlockID), doc)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Get returns a stored state.
func (r *StateRepository) Get(ctx context.Context, patientID shared.PatientID, block shared.MicroBlockID) (microblock.State, error) {
	var doc []byte
	err := r.conn.QueryRow(ctx,
		`SELECT state FROM microblock_states WHERE patient_id = $1 AND microblock_id = $2`,
		patientID.String(), string(block)).Scan(&doc)
	if err != nil {
		if IsNoRows(err) {
			return microblock.State{}, shared.ErrNotFound
		}
		return microblock.State{}, fmt.Errorf("failed to get state: %w", err)
	}
	var st microblock.State
	if err := json.Unmarshal(doc, &st); err != nil {
		return microblock.State{}, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return st, nil
}

// ListForPatient returns every stored state for the patient.
func (r *StateRepository) ListForPatient(ctx context.Context, patientID shared.PatientID) ([]microblock.State, error) {
	rows, err := r.conn.Query(ctx,
		`SELECT state FROM microblock_states WHERE patient_id = $1 ORDER BY microblock_id`, patientID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan states: %w", err)
	}
	out := make([]microblock.State, 0, len(docs))
	for _, doc := range docs {
		var st microblock.State
		if err := json.Unmarshal(doc, &st); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}
