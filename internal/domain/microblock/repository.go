package microblock

import (
	"context"
	"time"

	"github.com/recoverlution/luma/internal/domain/shared"
)

// EventRepository is the append-only assessment log.
type EventRepository interface {
	// Append stores a new event. Events are never updated or deleted.
	Append(ctx context.Context, event Event) error

	// ListForBlock returns every event of one (patient, micro-block) stream.
	ListForBlock(ctx context.Context, patientID shared.PatientID, block shared.MicroBlockID) ([]Event, error)

	// ListForPatient returns the patient's events with OccurredAt >= since, oldest first.
	ListForPatient(ctx context.Context, patientID shared.PatientID, since time.Time) ([]Event, error)

	// LastEventAt returns the latest OccurredAt for the patient, or zero time.
	LastEventAt(ctx context.Context, patientID shared.PatientID) (time.Time, error)
}

// StateRepository persists the materialized states.
type StateRepository interface {
	// Save upserts the state of one (patient, micro-block).
	Save(ctx context.Context, state State) error

	// Get returns the stored state, or shared.ErrNotFound.
	Get(ctx context.Context, patientID shared.PatientID, block shared.MicroBlockID) (State, error)

	// ListForPatient returns every stored state for the patient.
	ListForPatient(ctx context.Context, patientID shared.PatientID) ([]State, error)
}
