package microblock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// CatalogProvider exposes the active catalog version.
type CatalogProvider interface {
	Active() *catalog.Catalog
}

// ApplyResult describes the effect of one applied event.
type ApplyResult struct {
	Event    Event
	Previous State
	Current  State
}

// Changed reports whether the light changed.
func (r ApplyResult) Changed() bool {
	return r.Previous.Light != r.Current.Light
}

// OverrideReleased reports whether this event lifted a clinician pin.
func (r ApplyResult) OverrideReleased() bool {
	return r.Previous.Override != nil && r.Current.Override == nil && !r.Event.IsOverride()
}

// Store applies events to the log and keeps the materialized states in sync.
// Callers serialize Apply per patient.
type Store struct {
	events   EventRepository
	states   StateRepository
	catalogs CatalogProvider
	params   Params
}

// NewStore creates a Store.
func NewStore(events EventRepository, states StateRepository, catalogs CatalogProvider, params Params) *Store {
	return &Store{
		events:   events,
		states:   states,
		catalogs: catalogs,
		params:   params,
	}
}

// Params returns the scoring parameters.
func (s *Store) Params() Params {
	return s.params
}

// Catalog returns the active catalog.
func (s *Store) Catalog() *catalog.Catalog {
	return s.catalogs.Active()
}

// Validate runs the catalog and ordering checks Apply would run, without
// writing. Commands carrying several events check all of them first.
func (s *Store) Validate(ctx context.Context, e Event) error {
	_, err := s.check(ctx, e)
	return err
}

func (s *Store) check(ctx context.Context, e Event) ([]Event, error) {
	if _, err := s.catalogs.Active().RequireBlock(e.MicroBlockID); err != nil {
		return nil, shared.WrapError("microblock", "Apply", shared.ErrUnknownMicroBlockID,
			"micro-block not in active catalog", err)
	}

	history, err := s.events.ListForBlock(ctx, e.PatientID, e.MicroBlockID)
	if err != nil {
		return nil, fmt.Errorf("load block history: %w", err)
	}

	if !e.Backfill {
		for _, h := range history {
			if e.OccurredAt.Before(h.OccurredAt) {
				return nil, shared.WrapError("microblock", "Apply", shared.ErrOutOfOrder,
					"event timestamp precedes last applied event",
					fmt.Errorf("%s < %s", e.OccurredAt.Format(time.RFC3339), h.OccurredAt.Format(time.RFC3339)))
			}
		}
	}
	return history, nil
}

// Apply validates ordering and catalog membership, appends the event, and
// recomputes the affected state from the block's full history.
func (s *Store) Apply(ctx context.Context, e Event) (ApplyResult, error) {
	if e.CatalogVersion == 0 {
		e.CatalogVersion = s.catalogs.Active().Version()
	}

	history, err := s.check(ctx, e)
	if err != nil {
		return ApplyResult{}, err
	}

	previous := Recompute(e.PatientID, e.MicroBlockID, history, s.params)

	if err := s.events.Append(ctx, e); err != nil {
		return ApplyResult{}, fmt.Errorf("append event: %w", err)
	}

	current := Recompute(e.PatientID, e.MicroBlockID, append(history, e), s.params)
	if err := s.states.Save(ctx, current); err != nil {
		return ApplyResult{}, fmt.Errorf("save state: %w", err)
	}

	return ApplyResult{Event: e, Previous: previous, Current: current}, nil
}

// Replay rebuilds one block's state from the log without writing.
func (s *Store) Replay(ctx context.Context, patientID shared.PatientID, block shared.MicroBlockID) (State, error) {
	history, err := s.events.ListForBlock(ctx, patientID, block)
	if err != nil {
		return State{}, fmt.Errorf("load block history: %w", err)
	}
	return Recompute(patientID, block, history, s.params), nil
}

// Snapshot returns the state of every active-catalog block for the patient,
// UNKNOWN where never assessed, with staleness decay applied at now.
func (s *Store) Snapshot(ctx context.Context, patientID shared.PatientID, now time.Time) (Snapshot, error) {
	stored, err := s.states.ListForPatient(ctx, patientID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list states: %w", err)
	}
	byID := make(map[shared.MicroBlockID]State, len(stored))
	for _, st := range stored {
		byID[st.MicroBlockID] = st
	}

	active := s.catalogs.Active()
	ids := active.BlockIDs()
	snap := Snapshot{
		PatientID: patientID,
		At:        now,
		States:    make([]State, 0, len(ids)),
	}
	for _, id := range ids {
		st, ok := byID[id]
		if !ok {
			st = Unknown(patientID, id)
		}
		snap.States = append(snap.States, st.At(now, s.params))
	}
	return snap, nil
}

// StaleBlocks lists blocks whose last assessment is past the staleness horizon.
// The sweep uses it to schedule reassessment; decay itself happens on read.
func (s *Store) StaleBlocks(ctx context.Context, patientID shared.PatientID, now time.Time) ([]shared.MicroBlockID, error) {
	stored, err := s.states.ListForPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	var out []shared.MicroBlockID
	for _, st := range stored {
		if st.CheckFresh(now, s.params) != nil {
			out = append(out, st.MicroBlockID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Snapshot is a point-in-time view of all of a patient's blocks.
type Snapshot struct {
	PatientID shared.PatientID
	At        time.Time
	States    []State
}

// Get returns one block's state from the snapshot.
func (s Snapshot) Get(id shared.MicroBlockID) (State, bool) {
	for _, st := range s.States {
		if st.MicroBlockID == id {
			return st, true
		}
	}
	return State{}, false
}

// Known returns the assessed states.
func (s Snapshot) Known() []State {
	var out []State
	for _, st := range s.States {
		if st.IsKnown() {
			out = append(out, st)
		}
	}
	return out
}

// MeanConfidence averages confidence across known blocks. Zero when none are known.
func (s Snapshot) MeanConfidence() float64 {
	known := s.Known()
	if len(known) == 0 {
		return 0
	}
	var sum float64
	for _, st := range known {
		sum += st.Confidence
	}
	return sum / float64(len(known))
}
