// Package memory provides in-process repositories. They back the engine when
// no database is configured and serve as fast fakes in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/pattern"
	"github.com/recoverlution/luma/internal/domain/shared"
)

type blockKey struct {
	patient shared.PatientID
	block   shared.MicroBlockID
}

// ══════════════════════════════════════════════════════════════════════════════
// ASSESSMENT LOG AND STATES
// ══════════════════════════════════════════════════════════════════════════════

// EventRepository is an append-only in-memory event log.
type EventRepository struct {
	mu     sync.RWMutex
	events map[shared.PatientID][]microblock.Event
}

// NewEventRepository creates an empty log.
func NewEventRepository() *EventRepository {
	return &EventRepository{events: make(map[shared.PatientID][]microblock.Event)}
}

// Append stores an event.
func (r *EventRepository) Append(_ context.Context, e microblock.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.events[e.PatientID] {
		if existing.ID == e.ID {
			return shared.ErrAlreadyExists
		}
	}
	r.events[e.PatientID] = append(r.events[e.PatientID], e)
	return nil
}

// ListForBlock returns one block's stream in replay order.
func (r *EventRepository) ListForBlock(_ context.Context, patientID shared.PatientID, block shared.MicroBlockID) ([]microblock.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []microblock.Event
	for _, e := range r.events[patientID] {
		if e.MicroBlockID == block {
			out = append(out, e)
		}
	}
	microblock.SortEvents(out)
	return out, nil
}

// ListForPatient returns events with OccurredAt >= since in replay order.
func (r *EventRepository) ListForPatient(_ context.Context, patientID shared.PatientID, since time.Time) ([]microblock.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []microblock.Event
	for _, e := range r.events[patientID] {
		if !e.OccurredAt.Before(since) {
			out = append(out, e)
		}
	}
	microblock.SortEvents(out)
	return out, nil
}

// LastEventAt returns the latest OccurredAt, or zero time.
func (r *EventRepository) LastEventAt(_ context.Context, patientID shared.PatientID) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last time.Time
	for _, e := range r.events[patientID] {
		if e.OccurredAt.After(last) {
			last = e.OccurredAt
		}
	}
	return last, nil
}

// StateRepository keeps the materialized states.
type StateRepository struct {
	mu     sync.RWMutex
	states map[blockKey]microblock.State
}

// NewStateRepository creates an empty store.
func NewStateRepository() *StateRepository {
	return &StateRepository{states: make(map[blockKey]microblock.State)}
}

// Save upserts a state.
func (r *StateRepository) Save(_ context.Context, st microblock.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[blockKey{st.PatientID, st.MicroBlockID}] = st
	return nil
}

// Get returns a stored state or ErrNotFound.
func (r *StateRepository) Get(_ context.Context, patientID shared.PatientID, block shared.MicroBlockID) (microblock.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[blockKey{patientID, block}]
	if !ok {
		return microblock.State{}, shared.ErrNotFound
	}
	return st, nil
}

// ListForPatient returns the patient's states ordered by block id.
func (r *StateRepository) ListForPatient(_ context.Context, patientID shared.PatientID) ([]microblock.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []microblock.State
	for k, st := range r.states {
		if k.patient == patientID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MicroBlockID < out[j].MicroBlockID })
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PATIENTS AND SIGNALS
// ══════════════════════════════════════════════════════════════════════════════

// PatientRepository stores patients.
type PatientRepository struct {
	mu       sync.RWMutex
	patients map[shared.PatientID]patient.Patient
}

// NewPatientRepository creates an empty store.
func NewPatientRepository() *PatientRepository {
	return &PatientRepository{patients: make(map[shared.PatientID]patient.Patient)}
}

// Create stores a new patient.
func (r *PatientRepository) Create(_ context.Context, p *patient.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[p.ID]; ok {
		return shared.ErrPatientAlreadyExists
	}
	r.patients[p.ID] = *p
	return nil
}

// GetByID returns a copy of the patient.
func (r *PatientRepository) GetByID(_ context.Context, id shared.PatientID) (*patient.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, shared.ErrPatientNotFound
	}
	return &p, nil
}

// Update replaces a stored patient.
func (r *PatientRepository) Update(_ context.Context, p *patient.Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[p.ID]; !ok {
		return shared.ErrPatientNotFound
	}
	r.patients[p.ID] = *p
	return nil
}

// ListTracked returns onboarding and active patient ids, sorted.
func (r *PatientRepository) ListTracked(_ context.Context) ([]shared.PatientID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []shared.PatientID
	for id, p := range r.patients {
		if p.Status.IsTracked() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// SignalRepository stores check-ins and crisis flags.
type SignalRepository struct {
	mu       sync.RWMutex
	checkins map[shared.PatientID][]patient.Checkin
	flags    map[shared.PatientID][]patient.CrisisFlag
}

// NewSignalRepository creates an empty store.
func NewSignalRepository() *SignalRepository {
	return &SignalRepository{
		checkins: make(map[shared.PatientID][]patient.Checkin),
		flags:    make(map[shared.PatientID][]patient.CrisisFlag),
	}
}

// SaveCheckin appends a check-in.
func (r *SignalRepository) SaveCheckin(_ context.Context, c patient.Checkin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkins[c.PatientID] = append(r.checkins[c.PatientID], c)
	return nil
}

// LatestCheckin returns the check-in with the latest At.
func (r *SignalRepository) LatestCheckin(_ context.Context, id shared.PatientID) (patient.Checkin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.checkins[id]
	if len(list) == 0 {
		return patient.Checkin{}, shared.ErrNotFound
	}
	latest := list[0]
	for _, c := range list[1:] {
		if !c.At.Before(latest.At) {
			latest = c
		}
	}
	return latest, nil
}

// SaveCrisisFlag appends a flag.
func (r *SignalRepository) SaveCrisisFlag(_ context.Context, f patient.CrisisFlag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[f.PatientID] = append(r.flags[f.PatientID], f)
	return nil
}

// CrisisFlagsSince returns flags with At >= since, oldest first.
func (r *SignalRepository) CrisisFlagsSince(_ context.Context, id shared.PatientID, since time.Time) ([]patient.CrisisFlag, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []patient.CrisisFlag
	for _, f := range r.flags[id] {
		if !f.At.Before(since) {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BASELINE, PATTERNS, DECISIONS
// ══════════════════════════════════════════════════════════════════════════════

// BaselineRepository stores baseline records.
type BaselineRepository struct {
	mu    sync.RWMutex
	items map[shared.PatientID]baseline.Baseline
}

// NewBaselineRepository creates an empty store.
func NewBaselineRepository() *BaselineRepository {
	return &BaselineRepository{items: make(map[shared.PatientID]baseline.Baseline)}
}

// Get returns a copy of the record.
func (r *BaselineRepository) Get(_ context.Context, id shared.PatientID) (*baseline.Baseline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.items[id]
	if !ok {
		return nil, shared.ErrBaselineNotFound
	}
	return &b, nil
}

// Save upserts the record.
func (r *BaselineRepository) Save(_ context.Context, b *baseline.Baseline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[b.PatientID] = *b
	return nil
}

// ListByStatus returns records in status, ordered by patient id.
func (r *BaselineRepository) ListByStatus(_ context.Context, status baseline.Status) ([]*baseline.Baseline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*baseline.Baseline
	for _, b := range r.items {
		if b.Status == status {
			b := b
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

// PatternRepository stores patterns.
type PatternRepository struct {
	mu    sync.RWMutex
	items map[shared.PatientID]map[string]pattern.Pattern
}

// NewPatternRepository creates an empty store.
func NewPatternRepository() *PatternRepository {
	return &PatternRepository{items: make(map[shared.PatientID]map[string]pattern.Pattern)}
}

// Save upserts a pattern.
func (r *PatternRepository) Save(_ context.Context, p pattern.Pattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[p.PatientID]
	if !ok {
		m = make(map[string]pattern.Pattern)
		r.items[p.PatientID] = m
	}
	m[p.ID] = p
	return nil
}

// Delete removes a pattern.
func (r *PatternRepository) Delete(_ context.Context, patientID shared.PatientID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items[patientID], id)
	return nil
}

// ListForPatient returns patterns ordered by id.
func (r *PatternRepository) ListForPatient(_ context.Context, patientID shared.PatientID) ([]pattern.Pattern, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pattern.Pattern, 0, len(r.items[patientID]))
	for _, p := range r.items[patientID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DecisionRepository is an append-only decision log.
type DecisionRepository struct {
	mu    sync.RWMutex
	items []decision.Decision
	byID  map[string]int
}

// NewDecisionRepository creates an empty log.
func NewDecisionRepository() *DecisionRepository {
	return &DecisionRepository{byID: make(map[string]int)}
}

// Save appends a decision.
func (r *DecisionRepository) Save(_ context.Context, d decision.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.ID]; ok {
		return shared.ErrAlreadyExists
	}
	d.Seq = int64(len(r.items) + 1)
	r.byID[d.ID] = len(r.items)
	r.items = append(r.items, d)
	return nil
}

// Get returns one decision.
func (r *DecisionRepository) Get(_ context.Context, id string) (decision.Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byID[id]
	if !ok {
		return decision.Decision{}, shared.ErrDecisionNotFound
	}
	return r.items[i], nil
}

// Recent returns up to limit decisions, newest first.
func (r *DecisionRepository) Recent(_ context.Context, patientID shared.PatientID, limit int) ([]decision.Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.newestFirst(func(d decision.Decision) bool { return d.PatientID == patientID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSince returns decisions with CreatedAt >= since, newest first.
func (r *DecisionRepository) ListSince(_ context.Context, patientID shared.PatientID, since time.Time) ([]decision.Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.newestFirst(func(d decision.Decision) bool {
		return d.PatientID == patientID && !d.CreatedAt.Before(since)
	}), nil
}

// EscalationsAfter returns ESCALATE decisions past the cursor in write order.
func (r *DecisionRepository) EscalationsAfter(_ context.Context, afterSeq int64, since time.Time, limit int) ([]decision.Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []decision.Decision
	for _, d := range r.items {
		if d.Seq <= afterSeq || !d.IsEscalation() || !d.CreatedAt.After(since) {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *DecisionRepository) newestFirst(keep func(decision.Decision) bool) []decision.Decision {
	var out []decision.Decision
	for i := len(r.items) - 1; i >= 0; i-- {
		if keep(r.items[i]) {
			out = append(out, r.items[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
