package query

import (
	"context"
	"fmt"
	"time"

	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PATIENT OVERVIEW QUERY
// Lifecycle, baseline progress and micro-block states in one read, for the
// clinician view.
// ══════════════════════════════════════════════════════════════════════════════

// GetPatientOverviewQuery contains query parameters.
type GetPatientOverviewQuery struct {
	PatientID string

	// IncludeUnknown also lists never-assessed blocks.
	IncludeUnknown bool

	// Pillar filters states to one pillar when set.
	Pillar string
}

// BaselineDTO describes baseline progress.
type BaselineDTO struct {
	Status         string     `json:"status"`
	AssessedBlocks int        `json:"assessed_blocks"`
	MinMicroBlocks int        `json:"min_microblocks"`
	ElapsedDays    int        `json:"elapsed_days"`
	MinDays        int        `json:"min_days"`
	Overdue        bool       `json:"overdue"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// PatientOverviewDTO is the overview.
type PatientOverviewDTO struct {
	PatientID         string      `json:"patient_id"`
	ExternalRef       string      `json:"external_ref,omitempty"`
	Status            string      `json:"status"`
	Timezone          string      `json:"timezone"`
	SuggestionsPaused bool        `json:"suggestions_paused"`
	Baseline          BaselineDTO `json:"baseline"`
	Known             int         `json:"known"`
	Total             int         `json:"total"`
	MeanConfidence    float64     `json:"mean_confidence"`
	States            []StateDTO  `json:"states"`
}

// GetPatientOverviewHandler handles the query.
type GetPatientOverviewHandler struct {
	patients patient.Repository
	baseline *baseline.Orchestrator
	store    *microblock.Store
	clock    func() time.Time
}

// NewGetPatientOverviewHandler creates a new handler.
func NewGetPatientOverviewHandler(patients patient.Repository, orch *baseline.Orchestrator, store *microblock.Store, clock func() time.Time) *GetPatientOverviewHandler {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &GetPatientOverviewHandler{patients: patients, baseline: orch, store: store, clock: clock}
}

// Handle executes the query.
func (h *GetPatientOverviewHandler) Handle(ctx context.Context, q GetPatientOverviewQuery) (*PatientOverviewDTO, error) {
	pid, err := shared.NewPatientID(q.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get_patient_overview: %w", err)
	}
	var pillarFilter shared.Pillar
	if q.Pillar != "" {
		pillarFilter = shared.Pillar(q.Pillar)
		if !pillarFilter.IsValid() {
			return nil, fmt.Errorf("get_patient_overview: %w", shared.ErrInvalidPillar)
		}
	}

	p, err := h.patients.GetByID(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("get_patient_overview: %w", err)
	}
	now := h.clock()
	loc := p.Location()

	b, err := h.baseline.Status(ctx, pid, now)
	if err != nil {
		return nil, fmt.Errorf("get_patient_overview: %w", err)
	}
	snap, err := h.store.Snapshot(ctx, pid, now)
	if err != nil {
		return nil, fmt.Errorf("get_patient_overview: %w", err)
	}

	cfg := h.baseline.Config()
	out := &PatientOverviewDTO{
		PatientID:         pid.String(),
		ExternalRef:       p.ExternalRef,
		Status:            string(p.Status),
		Timezone:          p.Timezone,
		SuggestionsPaused: p.SuggestionsPaused,
		Baseline: BaselineDTO{
			Status:         string(b.Status),
			AssessedBlocks: b.AssessedBlocks,
			MinMicroBlocks: cfg.MinMicroBlocks,
			ElapsedDays:    b.ElapsedDays(now, loc),
			MinDays:        cfg.MinDays,
			Overdue:        b.IsOverdue(now, loc, cfg),
			StartedAt:      b.StartedAt,
			CompletedAt:    b.CompletedAt,
		},
		Known:          len(snap.Known()),
		Total:          len(snap.States),
		MeanConfidence: snap.MeanConfidence(),
		States:         make([]StateDTO, 0),
	}
	for _, st := range snap.States {
		if !q.IncludeUnknown && !st.IsKnown() {
			continue
		}
		if pillarFilter != "" && st.MicroBlockID.Pillar() != pillarFilter {
			continue
		}
		out.States = append(out.States, NewStateDTO(st))
	}
	return out, nil
}
