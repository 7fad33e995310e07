package query

import (
	"context"
	"fmt"
	"time"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ACTIVE DECISION QUERY
// The latest non-expired decision for a patient. Served from the cache when
// possible, otherwise from the decision log.
// ══════════════════════════════════════════════════════════════════════════════

// GetActiveDecisionQuery contains query parameters.
type GetActiveDecisionQuery struct {
	PatientID string
}

// GetActiveDecisionHandler handles the query.
type GetActiveDecisionHandler struct {
	decisions decision.Repository
	cache     decision.Cache
	clock     func() time.Time
	log       *logger.Logger
}

// NewGetActiveDecisionHandler creates a new handler. cache may be nil.
func NewGetActiveDecisionHandler(decisions decision.Repository, cache decision.Cache, clock func() time.Time, log *logger.Logger) *GetActiveDecisionHandler {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = logger.Nop()
	}
	return &GetActiveDecisionHandler{decisions: decisions, cache: cache, clock: clock, log: log}
}

// Handle returns the active decision or ErrDecisionNotFound.
func (h *GetActiveDecisionHandler) Handle(ctx context.Context, q GetActiveDecisionQuery) (*DecisionDTO, error) {
	pid, err := shared.NewPatientID(q.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get_active_decision: %w", err)
	}
	now := h.clock()

	if h.cache != nil {
		d, err := h.cache.GetActive(ctx, pid)
		switch {
		case err == nil && d.IsActive(now):
			dto := NewDecisionDTO(d)
			return &dto, nil
		case err != nil && !shared.IsNotFound(err):
			h.log.Warn("decision cache read failed", logger.PatientID(pid.String()), logger.Err(err))
		}
	}

	recent, err := h.decisions.Recent(ctx, pid, 1)
	if err != nil {
		return nil, fmt.Errorf("get_active_decision: %w", err)
	}
	d, ok := decision.ActiveFrom(recent, now)
	if !ok {
		return nil, shared.ErrDecisionNotFound
	}

	if h.cache != nil {
		if err := h.cache.SetActive(ctx, d); err != nil {
			h.log.Warn("decision cache write failed", logger.PatientID(pid.String()), logger.Err(err))
		}
	}
	dto := NewDecisionDTO(d)
	return &dto, nil
}
