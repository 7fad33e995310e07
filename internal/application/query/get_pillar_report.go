package query

import (
	"context"
	"fmt"
	"time"

	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/pillar"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET PILLAR REPORT QUERY
// Six pillar scores with coverage. Unassessed pillars carry no score.
// ══════════════════════════════════════════════════════════════════════════════

// GetPillarReportQuery contains query parameters.
type GetPillarReportQuery struct {
	PatientID string
}

// GetPillarReportHandler handles the query.
type GetPillarReportHandler struct {
	patients   patient.Repository
	aggregator *pillar.Aggregator
	clock      func() time.Time
}

// NewGetPillarReportHandler creates a new handler.
func NewGetPillarReportHandler(patients patient.Repository, aggregator *pillar.Aggregator, clock func() time.Time) *GetPillarReportHandler {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &GetPillarReportHandler{patients: patients, aggregator: aggregator, clock: clock}
}

// Handle executes the query.
func (h *GetPillarReportHandler) Handle(ctx context.Context, q GetPillarReportQuery) (*pillar.Report, error) {
	pid, err := shared.NewPatientID(q.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get_pillar_report: %w", err)
	}
	if _, err := h.patients.GetByID(ctx, pid); err != nil {
		return nil, fmt.Errorf("get_pillar_report: %w", err)
	}
	report, err := h.aggregator.Aggregate(ctx, pid, h.clock())
	if err != nil {
		return nil, fmt.Errorf("get_pillar_report: %w", err)
	}
	return &report, nil
}
