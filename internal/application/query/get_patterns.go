package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/recoverlution/luma/internal/domain/pattern"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// GetPatternsQuery contains query parameters.
type GetPatternsQuery struct {
	PatientID string

	// IncludeInvalidated also returns patterns contradicted by recent GREEN runs.
	IncludeInvalidated bool
}

// GetPatternsHandler lists a patient's detected patterns, strongest first.
type GetPatternsHandler struct {
	patterns pattern.Repository
}

// NewGetPatternsHandler creates a new handler.
func NewGetPatternsHandler(patterns pattern.Repository) *GetPatternsHandler {
	return &GetPatternsHandler{patterns: patterns}
}

// Handle executes the query.
func (h *GetPatternsHandler) Handle(ctx context.Context, q GetPatternsQuery) ([]PatternDTO, error) {
	pid, err := shared.NewPatientID(q.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get_patterns: %w", err)
	}
	stored, err := h.patterns.ListForPatient(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("get_patterns: %w", err)
	}

	out := make([]PatternDTO, 0, len(stored))
	for _, p := range stored {
		if !q.IncludeInvalidated && !p.IsActive() {
			continue
		}
		out = append(out, NewPatternDTO(p))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
