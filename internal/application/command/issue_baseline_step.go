package command

import (
	"context"
	"fmt"

	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// IssueBaselineStepResult is the next onboarding probe. Item is nil once the
// protocol is complete or nothing is left to sample.
type IssueBaselineStepResult struct {
	Item   *catalog.ContentItem
	Status string
}

// IssueBaselineStepHandler hands out the next baseline probe. Issuing advances
// the pillar rotation, so it runs under the patient lock.
type IssueBaselineStepHandler struct {
	cycle *Cycle
}

// NewIssueBaselineStepHandler creates a new handler.
func NewIssueBaselineStepHandler(cycle *Cycle) *IssueBaselineStepHandler {
	return &IssueBaselineStepHandler{cycle: cycle}
}

// Handle executes the command.
func (h *IssueBaselineStepHandler) Handle(ctx context.Context, patientID string) (*IssueBaselineStepResult, error) {
	pid, err := shared.NewPatientID(patientID)
	if err != nil {
		return nil, fmt.Errorf("issue_baseline_step: validation failed: %w", err)
	}

	release, err := h.cycle.lockPatient(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("issue_baseline_step: %w", err)
	}
	defer release()

	if _, err := h.cycle.loadTracked(ctx, pid); err != nil {
		return nil, fmt.Errorf("issue_baseline_step: %w", err)
	}

	now := h.cycle.Now()
	item, err := h.cycle.baseline.NextStep(ctx, pid, now)
	if err != nil {
		return nil, fmt.Errorf("issue_baseline_step: %w", err)
	}
	b, err := h.cycle.baseline.Status(ctx, pid, now)
	if err != nil {
		return nil, fmt.Errorf("issue_baseline_step: %w", err)
	}
	return &IssueBaselineStepResult{Item: item, Status: string(b.Status)}, nil
}
