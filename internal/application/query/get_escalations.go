package query

import (
	"context"
	"fmt"
	"time"

	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ESCALATIONS QUERY
// Polling feed for the care team: ESCALATE decisions in write order after a
// cursor. The cursor is the write sequence, not created_at: a decision can be
// written after a later-stamped one, and must still reach the next poll.
// ══════════════════════════════════════════════════════════════════════════════

// GetEscalationsQuery contains query parameters.
type GetEscalationsQuery struct {
	// After is the cursor from the previous page; zero starts from the beginning.
	After int64

	// Since optionally skips escalations created at or before it.
	Since time.Time

	// Limit caps the page size (default 100, max 500).
	Limit int
}

// Validate normalizes the query.
func (q *GetEscalationsQuery) Validate() error {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.After < 0 {
		return shared.ValidationError("escalations", "Validate", "after must not be negative")
	}
	return nil
}

// EscalationsPage is one page of the feed.
type EscalationsPage struct {
	Escalations []DecisionDTO `json:"escalations"`

	// NextCursor is passed as After on the next poll.
	NextCursor int64 `json:"next_cursor"`
}

// GetEscalationsHandler handles the query.
type GetEscalationsHandler struct {
	decisions decision.Repository
}

// NewGetEscalationsHandler creates a new handler.
func NewGetEscalationsHandler(decisions decision.Repository) *GetEscalationsHandler {
	return &GetEscalationsHandler{decisions: decisions}
}

// Handle executes the query.
func (h *GetEscalationsHandler) Handle(ctx context.Context, q GetEscalationsQuery) (*EscalationsPage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Since.After(time.Now().Add(time.Minute)) {
		return nil, shared.WrapError("escalations", "Validate", shared.ErrFutureTimestamp, "since is in the future", nil)
	}

	ds, err := h.decisions.EscalationsAfter(ctx, q.After, q.Since, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("get_escalations: %w", err)
	}

	page := &EscalationsPage{
		Escalations: make([]DecisionDTO, 0, len(ds)),
		NextCursor:  q.After,
	}
	for _, d := range ds {
		page.Escalations = append(page.Escalations, NewDecisionDTO(d))
		if d.Seq > page.NextCursor {
			page.NextCursor = d.Seq
		}
	}
	return page, nil
}
