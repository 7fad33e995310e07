// Package mcptools exposes the engine's read side to clinician-assistant
// agents over MCP. Every tool is read-only: none of them records a signal or
// runs a decision cycle.
//
// Each tool follows the same shape:
//   - a struct holding the query handler it reads through
//   - Definition() returns the mcp.Tool schema
//   - Handle() runs the query and renders markdown
package mcptools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/recoverlution/luma/internal/application/query"
	"github.com/recoverlution/luma/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVE DECISION
// ══════════════════════════════════════════════════════════════════════════════

// ActiveDecisionTool handles luma_active_decision.
type ActiveDecisionTool struct {
	q *query.GetActiveDecisionHandler
}

// NewActiveDecisionTool creates the tool.
func NewActiveDecisionTool(q *query.GetActiveDecisionHandler) *ActiveDecisionTool {
	return &ActiveDecisionTool{q: q}
}

// Definition returns the MCP tool definition.
func (t *ActiveDecisionTool) Definition() mcp.Tool {
	return mcp.NewTool("luma_active_decision",
		mcp.WithDescription(
			"Show the patient's active LUMA decision: the selected action, its priority tier "+
				"and the reasoning trace that led to it.",
		),
		mcp.WithString("patient_id", mcp.Required(), mcp.Description("Patient UUID")),
		mcp.WithBoolean("include_candidates", mcp.Description("Also list the ranked candidates that were considered")),
	)
}

// Handle processes the tool call.
func (t *ActiveDecisionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid := req.GetString("patient_id", "")
	d, err := t.q.Handle(ctx, query.GetActiveDecisionQuery{PatientID: pid})
	if err != nil {
		if shared.IsNotFound(err) {
			return mcp.NewToolResultText("No active decision for this patient."), nil
		}
		return toolError("active decision", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Active decision %s\n\n", d.ID)
	fmt.Fprintf(&b, "- **Action**: %s\n", d.SelectedAction)
	fmt.Fprintf(&b, "- **Tier**: %s\n", d.PriorityTier)
	if d.PrimaryMicroBlock != "" {
		fmt.Fprintf(&b, "- **Primary micro-block**: %s\n", d.PrimaryMicroBlock)
	}
	fmt.Fprintf(&b, "- **Trigger**: %s\n", d.Trigger)
	fmt.Fprintf(&b, "- **Created**: %s (expires %s)\n", stamp(d.CreatedAt), stamp(d.ExpiresAt))
	fmt.Fprintf(&b, "- **Policy**: %s\n", d.PolicyVersion)

	b.WriteString("\n### Reasoning\n\n")
	for _, f := range d.Reasoning {
		fmt.Fprintf(&b, "- %s\n", f.Text)
	}

	if boolArg(req, "include_candidates", false) && len(d.Candidates) > 0 {
		b.WriteString("\n### Candidates\n\n")
		for _, c := range d.Candidates {
			fmt.Fprintf(&b, "%d. %s for %s (score %.3f): %s\n", c.Rank, c.ContentID, c.MicroBlockID, c.Score, c.Why)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PILLAR REPORT
// ══════════════════════════════════════════════════════════════════════════════

// PillarReportTool handles luma_pillar_report.
type PillarReportTool struct {
	q *query.GetPillarReportHandler
}

// NewPillarReportTool creates the tool.
func NewPillarReportTool(q *query.GetPillarReportHandler) *PillarReportTool {
	return &PillarReportTool{q: q}
}

// Definition returns the MCP tool definition.
func (t *PillarReportTool) Definition() mcp.Tool {
	return mcp.NewTool("luma_pillar_report",
		mcp.WithDescription(
			"Summarise the patient's six clinical pillars: score, coverage and RED/ORANGE/GREEN counts. "+
				"Pillars with no assessed micro-blocks have no score.",
		),
		mcp.WithString("patient_id", mcp.Required(), mcp.Description("Patient UUID")),
	)
}

// Handle processes the tool call.
func (t *PillarReportTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := t.q.Handle(ctx, query.GetPillarReportQuery{PatientID: req.GetString("patient_id", "")})
	if err != nil {
		return toolError("pillar report", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Pillars (catalog v%d, %s)\n\n", report.CatalogVersion, stamp(report.At))
	b.WriteString("| Pillar | Score | Coverage | RED | ORANGE | GREEN |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, p := range report.Pillars {
		score := "n/a"
		if p.HasScore {
			score = fmt.Sprintf("%.2f", p.Score)
		}
		fmt.Fprintf(&b, "| %s %s | %s | %d/%d | %d | %d | %d |\n",
			p.Pillar, p.Name, score, p.Known, p.Total, p.Red, p.Orange, p.Green)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PATTERNS
// ══════════════════════════════════════════════════════════════════════════════

// PatternsTool handles luma_patterns.
type PatternsTool struct {
	q *query.GetPatternsHandler
}

// NewPatternsTool creates the tool.
func NewPatternsTool(q *query.GetPatternsHandler) *PatternsTool {
	return &PatternsTool{q: q}
}

// Definition returns the MCP tool definition.
func (t *PatternsTool) Definition() mcp.Tool {
	return mcp.NewTool("luma_patterns",
		mcp.WithDescription("List recurring trigger patterns detected for the patient, strongest first."),
		mcp.WithString("patient_id", mcp.Required(), mcp.Description("Patient UUID")),
		mcp.WithBoolean("include_invalidated", mcp.Description("Also list patterns contradicted by recent GREEN runs")),
	)
}

// Handle processes the tool call.
func (t *PatternsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	patterns, err := t.q.Handle(ctx, query.GetPatternsQuery{
		PatientID:          req.GetString("patient_id", ""),
		IncludeInvalidated: boolArg(req, "include_invalidated", false),
	})
	if err != nil {
		return toolError("patterns", err), nil
	}
	if len(patterns) == 0 {
		return mcp.NewToolResultText("No patterns detected yet."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d patterns:\n\n", len(patterns))
	for i, p := range patterns {
		fmt.Fprintf(&b, "%d. **%s** [%s] confidence %.2f (%d/%d events)\n",
			i+1, p.Trigger, p.Status, p.Confidence, p.Corroborating, p.Total)
		fmt.Fprintf(&b, "   blocks: %s; last confirmed %s\n", strings.Join(p.MicroBlocks, ", "), stamp(p.LastConfirmed))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PATIENT OVERVIEW
// ══════════════════════════════════════════════════════════════════════════════

// OverviewTool handles luma_patient_overview.
type OverviewTool struct {
	q *query.GetPatientOverviewHandler
}

// NewOverviewTool creates the tool.
func NewOverviewTool(q *query.GetPatientOverviewHandler) *OverviewTool {
	return &OverviewTool{q: q}
}

// Definition returns the MCP tool definition.
func (t *OverviewTool) Definition() mcp.Tool {
	return mcp.NewTool("luma_patient_overview",
		mcp.WithDescription(
			"Show a patient's lifecycle status, baseline progress and micro-block states. "+
				"Use pillar to narrow the state list.",
		),
		mcp.WithString("patient_id", mcp.Required(), mcp.Description("Patient UUID")),
		mcp.WithString("pillar", mcp.Description("Pillar code filter, e.g. ER or SR")),
		mcp.WithBoolean("include_unknown", mcp.Description("Also list never-assessed micro-blocks")),
	)
}

// Handle processes the tool call.
func (t *OverviewTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, err := t.q.Handle(ctx, query.GetPatientOverviewQuery{
		PatientID:      req.GetString("patient_id", ""),
		Pillar:         req.GetString("pillar", ""),
		IncludeUnknown: boolArg(req, "include_unknown", false),
	})
	if err != nil {
		return toolError("patient overview", err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Patient %s\n\n", o.PatientID)
	fmt.Fprintf(&b, "- **Status**: %s", o.Status)
	if o.SuggestionsPaused {
		b.WriteString(" (suggestions paused)")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- **Timezone**: %s\n", o.Timezone)
	fmt.Fprintf(&b, "- **Baseline**: %s, %d/%d blocks, day %d of %d",
		o.Baseline.Status, o.Baseline.AssessedBlocks, o.Baseline.MinMicroBlocks, o.Baseline.ElapsedDays, o.Baseline.MinDays)
	if o.Baseline.Overdue {
		b.WriteString(", overdue")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- **Known blocks**: %d of %d (mean confidence %.2f)\n", o.Known, o.Total, o.MeanConfidence)

	if len(o.States) > 0 {
		b.WriteString("\n| Block | State | Confidence | Samples | Review due |\n|---|---|---|---|---|\n")
		for _, s := range o.States {
			due := ""
			if s.ReviewDue != nil {
				due = stamp(*s.ReviewDue)
			}
			state := s.State
			if s.Overridden {
				state += " (override)"
			}
			fmt.Fprintf(&b, "| %s | %s | %.2f | %d | %s |\n", s.MicroBlockID, state, s.Confidence, s.SampleCount, due)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ESCALATIONS
// ══════════════════════════════════════════════════════════════════════════════

// EscalationsTool handles luma_escalations.
type EscalationsTool struct {
	q *query.GetEscalationsHandler
}

// NewEscalationsTool creates the tool.
func NewEscalationsTool(q *query.GetEscalationsHandler) *EscalationsTool {
	return &EscalationsTool{q: q}
}

// Definition returns the MCP tool definition.
func (t *EscalationsTool) Definition() mcp.Tool {
	return mcp.NewTool("luma_escalations",
		mcp.WithDescription(
			"List ESCALATE decisions across all patients in write order. Pass the returned cursor as after to poll.",
		),
		mcp.WithNumber("after", mcp.Description("Cursor from a previous call; when set, since is not defaulted")),
		mcp.WithString("since", mcp.Description("RFC 3339 lower bound on created_at; defaults to the last 24 hours")),
		mcp.WithNumber("limit", mcp.Description("Max results (default: 20, max: 500)")),
	)
}

// Handle processes the tool call.
func (t *EscalationsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := query.GetEscalationsQuery{
		After: int64(intArg(req, "after", 0)),
		Limit: intArg(req, "limit", 20),
	}
	if q.After == 0 {
		q.Since = time.Now().UTC().Add(-24 * time.Hour)
	}
	if raw := req.GetString("since", ""); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return mcp.NewToolResultError("'since' must be an RFC 3339 timestamp"), nil
		}
		q.Since = since
	}

	page, err := t.q.Handle(ctx, q)
	if err != nil {
		return toolError("escalations", err), nil
	}
	if len(page.Escalations) == 0 {
		if q.After > 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No escalations after cursor %d.", q.After)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("No escalations since %s.", stamp(q.Since))), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d escalations:\n\n", len(page.Escalations))
	for _, d := range page.Escalations {
		reason := ""
		if len(d.Reasoning) > 0 {
			reason = d.Reasoning[0].Text
		}
		fmt.Fprintf(&b, "- %s patient %s, block %s: %s\n", stamp(d.CreatedAt), d.PatientID, d.PrimaryMicroBlock, reason)
	}
	fmt.Fprintf(&b, "\nNext cursor: after=%d\n", page.NextCursor)
	return mcp.NewToolResultText(b.String()), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// intArg reads a numeric argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

func toolError(what string, err error) *mcp.CallToolResult {
	if shared.IsValidation(err) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid request: %v", err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to load %s: %v", what, err))
}

func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}
