package mcptools

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverlution/luma/config"
	"github.com/recoverlution/luma/internal/application/command"
	"github.com/recoverlution/luma/internal/bootstrap"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

func newApp(t *testing.T) *bootstrap.App {
	t.Helper()
	app, err := bootstrap.New(context.Background(), config.Development(), bootstrap.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func enrollWithCheckin(t *testing.T, app *bootstrap.App) string {
	t.Helper()
	ctx := context.Background()
	p, err := app.Commands.Patients.Enroll(ctx, command.EnrollPatientCommand{Timezone: "UTC"})
	require.NoError(t, err)
	_, err = app.Commands.Checkins.Handle(ctx, command.RecordCheckinCommand{
		PatientID:  p.ID.String(),
		Dimensions: map[string]float64{"ER-DT-001": 0.9, "SR-RC-002": 0.2},
	})
	require.NoError(t, err)
	return p.ID.String()
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestTools_Definitions(t *testing.T) {
	app := newApp(t)
	want := []string{
		"luma_patient_overview",
		"luma_active_decision",
		"luma_pillar_report",
		"luma_patterns",
		"luma_escalations",
	}

	tools := Tools(app.Queries)
	require.Len(t, tools, len(want))
	for i, tool := range tools {
		def := tool.Definition()
		assert.Equal(t, want[i], def.Name)
		assert.NotEmpty(t, def.Description)
		if def.Name != "luma_escalations" {
			assert.Contains(t, def.InputSchema.Required, "patient_id", def.Name)
		}
	}
}

func TestActiveDecisionTool(t *testing.T) {
	app := newApp(t)
	pid := enrollWithCheckin(t, app)
	tool := NewActiveDecisionTool(app.Queries.ActiveDecision)

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"patient_id":         pid,
		"include_candidates": true,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	text := resultText(res)
	assert.Contains(t, text, "## Active decision")
	assert.Contains(t, text, "### Reasoning")
	assert.Contains(t, text, "luma-policy-1")
}

func TestActiveDecisionTool_NoDecision(t *testing.T) {
	app := newApp(t)
	p, err := app.Commands.Patients.Enroll(context.Background(), command.EnrollPatientCommand{})
	require.NoError(t, err)

	res, err := NewActiveDecisionTool(app.Queries.ActiveDecision).Handle(context.Background(),
		makeReq(map[string]any{"patient_id": p.ID.String()}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "No active decision for this patient.", resultText(res))
}

func TestPillarReportTool(t *testing.T) {
	app := newApp(t)
	pid := enrollWithCheckin(t, app)

	res, err := NewPillarReportTool(app.Queries.Pillars).Handle(context.Background(),
		makeReq(map[string]any{"patient_id": pid}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	text := resultText(res)
	assert.Contains(t, text, "| Pillar | Score |")
	assert.Contains(t, text, "n/a", "unassessed pillars have no score")
	assert.Equal(t, 7, strings.Count(text, "\n| "), "header and six pillar rows")
}

func TestOverviewTool(t *testing.T) {
	app := newApp(t)
	pid := enrollWithCheckin(t, app)

	res, err := NewOverviewTool(app.Queries.Overview).Handle(context.Background(),
		makeReq(map[string]any{"patient_id": pid, "pillar": "ER"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	text := resultText(res)
	assert.Contains(t, text, "- **Status**: onboarding")
	assert.Contains(t, text, "ER-DT-001")
	assert.NotContains(t, text, "SR-RC-002")
}

func TestPatternsTool_Empty(t *testing.T) {
	app := newApp(t)
	pid := enrollWithCheckin(t, app)

	res, err := NewPatternsTool(app.Queries.Patterns).Handle(context.Background(),
		makeReq(map[string]any{"patient_id": pid}))
	require.NoError(t, err)
	assert.Equal(t, "No patterns detected yet.", resultText(res))
}

func TestEscalationsTool(t *testing.T) {
	app := newApp(t)
	tool := NewEscalationsTool(app.Queries.Escalations)

	res, err := tool.Handle(context.Background(), makeReq(map[string]any{"limit": float64(5)}))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resultText(res), "No escalations since"))

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"after": float64(7)}))
	require.NoError(t, err)
	assert.Equal(t, "No escalations after cursor 7.", resultText(res))

	res, err = tool.Handle(context.Background(), makeReq(map[string]any{"since": "last tuesday"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTools_InvalidPatientID(t *testing.T) {
	app := newApp(t)
	for _, tool := range Tools(app.Queries) {
		def := tool.Definition()
		if def.Name == "luma_escalations" {
			continue
		}
		t.Run(def.Name, func(t *testing.T) {
			res, err := tool.Handle(context.Background(), makeReq(map[string]any{"patient_id": "nope"}))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(res), "invalid request")
		})
	}
}

func TestNew_RespectsFeatureFlag(t *testing.T) {
	app := newApp(t)
	s, err := New(app)
	require.NoError(t, err)
	assert.NotNil(t, s)

	require.NoError(t, app.Config.Features.DisableFeature(config.FeatureMCPTools))
	_, err = New(app)
	assert.ErrorIs(t, err, ErrToolsDisabled)
}
