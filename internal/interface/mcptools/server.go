package mcptools

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/recoverlution/luma/config"
	"github.com/recoverlution/luma/internal/bootstrap"
)

// ErrToolsDisabled is returned when the surface.mcp_tools flag is off.
var ErrToolsDisabled = errors.New("mcp tools are disabled by feature flag")

const instructions = `LUMA is a deterministic engine that tracks a patient's clinical micro-blocks
(RED/ORANGE/GREEN with confidence) and curates one intervention at a time.
These tools are read-only. Start with luma_patient_overview, then
luma_active_decision for what LUMA is currently suggesting and why.
Poll luma_escalations with the returned cursor to follow safety escalations.`

// New builds an MCP server exposing the read-only tools over the app's
// query handlers.
func New(app *bootstrap.App) (*server.MCPServer, error) {
	flags := app.Config.Features
	if flags != nil && !flags.IsEnabled(config.FeatureMCPTools, nil) {
		return nil, ErrToolsDisabled
	}

	s := server.NewMCPServer(
		"luma",
		app.Config.App.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range Tools(app.Queries) {
		s.AddTool(t.Definition(), t.Handle)
	}
	return s, nil
}

// Tool is the shape every LUMA tool implements.
type Tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns every tool, in registration order.
func Tools(q bootstrap.Queries) []Tool {
	return []Tool{
		NewOverviewTool(q.Overview),
		NewActiveDecisionTool(q.ActiveDecision),
		NewPillarReportTool(q.Pillars),
		NewPatternsTool(q.Patterns),
		NewEscalationsTool(q.Escalations),
	}
}
