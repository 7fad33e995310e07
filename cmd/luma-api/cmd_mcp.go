package main

import (
	"fmt"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/recoverlution/luma/internal/bootstrap"
	"github.com/recoverlution/luma/internal/interface/mcptools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve read-only MCP tools over stdio",
	Long: `Exposes patient overview, active decision, pillar report, patterns and
the escalation feed as MCP tools on stdin/stdout. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig("stderr")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	app, err := bootstrap.New(cmd.Context(), cfg, bootstrap.Options{Logger: log})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer func() { _ = app.Close() }()

	s, err := mcptools.New(app)
	if err != nil {
		return err
	}
	return server.ServeStdio(s)
}
