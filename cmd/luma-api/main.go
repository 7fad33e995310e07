// luma-api serves the LUMA engine over HTTP and MCP.
//
// Usage:
//
//	luma-api serve [--worker]   # HTTP API, optionally with the scheduler in-process
//	luma-api migrate [up|down|status]
//	luma-api mcp                # read-only MCP tools over stdio
//	luma-api hash-key <key>     # bcrypt hash for HTTP_API_KEY_HASHES
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recoverlution/luma/config"
	"github.com/recoverlution/luma/pkg/logger"
)

var (
	logLevel  string
	logFormat string
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "luma-api",
	Short: "LUMA adaptive patient-state engine",
	Long: `luma-api runs the LUMA engine: it tracks each patient's clinical
micro-blocks from check-ins, content completions and clinician overrides,
and curates one intervention decision at a time.

Configuration comes from the environment (APP_ENV, DATABASE_URL, REDIS_ADDR,
HTTP_PORT, LUMA_ENGINE_CONFIG, ...).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override LOG_FORMAT (json, console)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(hashKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// loadConfig reads the environment and builds the process logger. output is
// passed to the logger so stdio transports can keep stdout clean.
func loadConfig(output string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Observability.LogFormat = logFormat
	}

	log, err := logger.New(logger.Options{
		Level:       logger.ParseLevel(cfg.Observability.LogLevel),
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.App.Name,
		AddCaller:   cfg.App.Debug,
		Output:      output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}
