package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/recoverlution/luma/config"
	"github.com/recoverlution/luma/internal/infrastructure/persistence/postgres"
	"github.com/recoverlution/luma/internal/infrastructure/persistence/sqlite"
	"github.com/recoverlution/luma/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status]",
	Short: "Apply, roll back or list schema migrations",
	Long: `Runs schema migrations against the configured backend.

Postgres supports up (default), down (rolls back the latest migration) and
status. SQLite migrates itself on open, so only up is accepted.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down", "status"},
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	action := "up"
	if len(args) == 1 {
		action = args[0]
	}

	cfg, log, err := loadConfig("")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	ctx := cmd.Context()

	switch cfg.Database.Driver {
	case config.DriverSQLite:
		if action != "up" {
			return fmt.Errorf("sqlite supports only \"up\", got %q", action)
		}
		db, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return err
		}
		log.Info("sqlite schema is up to date", logger.String("path", cfg.Database.SQLitePath))
		return db.Close()

	case config.DriverPostgres:
		pc := postgres.DefaultConfig()
		pc.URL = cfg.Database.URL
		conn, err := postgres.NewConnection(ctx, pc)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer conn.Close()
		m := postgres.NewMigrator(conn)

		switch action {
		case "up":
			if err := m.Migrate(ctx); err != nil {
				return err
			}
			log.Info("database schema is up to date")
		case "down":
			if err := m.Rollback(ctx); err != nil {
				return err
			}
			log.Info("rolled back latest migration")
		case "status":
			migrations, err := m.Status(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
			for _, mg := range migrations {
				applied := "-"
				if mg.IsApplied {
					applied = mg.AppliedAt.UTC().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", mg.Version, mg.Name, applied)
			}
			return tw.Flush()
		default:
			return fmt.Errorf("unknown action %q", action)
		}
		return nil

	default:
		return fmt.Errorf("driver %q has no schema to migrate", cfg.Database.Driver)
	}
}
