// Package sqlite is the single-node backend: every repository in one SQLite
// file, for development and small deployments that run without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeLayout is fixed-width so TEXT comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// DB is an open SQLite database with the LUMA schema applied.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and migrates it.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// One writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	d := &DB{db: db}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS patients (
			id                 TEXT PRIMARY KEY,
			external_ref       TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			timezone           TEXT NOT NULL DEFAULT 'UTC',
			suggestions_paused INTEGER NOT NULL DEFAULT 0,
			enrolled_at        TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			discharged_at      TEXT
		);

		CREATE TABLE IF NOT EXISTS checkins (
			id         TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			at         TEXT NOT NULL,
			record     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkins_patient_at ON checkins(patient_id, at);

		CREATE TABLE IF NOT EXISTS crisis_flags (
			id         TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			at         TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_crisis_flags_patient_at ON crisis_flags(patient_id, at);

		CREATE TABLE IF NOT EXISTS assessment_events (
			id            TEXT PRIMARY KEY,
			patient_id    TEXT NOT NULL,
			microblock_id TEXT NOT NULL,
			occurred_at   TEXT NOT NULL,
			record        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_stream ON assessment_events(patient_id, microblock_id);
		CREATE INDEX IF NOT EXISTS idx_events_patient_at ON assessment_events(patient_id, occurred_at);

		CREATE TRIGGER IF NOT EXISTS assessment_events_no_update
		BEFORE UPDATE ON assessment_events
		BEGIN SELECT RAISE(ABORT, 'assessment_events is append-only'); END;
		CREATE TRIGGER IF NOT EXISTS assessment_events_no_delete
		BEFORE DELETE ON assessment_events
		BEGIN SELECT RAISE(ABORT, 'assessment_events is append-only'); END;

		CREATE TABLE IF NOT EXISTS microblock_states (
			patient_id    TEXT NOT NULL,
			microblock_id TEXT NOT NULL,
			record        TEXT NOT NULL,
			PRIMARY KEY (patient_id, microblock_id)
		);

		CREATE TABLE IF NOT EXISTS baselines (
			patient_id TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			record     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS patterns (
			id         TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			record     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_patterns_patient ON patterns(patient_id, id);

		CREATE TABLE IF NOT EXISTS decisions (
			id         TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			action     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			record     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_patient_at ON decisions(patient_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_decisions_action_at ON decisions(action, created_at);

		CREATE TRIGGER IF NOT EXISTS decisions_no_update
		BEFORE UPDATE ON decisions
		BEGIN SELECT RAISE(ABORT, 'decisions is append-only'); END;
		CREATE TRIGGER IF NOT EXISTS decisions_no_delete
		BEFORE DELETE ON decisions
		BEGIN SELECT RAISE(ABORT, 'decisions is append-only'); END;
	`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}
