package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Forecast ledger",
		SQL: `
CREATE TABLE IF NOT EXISTS ledger (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    date TEXT NOT NULL,
    station TEXT NOT NULL,
    source TEXT NOT NULL,
    forecast_min_temp REAL,
    forecast_max_temp REAL,
    forecast_rain_prob REAL,
    forecast_rain_min_mm REAL,
    forecast_rain_max_mm REAL,
    actual_min_temp REAL,
    actual_max_temp REAL,
    actual_rain_mm REAL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(date, station, source)
);

CREATE INDEX IF NOT EXISTS idx_ledger_date_station ON ledger(date, station);
`,
	},
	{
		Version:     2,
		Description: "Ingest audit",
		SQL: `
CREATE TABLE IF NOT EXISTS ingest_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    provider TEXT NOT NULL,
    source TEXT NOT NULL,
    station TEXT NOT NULL,
    target_date TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    failure_kind TEXT,
    duration_ms INTEGER,
    records INTEGER,
    quality_flags TEXT,
    error_message TEXT,
    payload_id INTEGER
);

CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_run ON ingest_runs(run_id);
`,
	},
	{
		Version:     3,
		Description: "Raw payloads for failed parses",
		SQL: `
CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    station TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_raw_payloads_fetched ON raw_payloads(fetched_at);
`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations,
// each in its own transaction.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		slog.Debug("store: migrated", "version", m.Version, "description", m.Description)
	}
	return nil
}

func (s *Store) apply(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// MigrationVersion is the highest applied migration, 0 for a fresh database.
func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
