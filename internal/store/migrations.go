package store

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS signals (
    source TEXT NOT NULL,
    signal TEXT NOT NULL,
    geo_type TEXT NOT NULL,
    geo_value TEXT NOT NULL,
    date INTEGER NOT NULL,
    value REAL NOT NULL,
    fetched_at DATETIME NOT NULL,
    PRIMARY KEY (source, signal, geo_type, geo_value, date)
);

CREATE TABLE IF NOT EXISTS sensors (
    source TEXT NOT NULL,
    signal TEXT NOT NULL,
    name TEXT NOT NULL,
    geo_type TEXT NOT NULL,
    geo_value TEXT NOT NULL,
    date INTEGER NOT NULL,
    value REAL NOT NULL,
    standard_error REAL,
    provisional BOOLEAN NOT NULL DEFAULT FALSE,
    computed_at DATETIME NOT NULL,
    PRIMARY KEY (source, signal, name, geo_type, geo_value, date)
);

CREATE INDEX IF NOT EXISTS idx_sensors_date ON sensors(date);
`,
	},
	{
		Version:     2,
		Description: "Add compute_runs audit table",
		SQL: `
CREATE TABLE IF NOT EXISTS compute_runs (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    start_date INTEGER NOT NULL,
    end_date INTEGER NOT NULL,
    sensors TEXT NOT NULL,
    requested INTEGER NOT NULL DEFAULT 0,
    cached INTEGER NOT NULL DEFAULT 0,
    computed INTEGER NOT NULL DEFAULT 0,
    missing INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_compute_runs_started ON compute_runs(started_at);
`,
	},
}

// Migrate brings the schema up to the latest migration. The applied version
// lives in SQLite's user_version header field and is bumped in the same
// transaction as the migration's DDL, so a failed step leaves nothing behind.
func (s *Store) Migrate() error {
	current, err := s.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		log.Printf("migrations: %d -> %d (%s)", current, m.Version, m.Description)
		if err := s.apply(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
		current = m.Version
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
	// PRAGMA arguments cannot be bound.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return err
	}
	return tx.Commit()
}

// MigrationVersion is the version of the last applied migration, 0 for a
// fresh database.
func (s *Store) MigrationVersion() (int, error) {
	var version int
	err := s.db.QueryRow("PRAGMA user_version").Scan(&version)
	return version, err
}
