package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// SchemaVersion is bumped on any non-additive change to schema.
const SchemaVersion = 1

// ErrSchemaCorrupt means the database file cannot be trusted. It is fatal at startup.
var ErrSchemaCorrupt = errors.New("sqlite: schema corrupt")

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER NOT NULL,
    applied_at  TEXT    NOT NULL,
    checksum    TEXT    NOT NULL
);

-- Per-minute statistics (7 day retention)
CREATE TABLE IF NOT EXISTS minute_stats (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    INTEGER NOT NULL,
    cpu_avg      REAL    NOT NULL,
    cpu_min      REAL    NOT NULL,
    cpu_max      REAL    NOT NULL,
    ram_avg      REAL    NOT NULL,
    ram_min      REAL    NOT NULL,
    ram_max      REAL    NOT NULL,
    gpu_avg      REAL    NOT NULL,
    gpu_min      REAL    NOT NULL,
    gpu_max      REAL    NOT NULL,
    cpu_temp     REAL,
    gpu_temp     REAL,
    sample_count INTEGER NOT NULL DEFAULT 60
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_minute_ts ON minute_stats(timestamp);

-- Per-hour statistics (90 day retention)
CREATE TABLE IF NOT EXISTS hourly_stats (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    INTEGER NOT NULL,
    cpu_avg      REAL    NOT NULL,
    cpu_min      REAL    NOT NULL,
    cpu_max      REAL    NOT NULL,
    cpu_p95      REAL,
    ram_avg      REAL    NOT NULL,
    ram_min      REAL    NOT NULL,
    ram_max      REAL    NOT NULL,
    gpu_avg      REAL    NOT NULL,
    gpu_min      REAL    NOT NULL,
    gpu_max      REAL    NOT NULL,
    cpu_temp_avg REAL,
    gpu_temp_avg REAL,
    sample_count INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_hourly_ts ON hourly_stats(timestamp);

-- Per-day statistics (kept forever)
CREATE TABLE IF NOT EXISTS daily_stats (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    date_str       TEXT    NOT NULL,
    timestamp      INTEGER NOT NULL,
    cpu_avg        REAL    NOT NULL,
    cpu_min        REAL    NOT NULL,
    cpu_max        REAL    NOT NULL,
    cpu_p95        REAL,
    ram_avg        REAL    NOT NULL,
    ram_min        REAL    NOT NULL,
    ram_max        REAL    NOT NULL,
    gpu_avg        REAL    NOT NULL,
    gpu_min        REAL    NOT NULL,
    gpu_max        REAL    NOT NULL,
    cpu_temp_avg   REAL,
    gpu_temp_avg   REAL,
    uptime_minutes INTEGER,
    sample_count   INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_daily_date ON daily_stats(date_str);
CREATE INDEX IF NOT EXISTS idx_daily_ts ON daily_stats(timestamp);

-- Per-week statistics (kept forever)
CREATE TABLE IF NOT EXISTS weekly_stats (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    week_str       TEXT    NOT NULL,
    timestamp      INTEGER NOT NULL,
    cpu_avg        REAL    NOT NULL,
    cpu_min        REAL    NOT NULL,
    cpu_max        REAL    NOT NULL,
    ram_avg        REAL    NOT NULL,
    ram_min        REAL    NOT NULL,
    ram_max        REAL    NOT NULL,
    gpu_avg        REAL    NOT NULL,
    gpu_min        REAL    NOT NULL,
    gpu_max        REAL    NOT NULL,
    cpu_temp_avg   REAL,
    gpu_temp_avg   REAL,
    uptime_minutes INTEGER,
    sample_count   INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_weekly_week ON weekly_stats(week_str);
CREATE INDEX IF NOT EXISTS idx_weekly_ts ON weekly_stats(timestamp);

-- Per-month statistics (kept forever)
CREATE TABLE IF NOT EXISTS monthly_stats (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    month_str      TEXT    NOT NULL,
    timestamp      INTEGER NOT NULL,
    cpu_avg        REAL    NOT NULL,
    cpu_min        REAL    NOT NULL,
    cpu_max        REAL    NOT NULL,
    ram_avg        REAL    NOT NULL,
    ram_min        REAL    NOT NULL,
    ram_max        REAL    NOT NULL,
    gpu_avg        REAL    NOT NULL,
    gpu_min        REAL    NOT NULL,
    gpu_max        REAL    NOT NULL,
    cpu_temp_avg   REAL,
    gpu_temp_avg   REAL,
    uptime_minutes INTEGER,
    sample_count   INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_monthly_month ON monthly_stats(month_str);
CREATE INDEX IF NOT EXISTS idx_monthly_ts ON monthly_stats(timestamp);

-- Per-process per-hour statistics (90 day retention)
CREATE TABLE IF NOT EXISTS process_hourly_stats (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp      INTEGER NOT NULL,
    process_name   TEXT    NOT NULL,
    display_name   TEXT,
    process_type   TEXT,
    category       TEXT,
    cpu_avg        REAL    NOT NULL,
    cpu_max        REAL    NOT NULL,
    ram_avg_mb     REAL    NOT NULL,
    ram_max_mb     REAL    NOT NULL,
    sample_count   INTEGER NOT NULL,
    active_seconds INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_proc_hourly_ts_name ON process_hourly_stats(timestamp, process_name);
CREATE INDEX IF NOT EXISTS idx_proc_hourly_name ON process_hourly_stats(process_name);

-- Per-process per-day statistics (kept forever)
CREATE TABLE IF NOT EXISTS process_daily_stats (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    date_str             TEXT    NOT NULL,
    timestamp            INTEGER NOT NULL,
    process_name         TEXT    NOT NULL,
    display_name         TEXT,
    process_type         TEXT,
    category             TEXT,
    cpu_avg              REAL    NOT NULL,
    cpu_max              REAL    NOT NULL,
    ram_avg_mb           REAL    NOT NULL,
    ram_max_mb           REAL    NOT NULL,
    total_active_seconds INTEGER NOT NULL,
    sample_count         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proc_daily_ts ON process_daily_stats(timestamp);
CREATE INDEX IF NOT EXISTS idx_proc_daily_name ON process_daily_stats(process_name);
CREATE UNIQUE INDEX IF NOT EXISTS idx_proc_daily_date_name ON process_daily_stats(date_str, process_name);

-- Events and alerts (kept forever)
CREATE TABLE IF NOT EXISTS events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    INTEGER NOT NULL,
    event_type   TEXT    NOT NULL,
    severity     TEXT    NOT NULL DEFAULT 'info',
    metric       TEXT,
    value        REAL,
    baseline     REAL,
    process_name TEXT,
    description  TEXT,
    resolved_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
`

// expectedTables must all exist once a version has been recorded.
var expectedTables = []string{
	"schema_version",
	"minute_stats",
	"hourly_stats",
	"daily_stats",
	"weekly_stats",
	"monthly_stats",
	"process_hourly_stats",
	"process_daily_stats",
	"events",
}

// schemaChecksum fingerprints the DDL compiled into this binary.
func schemaChecksum() string {
	return strconv.FormatUint(xxhash.Sum64String(schema), 16)
}

// migrate creates the schema at SchemaVersion. An equal or newer recorded
// version is left alone after an integrity check.
func (s *Store) migrate(ctx context.Context) error {
	var ok string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&ok); err != nil {
		return fmt.Errorf("%w: quick_check: %v", ErrSchemaCorrupt, err)
	}
	if ok != "ok" {
		return fmt.Errorf("%w: quick_check reported %q", ErrSchemaCorrupt, ok)
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}

	if exists > 0 {
		var version sql.NullInt64
		if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
			return fmt.Errorf("%w: read version: %v", ErrSchemaCorrupt, err)
		}
		if version.Valid && version.Int64 >= SchemaVersion {
			return s.verify(ctx)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, applied_at, checksum) VALUES (?, ?, ?)",
		SchemaVersion, time.Now().UTC().Format(time.RFC3339), schemaChecksum(),
	); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	s.log.Info().Int("version", SchemaVersion).Msg("Schema created")
	return nil
}

// verify checks that an already-migrated file still matches this binary.
func (s *Store) verify(ctx context.Context) error {
	for _, table := range expectedTables {
		var n int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&n); err != nil {
			return fmt.Errorf("%w: inspect %s: %v", ErrSchemaCorrupt, table, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: missing table %s", ErrSchemaCorrupt, table)
		}
	}

	var recorded sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT checksum FROM schema_version WHERE version = ? ORDER BY rowid DESC LIMIT 1",
		SchemaVersion,
	).Scan(&recorded)
	if errors.Is(err, sql.ErrNoRows) {
		// Written by a newer binary; nothing recorded for our version to compare.
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read checksum: %v", ErrSchemaCorrupt, err)
	}
	if recorded.String != schemaChecksum() {
		return fmt.Errorf("%w: version %d checksum %s does not match %s",
			ErrSchemaCorrupt, SchemaVersion, recorded.String, schemaChecksum())
	}
	return nil
}
