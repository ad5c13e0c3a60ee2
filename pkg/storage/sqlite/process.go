package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nicktill/tinystats/pkg/storage"
)

// MergeProcessHours writes rows in a single transaction. A row for an existing
// (timestamp, process) pair is folded into it weighted by sample count, so a
// re-flushed hour never duplicates.
func (s *Store) MergeProcessHours(ctx context.Context, rows []storage.ProcessHourRow) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin process hour tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO process_hourly_stats (timestamp, process_name, display_name, process_type, category,
			cpu_avg, cpu_max, ram_avg_mb, ram_max_mb, sample_count, active_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timestamp, process_name) DO UPDATE SET
			display_name = COALESCE(excluded.display_name, display_name),
			process_type = COALESCE(excluded.process_type, process_type),
			category = COALESCE(excluded.category, category),
			cpu_avg = ROUND((cpu_avg * sample_count + excluded.cpu_avg * excluded.sample_count)
				/ MAX(sample_count + excluded.sample_count, 1), 2),
			cpu_max = MAX(cpu_max, excluded.cpu_max),
			ram_avg_mb = ROUND((ram_avg_mb * sample_count + excluded.ram_avg_mb * excluded.sample_count)
				/ MAX(sample_count + excluded.sample_count, 1), 2),
			ram_max_mb = MAX(ram_max_mb, excluded.ram_max_mb),
			sample_count = sample_count + excluded.sample_count,
			active_seconds = active_seconds + excluded.active_seconds`)
	if err != nil {
		return fmt.Errorf("prepare process hour insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Timestamp, r.Name, r.DisplayName, r.Type, r.Category,
			r.CPUAvg, r.CPUMax, r.RAMAvgMB, r.RAMMaxMB, r.SampleCount, r.ActiveSeconds); err != nil {
			return fmt.Errorf("insert process hour %s@%d: %w", r.Name, r.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit process hours: %w", err)
	}
	return nil
}

const processHourColumns = `timestamp, process_name, COALESCE(display_name, process_name),
	COALESCE(process_type, 'unknown'), COALESCE(category, 'Unknown'),
	cpu_avg, cpu_max, ram_avg_mb, ram_max_mb, sample_count, active_seconds`

// ProcessHoursAt returns the rows of one hour ordered by cpu_avg descending.
// A limit <= 0 returns every row.
func (s *Store) ProcessHoursAt(ctx context.Context, hour int64, limit int) ([]storage.ProcessHourRow, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+processHourColumns+`
		FROM process_hourly_stats WHERE timestamp = ?
		ORDER BY cpu_avg DESC, process_name LIMIT ?`, hour, limit)
	if err != nil {
		return nil, fmt.Errorf("query process hour: %w", err)
	}
	return scanProcessHours(rows)
}

// ProcessHoursFor returns one process's hour rows in [from, to) ordered by timestamp.
func (s *Store) ProcessHoursFor(ctx context.Context, name string, from, to int64) ([]storage.ProcessHourRow, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+processHourColumns+`
		FROM process_hourly_stats WHERE process_name = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, name, from, to)
	if err != nil {
		return nil, fmt.Errorf("query process timeline: %w", err)
	}
	return scanProcessHours(rows)
}

func scanProcessHours(rows *sql.Rows) ([]storage.ProcessHourRow, error) {
	defer rows.Close()
	var out []storage.ProcessHourRow
	for rows.Next() {
		var r storage.ProcessHourRow
		if err := rows.Scan(&r.Timestamp, &r.Name, &r.DisplayName, &r.Type, &r.Category,
			&r.CPUAvg, &r.CPUMax, &r.RAMAvgMB, &r.RAMMaxMB, &r.SampleCount, &r.ActiveSeconds); err != nil {
			return nil, fmt.Errorf("scan process hour: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AggregateProcessDay groups hour rows in [from, to) by process. Averages are
// weighted by sample count; Date and Timestamp are left for the caller.
func (s *Store) AggregateProcessDay(ctx context.Context, from, to int64) ([]storage.ProcessDayRow, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT process_name,
			COALESCE(MAX(display_name), process_name),
			COALESCE(MAX(process_type), 'unknown'),
			COALESCE(MAX(category), 'Unknown'),
			SUM(cpu_avg * sample_count) / SUM(sample_count),
			MAX(cpu_max),
			SUM(ram_avg_mb * sample_count) / SUM(sample_count),
			MAX(ram_max_mb),
			SUM(active_seconds),
			SUM(sample_count)
		FROM process_hourly_stats
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY process_name
		HAVING SUM(sample_count) > 0
		ORDER BY process_name`, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate process day: %w", err)
	}
	defer rows.Close()

	var out []storage.ProcessDayRow
	for rows.Next() {
		var r storage.ProcessDayRow
		if err := rows.Scan(&r.Name, &r.DisplayName, &r.Type, &r.Category,
			&r.CPUAvg, &r.CPUMax, &r.RAMAvgMB, &r.RAMMaxMB, &r.ActiveSeconds, &r.SampleCount); err != nil {
			return nil, fmt.Errorf("scan process day aggregate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertProcessDays writes day rows keyed on (date, process) in one transaction.
func (s *Store) UpsertProcessDays(ctx context.Context, rows []storage.ProcessDayRow) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin process day tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO process_daily_stats (date_str, timestamp, process_name, display_name, process_type,
			category, cpu_avg, cpu_max, ram_avg_mb, ram_max_mb, total_active_seconds, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date_str, process_name) DO UPDATE SET
			timestamp = excluded.timestamp,
			display_name = excluded.display_name,
			process_type = excluded.process_type,
			category = excluded.category,
			cpu_avg = excluded.cpu_avg, cpu_max = excluded.cpu_max,
			ram_avg_mb = excluded.ram_avg_mb, ram_max_mb = excluded.ram_max_mb,
			total_active_seconds = excluded.total_active_seconds,
			sample_count = excluded.sample_count`)
	if err != nil {
		return fmt.Errorf("prepare process day upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Date, r.Timestamp, r.Name, r.DisplayName, r.Type, r.Category,
			r.CPUAvg, r.CPUMax, r.RAMAvgMB, r.RAMMaxMB, r.ActiveSeconds, r.SampleCount); err != nil {
			return fmt.Errorf("upsert process day %s/%s: %w", r.Date, r.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit process days: %w", err)
	}
	return nil
}

const processDayColumns = `date_str, timestamp, process_name, COALESCE(display_name, process_name),
	COALESCE(process_type, 'unknown'), COALESCE(category, 'Unknown'),
	cpu_avg, cpu_max, ram_avg_mb, ram_max_mb, total_active_seconds, sample_count`

// ProcessDaysOn returns the rows of one date ordered by cpu_avg descending.
func (s *Store) ProcessDaysOn(ctx context.Context, date string, limit int) ([]storage.ProcessDayRow, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+processDayColumns+`
		FROM process_daily_stats WHERE date_str = ?
		ORDER BY cpu_avg DESC, process_name LIMIT ?`, date, limit)
	if err != nil {
		return nil, fmt.Errorf("query process day: %w", err)
	}
	return scanProcessDays(rows)
}

// ProcessDaysFor returns one process's day rows starting in [from, to).
func (s *Store) ProcessDaysFor(ctx context.Context, name string, from, to int64) ([]storage.ProcessDayRow, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+processDayColumns+`
		FROM process_daily_stats WHERE process_name = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`, name, from, to)
	if err != nil {
		return nil, fmt.Errorf("query process days: %w", err)
	}
	return scanProcessDays(rows)
}

func scanProcessDays(rows *sql.Rows) ([]storage.ProcessDayRow, error) {
	defer rows.Close()
	var out []storage.ProcessDayRow
	for rows.Next() {
		var r storage.ProcessDayRow
		if err := rows.Scan(&r.Date, &r.Timestamp, &r.Name, &r.DisplayName, &r.Type, &r.Category,
			&r.CPUAvg, &r.CPUMax, &r.RAMAvgMB, &r.RAMMaxMB, &r.ActiveSeconds, &r.SampleCount); err != nil {
			return nil, fmt.Errorf("scan process day: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
