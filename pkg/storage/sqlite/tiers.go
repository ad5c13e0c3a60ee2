package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nicktill/tinystats/pkg/storage"
)

type tierTable struct {
	table string
}

var tierTables = map[storage.Tier]tierTable{
	storage.TierMinute:      {"minute_stats"},
	storage.TierHour:        {"hourly_stats"},
	storage.TierDay:         {"daily_stats"},
	storage.TierWeek:        {"weekly_stats"},
	storage.TierMonth:       {"monthly_stats"},
	storage.TierProcessHour: {"process_hourly_stats"},
	storage.TierProcessDay:  {"process_daily_stats"},
	storage.TierEvents:      {"events"},
}

func tableFor(tier storage.Tier) (string, error) {
	t, ok := tierTables[tier]
	if !ok {
		return "", fmt.Errorf("unknown tier %q", tier)
	}
	return t.table, nil
}

func nullable(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func ptr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

// UpsertMinute writes or replaces the row for row.Timestamp.
func (s *Store) UpsertMinute(ctx context.Context, r storage.MinuteRow) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO minute_stats (timestamp, cpu_avg, cpu_min, cpu_max, ram_avg, ram_min, ram_max,
			gpu_avg, gpu_min, gpu_max, cpu_temp, gpu_temp, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO UPDATE SET
			cpu_avg = excluded.cpu_avg, cpu_min = excluded.cpu_min, cpu_max = excluded.cpu_max,
			ram_avg = excluded.ram_avg, ram_min = excluded.ram_min, ram_max = excluded.ram_max,
			gpu_avg = excluded.gpu_avg, gpu_min = excluded.gpu_min, gpu_max = excluded.gpu_max,
			cpu_temp = excluded.cpu_temp, gpu_temp = excluded.gpu_temp,
			sample_count = excluded.sample_count`,
		r.Timestamp, r.CPU.Avg, r.CPU.Min, r.CPU.Max, r.RAM.Avg, r.RAM.Min, r.RAM.Max,
		r.GPU.Avg, r.GPU.Min, r.GPU.Max, nullable(r.CPUTemp), nullable(r.GPUTemp), r.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("upsert minute %d: %w", r.Timestamp, err)
	}
	return nil
}

// MinuteRange returns minute rows in [from, to) ordered by timestamp.
func (s *Store) MinuteRange(ctx context.Context, from, to int64) ([]storage.MinuteRow, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, cpu_avg, cpu_min, cpu_max, ram_avg, ram_min, ram_max,
			gpu_avg, gpu_min, gpu_max, cpu_temp, gpu_temp, sample_count
		FROM minute_stats WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query minutes: %w", err)
	}
	defer rows.Close()

	var out []storage.MinuteRow
	for rows.Next() {
		var r storage.MinuteRow
		var cpuTemp, gpuTemp sql.NullFloat64
		if err := rows.Scan(&r.Timestamp, &r.CPU.Avg, &r.CPU.Min, &r.CPU.Max,
			&r.RAM.Avg, &r.RAM.Min, &r.RAM.Max, &r.GPU.Avg, &r.GPU.Min, &r.GPU.Max,
			&cpuTemp, &gpuTemp, &r.SampleCount); err != nil {
			return nil, fmt.Errorf("scan minute: %w", err)
		}
		r.CPUTemp, r.GPUTemp = ptr(cpuTemp), ptr(gpuTemp)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertHour writes or replaces the row for row.Timestamp.
func (s *Store) UpsertHour(ctx context.Context, r storage.HourRow) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hourly_stats (timestamp, cpu_avg, cpu_min, cpu_max, cpu_p95, ram_avg, ram_min, ram_max,
			gpu_avg, gpu_min, gpu_max, cpu_temp_avg, gpu_temp_avg, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO UPDATE SET
			cpu_avg = excluded.cpu_avg, cpu_min = excluded.cpu_min, cpu_max = excluded.cpu_max,
			cpu_p95 = excluded.cpu_p95,
			ram_avg = excluded.ram_avg, ram_min = excluded.ram_min, ram_max = excluded.ram_max,
			gpu_avg = excluded.gpu_avg, gpu_min = excluded.gpu_min, gpu_max = excluded.gpu_max,
			cpu_temp_avg = excluded.cpu_temp_avg, gpu_temp_avg = excluded.gpu_temp_avg,
			sample_count = excluded.sample_count`,
		r.Timestamp, r.CPU.Avg, r.CPU.Min, r.CPU.Max, r.CPUP95, r.RAM.Avg, r.RAM.Min, r.RAM.Max,
		r.GPU.Avg, r.GPU.Min, r.GPU.Max, nullable(r.CPUTempAvg), nullable(r.GPUTempAvg), r.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("upsert hour %d: %w", r.Timestamp, err)
	}
	return nil
}

// HourRange returns hour rows in [from, to) ordered by timestamp.
func (s *Store) HourRange(ctx context.Context, from, to int64) ([]storage.HourRow, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, cpu_avg, cpu_min, cpu_max, cpu_p95, ram_avg, ram_min, ram_max,
			gpu_avg, gpu_min, gpu_max, cpu_temp_avg, gpu_temp_avg, sample_count
		FROM hourly_stats WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query hours: %w", err)
	}
	defer rows.Close()

	var out []storage.HourRow
	for rows.Next() {
		var r storage.HourRow
		var p95, cpuTemp, gpuTemp sql.NullFloat64
		if err := rows.Scan(&r.Timestamp, &r.CPU.Avg, &r.CPU.Min, &r.CPU.Max, &p95,
			&r.RAM.Avg, &r.RAM.Min, &r.RAM.Max, &r.GPU.Avg, &r.GPU.Min, &r.GPU.Max,
			&cpuTemp, &gpuTemp, &r.SampleCount); err != nil {
			return nil, fmt.Errorf("scan hour: %w", err)
		}
		r.CPUP95 = p95.Float64
		r.CPUTempAvg, r.GPUTempAvg = ptr(cpuTemp), ptr(gpuTemp)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertDay writes or replaces the row for row.Date.
func (s *Store) UpsertDay(ctx context.Context, r storage.DayRow) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (date_str, timestamp, cpu_avg, cpu_min, cpu_max, cpu_p95,
			ram_avg, ram_min, ram_max, gpu_avg, gpu_min, gpu_max,
			cpu_temp_avg, gpu_temp_avg, uptime_minutes, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date_str) DO UPDATE SET
			timestamp = excluded.timestamp,
			cpu_avg = excluded.cpu_avg, cpu_min = excluded.cpu_min, cpu_max = excluded.cpu_max,
			cpu_p95 = excluded.cpu_p95,
			ram_avg = excluded.ram_avg, ram_min = excluded.ram_min, ram_max = excluded.ram_max,
			gpu_avg = excluded.gpu_avg, gpu_min = excluded.gpu_min, gpu_max = excluded.gpu_max,
			cpu_temp_avg = excluded.cpu_temp_avg, gpu_temp_avg = excluded.gpu_temp_avg,
			uptime_minutes = excluded.uptime_minutes, sample_count = excluded.sample_count`,
		r.Date, r.Timestamp, r.CPU.Avg, r.CPU.Min, r.CPU.Max, r.CPUP95,
		r.RAM.Avg, r.RAM.Min, r.RAM.Max, r.GPU.Avg, r.GPU.Min, r.GPU.Max,
		nullable(r.CPUTempAvg), nullable(r.GPUTempAvg), r.UptimeMinutes, r.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("upsert day %s: %w", r.Date, err)
	}
	return nil
}

// DayRange returns day rows whose start lies in [from, to).
func (s *Store) DayRange(ctx context.Context, from, to int64) ([]storage.DayRow, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT date_str, timestamp, cpu_avg, cpu_min, cpu_max, cpu_p95,
			ram_avg, ram_min, ram_max, gpu_avg, gpu_min, gpu_max,
			cpu_temp_avg, gpu_temp_avg, uptime_minutes, sample_count
		FROM daily_stats WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query days: %w", err)
	}
	defer rows.Close()

	var out []storage.DayRow
	for rows.Next() {
		var r storage.DayRow
		var p95, cpuTemp, gpuTemp sql.NullFloat64
		var uptime sql.NullInt64
		if err := rows.Scan(&r.Date, &r.Timestamp, &r.CPU.Avg, &r.CPU.Min, &r.CPU.Max, &p95,
			&r.RAM.Avg, &r.RAM.Min, &r.RAM.Max, &r.GPU.Avg, &r.GPU.Min, &r.GPU.Max,
			&cpuTemp, &gpuTemp, &uptime, &r.SampleCount); err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		r.CPUP95 = p95.Float64
		r.UptimeMinutes = int(uptime.Int64)
		r.CPUTempAvg, r.GPUTempAvg = ptr(cpuTemp), ptr(gpuTemp)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertWeek writes or replaces the row for the ISO week in row.Key.
func (s *Store) UpsertWeek(ctx context.Context, r storage.PeriodRow) error {
	return s.upsertPeriod(ctx, "weekly_stats", "week_str", r)
}

// WeekRange returns week rows whose start lies in [from, to).
func (s *Store) WeekRange(ctx context.Context, from, to int64) ([]storage.PeriodRow, error) {
	return s.periodRange(ctx, "weekly_stats", "week_str", from, to)
}

// UpsertMonth writes or replaces the row for the month in row.Key.
func (s *Store) UpsertMonth(ctx context.Context, r storage.PeriodRow) error {
	return s.upsertPeriod(ctx, "monthly_stats", "month_str", r)
}

// MonthRange returns month rows whose start lies in [from, to).
func (s *Store) MonthRange(ctx context.Context, from, to int64) ([]storage.PeriodRow, error) {
	return s.periodRange(ctx, "monthly_stats", "month_str", from, to)
}

func (s *Store) upsertPeriod(ctx context.Context, table, key string, r storage.PeriodRow) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, timestamp, cpu_avg, cpu_min, cpu_max, ram_avg, ram_min, ram_max,
			gpu_avg, gpu_min, gpu_max, cpu_temp_avg, gpu_temp_avg, uptime_minutes, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(%[2]s) DO UPDATE SET
			timestamp = excluded.timestamp,
			cpu_avg = excluded.cpu_avg, cpu_min = excluded.cpu_min, cpu_max = excluded.cpu_max,
			ram_avg = excluded.ram_avg, ram_min = excluded.ram_min, ram_max = excluded.ram_max,
			gpu_avg = excluded.gpu_avg, gpu_min = excluded.gpu_min, gpu_max = excluded.gpu_max,
			cpu_temp_avg = excluded.cpu_temp_avg, gpu_temp_avg = excluded.gpu_temp_avg,
			uptime_minutes = excluded.uptime_minutes, sample_count = excluded.sample_count`, table, key)

	_, err := s.db.ExecContext(ctx, query,
		r.Key, r.Timestamp, r.CPU.Avg, r.CPU.Min, r.CPU.Max, r.RAM.Avg, r.RAM.Min, r.RAM.Max,
		r.GPU.Avg, r.GPU.Min, r.GPU.Max, nullable(r.CPUTempAvg), nullable(r.GPUTempAvg),
		r.UptimeMinutes, r.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, r.Key, err)
	}
	return nil
}

func (s *Store) periodRange(ctx context.Context, table, key string, from, to int64) ([]storage.PeriodRow, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT %s, timestamp, cpu_avg, cpu_min, cpu_max, ram_avg, ram_min, ram_max,
			gpu_avg, gpu_min, gpu_max, cpu_temp_avg, gpu_temp_avg, uptime_minutes, sample_count
		FROM %s WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp`, key, table)

	rows, err := s.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.PeriodRow
	for rows.Next() {
		var r storage.PeriodRow
		var cpuTemp, gpuTemp sql.NullFloat64
		var uptime sql.NullInt64
		if err := rows.Scan(&r.Key, &r.Timestamp, &r.CPU.Avg, &r.CPU.Min, &r.CPU.Max,
			&r.RAM.Avg, &r.RAM.Min, &r.RAM.Max, &r.GPU.Avg, &r.GPU.Min, &r.GPU.Max,
			&cpuTemp, &gpuTemp, &uptime, &r.SampleCount); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		r.UptimeMinutes = int(uptime.Int64)
		r.CPUTempAvg, r.GPUTempAvg = ptr(cpuTemp), ptr(gpuTemp)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxTimestamp returns the newest timestamp stored in tier.
func (s *Store) MaxTimestamp(ctx context.Context, tier storage.Tier) (int64, bool, error) {
	_, newest, ok, err := s.TimestampBounds(ctx, tier)
	return newest, ok, err
}

// TimestampBounds returns the oldest and newest timestamps stored in tier.
func (s *Store) TimestampBounds(ctx context.Context, tier storage.Tier) (int64, int64, bool, error) {
	if err := s.check(ctx); err != nil {
		return 0, 0, false, err
	}
	table, err := tableFor(tier)
	if err != nil {
		return 0, 0, false, err
	}
	var lo, hi sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		"SELECT MIN(timestamp), MAX(timestamp) FROM "+table,
	).Scan(&lo, &hi); err != nil {
		return 0, 0, false, fmt.Errorf("bounds of %s: %w", table, err)
	}
	if !hi.Valid {
		return 0, 0, false, nil
	}
	return lo.Int64, hi.Int64, true, nil
}

// DeleteBefore removes rows of tier with timestamp < ts.
func (s *Store) DeleteBefore(ctx context.Context, tier storage.Tier, ts int64) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	table, err := tableFor(tier)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp < ?", ts)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
