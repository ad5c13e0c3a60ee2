package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nicktill/tinystats/pkg/storage"
)

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertEvent stores ev and returns its id.
func (s *Store) InsertEvent(ctx context.Context, ev storage.Event) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	if ev.Severity == "" {
		ev.Severity = storage.SeverityInfo
	}
	var resolved any
	if ev.ResolvedAt != nil {
		resolved = *ev.ResolvedAt
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, event_type, severity, metric, value, baseline,
			process_name, description, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp, string(ev.Type), string(ev.Severity), nullString(ev.Metric),
		nullable(ev.Value), nullable(ev.Baseline), nullString(ev.ProcessName), ev.Description, resolved,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// Events lists events matching f, newest first.
func (s *Store) Events(ctx context.Context, f storage.EventFilter) ([]storage.Event, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if f.Start != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *f.Start)
	}
	if f.End != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *f.End)
	}
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}

	query := `SELECT id, timestamp, event_type, severity, metric, value, baseline,
		process_name, description, resolved_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []storage.Event
	for rows.Next() {
		var ev storage.Event
		var typ, sev string
		var metric, proc, desc sql.NullString
		var value, baseline sql.NullFloat64
		var resolved sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &typ, &sev, &metric, &value, &baseline,
			&proc, &desc, &resolved); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = storage.EventType(typ)
		ev.Severity = storage.Severity(sev)
		ev.Metric, ev.ProcessName, ev.Description = metric.String, proc.String, desc.String
		ev.Value, ev.Baseline = ptr(value), ptr(baseline)
		if resolved.Valid {
			at := resolved.Int64
			ev.ResolvedAt = &at
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountUnresolved tallies unresolved events at or after since by severity.
func (s *Store) CountUnresolved(ctx context.Context, since int64) (storage.AlertCounts, error) {
	var counts storage.AlertCounts
	if err := s.check(ctx); err != nil {
		return counts, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM events
		WHERE timestamp >= ? AND resolved_at IS NULL
		GROUP BY severity`, since)
	if err != nil {
		return counts, fmt.Errorf("count alerts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return counts, fmt.Errorf("scan alert count: %w", err)
		}
		counts.Total += n
		switch storage.Severity(sev) {
		case storage.SeverityCritical:
			counts.Critical += n
		case storage.SeverityWarning:
			counts.Warning += n
		case storage.SeverityInfo:
			counts.Info += n
		}
	}
	return counts, rows.Err()
}

// ResolveEvent marks event id resolved at at. Already resolved events keep
// their original time.
func (s *Store) ResolveEvent(ctx context.Context, id, at int64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE events SET resolved_at = COALESCE(resolved_at, ?) WHERE id = ?", at, id)
	if err != nil {
		return fmt.Errorf("resolve event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("resolve event %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Baseline averages minute rows in [from, to). NULL temperatures are excluded
// by AVG; ok is false when the window holds no rows.
func (s *Store) Baseline(ctx context.Context, from, to int64) (storage.Baseline, bool, error) {
	var b storage.Baseline
	if err := s.check(ctx); err != nil {
		return b, false, err
	}
	var n int
	var cpu, ram, gpu, cpuTemp, gpuTemp sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(cpu_avg), AVG(ram_avg), AVG(gpu_avg), AVG(cpu_temp), AVG(gpu_temp)
		FROM minute_stats WHERE timestamp >= ? AND timestamp < ?`, from, to,
	).Scan(&n, &cpu, &ram, &gpu, &cpuTemp, &gpuTemp)
	if err != nil {
		return b, false, fmt.Errorf("baseline: %w", err)
	}
	if n == 0 {
		return b, false, nil
	}
	b.CPU, b.RAM, b.GPU = cpu.Float64, ram.Float64, gpu.Float64
	b.CPUTemp, b.GPUTemp = ptr(cpuTemp), ptr(gpuTemp)
	return b, true, nil
}
