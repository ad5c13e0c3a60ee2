package storage

import (
	"context"
	"errors"
)

// ErrNotReady is returned by every accessor once the store is closed or was
// never initialized. Writers treat it as a no-op; readers return empty results.
var ErrNotReady = errors.New("storage: store not ready")

// Tier identifies one aggregate table.
type Tier string

const (
	TierMinute      Tier = "minute"
	TierHour        Tier = "hour"
	TierDay         Tier = "day"
	TierWeek        Tier = "week"
	TierMonth       Tier = "month"
	TierProcessHour Tier = "process_hour"
	TierProcessDay  Tier = "process_day"
	TierEvents      Tier = "events"
)

// Storage is the durable home of every tier row.
// Range reads are half-open: [from, to).
type Storage interface {
	// Ready reports whether the store accepts operations.
	Ready() bool

	UpsertMinute(ctx context.Context, row MinuteRow) error
	MinuteRange(ctx context.Context, from, to int64) ([]MinuteRow, error)

	UpsertHour(ctx context.Context, row HourRow) error
	HourRange(ctx context.Context, from, to int64) ([]HourRow, error)

	UpsertDay(ctx context.Context, row DayRow) error
	DayRange(ctx context.Context, from, to int64) ([]DayRow, error)

	UpsertWeek(ctx context.Context, row PeriodRow) error
	WeekRange(ctx context.Context, from, to int64) ([]PeriodRow, error)

	UpsertMonth(ctx context.Context, row PeriodRow) error
	MonthRange(ctx context.Context, from, to int64) ([]PeriodRow, error)

	// MaxTimestamp returns the newest timestamp in a time tier.
	MaxTimestamp(ctx context.Context, tier Tier) (ts int64, ok bool, err error)
	// TimestampBounds returns the oldest and newest timestamps in a time tier.
	TimestampBounds(ctx context.Context, tier Tier) (min, max int64, ok bool, err error)

	// MergeProcessHours writes hourly process rows in one transaction. A row for an
	// existing (timestamp, process) pair is merged weighted by sample count.
	MergeProcessHours(ctx context.Context, rows []ProcessHourRow) error
	ProcessHoursAt(ctx context.Context, hour int64, limit int) ([]ProcessHourRow, error)
	ProcessHoursFor(ctx context.Context, name string, from, to int64) ([]ProcessHourRow, error)
	// AggregateProcessDay groups hourly process rows in [from, to) by name with
	// sample-count weighted averages.
	AggregateProcessDay(ctx context.Context, from, to int64) ([]ProcessDayRow, error)
	UpsertProcessDays(ctx context.Context, rows []ProcessDayRow) error
	ProcessDaysOn(ctx context.Context, date string, limit int) ([]ProcessDayRow, error)
	ProcessDaysFor(ctx context.Context, name string, from, to int64) ([]ProcessDayRow, error)

	InsertEvent(ctx context.Context, ev Event) (int64, error)
	Events(ctx context.Context, f EventFilter) ([]Event, error)
	CountUnresolved(ctx context.Context, since int64) (AlertCounts, error)
	ResolveEvent(ctx context.Context, id, at int64) error
	// Baseline averages minute rows in [from, to); ok is false when none exist.
	Baseline(ctx context.Context, from, to int64) (b Baseline, ok bool, err error)

	// DeleteBefore removes rows of tier older than ts and reports how many went.
	DeleteBefore(ctx context.Context, tier Tier, ts int64) (int64, error)

	// Checkpoint folds the write-ahead log back into the main file.
	Checkpoint(ctx context.Context) error

	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// Stats provides storage health and usage info.
type Stats struct {
	Rows      map[Tier]int64
	SizeBytes int64
	Path      string
}
