package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/storage"
)

// ErrBoundaryRegression is returned by OnTick for a minute older than the hour
// watermark. The minute row is kept; only the rollups are skipped.
var ErrBoundaryRegression = errors.New("rollup: minute precedes hour watermark")

// ProcessRollup is the per-process side of the hour and day rollups.
type ProcessRollup interface {
	FlushHour(ctx context.Context, hour int64) error
	RollupDay(ctx context.Context, dayStart, dayEnd int64, date string) error
}

// Pipeline cascades minute rows into the hour, day, week and month tiers.
type Pipeline struct {
	store  storage.Storage
	bounds clock.Boundaries
	procs  ProcessRollup
	log    zerolog.Logger

	mu       sync.Mutex
	lastHour int64
	lastDay  int64
}

// New creates a pipeline. procs may be nil.
func New(store storage.Storage, bounds clock.Boundaries, procs ProcessRollup, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		bounds: bounds,
		procs:  procs,
		log:    logger.With().Str("component", "rollup").Logger(),
	}
}

// Recover sets the watermarks from the newest hour and day rows in the store,
// falling back to the boundaries containing now when a tier is empty or the
// store is unavailable.
func (p *Pipeline) Recover(ctx context.Context, now time.Time) error {
	lastHour := p.bounds.HourStart(now.Unix())
	lastDay := p.bounds.DayStart(now.Unix())

	var errs []error
	if ts, ok, err := p.store.MaxTimestamp(ctx, storage.TierHour); err != nil {
		errs = append(errs, fmt.Errorf("recover hour watermark: %w", err))
	} else if ok {
		lastHour = p.bounds.HourStart(ts)
	}
	if ts, ok, err := p.store.MaxTimestamp(ctx, storage.TierDay); err != nil {
		errs = append(errs, fmt.Errorf("recover day watermark: %w", err))
	} else if ok {
		lastDay = p.bounds.DayStart(ts)
	}

	p.mu.Lock()
	p.lastHour, p.lastDay = lastHour, lastDay
	p.mu.Unlock()

	p.log.Info().
		Time("last_hour", time.Unix(lastHour, 0)).
		Time("last_day", time.Unix(lastDay, 0)).
		Msg("Rollup watermarks recovered")
	return errors.Join(errs...)
}

// Watermarks returns the last hour and day boundaries that have been rolled up.
func (p *Pipeline) Watermarks() (lastHour, lastDay int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHour, p.lastDay
}

// OnTick runs every rollup due after a minute row at ts was written. Hours are
// rolled before days; a day that ends a week or month also rolls up that week
// or month. A failed rollup leaves its watermark in place so the next tick
// retries it.
func (p *Pipeline) OnTick(ctx context.Context, ts int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastHour == 0 {
		p.lastHour = p.bounds.HourStart(ts)
	}
	if p.lastDay == 0 {
		p.lastDay = p.bounds.DayStart(ts)
	}

	if ts < p.lastHour {
		p.log.Warn().Int64("ts", ts).Int64("last_hour", p.lastHour).Msg("Minute precedes rolled-up hour, skipping rollups")
		return ErrBoundaryRegression
	}

	current := p.bounds.HourStart(ts)
	for current > p.lastHour {
		if err := p.RollupHour(ctx, p.lastHour); err != nil {
			return err
		}
		p.lastHour = p.bounds.NextHour(p.lastHour)
	}

	today := p.bounds.DayStart(ts)
	for today > p.lastDay {
		day := p.lastDay
		if err := p.RollupDay(ctx, day); err != nil {
			return err
		}

		next := p.bounds.NextDay(day)
		if p.bounds.IsWeekStart(next) {
			if err := p.RollupWeek(ctx, p.bounds.WeekStart(day)); err != nil {
				return err
			}
		}
		if p.bounds.IsMonthStart(next) {
			if err := p.RollupMonth(ctx, p.bounds.MonthStart(day)); err != nil {
				return err
			}
		}
		p.lastDay = next
	}
	return nil
}
