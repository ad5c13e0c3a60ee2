package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/storage"
)

// Default retention windows. Day, week, month, process day and event rows are kept forever.
const (
	DefaultMinuteRetention      = 7 * 24 * time.Hour
	DefaultHourRetention        = 90 * 24 * time.Hour
	DefaultProcessHourRetention = 90 * 24 * time.Hour
	DefaultRawLogRetention      = 24 * time.Hour
	DefaultInterval             = time.Hour
)

// Policy sets how long each pruned tier is kept.
type Policy struct {
	Minute      time.Duration `yaml:"minute"`
	Hour        time.Duration `yaml:"hour"`
	ProcessHour time.Duration `yaml:"process_hour"`
	RawLog      time.Duration `yaml:"raw_log"`
}

// DefaultPolicy returns the standard retention windows.
func DefaultPolicy() Policy {
	return Policy{
		Minute:      DefaultMinuteRetention,
		Hour:        DefaultHourRetention,
		ProcessHour: DefaultProcessHourRetention,
		RawLog:      DefaultRawLogRetention,
	}
}

// Config configures a Pruner.
type Config struct {
	Policy Policy

	// RawLogPath is the sampler's CSV log. Empty skips raw log pruning.
	RawLogPath string

	// Interval is the minimum time between MaybeRun passes (default 1h).
	Interval time.Duration
}

// Report summarizes one pruning pass.
type Report struct {
	At       time.Time              `json:"at"`
	Deleted  map[storage.Tier]int64 `json:"deleted"`
	RawLog   RawLogResult           `json:"raw_log"`
	Duration time.Duration          `json:"duration"`
}

// Pruner deletes rows that have aged out of their tier.
type Pruner struct {
	store storage.Storage
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	lastRun time.Time
	last    *Report
}

// New creates a pruner. Zero policy fields fall back to the defaults.
func New(store storage.Storage, cfg Config, logger zerolog.Logger) *Pruner {
	def := DefaultPolicy()
	if cfg.Policy.Minute <= 0 {
		cfg.Policy.Minute = def.Minute
	}
	if cfg.Policy.Hour <= 0 {
		cfg.Policy.Hour = def.Hour
	}
	if cfg.Policy.ProcessHour <= 0 {
		cfg.Policy.ProcessHour = def.ProcessHour
	}
	if cfg.Policy.RawLog <= 0 {
		cfg.Policy.RawLog = def.RawLog
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Pruner{
		store: store,
		cfg:   cfg,
		log:   logger.With().Str("component", "retention").Logger(),
	}
}

// MaybeRun runs a pass unless one ran less than Interval before now. It
// reports whether a pass ran.
func (p *Pruner) MaybeRun(ctx context.Context, now time.Time) (Report, bool, error) {
	p.mu.Lock()
	due := p.lastRun.IsZero() || now.Sub(p.lastRun) >= p.cfg.Interval
	p.mu.Unlock()
	if !due {
		return Report{}, false, nil
	}
	rep, err := p.Run(ctx, now)
	return rep, true, err
}

// Run prunes every tier against now regardless of when the last pass ran.
// Each tier is attempted even if an earlier one fails.
func (p *Pruner) Run(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	p.mu.Lock()
	p.lastRun = now
	p.mu.Unlock()

	rep := Report{At: now, Deleted: make(map[storage.Tier]int64, 3)}
	cuts := []struct {
		tier storage.Tier
		keep time.Duration
	}{
		{storage.TierMinute, p.cfg.Policy.Minute},
		{storage.TierHour, p.cfg.Policy.Hour},
		{storage.TierProcessHour, p.cfg.Policy.ProcessHour},
	}

	var errs []error
	for _, c := range cuts {
		cutoff := now.Add(-c.keep).Unix()
		n, err := p.store.DeleteBefore(ctx, c.tier, cutoff)
		if err != nil {
			if errors.Is(err, storage.ErrNotReady) {
				return rep, err
			}
			errs = append(errs, fmt.Errorf("prune %s: %w", c.tier, err))
			continue
		}
		rep.Deleted[c.tier] = n
	}

	if p.cfg.RawLogPath != "" {
		res, err := PruneRawLog(p.cfg.RawLogPath, now.Add(-p.cfg.Policy.RawLog).Unix())
		if err != nil {
			errs = append(errs, err)
		}
		rep.RawLog = res
	}
	rep.Duration = time.Since(start)

	p.mu.Lock()
	p.last = &rep
	p.mu.Unlock()

	p.log.Info().
		Int64("minute_rows", rep.Deleted[storage.TierMinute]).
		Int64("hour_rows", rep.Deleted[storage.TierHour]).
		Int64("process_hour_rows", rep.Deleted[storage.TierProcessHour]).
		Int("raw_log_kept", rep.RawLog.Kept).
		Int("raw_log_dropped", rep.RawLog.Dropped).
		Dur("duration", rep.Duration).
		Msg("Retention pass completed")

	return rep, errors.Join(errs...)
}

// LastReport returns the most recent pass, or nil if none ran yet.
func (p *Pruner) LastReport() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	rep := *p.last
	return &rep
}
