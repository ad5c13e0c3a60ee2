package process

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Idle filter: a process below both limits in a second is not counted.
const (
	MinCPUPercent = 0.1
	MinRAMMB      = 1.0
)

// Sample is one process's usage during one second.
type Sample struct {
	Name  string  `json:"name"`
	CPU   float64 `json:"cpu_percent"`
	RAMMB float64 `json:"ram_mb"`
}

type slotKey struct {
	hour int64
	name string
}

type slot struct {
	cpuSum  float64
	cpuMax  float64
	ramSum  float64
	ramMax  float64
	samples int
	active  int
	info    storage.ProcessInfo
}

// Accumulator tallies per-process usage for each (hour, process) pair and
// writes it to the process hour tier when the hour closes.
type Accumulator struct {
	store      storage.Storage
	bounds     clock.Boundaries
	classifier Classifier
	log        zerolog.Logger

	// flushMu keeps one flush in flight from snapshot to slot removal.
	flushMu sync.Mutex

	mu          sync.Mutex
	slots       map[slotKey]*slot
	currentHour int64
}

// New creates an accumulator. classifier may be nil.
func New(store storage.Storage, bounds clock.Boundaries, classifier Classifier, logger zerolog.Logger) *Accumulator {
	return &Accumulator{
		store:      store,
		bounds:     bounds,
		classifier: classifier,
		log:        logger.With().Str("component", "process").Logger(),
		slots:      make(map[slotKey]*slot),
	}
}

// AccumulateSecond adds one second of per-process samples observed at now.
// When now falls in a later hour than the previous call, the earlier hours are
// flushed first.
func (a *Accumulator) AccumulateSecond(ctx context.Context, procs []Sample, now time.Time) {
	hour := a.bounds.HourStart(now.Unix())

	a.mu.Lock()
	advanced := a.currentHour != 0 && hour > a.currentHour
	if a.currentHour == 0 || hour > a.currentHour {
		a.currentHour = hour
	}
	a.mu.Unlock()

	if advanced {
		if err := a.flushBefore(ctx, hour); err != nil && !errors.Is(err, storage.ErrNotReady) {
			a.log.Error().Err(err).Msg("Hourly process flush failed")
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range procs {
		if p.CPU < MinCPUPercent && p.RAMMB < MinRAMMB {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			name = "unknown"
		}

		key := slotKey{hour: hour, name: name}
		s, ok := a.slots[key]
		if !ok {
			s = &slot{info: classify(a.classifier, name)}
			a.slots[key] = s
		}
		s.cpuSum += p.CPU
		s.cpuMax = math.Max(s.cpuMax, p.CPU)
		s.ramSum += p.RAMMB
		s.ramMax = math.Max(s.ramMax, p.RAMMB)
		s.samples++
		s.active++
	}
}

// FlushHour writes every slot of hour to the store in one transaction. Slots
// are dropped only after the commit, so a failed write is retried by the next
// flush. Flushing an hour with no slots is a no-op.
func (a *Accumulator) FlushHour(ctx context.Context, hour int64) error {
	return a.flush(ctx, func(h int64) bool { return h == hour })
}

func (a *Accumulator) flushBefore(ctx context.Context, hour int64) error {
	return a.flush(ctx, func(h int64) bool { return h < hour })
}

func (a *Accumulator) flush(ctx context.Context, match func(hour int64) bool) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	snapshot := make(map[slotKey]slot)
	for k, s := range a.slots {
		if match(k.hour) && s.samples > 0 {
			snapshot[k] = *s
		}
	}
	a.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	rows := make([]storage.ProcessHourRow, 0, len(snapshot))
	for k, s := range snapshot {
		rows = append(rows, storage.ProcessHourRow{
			Timestamp:     k.hour,
			Name:          k.name,
			ProcessInfo:   s.info,
			CPUAvg:        round2(s.cpuSum / float64(s.samples)),
			CPUMax:        round2(s.cpuMax),
			RAMAvgMB:      round2(s.ramSum / float64(s.samples)),
			RAMMaxMB:      round2(s.ramMax),
			SampleCount:   s.samples,
			ActiveSeconds: s.active,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Timestamp != rows[j].Timestamp {
			return rows[i].Timestamp < rows[j].Timestamp
		}
		return rows[i].Name < rows[j].Name
	})

	if err := a.store.MergeProcessHours(ctx, rows); err != nil {
		return fmt.Errorf("flush %d process slots: %w", len(rows), err)
	}

	a.mu.Lock()
	for k, snap := range snapshot {
		cur, ok := a.slots[k]
		if !ok {
			continue
		}
		if cur.samples == snap.samples {
			delete(a.slots, k)
			continue
		}
		// Samples arrived while the write was in flight; keep only those.
		cur.cpuSum -= snap.cpuSum
		cur.ramSum -= snap.ramSum
		cur.samples -= snap.samples
		cur.active -= snap.active
	}
	a.mu.Unlock()

	a.log.Debug().Int("processes", len(rows)).Msg("Flushed process hours")
	return nil
}

// RollupDay aggregates the process hour rows in [dayStart, dayEnd) into one
// process day row per name, keyed by date.
func (a *Accumulator) RollupDay(ctx context.Context, dayStart, dayEnd int64, date string) error {
	rows, err := a.store.AggregateProcessDay(ctx, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("aggregate process day %s: %w", date, err)
	}
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		rows[i].Date = date
		rows[i].Timestamp = dayStart
		rows[i].CPUAvg = round2(rows[i].CPUAvg)
		rows[i].CPUMax = round2(rows[i].CPUMax)
		rows[i].RAMAvgMB = round2(rows[i].RAMAvgMB)
		rows[i].RAMMaxMB = round2(rows[i].RAMMaxMB)
	}
	if err := a.store.UpsertProcessDays(ctx, rows); err != nil {
		return fmt.Errorf("write process day %s: %w", date, err)
	}
	return nil
}

// FlushAll flushes every hour still held, oldest first. Used at shutdown.
func (a *Accumulator) FlushAll(ctx context.Context) error {
	a.mu.Lock()
	seen := make(map[int64]struct{})
	for k := range a.slots {
		seen[k.hour] = struct{}{}
	}
	a.mu.Unlock()

	hours := make([]int64, 0, len(seen))
	for h := range seen {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })

	var errs []error
	for _, h := range hours {
		if err := a.FlushHour(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CurrentHourTop returns the top n processes of the current hour by average
// CPU. It reads a copy and never changes the accumulator. n <= 0 returns all.
func (a *Accumulator) CurrentHourTop(n int) []storage.ProcessHourRow {
	a.mu.Lock()
	hour := a.currentHour
	out := make([]storage.ProcessHourRow, 0)
	for k, s := range a.slots {
		if k.hour != hour || s.samples == 0 {
			continue
		}
		out = append(out, storage.ProcessHourRow{
			Timestamp:     k.hour,
			Name:          k.name,
			ProcessInfo:   s.info,
			CPUAvg:        round2(s.cpuSum / float64(s.samples)),
			CPUMax:        round2(s.cpuMax),
			RAMAvgMB:      round2(s.ramSum / float64(s.samples)),
			RAMMaxMB:      round2(s.ramMax),
			SampleCount:   s.samples,
			ActiveSeconds: s.active,
		})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CPUAvg != out[j].CPUAvg {
			return out[i].CPUAvg > out[j].CPUAvg
		}
		return out[i].Name < out[j].Name
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Len reports how many (hour, process) slots are held in memory.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
