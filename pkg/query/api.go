package query

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Query defaults.
const (
	DefaultMaxPoints   = 500
	DefaultTopN        = 10
	DefaultEventLimit  = 50
	DefaultSummaryDays = 7
	DefaultAlertWindow = 24 * time.Hour
)

// Granularity cut-overs for range reads, in seconds of range duration.
const (
	secondsPerDay = 86400

	MinuteTierMaxRange   = 2 * secondsPerDay
	HourTierMaxRange     = 14 * secondsPerDay
	DayTierMaxRange      = 120 * secondsPerDay
	ProcessHourlyMaxSpan = 3 * secondsPerDay
)

// TopSource exposes the in-memory process tallies of the hour in progress.
type TopSource interface {
	CurrentHourTop(n int) []storage.ProcessHourRow
}

// API answers read queries against the tiers. Every method is safe for
// concurrent use and returns an empty result, never an error, when the store
// is unavailable.
type API struct {
	store  storage.Storage
	bounds clock.Boundaries
	procs  TopSource
	log    zerolog.Logger
}

// New creates a query API. procs may be nil.
func New(store storage.Storage, bounds clock.Boundaries, procs TopSource, logger zerolog.Logger) *API {
	return &API{
		store:  store,
		bounds: bounds,
		procs:  procs,
		log:    logger.With().Str("component", "query").Logger(),
	}
}

// SelectTier picks the tier that serves a range of the given bounds.
func SelectTier(start, end int64) storage.Tier {
	switch d := end - start; {
	case d <= MinuteTierMaxRange:
		return storage.TierMinute
	case d <= HourTierMaxRange:
		return storage.TierHour
	case d <= DayTierMaxRange:
		return storage.TierDay
	default:
		return storage.TierMonth
	}
}

// UsageForRange returns system usage for [start, end] (both inclusive) in
// ascending order, from the tier matching the range length and downsampled
// to maxPoints (500 when zero).
func (a *API) UsageForRange(ctx context.Context, start, end int64, maxPoints int) []Point {
	points := []Point{}
	if end < start {
		return points
	}

	tier := SelectTier(start, end)
	var err error
	switch tier {
	case storage.TierMinute:
		var rows []storage.MinuteRow
		if rows, err = a.store.MinuteRange(ctx, start, end+1); err == nil {
			for _, r := range rows {
				points = append(points, minutePoint(r))
			}
		}
	case storage.TierHour:
		var rows []storage.HourRow
		if rows, err = a.store.HourRange(ctx, start, end+1); err == nil {
			for _, r := range rows {
				points = append(points, hourPoint(r))
			}
		}
	case storage.TierDay:
		var rows []storage.DayRow
		if rows, err = a.store.DayRange(ctx, start, end+1); err == nil {
			for _, r := range rows {
				points = append(points, dayPoint(r))
			}
		}
	default:
		var rows []storage.PeriodRow
		if rows, err = a.store.MonthRange(ctx, start, end+1); err == nil {
			for _, r := range rows {
				points = append(points, periodPoint(storage.TierMonth, r))
			}
		}
	}
	if err != nil {
		a.failed(err, "usage range")
		return []Point{}
	}
	return Downsample(points, maxPoints)
}

// ProcessBreakdown returns the top n processes of the hour containing hour,
// by descending average CPU. A zero hour means the current hour.
func (a *API) ProcessBreakdown(ctx context.Context, hour int64, n int) []storage.ProcessHourRow {
	if hour == 0 {
		hour = clock.Now().Unix()
	}
	if n <= 0 {
		n = DefaultTopN
	}
	rows, err := a.store.ProcessHoursAt(ctx, a.bounds.HourStart(hour), n)
	if err != nil {
		a.failed(err, "process breakdown")
		return []storage.ProcessHourRow{}
	}
	for i := range rows {
		if rows[i].DisplayName == "" {
			rows[i].DisplayName = rows[i].Name
		}
	}
	return nonNil(rows)
}

// ProcessDaily returns the top n processes of a civil day (YYYY-MM-DD, today
// when empty), by descending average CPU.
func (a *API) ProcessDaily(ctx context.Context, date string, n int) []storage.ProcessDayRow {
	if date == "" {
		date = a.bounds.DateString(clock.Now().Unix())
	}
	if n <= 0 {
		n = DefaultTopN
	}
	rows, err := a.store.ProcessDaysOn(ctx, date, n)
	if err != nil {
		a.failed(err, "process daily")
		return []storage.ProcessDayRow{}
	}
	for i := range rows {
		if rows[i].DisplayName == "" {
			rows[i].DisplayName = rows[i].Name
		}
	}
	return nonNil(rows)
}

// ProcessTimeline returns one process's usage over [start, end], hourly for
// spans up to three days and daily beyond.
func (a *API) ProcessTimeline(ctx context.Context, name string, start, end int64) Timeline {
	name = strings.ToLower(strings.TrimSpace(name))
	tl := Timeline{Name: name, Tier: storage.TierProcessHour, Points: []ProcessPoint{}}
	if end < start || name == "" {
		return tl
	}

	if end-start <= ProcessHourlyMaxSpan {
		rows, err := a.store.ProcessHoursFor(ctx, name, start, end+1)
		if err != nil {
			a.failed(err, "process timeline")
			return tl
		}
		for _, r := range rows {
			tl.Points = append(tl.Points, ProcessPoint{
				Timestamp:     r.Timestamp,
				CPUAvg:        r.CPUAvg,
				CPUMax:        r.CPUMax,
				RAMAvgMB:      r.RAMAvgMB,
				RAMMaxMB:      r.RAMMaxMB,
				ActiveSeconds: r.ActiveSeconds,
			})
		}
		return tl
	}

	tl.Tier = storage.TierProcessDay
	rows, err := a.store.ProcessDaysFor(ctx, name, start, end+1)
	if err != nil {
		a.failed(err, "process timeline")
		return tl
	}
	for _, r := range rows {
		tl.Points = append(tl.Points, ProcessPoint{
			Timestamp:     r.Timestamp,
			CPUAvg:        r.CPUAvg,
			CPUMax:        r.CPUMax,
			RAMAvgMB:      r.RAMAvgMB,
			RAMMaxMB:      r.RAMMaxMB,
			ActiveSeconds: r.ActiveSeconds,
		})
	}
	return tl
}

// AvailableDateRange returns the span of data across the minute, hour and day
// tiers, or nil when they are all empty.
func (a *API) AvailableDateRange(ctx context.Context) *DateRange {
	var earliest, latest int64
	found := false
	for _, tier := range []storage.Tier{storage.TierMinute, storage.TierHour, storage.TierDay} {
		lo, hi, ok, err := a.store.TimestampBounds(ctx, tier)
		if err != nil {
			a.failed(err, "date range")
			return nil
		}
		if !ok {
			continue
		}
		if !found || lo < earliest {
			earliest = lo
		}
		if !found || hi > latest {
			latest = hi
		}
		found = true
	}
	if !found {
		return nil
	}
	return &DateRange{
		EarliestTS:   earliest,
		LatestTS:     latest,
		EarliestDate: a.bounds.DateString(earliest),
		LatestDate:   a.bounds.DateString(latest),
		TotalDays:    a.bounds.CivilDays(earliest, latest),
	}
}

// Events lists events newest first.
func (a *API) Events(ctx context.Context, f EventFilter) []storage.Event {
	if f.Limit <= 0 {
		f.Limit = DefaultEventLimit
	}
	evs, err := a.store.Events(ctx, storage.EventFilter{
		Start:    f.Start,
		End:      f.End,
		Type:     f.Type,
		Severity: f.Severity,
		Limit:    f.Limit,
	})
	if err != nil {
		a.failed(err, "events")
		return []storage.Event{}
	}
	return nonNil(evs)
}

// ActiveAlerts counts unresolved events newer than window (24h when zero).
func (a *API) ActiveAlerts(ctx context.Context, window time.Duration) storage.AlertCounts {
	if window <= 0 {
		window = DefaultAlertWindow
	}
	counts, err := a.store.CountUnresolved(ctx, clock.Now().Add(-window).Unix())
	if err != nil {
		a.failed(err, "active alerts")
		return storage.AlertCounts{}
	}
	return counts
}

type usageRow struct {
	cpuAvg, ramAvg, gpuAvg float64
	cpuMax, ramMax, gpuMax float64
	samples                int
}

// SummaryStats summarizes the last days (7 when zero). Day rows are
// supplemented by hour rows after the newest day and minute rows after the
// newest hour, so uptime counts time not yet rolled up. Returns nil when
// there is no data.
func (a *API) SummaryStats(ctx context.Context, days int) *Summary {
	if days <= 0 {
		days = DefaultSummaryDays
	}
	cutoff := clock.Now().Unix() - int64(days)*secondsPerDay

	dayRows, err := a.store.DayRange(ctx, cutoff, math.MaxInt64)
	if err != nil {
		a.failed(err, "summary days")
		return nil
	}
	hourRows, err := a.store.HourRange(ctx, cutoff, math.MaxInt64)
	if err != nil {
		a.failed(err, "summary hours")
		return nil
	}

	var all []usageRow
	dayUptime := 0
	dayEnd := int64(0)
	for _, r := range dayRows {
		dayUptime += r.UptimeMinutes
		all = append(all, usageRow{r.CPU.Avg, r.RAM.Avg, r.GPU.Avg, r.CPU.Max, r.RAM.Max, r.GPU.Max, r.SampleCount})
	}
	if len(dayRows) > 0 {
		dayEnd = a.bounds.NextDay(dayRows[len(dayRows)-1].Timestamp)
	}

	hourUptime := 0
	hourEnd := int64(0)
	for _, r := range hourRows {
		if r.Timestamp < dayEnd {
			continue
		}
		hourUptime += 60
		all = append(all, usageRow{r.CPU.Avg, r.RAM.Avg, r.GPU.Avg, r.CPU.Max, r.RAM.Max, r.GPU.Max, r.SampleCount})
	}
	if len(hourRows) > 0 {
		hourEnd = a.bounds.NextHour(hourRows[len(hourRows)-1].Timestamp)
	}

	minuteCutoff := max(cutoff, dayEnd, hourEnd)
	minuteRows, err := a.store.MinuteRange(ctx, minuteCutoff, math.MaxInt64)
	if err != nil {
		a.failed(err, "summary minutes")
		return nil
	}
	for _, r := range minuteRows {
		all = append(all, usageRow{r.CPU.Avg, r.RAM.Avg, r.GPU.Avg, r.CPU.Max, r.RAM.Max, r.GPU.Max, r.SampleCount})
	}

	if len(all) == 0 {
		return nil
	}

	s := &Summary{DaysWithData: max(len(dayRows), 1)}
	var cpu, ram, gpu float64
	for i, r := range all {
		cpu += r.cpuAvg
		ram += r.ramAvg
		gpu += r.gpuAvg
		if i == 0 || r.cpuMax > s.CPUMax {
			s.CPUMax = r.cpuMax
		}
		if i == 0 || r.ramMax > s.RAMMax {
			s.RAMMax = r.ramMax
		}
		if i == 0 || r.gpuMax > s.GPUMax {
			s.GPUMax = r.gpuMax
		}
		s.DataPoints += r.samples
	}
	n := float64(len(all))
	s.CPUAvg = round2(cpu / n)
	s.RAMAvg = round2(ram / n)
	s.GPUAvg = round2(gpu / n)
	s.CPUMax = round2(s.CPUMax)
	s.RAMMax = round2(s.RAMMax)
	s.GPUMax = round2(s.GPUMax)
	s.TotalUptimeHours = round2(float64(dayUptime+hourUptime+len(minuteRows)) / 60)
	return s
}

// CurrentHourTop returns the top n processes of the hour in progress from
// memory, before they are flushed.
func (a *API) CurrentHourTop(n int) []storage.ProcessHourRow {
	if a.procs == nil {
		return []storage.ProcessHourRow{}
	}
	if n <= 0 {
		n = DefaultTopN
	}
	return nonNil(a.procs.CurrentHourTop(n))
}

func (a *API) failed(err error, op string) {
	if errors.Is(err, storage.ErrNotReady) {
		a.log.Debug().Str("op", op).Msg("Store not ready")
		return
	}
	a.log.Error().Err(err).Str("op", op).Msg("Query failed")
}

func minutePoint(r storage.MinuteRow) Point {
	return Point{
		Timestamp:   r.Timestamp,
		Tier:        storage.TierMinute,
		CPU:         r.CPU,
		RAM:         r.RAM,
		GPU:         r.GPU,
		CPUTemp:     r.CPUTemp,
		GPUTemp:     r.GPUTemp,
		SampleCount: r.SampleCount,
	}
}

func hourPoint(r storage.HourRow) Point {
	p95 := r.CPUP95
	return Point{
		Timestamp:   r.Timestamp,
		Tier:        storage.TierHour,
		CPU:         r.CPU,
		RAM:         r.RAM,
		GPU:         r.GPU,
		CPUP95:      &p95,
		CPUTemp:     r.CPUTempAvg,
		GPUTemp:     r.GPUTempAvg,
		SampleCount: r.SampleCount,
	}
}

func dayPoint(r storage.DayRow) Point {
	p95 := r.CPUP95
	uptime := r.UptimeMinutes
	return Point{
		Timestamp:     r.Timestamp,
		Tier:          storage.TierDay,
		Key:           r.Date,
		CPU:           r.CPU,
		RAM:           r.RAM,
		GPU:           r.GPU,
		CPUP95:        &p95,
		CPUTemp:       r.CPUTempAvg,
		GPUTemp:       r.GPUTempAvg,
		UptimeMinutes: &uptime,
		SampleCount:   r.SampleCount,
	}
}

func periodPoint(tier storage.Tier, r storage.PeriodRow) Point {
	uptime := r.UptimeMinutes
	return Point{
		Timestamp:     r.Timestamp,
		Tier:          tier,
		Key:           r.Key,
		CPU:           r.CPU,
		RAM:           r.RAM,
		GPU:           r.GPU,
		CPUTemp:       r.CPUTempAvg,
		GPUTemp:       r.GPUTempAvg,
		UptimeMinutes: &uptime,
		SampleCount:   r.SampleCount,
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
