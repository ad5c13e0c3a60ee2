package rollup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/storage"
	"github.com/nicktill/tinystats/pkg/storage/sqlite"
)

// 2023-11-14 23:00:00 UTC
const baseHour = int64(1700002800)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(context.Background(), sqlite.Config{
		Path:   filepath.Join(t.TempDir(), "stats.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type procCalls struct {
	hours []int64
	days  []string
}

func (p *procCalls) FlushHour(_ context.Context, hour int64) error {
	p.hours = append(p.hours, hour)
	return nil
}

func (p *procCalls) RollupDay(_ context.Context, _, _ int64, date string) error {
	p.days = append(p.days, date)
	return nil
}

func utc(y int, m time.Month, d, h int) int64 {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC).Unix()
}

func TestPercentile95(t *testing.T) {
	seq := func(n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = float64(i + 1)
		}
		return out
	}

	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{7}, 7},
		{"twenty", seq(20), 20},
		{"hundred", seq(100), 96},
		{"unsorted", []float64{50, 10, 30, 20, 40}, 50},
		{"constant", []float64{20, 20, 20}, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percentile95(tt.values))
		})
	}
}

func TestOnTick_HourRollup(t *testing.T) {
	store := newStore(t)
	procs := &procCalls{}
	p := New(store, clock.New(time.UTC), procs, zerolog.Nop())
	ctx := context.Background()

	for i := int64(0); i < 60; i++ {
		require.NoError(t, store.UpsertMinute(ctx, storage.MinuteRow{
			Timestamp:   baseHour + i*60,
			CPU:         storage.Metrics{Avg: 20, Min: 10, Max: 30},
			SampleCount: 60,
		}))
	}
	require.NoError(t, p.Recover(ctx, time.Unix(baseHour, 0)))
	require.NoError(t, p.OnTick(ctx, baseHour+3600))

	hours, err := store.HourRange(ctx, baseHour, baseHour+1)
	require.NoError(t, err)
	require.Len(t, hours, 1)
	h := hours[0]
	assert.Equal(t, 20.0, h.CPU.Avg)
	assert.Equal(t, 10.0, h.CPU.Min)
	assert.Equal(t, 30.0, h.CPU.Max)
	assert.Equal(t, 20.0, h.CPUP95)
	assert.Equal(t, 3600, h.SampleCount)
	assert.Nil(t, h.CPUTempAvg)

	assert.Equal(t, []int64{baseHour}, procs.hours)
	lastHour, _ := p.Watermarks()
	assert.Equal(t, baseHour+3600, lastHour)
}

func TestRollupHour_IdempotentAndTemperatures(t *testing.T) {
	store := newStore(t)
	p := New(store, clock.New(time.UTC), nil, zerolog.Nop())
	ctx := context.Background()

	temps := []float64{60, 61, 65}
	for i, temp := range temps {
		temp := temp
		require.NoError(t, store.UpsertMinute(ctx, storage.MinuteRow{
			Timestamp:   baseHour + int64(i)*60,
			CPU:         storage.Metrics{Avg: float64(10 * (i + 1)), Min: 1, Max: 90},
			CPUTemp:     &temp,
			SampleCount: 60,
		}))
	}

	require.NoError(t, p.RollupHour(ctx, baseHour))
	first, err := store.HourRange(ctx, baseHour, baseHour+1)
	require.NoError(t, err)
	require.NoError(t, p.RollupHour(ctx, baseHour))
	second, err := store.HourRange(ctx, baseHour, baseHour+1)
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, first, second)
	require.NotNil(t, second[0].CPUTempAvg)
	assert.Equal(t, 62.0, *second[0].CPUTempAvg)
	assert.Nil(t, second[0].GPUTempAvg)
	assert.Equal(t, 30.0, second[0].CPUP95)
}

func TestOnTick_EmptyHoursWriteNothing(t *testing.T) {
	store := newStore(t)
	procs := &procCalls{}
	p := New(store, clock.New(time.UTC), procs, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.Recover(ctx, time.Unix(baseHour, 0)))
	// Engine was down for three hours
	require.NoError(t, p.OnTick(ctx, baseHour+3*3600+60))

	_, ok, err := store.MaxTimestamp(ctx, storage.TierHour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, procs.hours, 3)
}

func TestOnTick_BoundaryRegression(t *testing.T) {
	store := newStore(t)
	p := New(store, clock.New(time.UTC), nil, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, p.Recover(ctx, time.Unix(baseHour+120, 0)))
	err := p.OnTick(ctx, baseHour-60)
	assert.ErrorIs(t, err, ErrBoundaryRegression)

	lastHour, _ := p.Watermarks()
	assert.Equal(t, baseHour, lastHour)
}

func TestRecover_FromStore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertHour(ctx, storage.HourRow{Timestamp: baseHour - 7200, SampleCount: 1}))
	require.NoError(t, store.UpsertDay(ctx, storage.DayRow{Date: "2023-11-13", Timestamp: 1699833600, SampleCount: 1}))

	p := New(store, clock.New(time.UTC), nil, zerolog.Nop())
	require.NoError(t, p.Recover(ctx, time.Unix(baseHour, 0)))

	lastHour, lastDay := p.Watermarks()
	assert.Equal(t, baseHour-7200, lastHour)
	assert.Equal(t, int64(1699833600), lastDay)
}

func TestRecover_StoreClosed(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Close())

	p := New(store, clock.New(time.UTC), nil, zerolog.Nop())
	err := p.Recover(context.Background(), time.Unix(baseHour+10, 0))
	assert.ErrorIs(t, err, storage.ErrNotReady)

	lastHour, lastDay := p.Watermarks()
	assert.Equal(t, baseHour, lastHour)
	assert.Equal(t, int64(1699920000), lastDay)
}

func TestRollupDay_MeanOfHours(t *testing.T) {
	store := newStore(t)
	procs := &procCalls{}
	p := New(store, clock.New(time.UTC), procs, zerolog.Nop())
	ctx := context.Background()

	day := utc(2024, time.May, 15, 0)
	for i := 0; i < 24; i++ {
		avg := float64(i) + 0.25
		require.NoError(t, store.UpsertHour(ctx, storage.HourRow{
			Timestamp:   day + int64(i)*3600,
			CPU:         storage.Metrics{Avg: avg, Min: avg - 0.25, Max: avg + 1},
			SampleCount: 3600,
		}))
	}

	require.NoError(t, p.RollupDay(ctx, day))

	days, err := store.DayRange(ctx, day, day+1)
	require.NoError(t, err)
	require.Len(t, days, 1)
	d := days[0]
	assert.Equal(t, "2024-05-15", d.Date)
	assert.InDelta(t, 11.75, d.CPU.Avg, 0.01)
	assert.Equal(t, 0.0, d.CPU.Min)
	assert.Equal(t, 24.25, d.CPU.Max)
	assert.Equal(t, 22.25, d.CPUP95)
	assert.Equal(t, 1440, d.UptimeMinutes)
	assert.Equal(t, 24*3600, d.SampleCount)
	assert.Equal(t, []string{"2024-05-15"}, procs.days)
}

func TestOnTick_WeekRollupOnMonday(t *testing.T) {
	store := newStore(t)
	p := New(store, clock.New(time.UTC), nil, zerolog.Nop())
	ctx := context.Background()

	monday := utc(2024, time.May, 13, 0)
	for i := 0; i < 6; i++ {
		ts := monday + int64(i)*86400
		require.NoError(t, store.UpsertDay(ctx, storage.DayRow{
			Date:          time.Unix(ts, 0).UTC().Format("2006-01-02"),
			Timestamp:     ts,
			CPU:           storage.Metrics{Avg: 10, Min: 5, Max: 50},
			UptimeMinutes: 600,
			SampleCount:   36000,
		}))
	}
	sunday23 := utc(2024, time.May, 19, 23)
	require.NoError(t, store.UpsertMinute(ctx, storage.MinuteRow{
		Timestamp:   sunday23,
		CPU:         storage.Metrics{Avg: 80, Min: 70, Max: 95},
		SampleCount: 60,
	}))

	// Day watermark comes from the Saturday row; hour watermark from now
	require.NoError(t, p.Recover(ctx, time.Unix(sunday23, 0)))
	require.NoError(t, p.OnTick(ctx, utc(2024, time.May, 20, 0)))

	weeks, err := store.WeekRange(ctx, monday, monday+1)
	require.NoError(t, err)
	require.Len(t, weeks, 1)
	w := weeks[0]
	assert.Equal(t, "2024-W20", w.Key)
	assert.Equal(t, 6*600+60, w.UptimeMinutes)
	assert.Equal(t, 6*36000+60, w.SampleCount)
	assert.Equal(t, 5.0, w.CPU.Min)
	assert.Equal(t, 95.0, w.CPU.Max)
	assert.InDelta(t, (6*10.0+80)/7, w.CPU.Avg, 0.01)
	assert.Nil(t, w.CPUTempAvg)

	_, lastDay := p.Watermarks()
	assert.Equal(t, utc(2024, time.May, 20, 0), lastDay)
}

func TestOnTick_MonthRollupOnFirst(t *testing.T) {
	store := newStore(t)
	p := New(store, clock.New(time.UTC), nil, zerolog.Nop())
	ctx := context.Background()

	may30 := utc(2024, time.May, 30, 0)
	may31 := utc(2024, time.May, 31, 0)
	for _, ts := range []int64{may30, may31} {
		require.NoError(t, store.UpsertHour(ctx, storage.HourRow{
			Timestamp:   ts + 3600,
			CPU:         storage.Metrics{Avg: 40, Min: 20, Max: 60},
			SampleCount: 3600,
		}))
	}
	require.NoError(t, store.UpsertDay(ctx, storage.DayRow{Date: "2024-05-01", Timestamp: utc(2024, time.May, 1, 0), CPU: storage.Metrics{Avg: 10, Min: 1, Max: 20}, UptimeMinutes: 60, SampleCount: 3600}))

	require.NoError(t, p.Recover(ctx, time.Unix(may30+7200, 0)))
	// Recovered day watermark is May 1; catching up rolls every day through May 31
	require.NoError(t, p.OnTick(ctx, utc(2024, time.June, 1, 0)+60))

	months, err := store.MonthRange(ctx, utc(2024, time.May, 1, 0), utc(2024, time.June, 1, 0))
	require.NoError(t, err)
	require.Len(t, months, 1)
	m := months[0]
	assert.Equal(t, "2024-05", m.Key)
	assert.Equal(t, 3*60, m.UptimeMinutes)
	assert.InDelta(t, 30.0, m.CPU.Avg, 0.01)
	assert.Equal(t, 1.0, m.CPU.Min)
}

type failingHours struct {
	storage.Storage
}

func (failingHours) UpsertHour(context.Context, storage.HourRow) error {
	return errors.New("disk full")
}

func TestOnTick_FailureKeepsWatermark(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertMinute(ctx, storage.MinuteRow{Timestamp: baseHour, SampleCount: 60}))

	p := New(failingHours{store}, clock.New(time.UTC), nil, zerolog.Nop())
	require.NoError(t, p.Recover(ctx, time.Unix(baseHour, 0)))

	err := p.OnTick(ctx, baseHour+3600)
	require.Error(t, err)

	lastHour, _ := p.Watermarks()
	assert.Equal(t, baseHour, lastHour)
}
