package engine

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/events"
	"github.com/nicktill/tinystats/pkg/process"
	"github.com/nicktill/tinystats/pkg/rollup"
	"github.com/nicktill/tinystats/pkg/storage"
)

// MaxSamplesPerMinute caps a minute row's sample count.
const MaxSamplesPerMinute = 60

// Sample is one second of system readings.
type Sample struct {
	Time      time.Time
	CPU       float64
	RAM       float64
	GPU       float64
	CPUTemp   *float64
	GPUTemp   *float64
	Processes []process.Sample
}

// MinuteSummary is one minute of readings as reported by the sampler.
// Series are the per-second values the averages were computed from; when a
// series is absent its min and max fall back to the average.
type MinuteSummary struct {
	Start     int64
	CPUAvg    float64
	RAMAvg    float64
	GPUAvg    float64
	CPUSeries []float64
	RAMSeries []float64
	GPUSeries []float64
	CPUTemp   *float64
	GPUTemp   *float64
}

// Ingest records one second of readings. Process usage goes to the
// accumulator. With AutoMinute the system readings are buffered and a minute
// summary is emitted when the sample crosses into the next minute.
func (e *Engine) Ingest(ctx context.Context, s Sample) {
	if e.closed.Load() {
		return
	}
	if s.Time.IsZero() {
		s.Time = clock.Now()
	}
	if !e.validator.sample(&s) {
		return
	}

	e.procs.AccumulateSecond(ctx, s.Processes, s.Time)
	if !e.cfg.AutoMinute {
		return
	}

	m, emit, late := e.buffer.add(e.bounds.MinuteStart(s.Time.Unix()), s)
	if late {
		e.validator.report(IssueLateSample, "time", float64(s.Time.Unix()))
		return
	}
	if emit {
		e.OnMinuteSummary(ctx, m)
	}
}

// OnMinuteSummary writes one minute row and then, in order, runs the due
// rollups, the spike check and the retention gate. Replaying a minute
// replaces its row. Failures are logged and reported to the observer, never
// returned.
func (e *Engine) OnMinuteSummary(ctx context.Context, m MinuteSummary) {
	if !e.validator.summary(&m) {
		return
	}
	row := minuteRow(m)

	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if err := e.store.UpsertMinute(ctx, row); err != nil {
		e.fail(ComponentSink, err, "Minute write failed")
		return
	}
	e.succeed(ComponentSink)

	switch err := e.pipeline.OnTick(ctx, row.Timestamp); {
	case err == nil:
		e.succeed(ComponentRollup)
	case errors.Is(err, rollup.ErrBoundaryRegression):
		// The row is kept; rollups resume once minutes pass the watermark.
	default:
		e.fail(ComponentRollup, err, "Rollup failed")
	}

	at := time.Unix(row.Timestamp, 0)
	if _, err := e.detector.Check(ctx, at, events.Reading{
		CPU:     row.CPU.Avg,
		RAM:     row.RAM.Avg,
		GPU:     row.GPU.Avg,
		CPUTemp: row.CPUTemp,
		GPUTemp: row.GPUTemp,
	}); err != nil {
		e.fail(ComponentEvents, err, "Spike check failed")
	} else {
		e.succeed(ComponentEvents)
	}

	if _, ran, err := e.pruner.MaybeRun(ctx, at); err != nil {
		e.fail(ComponentRetention, err, "Retention pass failed")
	} else if ran {
		e.succeed(ComponentRetention)
	}
}

func minuteRow(m MinuteSummary) storage.MinuteRow {
	count := max(len(m.CPUSeries), len(m.RAMSeries), len(m.GPUSeries))
	if count == 0 {
		count = MaxSamplesPerMinute
	}
	return storage.MinuteRow{
		Timestamp:   m.Start,
		CPU:         metrics(m.CPUAvg, m.CPUSeries),
		RAM:         metrics(m.RAMAvg, m.RAMSeries),
		GPU:         metrics(m.GPUAvg, m.GPUSeries),
		CPUTemp:     round1(m.CPUTemp),
		GPUTemp:     round1(m.GPUTemp),
		SampleCount: min(count, MaxSamplesPerMinute),
	}
}

// metrics derives min and max from series and keeps min <= avg <= max.
func metrics(avg float64, series []float64) storage.Metrics {
	m := storage.Metrics{Avg: round2(avg), Min: avg, Max: avg}
	if len(series) > 0 {
		m.Min, m.Max = slices.Min(series), slices.Max(series)
	}
	m.Min = math.Min(round2(m.Min), m.Avg)
	m.Max = math.Max(round2(m.Max), m.Avg)
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round1(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v*10) / 10
	return &r
}

type meanAcc struct {
	sum float64
	n   int
}

func (a *meanAcc) add(v *float64) {
	if v != nil {
		a.sum += *v
		a.n++
	}
}

func (a meanAcc) value() *float64 {
	if a.n == 0 {
		return nil
	}
	v := a.sum / float64(a.n)
	return &v
}

// minuteBuffer collects per-second readings of the minute in progress.
type minuteBuffer struct {
	mu      sync.Mutex
	start   int64
	cpu     []float64
	ram     []float64
	gpu     []float64
	cpuTemp meanAcc
	gpuTemp meanAcc
}

// add appends s to the minute starting at minute. When minute is later than
// the buffered one, the buffered minute is returned for emission first. A
// sample for an earlier minute is rejected as late.
func (b *minuteBuffer) add(minute int64, s Sample) (out MinuteSummary, emit, late bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.cpu) > 0 && minute < b.start {
		return out, false, true
	}
	if len(b.cpu) > 0 && minute > b.start {
		out, emit = b.summaryLocked(), true
		b.resetLocked()
	}
	if len(b.cpu) == 0 {
		b.start = minute
	}
	b.cpu = append(b.cpu, s.CPU)
	b.ram = append(b.ram, s.RAM)
	b.gpu = append(b.gpu, s.GPU)
	b.cpuTemp.add(s.CPUTemp)
	b.gpuTemp.add(s.GPUTemp)
	return out, emit, false
}

// drain returns the partial minute in progress, if any.
func (b *minuteBuffer) drain() (MinuteSummary, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cpu) == 0 {
		return MinuteSummary{}, false
	}
	out := b.summaryLocked()
	b.resetLocked()
	return out, true
}

func (b *minuteBuffer) summaryLocked() MinuteSummary {
	return MinuteSummary{
		Start:     b.start,
		CPUAvg:    mean(b.cpu),
		RAMAvg:    mean(b.ram),
		GPUAvg:    mean(b.gpu),
		CPUSeries: slices.Clone(b.cpu),
		RAMSeries: slices.Clone(b.ram),
		GPUSeries: slices.Clone(b.gpu),
		CPUTemp:   b.cpuTemp.value(),
		GPUTemp:   b.gpuTemp.value(),
	}
}

func (b *minuteBuffer) resetLocked() {
	b.start = 0
	b.cpu, b.ram, b.gpu = b.cpu[:0], b.ram[:0], b.gpu[:0]
	b.cpuTemp, b.gpuTemp = meanAcc{}, meanAcc{}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
