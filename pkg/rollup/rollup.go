package rollup

import (
	"context"
	"fmt"

	"github.com/nicktill/tinystats/pkg/storage"
)

// RollupHour aggregates the minute rows of the hour starting at h into one hour
// row, then flushes the process slots of that hour.
//
// An hour without minute rows writes no hour row.
func (p *Pipeline) RollupHour(ctx context.Context, h int64) error {
	end := p.bounds.NextHour(h)
	minutes, err := p.store.MinuteRange(ctx, h, end)
	if err != nil {
		return fmt.Errorf("failed to query minutes for hour %d: %w", h, err)
	}

	if len(minutes) > 0 {
		var cpu, ram, gpu metricAgg
		var cpuTemp, gpuTemp meanAgg
		cpuAvgs := make([]float64, 0, len(minutes))
		samples := 0

		for _, m := range minutes {
			cpu.add(m.CPU)
			ram.add(m.RAM)
			gpu.add(m.GPU)
			cpuTemp.add(m.CPUTemp)
			gpuTemp.add(m.GPUTemp)
			cpuAvgs = append(cpuAvgs, m.CPU.Avg)
			samples += m.SampleCount
		}

		row := storage.HourRow{
			Timestamp:   h,
			CPU:         cpu.metrics(),
			CPUP95:      round(Percentile95(cpuAvgs), 2),
			RAM:         ram.metrics(),
			GPU:         gpu.metrics(),
			CPUTempAvg:  cpuTemp.value(),
			GPUTempAvg:  gpuTemp.value(),
			SampleCount: samples,
		}
		if err := p.store.UpsertHour(ctx, row); err != nil {
			return fmt.Errorf("failed to write hour %d: %w", h, err)
		}
		p.log.Debug().Int64("hour", h).Int("minutes", len(minutes)).Msg("Hour rolled up")
	}

	if p.procs != nil {
		if err := p.procs.FlushHour(ctx, h); err != nil {
			return fmt.Errorf("failed to flush processes for hour %d: %w", h, err)
		}
	}
	return nil
}

// RollupDay aggregates the hour rows of the civil day starting at d into one
// day row keyed by its date, then rolls up that day's process rows.
func (p *Pipeline) RollupDay(ctx context.Context, d int64) error {
	end := p.bounds.NextDay(d)
	date := p.bounds.DateString(d)

	hours, err := p.store.HourRange(ctx, d, end)
	if err != nil {
		return fmt.Errorf("failed to query hours for %s: %w", date, err)
	}

	if len(hours) > 0 {
		var cpu, ram, gpu metricAgg
		var cpuTemp, gpuTemp meanAgg
		cpuAvgs := make([]float64, 0, len(hours))
		samples := 0

		for _, h := range hours {
			cpu.add(h.CPU)
			ram.add(h.RAM)
			gpu.add(h.GPU)
			cpuTemp.add(h.CPUTempAvg)
			gpuTemp.add(h.GPUTempAvg)
			cpuAvgs = append(cpuAvgs, h.CPU.Avg)
			samples += h.SampleCount
		}

		row := storage.DayRow{
			Date:          date,
			Timestamp:     d,
			CPU:           cpu.metrics(),
			CPUP95:        round(Percentile95(cpuAvgs), 2),
			RAM:           ram.metrics(),
			GPU:           gpu.metrics(),
			CPUTempAvg:    cpuTemp.value(),
			GPUTempAvg:    gpuTemp.value(),
			UptimeMinutes: len(hours) * 60,
			SampleCount:   samples,
		}
		if err := p.store.UpsertDay(ctx, row); err != nil {
			return fmt.Errorf("failed to write day %s: %w", date, err)
		}
		p.log.Info().Str("date", date).Int("hours", len(hours)).Msg("Day rolled up")
	}

	if p.procs != nil {
		if err := p.procs.RollupDay(ctx, d, end, date); err != nil {
			return fmt.Errorf("failed to roll up processes for %s: %w", date, err)
		}
	}
	return nil
}

// RollupWeek aggregates the day rows of the week starting on Monday w.
func (p *Pipeline) RollupWeek(ctx context.Context, w int64) error {
	w = p.bounds.WeekStart(w)
	key := p.bounds.WeekString(w)
	days, err := p.store.DayRange(ctx, w, p.bounds.NextWeek(w))
	if err != nil {
		return fmt.Errorf("failed to query days for %s: %w", key, err)
	}
	row, ok := periodFromDays(key, w, days)
	if !ok {
		return nil
	}
	if err := p.store.UpsertWeek(ctx, row); err != nil {
		return fmt.Errorf("failed to write week %s: %w", key, err)
	}
	p.log.Info().Str("week", key).Int("days", len(days)).Msg("Week rolled up")
	return nil
}

// RollupMonth aggregates the day rows of the civil month starting at m.
func (p *Pipeline) RollupMonth(ctx context.Context, m int64) error {
	m = p.bounds.MonthStart(m)
	key := p.bounds.MonthString(m)
	days, err := p.store.DayRange(ctx, m, p.bounds.NextMonth(m))
	if err != nil {
		return fmt.Errorf("failed to query days for %s: %w", key, err)
	}
	row, ok := periodFromDays(key, m, days)
	if !ok {
		return nil
	}
	if err := p.store.UpsertMonth(ctx, row); err != nil {
		return fmt.Errorf("failed to write month %s: %w", key, err)
	}
	p.log.Info().Str("month", key).Int("days", len(days)).Msg("Month rolled up")
	return nil
}

// periodFromDays builds a week or month row. Temperatures are not carried
// above the day tier.
func periodFromDays(key string, start int64, days []storage.DayRow) (storage.PeriodRow, bool) {
	if len(days) == 0 {
		return storage.PeriodRow{}, false
	}
	var cpu, ram, gpu metricAgg
	uptime, samples := 0, 0
	for _, d := range days {
		cpu.add(d.CPU)
		ram.add(d.RAM)
		gpu.add(d.GPU)
		uptime += d.UptimeMinutes
		samples += d.SampleCount
	}
	return storage.PeriodRow{
		Key:           key,
		Timestamp:     start,
		CPU:           cpu.metrics(),
		RAM:           ram.metrics(),
		GPU:           gpu.metrics(),
		UptimeMinutes: uptime,
		SampleCount:   samples,
	}, true
}
