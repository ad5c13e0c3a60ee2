package events

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Metric names carried on spike events.
const (
	MetricCPU     = "cpu"
	MetricRAM     = "ram"
	MetricGPU     = "gpu"
	MetricCPUTemp = "cpu_temp"
	MetricGPUTemp = "gpu_temp"
)

// Detection defaults.
const (
	DefaultWindow               = time.Hour
	DefaultCacheTTL             = 60 * time.Second
	DefaultCooldown             = 5 * time.Minute
	DefaultLoadThreshold        = 30.0
	DefaultTemperatureThreshold = 15.0
	DefaultAlertWindow          = 24 * time.Hour
)

var metricLabels = map[string]string{
	MetricCPU:     "CPU usage",
	MetricRAM:     "RAM usage",
	MetricGPU:     "GPU usage",
	MetricCPUTemp: "CPU temperature",
	MetricGPUTemp: "GPU temperature",
}

// Config tunes spike detection. Zero fields take the defaults.
type Config struct {
	// Window is the trailing span averaged into the baseline.
	Window time.Duration `yaml:"window"`

	// CacheTTL is how long a computed baseline is reused.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Cooldown is the minimum gap between two events for the same metric.
	Cooldown time.Duration `yaml:"cooldown"`

	// LoadThreshold applies to cpu, ram and gpu (percentage points over baseline).
	LoadThreshold float64 `yaml:"load_threshold"`

	// TemperatureThreshold applies to cpu_temp and gpu_temp (°C over baseline).
	TemperatureThreshold float64 `yaml:"temperature_threshold"`

	// Thresholds overrides the threshold of individual metrics.
	Thresholds map[string]float64 `yaml:"thresholds"`

	// Now supplies wall time for custom events and alert windows.
	Now func() time.Time `yaml:"-"`
}

// Reading is the minute being evaluated.
type Reading struct {
	CPU     float64
	RAM     float64
	GPU     float64
	CPUTemp *float64
	GPUTemp *float64
}

// Custom describes an externally raised event such as a lifecycle marker.
type Custom struct {
	Time        time.Time
	Type        storage.EventType
	Severity    storage.Severity
	Description string
	Metric      string
	Value       *float64
	ProcessName string
}

type cachedBaseline struct {
	at    time.Time
	value storage.Baseline
}

// Detector compares each minute against a trailing baseline and records
// spikes as events, at most one per metric per cooldown.
type Detector struct {
	store storage.Storage
	cfg   Config
	log   zerolog.Logger

	mu        sync.Mutex
	lastEvent map[string]time.Time
	cache     *cachedBaseline
}

// New creates a detector.
func New(store storage.Storage, cfg Config, logger zerolog.Logger) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.LoadThreshold <= 0 {
		cfg.LoadThreshold = DefaultLoadThreshold
	}
	if cfg.TemperatureThreshold <= 0 {
		cfg.TemperatureThreshold = DefaultTemperatureThreshold
	}
	if cfg.Now == nil {
		cfg.Now = clock.Now
	}
	return &Detector{
		store:     store,
		cfg:       cfg,
		log:       logger.With().Str("component", "events").Logger(),
		lastEvent: make(map[string]time.Time),
	}
}

// Threshold returns the spike threshold for metric.
func (d *Detector) Threshold(metric string) float64 {
	if v, ok := d.cfg.Thresholds[metric]; ok && v > 0 {
		return v
	}
	if metric == MetricCPUTemp || metric == MetricGPUTemp {
		return d.cfg.TemperatureThreshold
	}
	return d.cfg.LoadThreshold
}

// Check evaluates r, the minute at now, and returns the events it recorded.
// Nothing is checked until the baseline window holds at least one minute.
func (d *Detector) Check(ctx context.Context, now time.Time, r Reading) ([]storage.Event, error) {
	base, ok, err := d.baseline(ctx, now)
	if err != nil || !ok {
		return nil, err
	}

	type candidate struct {
		metric   string
		current  float64
		baseline float64
	}
	candidates := []candidate{
		{MetricCPU, r.CPU, base.CPU},
		{MetricRAM, r.RAM, base.RAM},
		{MetricGPU, r.GPU, base.GPU},
	}
	if r.CPUTemp != nil && base.CPUTemp != nil {
		candidates = append(candidates, candidate{MetricCPUTemp, *r.CPUTemp, *base.CPUTemp})
	}
	if r.GPUTemp != nil && base.GPUTemp != nil {
		candidates = append(candidates, candidate{MetricGPUTemp, *r.GPUTemp, *base.GPUTemp})
	}

	var emitted []storage.Event
	var errs []error
	for _, c := range candidates {
		ev, ok := d.evaluate(now, c.metric, c.current, c.baseline)
		if !ok {
			continue
		}
		id, err := d.store.InsertEvent(ctx, ev)
		if err != nil {
			if errors.Is(err, storage.ErrNotReady) {
				return emitted, err
			}
			errs = append(errs, fmt.Errorf("record %s spike: %w", c.metric, err))
			continue
		}
		ev.ID = id

		d.mu.Lock()
		d.lastEvent[c.metric] = now
		d.mu.Unlock()

		d.log.Info().
			Str("metric", c.metric).
			Str("severity", string(ev.Severity)).
			Float64("value", c.current).
			Float64("baseline", c.baseline).
			Msg(ev.Description)
		emitted = append(emitted, ev)
	}
	return emitted, errors.Join(errs...)
}

// evaluate applies threshold, cooldown and severity to one metric.
func (d *Detector) evaluate(now time.Time, metric string, current, baseline float64) (storage.Event, bool) {
	threshold := d.Threshold(metric)
	delta := current - baseline
	if delta < threshold {
		return storage.Event{}, false
	}

	d.mu.Lock()
	last, seen := d.lastEvent[metric]
	d.mu.Unlock()
	if seen && now.Sub(last) < d.cfg.Cooldown {
		return storage.Event{}, false
	}

	severity := storage.SeverityInfo
	switch {
	case delta >= 2*threshold:
		severity = storage.SeverityCritical
	case delta >= 1.5*threshold:
		severity = storage.SeverityWarning
	}

	value := round2(current)
	base := round2(baseline)
	return storage.Event{
		Timestamp: now.Unix(),
		Type:      storage.EventSpike,
		Severity:  severity,
		Metric:    metric,
		Value:     &value,
		Baseline:  &base,
		Description: fmt.Sprintf("%s spike: %.1f (baseline: %.1f, delta: +%.1f)",
			metricLabels[metric], current, baseline, delta),
	}, true
}

// baseline returns the averages of minute rows in [now-window, now), reusing
// a cached value younger than CacheTTL.
func (d *Detector) baseline(ctx context.Context, now time.Time) (storage.Baseline, bool, error) {
	d.mu.Lock()
	if c := d.cache; c != nil && now.Sub(c.at) >= 0 && now.Sub(c.at) < d.cfg.CacheTTL {
		d.mu.Unlock()
		return c.value, true, nil
	}
	d.mu.Unlock()

	from := now.Add(-d.cfg.Window).Unix()
	// The minute under test is excluded so a spike does not raise its own baseline.
	base, ok, err := d.store.Baseline(ctx, from, now.Unix())
	if err != nil {
		return base, false, err
	}
	if !ok {
		return base, false, nil
	}

	d.mu.Lock()
	d.cache = &cachedBaseline{at: now, value: base}
	d.mu.Unlock()
	return base, true, nil
}

// LogCustom records an event raised outside spike detection. A zero Time
// means now.
func (d *Detector) LogCustom(ctx context.Context, c Custom) (int64, error) {
	if c.Time.IsZero() {
		c.Time = d.cfg.Now()
	}
	if c.Type == "" {
		c.Type = storage.EventCustom
	}
	if c.Severity == "" {
		c.Severity = storage.SeverityInfo
	}
	id, err := d.store.InsertEvent(ctx, storage.Event{
		Timestamp:   c.Time.Unix(),
		Type:        c.Type,
		Severity:    c.Severity,
		Metric:      c.Metric,
		Value:       c.Value,
		ProcessName: c.ProcessName,
		Description: c.Description,
	})
	if err != nil {
		return 0, fmt.Errorf("log %s event: %w", c.Type, err)
	}
	return id, nil
}

// ActiveAlertCount tallies unresolved events newer than window (24h when zero).
func (d *Detector) ActiveAlertCount(ctx context.Context, window time.Duration) (storage.AlertCounts, error) {
	if window <= 0 {
		window = DefaultAlertWindow
	}
	return d.store.CountUnresolved(ctx, d.cfg.Now().Add(-window).Unix())
}

// Resolve marks an event resolved at at.
func (d *Detector) Resolve(ctx context.Context, id int64, at time.Time) error {
	return d.store.ResolveEvent(ctx, id, at.Unix())
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
