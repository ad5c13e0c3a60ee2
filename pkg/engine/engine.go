package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/events"
	"github.com/nicktill/tinystats/pkg/process"
	"github.com/nicktill/tinystats/pkg/query"
	"github.com/nicktill/tinystats/pkg/retention"
	"github.com/nicktill/tinystats/pkg/rollup"
	"github.com/nicktill/tinystats/pkg/storage"
	"github.com/nicktill/tinystats/pkg/storage/sqlite"
)

// Component names reported to the Observer.
const (
	ComponentSink      = "sink"
	ComponentRollup    = "rollup"
	ComponentEvents    = "events"
	ComponentRetention = "retention"
	ComponentProcess   = "process"
)

// Observer is told how each component fared. monitor.Registry implements it.
type Observer interface {
	RecordSuccess(component string)
	RecordFailure(component string, err error)
}

// Config configures an Engine.
type Config struct {
	// DBPath is the SQLite file. Its directory is created if missing.
	DBPath string

	// RawLogPath is the sampler's CSV log pruned by retention. Empty skips it.
	RawLogPath string

	// Location fixes civil day, week and month boundaries (UTC when nil).
	Location *time.Location

	BusyTimeout time.Duration

	// MaxOpenConns sizes the store's connection pool (0 uses the store default).
	MaxOpenConns int

	// AutoMinute makes Ingest emit minute summaries itself.
	AutoMinute bool

	Retention         retention.Policy
	RetentionInterval time.Duration
	Spikes            events.Config

	// Classifier names processes. May be nil.
	Classifier process.Classifier

	// Observer receives component outcomes. May be nil.
	Observer Observer
}

// Engine owns the store and every component that reads or writes it.
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	session uuid.UUID
	bounds  clock.Boundaries

	store     *sqlite.Store
	procs     *process.Accumulator
	pipeline  *rollup.Pipeline
	detector  *events.Detector
	pruner    *retention.Pruner
	query     *query.API
	validator *validator

	tickMu sync.Mutex
	buffer minuteBuffer
	closed atomic.Bool
}

// New opens the store, recovers the rollup watermarks and records a startup
// event. It is the only engine operation that returns fatal errors; a
// corrupt schema surfaces as sqlite.ErrSchemaCorrupt.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Engine, error) {
	session := uuid.New()
	log := logger.With().Str("session", session.String()).Logger()

	store, err := sqlite.Open(ctx, sqlite.Config{
		Path:         cfg.DBPath,
		BusyTimeout:  cfg.BusyTimeout,
		MaxOpenConns: cfg.MaxOpenConns,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("open stats store: %w", err)
	}

	bounds := clock.New(cfg.Location)
	procs := process.New(store, bounds, cfg.Classifier, log)
	e := &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "engine").Logger(),
		session:   session,
		bounds:    bounds,
		store:     store,
		procs:     procs,
		pipeline:  rollup.New(store, bounds, procs, log),
		detector:  events.New(store, cfg.Spikes, log),
		pruner:    retention.New(store, retention.Config{Policy: cfg.Retention, RawLogPath: cfg.RawLogPath, Interval: cfg.RetentionInterval}, log),
		query:     query.New(store, bounds, procs, log),
		validator: newValidator(log.With().Str("component", "sink").Logger()),
	}

	now := clock.Now()
	if err := e.pipeline.Recover(ctx, now); err != nil {
		e.fail(ComponentRollup, err, "Watermark recovery failed")
	}
	if _, err := e.detector.LogCustom(ctx, events.Custom{
		Time:        now,
		Type:        storage.EventStartup,
		Description: fmt.Sprintf("Stats engine started (session %s)", session),
	}); err != nil {
		e.fail(ComponentEvents, err, "Startup event failed")
	}

	e.log.Info().
		Str("db", cfg.DBPath).
		Str("timezone", bounds.Location().String()).
		Bool("auto_minute", cfg.AutoMinute).
		Msg("Stats engine started")
	return e, nil
}

// Shutdown emits any buffered partial minute, flushes the process
// accumulator, records a shutdown event and closes the store. Later calls
// are no-ops.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	if e.cfg.AutoMinute {
		if m, ok := e.buffer.drain(); ok {
			e.OnMinuteSummary(ctx, m)
		}
	}

	var errs []error
	if err := e.procs.FlushAll(ctx); err != nil {
		e.fail(ComponentProcess, err, "Process flush failed")
		errs = append(errs, fmt.Errorf("flush processes: %w", err))
	}
	if _, err := e.detector.LogCustom(ctx, events.Custom{
		Type:        storage.EventShutdown,
		Description: fmt.Sprintf("Stats engine stopped (session %s)", e.session),
	}); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stats store: %w", err))
	}

	e.log.Info().Msg("Stats engine stopped")
	return errors.Join(errs...)
}

// Session identifies this engine run on lifecycle events and logs.
func (e *Engine) Session() string { return e.session.String() }

// Bounds returns the boundary calculator in use.
func (e *Engine) Bounds() clock.Boundaries { return e.bounds }

// Store returns the underlying store.
func (e *Engine) Store() storage.Storage { return e.store }

// Query returns the read API.
func (e *Engine) Query() *query.API { return e.query }

// Pipeline returns the rollup pipeline.
func (e *Engine) Pipeline() *rollup.Pipeline { return e.pipeline }

// Pruner returns the retention pruner.
func (e *Engine) Pruner() *retention.Pruner { return e.pruner }

// Detector returns the spike detector.
func (e *Engine) Detector() *events.Detector { return e.detector }

// Issues returns how often each kind of malformed input was corrected.
func (e *Engine) Issues() map[Issue]int64 { return e.validator.Counts() }

// Resolve acknowledges event id.
func (e *Engine) Resolve(ctx context.Context, id int64, at time.Time) error {
	return e.detector.Resolve(ctx, id, at)
}

// LogEvent records a custom event.
func (e *Engine) LogEvent(ctx context.Context, c events.Custom) (int64, error) {
	return e.detector.LogCustom(ctx, c)
}

// Checkpoint folds the WAL into the database file, serialized with ticks.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.store.Checkpoint(ctx)
}

// Prune runs a retention pass against now outside the hourly gate, serialized
// with ticks.
func (e *Engine) Prune(ctx context.Context, now time.Time) (retention.Report, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	rep, err := e.pruner.Run(ctx, now)
	if err != nil {
		e.fail(ComponentRetention, err, "Retention pass failed")
		return rep, err
	}
	e.succeed(ComponentRetention)
	return rep, nil
}

// LiveProcesses returns how many (hour, process) slots await flushing.
func (e *Engine) LiveProcesses() int { return e.procs.Len() }

func (e *Engine) succeed(component string) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.RecordSuccess(component)
	}
}

func (e *Engine) fail(component string, err error, msg string) {
	if errors.Is(err, storage.ErrNotReady) {
		e.log.Debug().Str("op", component).Msg("Store not ready, skipping")
		return
	}
	e.log.Error().Err(err).Str("op", component).Msg(msg)
	if e.cfg.Observer != nil {
		e.cfg.Observer.RecordFailure(component, err)
	}
}
