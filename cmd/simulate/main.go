// Command simulate drives tinystats with synthetic per-second readings in
// accelerated time. By default it runs an engine in-process against the
// configured data directory; with -endpoint it pushes to a running server,
// which must have auto_minute enabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/engine"
	"github.com/nicktill/tinystats/pkg/sdk"
	"github.com/nicktill/tinystats/pkg/sdk/payload"
	"github.com/nicktill/tinystats/pkg/server"
)

type options struct {
	configPath string
	dataDir    string
	endpoint   string
	start      time.Time
	duration   time.Duration
	seed       uint64
	speed      float64
	rawLog     bool
}

// result summarizes a run.
type result struct {
	Samples int64
	Minutes int64
	Elapsed time.Duration
}

// sink receives generated samples.
type sink interface {
	record(ctx context.Context, s payload.Sample) error
	close(ctx context.Context) error
}

// simClock is the engine's notion of now during an in-process run: the
// simulated second being fed.
type simClock struct{ ts atomic.Int64 }

func (c *simClock) now() time.Time { return time.Unix(c.ts.Load(), 0) }

type localSink struct {
	eng   *engine.Engine
	clock *simClock
}

func (l localSink) record(ctx context.Context, s payload.Sample) error {
	l.clock.ts.Store(int64(s.Time))
	l.eng.Ingest(ctx, server.ToSample(s))
	return nil
}

func (l localSink) close(ctx context.Context) error { return l.eng.Shutdown(ctx) }

type pushSink struct{ client *sdk.Client }

func (p pushSink) record(_ context.Context, s payload.Sample) error {
	p.client.Record(s)
	return nil
}

func (p pushSink) close(context.Context) error {
	if err := p.client.Stop(); err != nil {
		return err
	}
	if n := p.client.Dropped(); n > 0 {
		return fmt.Errorf("%d samples were not delivered", n)
	}
	return nil
}

func main() {
	var (
		opts  options
		start string
	)
	flag.StringVar(&opts.configPath, "config", "tinystats.yaml", "path to the YAML config file")
	flag.StringVar(&opts.dataDir, "data-dir", "", "override the configured data directory")
	flag.StringVar(&opts.endpoint, "endpoint", "", "push to a running server at this URL instead of running in-process (starts now at -speed 1 unless set)")
	flag.StringVar(&start, "start", "", "first simulated second, RFC3339 (default: now minus -duration)")
	flag.DurationVar(&opts.duration, "duration", 6*time.Hour, "simulated span")
	flag.Uint64Var(&opts.seed, "seed", 1, "random seed")
	flag.Float64Var(&opts.speed, "speed", 0, "simulated seconds per wall second (0 runs as fast as possible)")
	flag.BoolVar(&opts.rawLog, "raw-log", true, "append samples to the raw CSV log")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid -start")
		}
		opts.start = t
	} else if opts.endpoint != "" {
		// A server rolls up only minutes after its watermark, so feed it live
		opts.start = time.Now().Truncate(time.Minute)
		if opts.speed == 0 {
			opts.speed = 1
		}
	} else {
		opts.start = time.Now().Truncate(time.Minute).Add(-opts.duration)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, opts, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Simulation failed")
	}
	log.Info().
		Int64("samples", res.Samples).
		Int64("minutes", res.Minutes).
		Dur("elapsed", res.Elapsed).
		Msg("Simulation finished")
}

func run(ctx context.Context, opts options, logger zerolog.Logger) (result, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return result{}, err
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}

	var out sink
	if opts.endpoint != "" {
		client, err := sdk.New(sdk.ClientConfig{Endpoint: opts.endpoint, Logger: logger})
		if err != nil {
			return result{}, err
		}
		if err := client.Start(ctx); err != nil {
			return result{}, err
		}
		out = pushSink{client: client}
		logger.Info().Str("endpoint", opts.endpoint).Msg("Pushing samples to server")
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return result{}, fmt.Errorf("create data directory: %w", err)
		}
		cfg.AutoMinute = true

		sc := &simClock{}
		sc.ts.Store(opts.start.Unix())
		prev := clock.Now
		clock.Now = sc.now
		defer func() { clock.Now = prev }()

		eng, err := engine.New(ctx, cfg.Engine(nil, nil), logger)
		if err != nil {
			return result{}, err
		}
		out = localSink{eng: eng, clock: sc}
		logger.Info().Str("db", cfg.DBPath()).Msg("Running engine in-process")
	}

	var raw *rawLog
	if opts.rawLog {
		raw = &rawLog{path: cfg.RawLog()}
	}
	res, err := drive(ctx, opts, out, raw)

	// Shut down with a fresh context so an interrupt still flushes
	if cerr := out.close(context.Background()); cerr != nil && err == nil {
		err = cerr
	}
	return res, err
}

// drive feeds one generated sample per simulated second to out.
func drive(ctx context.Context, opts options, out sink, raw *rawLog) (result, error) {
	gen := newGenerator(opts.seed)
	begin := time.Now()
	first := opts.start.Unix()
	last := first + int64(opts.duration/time.Second)

	var (
		res     result
		pending []payload.Sample
	)
	for ts := first; ts < last; ts++ {
		if ctx.Err() != nil {
			break
		}
		s := gen.next(ts)
		if err := out.record(ctx, s); err != nil {
			return res, err
		}
		res.Samples++

		if raw != nil {
			pending = append(pending, s)
		}
		if (ts+1)%60 == 0 {
			res.Minutes++
			if raw != nil {
				if err := raw.append(pending); err != nil {
					return res, err
				}
				pending = pending[:0]
			}
		}
		if opts.speed > 0 {
			time.Sleep(time.Duration(float64(time.Second) / opts.speed))
		}
	}
	if raw != nil {
		if err := raw.append(pending); err != nil {
			return res, err
		}
	}
	res.Elapsed = time.Since(begin)
	return res, nil
}
