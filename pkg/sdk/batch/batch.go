package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/sdk/payload"
	"github.com/nicktill/tinystats/pkg/sdk/transport"
)

const sendTimeout = 5 * time.Second

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
}

// Batcher batches samples and posts them periodically. Batches are sent one
// at a time in the order their samples were added, so the server sees
// samples in time order.
type Batcher struct {
	config    Config
	transport transport.Transport
	log       zerolog.Logger

	samples []payload.Sample
	mu      sync.Mutex

	// sendMu serializes take-and-send so batches cannot overtake each other.
	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	flushing atomic.Bool
	sent     atomic.Int64
	dropped  atomic.Int64
}

// New creates a new batcher
func New(tr transport.Transport, config Config, logger zerolog.Logger) *Batcher {
	if config.MaxBatchSize <= 0 || config.MaxBatchSize > payload.MaxBatchSamples {
		config.MaxBatchSize = payload.MaxBatchSamples
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	return &Batcher{
		config:    config,
		transport: tr,
		log:       logger.With().Str("component", "batch").Logger(),
		samples:   make([]payload.Sample, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start starts the batcher
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	go b.flushLoop()
	return nil
}

// Add adds a sample to the batch. A full batch is flushed in the background
// unless a flush is already running.
func (b *Batcher) Add(s payload.Sample) {
	b.mu.Lock()
	b.samples = append(b.samples, s)
	shouldFlush := len(b.samples) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			_ = b.Flush()
			b.flushing.Store(false)
		}()
	}
}

// Flush sends all pending samples and waits for the result.
func (b *Batcher) Flush() error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	for {
		b.mu.Lock()
		if len(b.samples) == 0 {
			b.mu.Unlock()
			return nil
		}
		n := min(len(b.samples), b.config.MaxBatchSize)
		batch := make([]payload.Sample, n)
		copy(batch, b.samples)
		b.samples = append(b.samples[:0], b.samples[n:]...)
		b.mu.Unlock()

		if err := b.send(batch); err != nil {
			b.dropped.Add(int64(len(batch)))
			b.log.Warn().Err(err).Int("samples", len(batch)).Msg("Dropping sample batch")
			return err
		}
		b.sent.Add(int64(len(batch)))
	}
}

// Pending returns how many samples await sending.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Sent returns how many samples were delivered.
func (b *Batcher) Sent() int64 { return b.sent.Load() }

// Dropped returns how many samples were discarded after a failed send.
func (b *Batcher) Dropped() int64 { return b.dropped.Load() }

// Stop stops the batcher and flushes remaining samples.
func (b *Batcher) Stop() error {
	if b.cancel == nil {
		return b.Flush()
	}
	b.cancel()

	<-b.done
	return b.Flush()
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				_ = b.Flush()
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) send(samples []payload.Sample) error {
	// Stop flushes after the batcher context is canceled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(b.baseContext()), sendTimeout)
	defer cancel()

	var ack payload.Accepted
	return b.transport.Post(ctx, payload.SamplesPath, payload.SampleBatch{Samples: samples}, &ack)
}

func (b *Batcher) baseContext() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}
