package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/sdk/batch"
	"github.com/nicktill/tinystats/pkg/sdk/payload"
	"github.com/nicktill/tinystats/pkg/sdk/transport"
)

// DefaultEndpoint is the server's default listen address.
const DefaultEndpoint = "http://127.0.0.1:8080"

// ClientConfig holds configuration for the client
type ClientConfig struct {
	Endpoint     string         `yaml:"endpoint"`
	FlushEvery   time.Duration  `yaml:"flush_every"`
	MaxBatchSize int            `yaml:"max_batch_size"`
	Timeout      time.Duration  `yaml:"timeout"`
	Logger       zerolog.Logger `yaml:"-"`
}

// Client pushes samples, minute summaries and events to a tinystats server.
type Client struct {
	config    ClientConfig
	transport transport.Transport
	batcher   *batch.Batcher

	mu      sync.Mutex
	started bool
}

// New creates a client.
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}

	trans, err := transport.NewHTTP(cfg.Endpoint, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return newClient(cfg, trans), nil
}

func newClient(cfg ClientConfig, trans transport.Transport) *Client {
	return &Client{
		config:    cfg,
		transport: trans,
		batcher: batch.New(trans, batch.Config{
			MaxBatchSize: cfg.MaxBatchSize,
			FlushEvery:   cfg.FlushEvery,
		}, cfg.Logger),
	}
}

// Start begins periodic batch flushing.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("client already started")
	}
	if err := c.batcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	c.started = true
	return nil
}

// Stop flushes pending samples and stops the client.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	if err := c.batcher.Stop(); err != nil {
		return fmt.Errorf("failed to flush samples: %w", err)
	}
	return nil
}

// Record queues one second of readings. Samples recorded before Start are
// sent by the first flush.
func (c *Client) Record(s payload.Sample) {
	c.batcher.Add(s)
}

// Flush sends queued samples now.
func (c *Client) Flush() error {
	return c.batcher.Flush()
}

// SendMinute posts a minute summary.
func (c *Client) SendMinute(ctx context.Context, m payload.Minute) error {
	return c.transport.Post(ctx, payload.MinutesPath, m, nil)
}

// LogEvent posts a custom event and returns its id.
func (c *Client) LogEvent(ctx context.Context, e payload.Event) (int64, error) {
	var ack payload.Accepted
	if err := c.transport.Post(ctx, payload.EventsPath, e, &ack); err != nil {
		return 0, err
	}
	return ack.ID, nil
}

// Sent returns how many samples were delivered.
func (c *Client) Sent() int64 { return c.batcher.Sent() }

// Dropped returns how many samples were lost to failed sends.
func (c *Client) Dropped() int64 { return c.batcher.Dropped() }
