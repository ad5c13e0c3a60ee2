package server

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/engine"
	"github.com/nicktill/tinystats/pkg/process"
	"github.com/nicktill/tinystats/pkg/server/monitor"
)

// Component names for maintenance tasks, alongside the engine's own.
const (
	ComponentCheckpoint = "checkpoint"
	ComponentStorage    = "storage"
)

// Service is the running daemon: the engine plus its health and storage
// monitors.
type Service struct {
	Config   config.Config
	Engine   *engine.Engine
	Registry *monitor.Registry
	Storage  *monitor.StorageMonitor

	log zerolog.Logger
}

// New creates the data directory and starts the engine with a health
// registry observing it.
func New(ctx context.Context, cfg config.Config, classifier process.Classifier, logger zerolog.Logger) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	registry := InitializeRegistry(cfg)
	eng, err := engine.New(ctx, cfg.Engine(classifier, registry), logger)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		Config:   cfg,
		Engine:   eng,
		Registry: registry,
		Storage:  monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageBytes()),
		log:      logger.With().Str("component", "server").Str("session", eng.Session()).Logger(),
	}
	svc.log.Info().
		Str("data_dir", cfg.DataDir).
		Float64("max_storage_gb", cfg.MaxStorageGB).
		Msg("Service initialized")
	return svc, nil
}

// InitializeRegistry creates the health registry with staleness windows for
// the components that run on a schedule. Sink and rollup only report while a
// sampler is feeding minutes, so a quiet sampler does not mark them stale.
func InitializeRegistry(cfg config.Config) *monitor.Registry {
	r := monitor.NewRegistry()
	r.Track(ComponentCheckpoint, 3*cfg.CheckpointInterval)
	r.Track(ComponentStorage, 5*config.StorageCheckInterval)
	return r
}

// Close shuts the engine down.
func (s *Service) Close(ctx context.Context) error {
	return s.Engine.Shutdown(ctx)
}
