package server

import (
	"context"
	"sync"
	"time"

	"github.com/nicktill/tinystats/pkg/clock"
	"github.com/nicktill/tinystats/pkg/config"
)

const (
	maxRetries     = 3
	retryBaseDelay = 30 * time.Second
)

// RunCheckpoint folds the WAL into the database file periodically.
// Failures are retried with exponential backoff and recorded in the registry.
func (s *Service) RunCheckpoint(interval time.Duration, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	if interval <= 0 {
		interval = config.CheckpointInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("Checkpoint scheduler started")
	for {
		select {
		case <-ticker.C:
			s.checkpointWithRetry(context.Background(), stop, retryBaseDelay)
		case <-stop:
			s.log.Info().Msg("Stopping checkpoint scheduler")
			return
		}
	}
}

// checkpointWithRetry attempts a checkpoint up to maxRetries+1 times, waiting
// baseDelay, 2*baseDelay, 4*baseDelay between attempts.
func (s *Service) checkpointWithRetry(ctx context.Context, stop <-chan struct{}, baseDelay time.Duration) bool {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<(attempt-1))
			s.log.Warn().Dur("delay", delay).Int("attempt", attempt+1).Msg("Retrying checkpoint")
			select {
			case <-time.After(delay):
			case <-stop:
				return false
			}
		}

		start := time.Now()
		err := s.Engine.Checkpoint(ctx)
		if err == nil {
			s.Registry.RecordSuccess(ComponentCheckpoint)
			s.log.Debug().Dur("took", time.Since(start)).Msg("Checkpoint completed")
			return true
		}

		s.Registry.RecordFailure(ComponentCheckpoint, err)
		s.log.Error().Err(err).Int("attempt", attempt+1).Int("max_attempts", maxRetries+1).Msg("Checkpoint failed")
	}

	s.log.Error().Int("attempts", maxRetries+1).Msg("Checkpoint failed after retries, will retry on next schedule")
	return false
}

// RunStorageCheck compares the data directory against the storage limit
// periodically. Over the limit it forces a retention pass and a checkpoint
// to reclaim space.
func (s *Service) RunStorageCheck(interval time.Duration, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	if interval <= 0 {
		interval = config.StorageCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.checkStorage(context.Background())
	for {
		select {
		case <-ticker.C:
			s.checkStorage(context.Background())
		case <-stop:
			s.log.Info().Msg("Stopping storage check")
			return
		}
	}
}

func (s *Service) checkStorage(ctx context.Context) {
	usage, err := s.Storage.GetUsage()
	if err != nil {
		s.Registry.RecordFailure(ComponentStorage, err)
		s.log.Error().Err(err).Msg("Storage usage check failed")
		return
	}
	if !usage.Exceeded {
		s.Registry.RecordSuccess(ComponentStorage)
		return
	}

	s.log.Warn().
		Int64("used_bytes", usage.UsedBytes).
		Int64("max_bytes", usage.MaxBytes).
		Msg("Storage limit reached, forcing retention pass")
	if _, err := s.Engine.Prune(ctx, clock.Now()); err != nil {
		s.Registry.RecordFailure(ComponentStorage, err)
		return
	}
	if err := s.Engine.Checkpoint(ctx); err != nil {
		s.Registry.RecordFailure(ComponentStorage, err)
		return
	}
	s.Registry.RecordSuccess(ComponentStorage)
}
