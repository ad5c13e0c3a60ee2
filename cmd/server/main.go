package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/server"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = config.QueryTimeout
)

func main() {
	configPath := flag.String("config", "tinystats.yaml", "path to the YAML config file (missing file means defaults)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}
	logger := newLogger(cfg)
	log.Logger = logger

	ctx := context.Background()
	svc, err := server.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start stats engine")
	}
	logger = logger.With().Str("session", svc.Engine.Session()).Logger()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(2)
	go svc.RunCheckpoint(cfg.CheckpointInterval, stop, &wg)
	go svc.RunStorageCheck(config.StorageCheckInterval, stop, &wg)

	router := mux.NewRouter()
	server.SetupRoutes(router, svc, port(cfg.Addr))

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Server ready to accept requests")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Stop background tasks before closing the engine they use
	close(stop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP server shutdown")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Background tasks did not stop in time")
	}

	if err := svc.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Engine shutdown incomplete")
		os.Exit(1)
	}
	logger.Info().Msg("tinystats exited cleanly")
}

func newLogger(cfg config.Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.LogFormat == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

// port extracts the listening port for the CORS allow-list.
func port(addr string) string {
	_, p, err := net.SplitHostPort(addr)
	if err != nil || p == "" {
		return "8080"
	}
	return p
}
