package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/nicktill/tinystats/pkg/storage"
)

// Store implements storage.Storage on a single SQLite file.
type Store struct {
	db     *sql.DB
	path   string
	log    zerolog.Logger
	closed atomic.Bool
}

// DefaultMaxOpenConns sizes the pool so query readers are not queued behind
// the sampler's writes. WAL allows them to read while one connection writes.
const DefaultMaxOpenConns = 4

// Config holds SQLite configuration
type Config struct {
	// Path to the database file. Parent directories are created.
	Path string

	// BusyTimeout bounds how long a statement waits on a locked file (default 30s)
	BusyTimeout time.Duration

	// MaxOpenConns caps the pool (default DefaultMaxOpenConns). Writers still
	// take the file lock one at a time.
	MaxOpenConns int

	Logger zerolog.Logger
}

// Open opens (creating if needed) the database at cfg.Path and migrates it.
// It returns an error wrapping ErrSchemaCorrupt if the file fails its integrity check.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 30 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultMaxOpenConns
	}

	// Pragmas go in the DSN so every pooled connection gets them. Transactions
	// begin IMMEDIATE so a second writer waits out busy_timeout instead of
	// failing on a read-to-write lock upgrade.
	dsn := cfg.Path + "?" + url.Values{
		"_txlock": []string{"immediate"},
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()),
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:   db,
		path: cfg.Path,
		log:  cfg.Logger.With().Str("component", "sqlite").Logger(),
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.log.Info().Str("path", cfg.Path).Int("schema_version", SchemaVersion).Msg("Stats store opened")
	return s, nil
}

// Ready reports whether the store accepts operations.
func (s *Store) Ready() bool {
	return s != nil && s.db != nil && !s.closed.Load()
}

func (s *Store) check(ctx context.Context) error {
	if !s.Ready() {
		return storage.ErrNotReady
	}
	return ctx.Err()
}

// Conn returns a dedicated pooled connection. The caller must close it.
func (s *Store) Conn(ctx context.Context) (*sql.Conn, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.db.Conn(ctx)
}

// Checkpoint folds the WAL back into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Stats reports row counts per tier and on-disk size (main file plus WAL).
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	st := &storage.Stats{Rows: make(map[storage.Tier]int64, len(tierTables)), Path: s.path}
	for tier, t := range tierTables {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t.table, err)
		}
		st.Rows[tier] = n
	}

	for _, p := range []string{s.path, s.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			st.SizeBytes += info.Size()
		}
	}
	return st, nil
}

// Close checkpoints and closes the database. Later calls return storage.ErrNotReady.
func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn().Err(err).Msg("Final checkpoint failed")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.log.Info().Msg("Stats store closed")
	return nil
}

var _ storage.Storage = (*Store)(nil)
