package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/nicktill/tinystats/pkg/engine"
	"github.com/nicktill/tinystats/pkg/events"
	"github.com/nicktill/tinystats/pkg/process"
	"github.com/nicktill/tinystats/pkg/retention"
)

// Server defaults
const (
	DefaultAddr         = "127.0.0.1:8080"
	DefaultDataDir      = "./data/tinystats"
	DefaultTimezone     = "Local"
	DefaultMaxStorageGB = 1.0
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
)

// File names inside the data directory
const (
	DBFileName     = "tinystats.db"
	RawLogFileName = "raw_usage.csv"
)

// Maintenance intervals
const (
	CheckpointInterval   = 10 * time.Minute
	StorageCheckInterval = 1 * time.Minute
	ShutdownTimeout      = 10 * time.Second
)

// Query timeouts
const (
	QueryTimeout = 30 * time.Second
)

// Storage defaults
const (
	DefaultBusyTimeout  = 30 * time.Second
	DefaultMaxOpenConns = 4
)

// Environment overrides
const (
	EnvDataDir      = "TINYSTATS_DATA_DIR"
	EnvTimezone     = "TINYSTATS_TZ"
	EnvLogLevel     = "TINYSTATS_LOG_LEVEL"
	EnvAddr         = "TINYSTATS_ADDR"
	EnvMaxStorageGB = "TINYSTATS_MAX_STORAGE_GB"
)

// Config is the daemon configuration. Durations are written as Go duration
// strings ("168h", "5m").
type Config struct {
	DataDir      string  `yaml:"data_dir"`
	Timezone     string  `yaml:"timezone"`
	Addr         string  `yaml:"addr"`
	LogLevel     string  `yaml:"log_level"`
	LogFormat    string  `yaml:"log_format"`
	MaxStorageGB float64 `yaml:"max_storage_gb"`

	// AutoMinute lets the engine build minute summaries from per-second samples.
	AutoMinute bool `yaml:"auto_minute"`

	// RawLogPath defaults to <data_dir>/raw_usage.csv.
	RawLogPath string `yaml:"raw_log_path"`

	BusyTimeout        time.Duration    `yaml:"busy_timeout"`
	MaxOpenConns       int              `yaml:"max_open_conns"`
	CheckpointInterval time.Duration    `yaml:"checkpoint_interval"`
	RetentionInterval  time.Duration    `yaml:"retention_interval"`
	Retention          retention.Policy `yaml:"retention"`
	Spikes             events.Config    `yaml:"spikes"`

	loc *time.Location
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:            DefaultDataDir,
		Timezone:           DefaultTimezone,
		Addr:               DefaultAddr,
		LogLevel:           DefaultLogLevel,
		LogFormat:          DefaultLogFormat,
		MaxStorageGB:       DefaultMaxStorageGB,
		BusyTimeout:        DefaultBusyTimeout,
		MaxOpenConns:       DefaultMaxOpenConns,
		CheckpointInterval: CheckpointInterval,
		RetentionInterval:  retention.DefaultInterval,
		Retention:          retention.DefaultPolicy(),
		Spikes: events.Config{
			Window:               events.DefaultWindow,
			CacheTTL:             events.DefaultCacheTTL,
			Cooldown:             events.DefaultCooldown,
			LoadThreshold:        events.DefaultLoadThreshold,
			TemperatureThreshold: events.DefaultTemperatureThreshold,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path or a missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvTimezone); ok && v != "" {
		c.Timezone = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Addr = v
	}
	if v, ok := lookup(EnvMaxStorageGB); ok && v != "" {
		gb, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvMaxStorageGB, v, err)
		}
		c.MaxStorageGB = gb
	}
	return nil
}

// Validate checks the configuration and resolves the timezone. The zone is
// fixed from here on for the life of the process.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir must not be empty")
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.loc = loc
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format %q: want console or json", c.LogFormat)
	}
	if c.MaxStorageGB <= 0 {
		return fmt.Errorf("max_storage_gb must be positive, got %v", c.MaxStorageGB)
	}
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("max_open_conns must not be negative, got %d", c.MaxOpenConns)
	}
	if c.Retention.Minute < 0 || c.Retention.Hour < 0 || c.Retention.ProcessHour < 0 || c.Retention.RawLog < 0 {
		return errors.New("retention windows must not be negative")
	}
	return nil
}

// Location returns the timezone resolved by Validate (UTC before it ran).
func (c Config) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Level returns the parsed log level, info when unset or invalid.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// DBPath is the SQLite file inside the data directory.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, DBFileName)
}

// RawLog is the sampler's CSV log path.
func (c Config) RawLog() string {
	if c.RawLogPath != "" {
		return c.RawLogPath
	}
	return filepath.Join(c.DataDir, RawLogFileName)
}

// MaxStorageBytes converts the storage limit to bytes.
func (c Config) MaxStorageBytes() int64 {
	return int64(c.MaxStorageGB * (1 << 30))
}

// Engine builds the engine configuration.
func (c Config) Engine(classifier process.Classifier, observer engine.Observer) engine.Config {
	return engine.Config{
		DBPath:            c.DBPath(),
		RawLogPath:        c.RawLog(),
		Location:          c.Location(),
		BusyTimeout:       c.BusyTimeout,
		MaxOpenConns:      c.MaxOpenConns,
		AutoMinute:        c.AutoMinute,
		Retention:         c.Retention,
		RetentionInterval: c.RetentionInterval,
		Spikes:            c.Spikes,
		Classifier:        classifier,
		Observer:          observer,
	}
}
