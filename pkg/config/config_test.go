package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.Minute)
	assert.Equal(t, 30.0, cfg.Spikes.LoadThreshold)
	assert.Equal(t, DefaultMaxOpenConns, cfg.Engine(nil, nil).MaxOpenConns)
	assert.Equal(t, filepath.Join(DefaultDataDir, DBFileName), cfg.DBPath())
	assert.Equal(t, filepath.Join(DefaultDataDir, RawLogFileName), cfg.RawLog())
	assert.NotNil(t, cfg.Location())
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinystats.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/tinystats
timezone: Asia/Kolkata
log_level: debug
log_format: json
auto_minute: true
retention:
  minute: 72h
  hour: 720h
spikes:
  cooldown: 10m
  thresholds:
    gpu: 45
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tinystats", cfg.DataDir)
	assert.Equal(t, "Asia/Kolkata", cfg.Location().String())
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.True(t, cfg.AutoMinute)
	assert.Equal(t, 72*time.Hour, cfg.Retention.Minute)
	assert.Equal(t, 720*time.Hour, cfg.Retention.Hour)
	// Unset fields keep their defaults
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.ProcessHour)
	assert.Equal(t, 10*time.Minute, cfg.Spikes.Cooldown)
	assert.Equal(t, 45.0, cfg.Spikes.Thresholds["gpu"])
	assert.Equal(t, time.Hour, cfg.Spikes.Window)

	ec := cfg.Engine(nil, nil)
	assert.Equal(t, "/var/lib/tinystats/tinystats.db", ec.DBPath)
	assert.True(t, ec.AutoMinute)
	assert.Equal(t, cfg.Location(), ec.Location)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDataDir:      "/tmp/stats",
		EnvTimezone:     "UTC",
		EnvLogLevel:     "warn",
		EnvAddr:         ":9090",
		EnvMaxStorageGB: "2.5",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/stats", cfg.DataDir)
	assert.Equal(t, time.UTC.String(), cfg.Location().String())
	assert.Equal(t, zerolog.WarnLevel, cfg.Level())
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, int64(2.5*(1<<30)), cfg.MaxStorageBytes())
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == EnvMaxStorageGB {
			return "lots", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"no storage", func(c *Config) { c.MaxStorageGB = 0 }},
		{"negative pool", func(c *Config) { c.MaxOpenConns = -1 }},
		{"negative retention", func(c *Config) { c.Retention.Minute = -time.Hour }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
