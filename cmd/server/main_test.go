package main

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/nicktill/tinystats/pkg/config"
)

func TestPort(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:8080", "8080"},
		{":9090", "9090"},
		{"[::1]:7000", "7000"},
		{"localhost", "8080"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, port(tt.addr), tt.addr)
	}
}

func TestNewLogger_SetsLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	cfg := config.Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"
	newLogger(cfg)

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}
