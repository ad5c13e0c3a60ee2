package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/nicktill/tinystats/pkg/clock"
)

func setNow(t *testing.T, now time.Time) {
	t.Helper()
	prev := clock.Now
	clock.Now = func() time.Time { return now }
	t.Cleanup(func() { clock.Now = prev })
}

func TestRegistry_RecordSuccess(t *testing.T) {
	r := NewRegistry()
	r.RecordSuccess("rollup")

	status := r.Status()["rollup"]
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.Successes != 1 {
		t.Errorf("Successes = %d, want 1", status.Successes)
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
}

func TestRegistry_RecordFailure(t *testing.T) {
	r := NewRegistry()
	r.RecordFailure("sink", errors.New("disk full"))

	status := r.Status()["sink"]
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.Failures != 1 {
		t.Errorf("Failures = %d, want 1", status.Failures)
	}
	if status.LastError != "disk full" {
		t.Errorf("LastError = %q, want %q", status.LastError, "disk full")
	}
}

func TestRegistry_IsHealthy(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		setup    func(*Registry)
		expected bool
	}{
		{
			name:     "nothing reported",
			setup:    func(*Registry) {},
			expected: true,
		},
		{
			name: "tracked but never reported",
			setup: func(r *Registry) {
				r.Track("sink", 10*time.Minute)
			},
			expected: true,
		},
		{
			name: "recent success",
			setup: func(r *Registry) {
				r.Track("sink", 10*time.Minute)
				r.RecordSuccess("sink")
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(r *Registry) {
				r.Track("sink", 10*time.Minute)
				clock.Now = func() time.Time { return base.Add(-time.Hour) }
				r.RecordSuccess("sink")
				clock.Now = func() time.Time { return base }
			},
			expected: false,
		},
		{
			name: "tracked and never succeeded",
			setup: func(r *Registry) {
				r.Track("checkpoint", time.Hour)
				r.RecordFailure("checkpoint", errors.New("busy"))
			},
			expected: false,
		},
		{
			name: "untracked failures within limit",
			setup: func(r *Registry) {
				for i := 0; i < MaxConsecutiveErrors; i++ {
					r.RecordFailure("events", errors.New("locked"))
				}
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(r *Registry) {
				r.RecordSuccess("events")
				for i := 0; i <= MaxConsecutiveErrors; i++ {
					r.RecordFailure("events", errors.New("locked"))
				}
			},
			expected: false,
		},
		{
			name: "success resets errors",
			setup: func(r *Registry) {
				for i := 0; i <= MaxConsecutiveErrors; i++ {
					r.RecordFailure("events", errors.New("locked"))
				}
				r.RecordSuccess("events")
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setNow(t, base)
			r := NewRegistry()
			tt.setup(r)
			if got := r.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRegistry_Unhealthy(t *testing.T) {
	r := NewRegistry()
	r.RecordSuccess("sink")
	for i := 0; i <= MaxConsecutiveErrors; i++ {
		r.RecordFailure("rollup", errors.New("locked"))
		r.RecordFailure("events", errors.New("locked"))
	}

	got := r.Unhealthy()
	if len(got) != 2 || got[0] != "events" || got[1] != "rollup" {
		t.Errorf("Unhealthy() = %v, want [events rollup]", got)
	}
}
