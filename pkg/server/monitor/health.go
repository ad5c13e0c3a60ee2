package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinystats/pkg/clock"
)

// MaxConsecutiveErrors is how many failures in a row a component may report
// before it is considered unhealthy.
const MaxConsecutiveErrors = 3

// componentHealth tracks one component's outcomes.
type componentHealth struct {
	staleAfter        time.Duration
	lastSuccess       time.Time
	lastAttempt       time.Time
	successes         int64
	failures          int64
	consecutiveErrors int
	lastError         string
}

// Unhealthy conditions:
//   - More than MaxConsecutiveErrors failures in a row
//   - Attempted but never succeeded, when staleness is tracked
//   - No success within staleAfter, when staleness is tracked
func (c *componentHealth) healthy(now time.Time) bool {
	if c.consecutiveErrors > MaxConsecutiveErrors {
		return false
	}
	if c.staleAfter <= 0 || c.lastAttempt.IsZero() {
		return true
	}
	if c.lastSuccess.IsZero() {
		return false
	}
	return now.Sub(c.lastSuccess) <= c.staleAfter
}

// ComponentStatus is one component's health for the health endpoint.
type ComponentStatus struct {
	Healthy           bool   `json:"healthy"`
	Successes         int64  `json:"successes"`
	Failures          int64  `json:"failures"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Registry records success and failure per named component. It satisfies
// engine.Observer.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*componentHealth
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*componentHealth)}
}

// Track registers component with a staleness window. A component that has
// reported at least once and has not succeeded within staleAfter turns
// unhealthy. Zero disables the staleness check. Components reported without
// Track are registered on first use without one.
func (r *Registry) Track(component string, staleAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getLocked(component).staleAfter = staleAfter
}

func (r *Registry) getLocked(component string) *componentHealth {
	c, ok := r.components[component]
	if !ok {
		c = &componentHealth{}
		r.components[component] = c
	}
	return c
}

// RecordSuccess records a successful run of component.
func (r *Registry) RecordSuccess(component string) {
	now := clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getLocked(component)
	c.lastSuccess = now
	c.lastAttempt = now
	c.successes++
	c.consecutiveErrors = 0
	c.lastError = ""
}

// RecordFailure records a failed run of component.
func (r *Registry) RecordFailure(component string, err error) {
	now := clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getLocked(component)
	c.lastAttempt = now
	c.failures++
	c.consecutiveErrors++
	if err != nil {
		c.lastError = err.Error()
	}
}

// IsHealthy reports whether every known component is healthy.
func (r *Registry) IsHealthy() bool {
	now := clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.components {
		if !c.healthy(now) {
			return false
		}
	}
	return true
}

// Unhealthy lists the names of unhealthy components in sorted order.
func (r *Registry) Unhealthy() []string {
	now := clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, c := range r.components {
		if !c.healthy(now) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Status returns a snapshot of every known component.
func (r *Registry) Status() map[string]ComponentStatus {
	now := clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ComponentStatus, len(r.components))
	for name, c := range r.components {
		status := ComponentStatus{
			Healthy:   c.healthy(now),
			Successes: c.successes,
			Failures:  c.failures,
		}
		if !c.lastSuccess.IsZero() {
			status.LastSuccess = c.lastSuccess.Format(time.RFC3339)
			status.TimeSinceSuccess = now.Sub(c.lastSuccess).Round(time.Second).String()
		}
		if !c.lastAttempt.IsZero() {
			status.LastAttempt = c.lastAttempt.Format(time.RFC3339)
		}
		if c.consecutiveErrors > 0 {
			status.ConsecutiveErrors = c.consecutiveErrors
			status.LastError = c.lastError
		}
		out[name] = status
	}
	return out
}
