package tokenmeter

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of an upstream.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-upstream health using a circuit breaker pattern.
type HealthTracker struct {
	mu        sync.Mutex
	upstreams map[string]*upstreamHealth
	now       func() time.Time
}

type upstreamHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		upstreams: make(map[string]*upstreamHealth),
		now:       time.Now,
	}
}

// SetClock replaces the tracker's time source.
func (h *HealthTracker) SetClock(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = now
}

// GetHealth returns the current health state for an upstream.
func (h *HealthTracker) GetHealth(name string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	uh, ok := h.upstreams[name]
	if !ok {
		return HealthHealthy
	}

	if uh.state == HealthUnhealthy && h.now().Sub(uh.unhealthyAt) >= healthUnhealthyPeriod {
		uh.state = HealthHalfOpen
	}
	return uh.state
}

// RecordSuccess records a successful call to an upstream.
func (h *HealthTracker) RecordSuccess(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	uh := h.getOrCreate(name)
	uh.state = HealthHealthy
	uh.failures = uh.failures[:0]
}

// RecordFailure records a failed call to an upstream.
func (h *HealthTracker) RecordFailure(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	uh := h.getOrCreate(name)
	now := h.now()

	// A failed probe while half-open trips the breaker again.
	if uh.state == HealthHalfOpen {
		uh.state = HealthUnhealthy
		uh.unhealthyAt = now
		return
	}
	if uh.state == HealthUnhealthy {
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := uh.failures[:0]
	for _, t := range uh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	uh.failures = append(valid, now)

	if len(uh.failures) >= healthFailureThreshold {
		uh.state = HealthUnhealthy
		uh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(name string) *upstreamHealth {
	uh, ok := h.upstreams[name]
	if !ok {
		uh = &upstreamHealth{state: HealthHealthy}
		h.upstreams[name] = uh
	}
	return uh
}
