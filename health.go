package redmine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultHealthCheckInterval is how long a health result is served from cache.
const DefaultHealthCheckInterval = 300 * time.Second

// DefaultHealthCheckTimeout bounds the health probe. It is independent of the
// per-attempt request timeout.
const DefaultHealthCheckTimeout = 10 * time.Second

// DefaultHealthCheckPath is a cheap authenticated endpoint returning the current identity.
const DefaultHealthCheckPath = "/users/current.json"

// ConnectionHealth is a snapshot of the cached liveness signal.
type ConnectionHealth struct {
	// Healthy is the last observed state, from a probe or a request outcome.
	Healthy bool `json:"healthy"`

	// LastCheckedAt is when the last health probe ran. Zero if never probed.
	LastCheckedAt time.Time `json:"last_checked_at"`

	// CheckInterval is how long a probe result is reused.
	CheckInterval time.Duration `json:"check_interval"`
}

// healthState is the shared mutable health record of one connection manager.
type healthState struct {
	mu          sync.RWMutex
	healthy     bool
	lastChecked time.Time
	interval    time.Duration
	gauge       prometheus.Gauge
}

// newHealthState starts healthy. The gauge series is keyed by base URL, so
// managers sharing a base URL also share one series.
func newHealthState(baseURL string, interval time.Duration) *healthState {
	h := &healthState{
		healthy:  true,
		interval: interval,
		gauge:    connectionHealthy.WithLabelValues(baseURL),
	}
	h.gauge.Set(1)
	return h
}

// cached returns the stored value and whether it is still within the check interval.
func (h *healthState) cached(now time.Time) (healthy bool, fresh bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.lastChecked.IsZero() {
		return h.healthy, false
	}
	return h.healthy, now.Sub(h.lastChecked) < h.interval
}

// record stores a probe result.
func (h *healthState) record(healthy bool, checkedAt time.Time) {
	h.mu.Lock()
	h.healthy = healthy
	h.lastChecked = checkedAt
	h.mu.Unlock()
	h.setGauge(healthy)
}

// mark stores a request outcome without touching the probe timestamp.
func (h *healthState) mark(healthy bool) {
	h.mu.Lock()
	h.healthy = healthy
	h.mu.Unlock()
	h.setGauge(healthy)
}

func (h *healthState) snapshot() ConnectionHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return ConnectionHealth{
		Healthy:       h.healthy,
		LastCheckedAt: h.lastChecked,
		CheckInterval: h.interval,
	}
}

func (h *healthState) setGauge(healthy bool) {
	if healthy {
		h.gauge.Set(1)
		return
	}
	h.gauge.Set(0)
}
