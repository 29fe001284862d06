package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// CircuitState represents the state of a dependency's circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - cooldown elapsed, a trial request is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// HealthConfig holds the thresholds of the health registry
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// ResetTimeout is how long an open circuit rejects calls before allowing a trial
	ResetTimeout time.Duration
	// ErrorRateThreshold opens the circuit when the rolling error rate reaches it
	ErrorRateThreshold float64
	// WindowSize sets the error rate step: each outcome moves it by 1/WindowSize
	WindowSize int
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// OnStateChange is called after the circuit of a dependency changes state
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// DefaultHealthConfig returns the reference thresholds
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold:   5,
		ResetTimeout:       60 * time.Second,
		ErrorRateThreshold: 0.5,
		WindowSize:         100,
	}
}

// ServiceHealth is a point-in-time view of one dependency
type ServiceHealth struct {
	Name                string     `json:"name"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ErrorRate           float64    `json:"error_rate"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	CircuitOpen         bool       `json:"circuit_breaker_open"`
	OpenedAt            *time.Time `json:"circuit_breaker_opened_at,omitempty"`
	State               string     `json:"state"`
	Status              string     `json:"status"`
	TotalCalls          int64      `json:"total_calls"`
	TotalFailures       int64      `json:"total_failures"`
	LastCheck           time.Time  `json:"last_check"`
}

type healthEntry struct {
	mu                  sync.Mutex
	consecutiveFailures int
	errorRate           float64
	avgLatencyMs        float64
	circuitOpen         bool
	openedAt            time.Time
	trialStartedAt      time.Time
	totalCalls          int64
	totalFailures       int64
	lastCheck           time.Time
}

// HealthRegistry tracks per-dependency health and circuit state. Entries are
// created lazily on first reference and never removed.
type HealthRegistry struct {
	config  HealthConfig
	mutex   sync.RWMutex
	entries map[string]*healthEntry
	logger  *logging.Logger
}

// NewHealthRegistry creates a registry, filling unset thresholds with defaults
func NewHealthRegistry(config HealthConfig) *HealthRegistry {
	defaults := DefaultHealthConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.ErrorRateThreshold <= 0 {
		config.ErrorRateThreshold = defaults.ErrorRateThreshold
	}
	if config.WindowSize <= 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &HealthRegistry{
		config:  config,
		entries: make(map[string]*healthEntry),
		logger:  logging.GetLogger(),
	}
}

func (r *HealthRegistry) entry(name string) *healthEntry {
	r.mutex.RLock()
	e, ok := r.entries[name]
	r.mutex.RUnlock()
	if ok {
		return e
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if e, ok = r.entries[name]; ok {
		return e
	}
	e = &healthEntry{lastCheck: r.config.Clock()}
	r.entries[name] = e
	return e
}

// IsHealthy reports whether calls to the dependency are permitted. It is false
// while the circuit is open and the reset timeout has not elapsed. Once it has,
// a single caller is admitted as the half-open trial; others are refused until
// that trial records its outcome or itself outlives the reset timeout. Any
// internal failure permits the call.
func (r *HealthRegistry) IsHealthy(name string) (healthy bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Health check failed, allowing call", "dependency", name, "panic", rec)
			healthy = true
		}
	}()

	e := r.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.circuitOpen {
		return true
	}
	now := r.config.Clock()
	if now.Sub(e.openedAt) < r.config.ResetTimeout {
		return false
	}
	if !e.trialStartedAt.IsZero() && now.Sub(e.trialStartedAt) < r.config.ResetTimeout {
		return false
	}
	e.trialStartedAt = now
	return true
}

// State returns the circuit state of the dependency
func (r *HealthRegistry) State(name string) CircuitState {
	e := r.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.stateLocked(e, r.config.Clock())
}

func (r *HealthRegistry) stateLocked(e *healthEntry, now time.Time) CircuitState {
	switch {
	case !e.circuitOpen:
		return StateClosed
	case now.Sub(e.openedAt) >= r.config.ResetTimeout:
		return StateHalfOpen
	default:
		return StateOpen
	}
}

// RecordOutcome folds the result of one call into the dependency's health.
// A success closes the circuit. A failure opens it once a threshold is
// crossed, and a failed trial after the cooldown re-arms the cooldown.
func (r *HealthRegistry) RecordOutcome(name string, success bool, latency time.Duration) {
	e := r.entry(name)
	step := 1.0 / float64(r.config.WindowSize)

	e.mu.Lock()
	now := r.config.Clock()
	from := r.stateLocked(e, now)
	e.totalCalls++
	e.lastCheck = now
	e.trialStartedAt = time.Time{}

	if success {
		e.consecutiveFailures = 0
		e.errorRate -= step
		if e.errorRate < 0 {
			e.errorRate = 0
		}
		e.avgLatencyMs = 0.9*e.avgLatencyMs + 0.1*float64(latency.Milliseconds())
		e.circuitOpen = false
		e.openedAt = time.Time{}
	} else {
		e.totalFailures++
		e.consecutiveFailures++
		e.errorRate += step
		if e.errorRate > 1 {
			e.errorRate = 1
		}
		tripped := e.consecutiveFailures >= r.config.FailureThreshold ||
			e.errorRate >= r.config.ErrorRateThreshold
		if (!e.circuitOpen && tripped) || from == StateHalfOpen {
			e.circuitOpen = true
			e.openedAt = now
		}
	}

	to := r.stateLocked(e, now)
	failures := e.consecutiveFailures
	errorRate := e.errorRate
	e.mu.Unlock()

	if from == to {
		return
	}
	if to == StateOpen {
		r.logger.Warn("Circuit breaker opened",
			"dependency", name,
			"consecutive_failures", failures,
			"error_rate", errorRate,
			"from", from.String(),
		)
	} else {
		r.logger.Info("Circuit breaker state changed",
			"dependency", name,
			"from", from.String(),
			"to", to.String(),
		)
	}
	if r.config.OnStateChange != nil {
		r.config.OnStateChange(name, from, to)
	}
}

// AvgLatency returns the smoothed latency of successful calls
func (r *HealthRegistry) AvgLatency(name string) time.Duration {
	e := r.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.avgLatencyMs * float64(time.Millisecond))
}

// Snapshot returns the health of one dependency without creating an entry
func (r *HealthRegistry) Snapshot(name string) (ServiceHealth, bool) {
	r.mutex.RLock()
	e, ok := r.entries[name]
	r.mutex.RUnlock()
	if !ok {
		return ServiceHealth{}, false
	}
	return r.snapshot(name, e), true
}

// All returns the health of every known dependency ordered by name
func (r *HealthRegistry) All() []ServiceHealth {
	r.mutex.RLock()
	names := make([]string, 0, len(r.entries))
	entries := make(map[string]*healthEntry, len(r.entries))
	for name, e := range r.entries {
		names = append(names, name)
		entries[name] = e
	}
	r.mutex.RUnlock()

	sort.Strings(names)
	out := make([]ServiceHealth, 0, len(names))
	for _, name := range names {
		out = append(out, r.snapshot(name, entries[name]))
	}
	return out
}

func (r *HealthRegistry) snapshot(name string, e *healthEntry) ServiceHealth {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := ServiceHealth{
		Name:                name,
		ConsecutiveFailures: e.consecutiveFailures,
		ErrorRate:           e.errorRate,
		AvgLatencyMs:        e.avgLatencyMs,
		CircuitOpen:         e.circuitOpen,
		State:               r.stateLocked(e, r.config.Clock()).String(),
		TotalCalls:          e.totalCalls,
		TotalFailures:       e.totalFailures,
		LastCheck:           e.lastCheck,
	}
	if e.circuitOpen {
		openedAt := e.openedAt
		h.OpenedAt = &openedAt
	}

	switch {
	case e.circuitOpen:
		h.Status = types.StatusUnhealthy
	case e.errorRate > 0.3:
		h.Status = types.StatusDegraded
	default:
		h.Status = types.StatusHealthy
	}
	return h
}
