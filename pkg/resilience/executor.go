package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// Response is the payload returned by a downstream dependency
type Response struct {
	Content    string                 `json:"content"`
	TokensUsed int                    `json:"tokens_used"`
	Cost       float64                `json:"cost"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Call describes one protected downstream call
type Call struct {
	// Dependency names the downstream service; it keys health, cache and fallbacks
	Dependency string
	// Payload is the request; its canonical JSON form is part of the cache key
	Payload interface{}
	// MaxRetries is the number of attempts. Zero uses the executor default.
	MaxRetries int
	// Invoke performs one attempt under the given context
	Invoke func(ctx context.Context) (*Response, error)
}

// Result is what Execute returns: a live response, a cached one, or a fallback
type Result struct {
	Dependency string        `json:"dependency"`
	Response   *Response     `json:"response"`
	FromCache  bool          `json:"from_cache"`
	Fallback   bool          `json:"fallback"`
	Reason     string        `json:"reason,omitempty"`
	Attempts   int           `json:"attempts"`
	Latency    time.Duration `json:"latency"`
	StatusCode int           `json:"status_code,omitempty"`
	LastError  error         `json:"-"`
}

// Succeeded reports whether the result carries a live or cached response
func (r *Result) Succeeded() bool {
	return r != nil && !r.Fallback
}

// ResponseCache stores successful responses by cache key
type ResponseCache interface {
	Get(ctx context.Context, key string) (*Response, bool)
	Set(ctx context.Context, key string, resp *Response)
}

// Attempt describes one finished invocation
type Attempt struct {
	Dependency string
	Number     int
	Success    bool
	StatusCode int
	Latency    time.Duration
	Timeout    time.Duration
	Err        error
}

// ExecutorConfig holds the retry, timeout and fallback settings
type ExecutorConfig struct {
	MaxRetries         int
	Backoff            Backoff
	MinTimeout         time.Duration
	MaxTimeout         time.Duration
	UnavailableMessage string
	// Sleep waits between attempts. Defaults to SleepContext.
	Sleep Sleeper
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// OnAttempt is called after every invocation, successful or not
	OnAttempt func(Attempt)
}

// DefaultExecutorConfig returns 3 attempts, 1s..10s backoff and a 5s..30s timeout
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:         3,
		Backoff:            DefaultBackoff(),
		MinTimeout:         5 * time.Second,
		MaxTimeout:         30 * time.Second,
		UnavailableMessage: UnavailableMessage,
	}
}

// Executor wraps downstream calls with caching, health gating, retries with
// backoff, adaptive timeouts and fallback responses.
type Executor struct {
	config    ExecutorConfig
	health    *HealthRegistry
	cache     ResponseCache
	fallbacks FallbackProvider
	logger    *logging.Logger
}

// NewExecutor creates an executor. cache and fallbacks may be nil.
func NewExecutor(config ExecutorConfig, health *HealthRegistry, cache ResponseCache, fallbacks FallbackProvider) *Executor {
	defaults := DefaultExecutorConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.Backoff.InitialDelay <= 0 {
		config.Backoff.InitialDelay = defaults.Backoff.InitialDelay
	}
	if config.Backoff.MaxDelay <= 0 {
		config.Backoff.MaxDelay = defaults.Backoff.MaxDelay
	}
	if config.MinTimeout <= 0 {
		config.MinTimeout = defaults.MinTimeout
	}
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = defaults.MaxTimeout
	}
	if config.UnavailableMessage == "" {
		config.UnavailableMessage = defaults.UnavailableMessage
	}
	if config.Sleep == nil {
		config.Sleep = SleepContext
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if health == nil {
		health = NewHealthRegistry(DefaultHealthConfig())
	}

	return &Executor{
		config:    config,
		health:    health,
		cache:     cache,
		fallbacks: fallbacks,
		logger:    logging.GetLogger(),
	}
}

// Health returns the registry the executor reports to
func (e *Executor) Health() *HealthRegistry {
	return e.health
}

// CacheKey returns dependency + ":" + sha256 of the payload's JSON encoding.
// encoding/json sorts map keys, so equal payloads produce equal keys.
func CacheKey(dependency string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return dependency + ":" + hex.EncodeToString(sum[:]), nil
}

// Execute runs the call. Downstream failures never surface as errors: they end
// in a fallback Result. The only error returned is for a malformed Call.
func (e *Executor) Execute(ctx context.Context, call Call) (*Result, error) {
	if strings.TrimSpace(call.Dependency) == "" {
		return nil, errors.NewValidationError("dependency name is required")
	}
	if call.Invoke == nil {
		return nil, errors.NewValidationError("invoke function is required").
			WithDetail("dependency", call.Dependency)
	}

	dep := call.Dependency
	maxRetries := call.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.config.MaxRetries
	}
	start := e.config.Clock()

	key, err := CacheKey(dep, call.Payload)
	if err != nil {
		e.logger.Warn("Skipping response cache", "dependency", dep, "error", err)
	}
	if key != "" && e.cache != nil {
		if resp, ok := e.cache.Get(ctx, key); ok {
			return &Result{
				Dependency: dep,
				Response:   resp,
				FromCache:  true,
				Latency:    e.config.Clock().Sub(start),
			}, nil
		}
	}

	if ctx.Err() != nil {
		return e.fallback(ctx, dep, types.ReasonCancelled, 0, start, ctx.Err()), nil
	}

	if !e.health.IsHealthy(dep) {
		e.logger.WithContext(ctx).WithField("dependency", dep).Info("Circuit open, serving fallback")
		return e.fallback(ctx, dep, types.ScenarioCircuitOpen, 0, start, errors.NewCircuitOpenError(dep)), nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return e.fallback(ctx, dep, types.ReasonCancelled, attempt-1, start, ctx.Err()), nil
		}
		// An earlier attempt, or a concurrent request, may have opened the circuit.
		if attempt > 1 && !e.health.IsHealthy(dep) {
			e.logger.WithContext(ctx).WithField("dependency", dep).Info("Circuit opened during retries, serving fallback")
			return e.fallback(ctx, dep, types.ScenarioCircuitOpen, attempt-1, start, errors.NewCircuitOpenError(dep)), nil
		}

		timeout := AdaptiveTimeout(e.health.AvgLatency(dep), e.config.MinTimeout, e.config.MaxTimeout)
		resp, latency, err := e.attempt(ctx, call, timeout)

		if err != nil && ctx.Err() != nil {
			// Abandoned by the caller; not the dependency's fault.
			return e.fallback(ctx, dep, types.ReasonCancelled, attempt, start, err), nil
		}

		e.health.RecordOutcome(dep, err == nil, latency)
		e.observe(ctx, Attempt{
			Dependency: dep,
			Number:     attempt,
			Success:    err == nil,
			StatusCode: errors.StatusCode(err),
			Latency:    latency,
			Timeout:    timeout,
			Err:        err,
		})

		if err == nil {
			if key != "" && e.cache != nil {
				e.cache.Set(ctx, key, resp)
			}
			return &Result{
				Dependency: dep,
				Response:   resp,
				Attempts:   attempt,
				Latency:    e.config.Clock().Sub(start),
			}, nil
		}

		lastErr = err
		if attempt < maxRetries {
			if sleepErr := e.config.Sleep(ctx, e.config.Backoff.Delay(attempt)); sleepErr != nil {
				return e.fallback(ctx, dep, types.ReasonCancelled, attempt, start, lastErr), nil
			}
		}
	}

	return e.fallback(ctx, dep, ClassifyError(lastErr), maxRetries, start, lastErr), nil
}

type attemptResult struct {
	resp *Response
	err  error
}

// attempt runs one invocation under the adaptive timeout. An invocation that
// ignores its context is abandoned when the timeout fires and its result is
// discarded.
func (e *Executor) attempt(ctx context.Context, call Call, timeout time.Duration) (*Response, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.config.Clock()
	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- attemptResult{err: errors.NewInternalError(fmt.Sprintf("dependency call panicked: %v", rec))}
			}
		}()
		resp, err := call.Invoke(attemptCtx)
		done <- attemptResult{resp: resp, err: err}
	}()

	var out attemptResult
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		out = attemptResult{err: attemptCtx.Err()}
	}
	latency := e.config.Clock().Sub(start)

	if out.err == nil && out.resp == nil {
		out.err = errors.NewDependencyError(call.Dependency, 0, "empty response")
	}
	if out.err != nil && ctx.Err() == nil && stderrors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		out.err = errors.NewTimeoutError(call.Dependency).
			WithDetail("timeout", timeout.String()).
			WithCause(out.err)
	}
	return out.resp, latency, out.err
}

func (e *Executor) observe(ctx context.Context, a Attempt) {
	e.logger.LogDependencyEvent(ctx, a.Dependency, a.Success, a.StatusCode, a.Latency, a.Err)
	if e.config.OnAttempt != nil {
		e.config.OnAttempt(a)
	}
}

func (e *Executor) fallback(ctx context.Context, dep, reason string, attempts int, start time.Time, cause error) *Result {
	return &Result{
		Dependency: dep,
		Response:   &Response{Content: e.fallbackText(ctx, dep, reason)},
		Fallback:   true,
		Reason:     reason,
		Attempts:   attempts,
		Latency:    e.config.Clock().Sub(start),
		StatusCode: errors.StatusCode(cause),
		LastError:  cause,
	}
}
