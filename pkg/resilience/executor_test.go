package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*Response
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*Response)}
}

func (c *mapCache) Get(_ context.Context, key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.entries[key]
	return resp, ok
}

func (c *mapCache) Set(_ context.Context, key string, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = resp
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type templates map[string]string

func (t templates) GetFallbackResponse(_ context.Context, dependency, scenario string) (string, error) {
	if text, ok := t[dependency+"/"+scenario]; ok {
		return text, nil
	}
	return "", errors.NewNotFoundError("fallback template")
}

type harness struct {
	registry *HealthRegistry
	cache    *mapCache
	sleeper  *recordingSleeper
	executor *Executor
	attempts []Attempt
}

func newHarness(t *testing.T, fallbacks FallbackProvider) *harness {
	t.Helper()
	h := &harness{
		registry: NewHealthRegistry(DefaultHealthConfig()),
		cache:    newMapCache(),
		sleeper:  &recordingSleeper{},
	}
	config := DefaultExecutorConfig()
	config.Sleep = h.sleeper.Sleep
	config.OnAttempt = func(a Attempt) { h.attempts = append(h.attempts, a) }
	h.executor = NewExecutor(config, h.registry, h.cache, fallbacks)
	return h
}

func TestExecutor_RejectsMalformedCall(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.executor.Execute(context.Background(), Call{Invoke: func(context.Context) (*Response, error) {
		return &Response{}, nil
	}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = h.executor.Execute(context.Background(), Call{Dependency: "svc"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestExecutor_SuccessOnFirstAttempt(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.executor.Execute(context.Background(), Call{
		Dependency: "portfolio_advisor",
		Payload:    map[string]string{"query": "saldo"},
		Invoke: func(context.Context) (*Response, error) {
			return &Response{Content: "ok", TokensUsed: 42}, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.False(t, result.FromCache)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "ok", result.Response.Content)
	assert.Empty(t, h.sleeper.Delays())
	require.Len(t, h.attempts, 1)
	assert.True(t, h.attempts[0].Success)
	assert.Equal(t, 5*time.Second, h.attempts[0].Timeout)
}

func TestExecutor_CacheIdempotence(t *testing.T) {
	h := newHarness(t, nil)
	var calls int32

	call := Call{
		Dependency: "market_analyst",
		Payload:    map[string]interface{}{"query": "PETR4", "context": map[string]string{"b": "2", "a": "1"}},
		Invoke: func(context.Context) (*Response, error) {
			atomic.AddInt32(&calls, 1)
			return &Response{Content: "bullish"}, nil
		},
	}

	first, err := h.executor.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	// Same payload built with a different map insertion order.
	call.Payload = map[string]interface{}{"context": map[string]string{"a": "1", "b": "2"}, "query": "PETR4"}
	second, err := h.executor.Execute(context.Background(), call)
	require.NoError(t, err)

	assert.True(t, second.FromCache)
	assert.Equal(t, "bullish", second.Response.Content)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheKey(t *testing.T) {
	k1, err := CacheKey("dep", map[string]int{"x": 1, "y": 2})
	require.NoError(t, err)
	k2, err := CacheKey("dep", map[string]int{"y": 2, "x": 1})
	require.NoError(t, err)
	k3, err := CacheKey("other", map[string]int{"x": 1, "y": 2})
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Regexp(t, `^dep:[0-9a-f]{64}$`, k1)

	_, err = CacheKey("dep", make(chan int))
	assert.Error(t, err)
}

func TestExecutor_CircuitOpenServesTemplateWithoutInvoking(t *testing.T) {
	h := newHarness(t, templates{
		"news_interpreter/circuit_breaker_open": "News are unavailable right now.",
	})
	for i := 0; i < 5; i++ {
		h.registry.RecordOutcome("news_interpreter", false, 0)
	}

	var calls int32
	result, err := h.executor.Execute(context.Background(), Call{
		Dependency: "news_interpreter",
		Payload:    "latest",
		Invoke: func(context.Context) (*Response, error) {
			atomic.AddInt32(&calls, 1)
			return &Response{Content: "live"}, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assert.True(t, result.Fallback)
	assert.Equal(t, types.ScenarioCircuitOpen, result.Reason)
	assert.Equal(t, "News are unavailable right now.", result.Response.Content)
	assert.Equal(t, 0, result.Attempts)
	assert.True(t, errors.IsType(result.LastError, errors.ErrorTypeCircuitOpen))
}

func TestExecutor_TimeoutThenSuccess(t *testing.T) {
	h := newHarness(t, nil)
	var calls int32

	result, err := h.executor.Execute(context.Background(), Call{
		Dependency: "tax_advisor",
		Payload:    "ir 2024",
		MaxRetries: 3,
		Invoke: func(context.Context) (*Response, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, context.DeadlineExceeded
			}
			return &Response{Content: "declare until May"}, nil
		},
	})
	require.NoError(t, err)

	assert.True(t, result.Succeeded())
	assert.Equal(t, "declare until May", result.Response.Content)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []time.Duration{time.Second}, h.sleeper.Delays())

	snap, ok := h.registry.Snapshot("tax_advisor")
	require.True(t, ok)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestExecutor_ExhaustedRetriesClassifyLastError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		scenario string
		text     string
	}{
		{"timeout", errors.NewTimeoutError("quote lookup"), types.ScenarioTimeout, "slow"},
		{"api error", errors.NewDependencyError("svc", 503, "upstream unavailable"), types.ScenarioAPIError, "api down"},
		{"default", stderrors.New("unexpected EOF"), types.ScenarioDefault, "generic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, templates{
				"svc/timeout":       "slow",
				"svc/api_error":     "api down",
				"svc/default_error": "generic",
			})
			var calls int32
			result, err := h.executor.Execute(context.Background(), Call{
				Dependency: "svc",
				Payload:    tt.name,
				Invoke: func(context.Context) (*Response, error) {
					atomic.AddInt32(&calls, 1)
					return nil, tt.err
				},
			})
			require.NoError(t, err)

			assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
			assert.True(t, result.Fallback)
			assert.Equal(t, tt.scenario, result.Reason)
			assert.Equal(t, tt.text, result.Response.Content)
			assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeper.Delays())
			assert.Len(t, h.attempts, 3)
		})
	}
}

func TestExecutor_StopsRetryingOnceCircuitOpens(t *testing.T) {
	h := newHarness(t, templates{
		"market_analyst/circuit_breaker_open": "Market analysis is paused.",
	})
	for i := 0; i < 4; i++ {
		h.registry.RecordOutcome("market_analyst", false, 0)
	}

	var calls int32
	result, err := h.executor.Execute(context.Background(), Call{
		Dependency: "market_analyst",
		Payload:    "ibov",
		MaxRetries: 3,
		Invoke: func(context.Context) (*Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.NewDependencyError("market_analyst", 502, "bad gateway")
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, result.Fallback)
	assert.Equal(t, types.ScenarioCircuitOpen, result.Reason)
	assert.Equal(t, "Market analysis is paused.", result.Response.Content)
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, errors.IsType(result.LastError, errors.ErrorTypeCircuitOpen))
	assert.Equal(t, []time.Duration{time.Second}, h.sleeper.Delays())
	assert.Equal(t, StateOpen, h.registry.State("market_analyst"))
}

func TestExecutor_MissingTemplateUsesGenericMessage(t *testing.T) {
	h := newHarness(t, templates{})

	result, err := h.executor.Execute(context.Background(), Call{
		Dependency: "risk_analyst",
		MaxRetries: 1,
		Invoke: func(context.Context) (*Response, error) {
			return nil, stderrors.New("boom")
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, UnavailableMessage, result.Response.Content)

	noProvider := newHarness(t, nil)
	result, err = noProvider.executor.Execute(context.Background(), Call{
		Dependency: "risk_analyst",
		MaxRetries: 1,
		Invoke: func(context.Context) (*Response, error) {
			return nil, stderrors.New("boom")
		},
	})
	require.NoError(t, err)
	assert.Equal(t, UnavailableMessage, result.Response.Content)
}

func TestExecutor_CancellationStopsRetries(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	result, err := h.executor.Execute(ctx, Call{
		Dependency: "svc",
		Invoke: func(context.Context) (*Response, error) {
			atomic.AddInt32(&calls, 1)
			cancel()
			return nil, stderrors.New("api status 500")
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, result.Fallback)
	assert.Equal(t, types.ReasonCancelled, result.Reason)
	assert.Empty(t, h.sleeper.Delays())
}

func TestExecutor_CancelledDuringBackoff(t *testing.T) {
	registry := NewHealthRegistry(DefaultHealthConfig())
	ctx, cancel := context.WithCancel(context.Background())
	config := DefaultExecutorConfig()
	config.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return SleepContext(ctx, d)
	}
	executor := NewExecutor(config, registry, nil, nil)
	var calls int32

	result, err := executor.Execute(ctx, Call{
		Dependency: "svc",
		Invoke: func(context.Context) (*Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, stderrors.New("flaky")
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, types.ReasonCancelled, result.Reason)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecutor_AbandonsHungInvocation(t *testing.T) {
	registry := NewHealthRegistry(DefaultHealthConfig())
	config := DefaultExecutorConfig()
	config.MinTimeout = 20 * time.Millisecond
	config.MaxTimeout = 20 * time.Millisecond
	config.Sleep = func(context.Context, time.Duration) error { return nil }
	executor := NewExecutor(config, registry, nil, nil)

	release := make(chan struct{})
	defer close(release)

	result, err := executor.Execute(context.Background(), Call{
		Dependency: "slow_expert",
		MaxRetries: 2,
		Invoke: func(context.Context) (*Response, error) {
			<-release
			return &Response{Content: "too late"}, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, types.ScenarioTimeout, result.Reason)
	assert.Equal(t, 2, result.Attempts)

	snap, _ := registry.Snapshot("slow_expert")
	assert.Equal(t, 2, snap.ConsecutiveFailures)
}

func TestExecutor_RecoversInvocationPanic(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.executor.Execute(context.Background(), Call{
		Dependency: "buggy",
		MaxRetries: 1,
		Invoke: func(context.Context) (*Response, error) {
			panic("nil map")
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, types.ScenarioDefault, result.Reason)
}

func TestExecutor_NilResponseIsFailure(t *testing.T) {
	h := newHarness(t, nil)

	result, err := h.executor.Execute(context.Background(), Call{
		Dependency: "empty",
		MaxRetries: 1,
		Invoke: func(context.Context) (*Response, error) {
			return nil, nil
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Equal(t, types.ScenarioAPIError, result.Reason)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, types.ScenarioDefault},
		{context.DeadlineExceeded, types.ScenarioTimeout},
		{stderrors.New("request timed out after 5s"), types.ScenarioTimeout},
		{stderrors.New("Gateway Timeout"), types.ScenarioTimeout},
		{errors.NewTimeoutError("call"), types.ScenarioTimeout},
		{stderrors.New("API returned status 502"), types.ScenarioAPIError},
		{errors.NewDependencyError("x", 429, "slow down"), types.ScenarioAPIError},
		{errors.NewRateLimitError("quota"), types.ScenarioAPIError},
		{stderrors.New("capital gains parse failure"), types.ScenarioDefault},
		{stderrors.New("connection reset by peer"), types.ScenarioDefault},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.err), "%v", tt.err)
	}
}
