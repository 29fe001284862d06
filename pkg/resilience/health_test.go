package resilience

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(clock *fakeClock) *HealthRegistry {
	config := DefaultHealthConfig()
	config.Clock = clock.Now
	return NewHealthRegistry(config)
}

func TestHealthRegistry_UnknownDependencyIsHealthy(t *testing.T) {
	registry := newTestRegistry(newFakeClock())

	assert.True(t, registry.IsHealthy("never_seen"))
	assert.Equal(t, StateClosed, registry.State("never_seen"))
}

func TestHealthRegistry_OpensAfterFailureThreshold(t *testing.T) {
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	for i := 0; i < 4; i++ {
		registry.RecordOutcome("news_interpreter", false, 100*time.Millisecond)
		assert.True(t, registry.IsHealthy("news_interpreter"), "failure %d must not open the circuit", i+1)
	}

	registry.RecordOutcome("news_interpreter", false, 100*time.Millisecond)
	assert.False(t, registry.IsHealthy("news_interpreter"))

	snap, ok := registry.Snapshot("news_interpreter")
	require.True(t, ok)
	assert.Equal(t, 5, snap.ConsecutiveFailures)
	assert.True(t, snap.CircuitOpen)
	require.NotNil(t, snap.OpenedAt)
	assert.Equal(t, clock.Now(), *snap.OpenedAt)
	assert.Equal(t, types.StatusUnhealthy, snap.Status)
	assert.InDelta(t, 0.05, snap.ErrorRate, 1e-9)
}

func TestHealthRegistry_HalfOpenAfterResetTimeout(t *testing.T) {
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	for i := 0; i < 5; i++ {
		registry.RecordOutcome("market_data", false, 0)
	}
	require.False(t, registry.IsHealthy("market_data"))

	clock.Advance(59 * time.Second)
	assert.False(t, registry.IsHealthy("market_data"))
	assert.Equal(t, StateOpen, registry.State("market_data"))

	clock.Advance(time.Second)
	assert.True(t, registry.IsHealthy("market_data"))
	assert.Equal(t, StateHalfOpen, registry.State("market_data"))

	registry.RecordOutcome("market_data", true, 200*time.Millisecond)
	assert.True(t, registry.IsHealthy("market_data"))
	assert.Equal(t, StateClosed, registry.State("market_data"))

	snap, _ := registry.Snapshot("market_data")
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.False(t, snap.CircuitOpen)
	assert.Nil(t, snap.OpenedAt)
}

func TestHealthRegistry_FailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	for i := 0; i < 5; i++ {
		registry.RecordOutcome("tax_api", false, 0)
	}
	clock.Advance(61 * time.Second)
	require.True(t, registry.IsHealthy("tax_api"))

	registry.RecordOutcome("tax_api", false, 0)
	assert.False(t, registry.IsHealthy("tax_api"))

	snap, _ := registry.Snapshot("tax_api")
	require.NotNil(t, snap.OpenedAt)
	assert.Equal(t, clock.Now(), *snap.OpenedAt)
}

func TestHealthRegistry_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	for i := 0; i < 5; i++ {
		registry.RecordOutcome("market_data", false, 0)
	}
	clock.Advance(time.Minute)

	require.True(t, registry.IsHealthy("market_data"))
	assert.False(t, registry.IsHealthy("market_data"), "second caller must wait for the trial")
	assert.Equal(t, StateHalfOpen, registry.State("market_data"))

	registry.RecordOutcome("market_data", true, 0)
	assert.True(t, registry.IsHealthy("market_data"))
	assert.True(t, registry.IsHealthy("market_data"))
}

func TestHealthRegistry_ConcurrentHalfOpenCallers(t *testing.T) {
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	for i := 0; i < 5; i++ {
		registry.RecordOutcome("quotes", false, 0)
	}
	clock.Advance(time.Minute)

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if registry.IsHealthy("quotes") {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&admitted))
}

func TestHealthRegistry_UnfinishedTrialExpires(t *testing.T) {
	clock := newFakeClock()
	registry := newTestRegistry(clock)

	for i := 0; i < 5; i++ {
		registry.RecordOutcome("tax_api", false, 0)
	}
	clock.Advance(time.Minute)
	require.True(t, registry.IsHealthy("tax_api"))

	// the admitted caller never reports back
	clock.Advance(59 * time.Second)
	assert.False(t, registry.IsHealthy("tax_api"))

	clock.Advance(time.Second)
	assert.True(t, registry.IsHealthy("tax_api"))
	assert.False(t, registry.IsHealthy("tax_api"))
}

func TestHealthRegistry_ErrorRateThresholdOpensCircuit(t *testing.T) {
	config := DefaultHealthConfig()
	config.WindowSize = 4
	config.FailureThreshold = 100
	registry := NewHealthRegistry(config)

	registry.RecordOutcome("quotes", false, 0)
	assert.True(t, registry.IsHealthy("quotes"))
	registry.RecordOutcome("quotes", false, 0)

	snap, _ := registry.Snapshot("quotes")
	assert.InDelta(t, 0.5, snap.ErrorRate, 1e-9)
	assert.True(t, snap.CircuitOpen)
	assert.False(t, registry.IsHealthy("quotes"))
}

func TestHealthRegistry_ErrorRateAndLatencySmoothing(t *testing.T) {
	registry := newTestRegistry(newFakeClock())

	registry.RecordOutcome("svc", true, time.Second)
	snap, _ := registry.Snapshot("svc")
	assert.InDelta(t, 100.0, snap.AvgLatencyMs, 1e-9)
	assert.Equal(t, 0.0, snap.ErrorRate)

	registry.RecordOutcome("svc", true, 2*time.Second)
	snap, _ = registry.Snapshot("svc")
	assert.InDelta(t, 290.0, snap.AvgLatencyMs, 1e-9)
	assert.Equal(t, 290*time.Millisecond, registry.AvgLatency("svc"))

	registry.RecordOutcome("svc", false, 5*time.Second)
	snap, _ = registry.Snapshot("svc")
	assert.InDelta(t, 290.0, snap.AvgLatencyMs, 1e-9, "failures do not move the latency average")
	assert.InDelta(t, 0.01, snap.ErrorRate, 1e-9)
	assert.Equal(t, 1, snap.ConsecutiveFailures)
}

func TestHealthRegistry_DegradedStatus(t *testing.T) {
	config := DefaultHealthConfig()
	config.WindowSize = 10
	config.FailureThreshold = 100
	config.ErrorRateThreshold = 0.9
	registry := NewHealthRegistry(config)

	for i := 0; i < 4; i++ {
		registry.RecordOutcome("svc", false, 0)
	}
	snap, _ := registry.Snapshot("svc")
	assert.False(t, snap.CircuitOpen)
	assert.Equal(t, types.StatusDegraded, snap.Status)
}

func TestHealthRegistry_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	config := DefaultHealthConfig()
	config.Clock = clock.Now
	config.OnStateChange = func(name string, from, to CircuitState) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", name, from, to))
	}
	registry := NewHealthRegistry(config)

	for i := 0; i < 6; i++ {
		registry.RecordOutcome("svc", false, 0)
	}
	clock.Advance(time.Minute)
	registry.RecordOutcome("svc", true, 0)

	assert.Equal(t, []string{"svc:CLOSED->OPEN", "svc:HALF_OPEN->CLOSED"}, transitions)
}

func TestHealthRegistry_AllSortedByName(t *testing.T) {
	registry := newTestRegistry(newFakeClock())
	registry.RecordOutcome("b", true, 0)
	registry.RecordOutcome("a", true, 0)
	registry.RecordOutcome("c", false, 0)

	all := registry.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "b", all[1].Name)
	assert.Equal(t, "c", all[2].Name)

	_, ok := registry.Snapshot("missing")
	assert.False(t, ok)
}

func TestHealthRegistry_ConcurrentOutcomes(t *testing.T) {
	config := DefaultHealthConfig()
	config.FailureThreshold = 1000
	config.ErrorRateThreshold = 1
	registry := NewHealthRegistry(config)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			registry.RecordOutcome("shared", false, 0)
			registry.RecordOutcome(fmt.Sprintf("dep-%d", i%5), true, 0)
			registry.IsHealthy("shared")
		}(i)
	}
	wg.Wait()

	snap, ok := registry.Snapshot("shared")
	require.True(t, ok)
	assert.Equal(t, 50, snap.ConsecutiveFailures)
	assert.Equal(t, int64(50), snap.TotalFailures)
	assert.Len(t, registry.All(), 6)
}
