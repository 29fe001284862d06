package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/invest-assistant/internal/cache"
	"github.com/NikhilSetiya/invest-assistant/internal/database"
	"github.com/NikhilSetiya/invest-assistant/internal/experts"
	"github.com/NikhilSetiya/invest-assistant/internal/feedback"
	"github.com/NikhilSetiya/invest-assistant/internal/providers"
	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/resilience"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	panic bool
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{calls: make(map[string]int), fail: make(map[string]error)}
}

func (f *fakeInvoker) Invoke(ctx context.Context, expert types.Expert, query string, userContext map[string]interface{}) (*types.Invocation, error) {
	f.mu.Lock()
	f.calls[expert.Name]++
	err := f.fail[expert.Name]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &types.Invocation{
		Response:   fmt.Sprintf("%s answers: %s", expert.Name, query),
		TokensUsed: 120,
		Latency:    40 * time.Millisecond,
		Cost:       0.002,
	}, nil
}

func (f *fakeInvoker) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []feedback.Job
}

func (q *fakeQueue) Submit(job feedback.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return true
}

func (q *fakeQueue) Jobs() []feedback.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]feedback.Job(nil), q.jobs...)
}

type harness struct {
	store    *database.MemoryStore
	health   *resilience.HealthRegistry
	invoker  *fakeInvoker
	queue    *fakeQueue
	recorder *MemoryRecorder
	sleeps   []time.Duration
	dispatch *Dispatcher
}

func newHarness(t *testing.T, catalog ...types.Expert) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		store:    database.NewMemoryStore(),
		health:   resilience.NewHealthRegistry(resilience.DefaultHealthConfig()),
		invoker:  newFakeInvoker(),
		queue:    &fakeQueue{},
		recorder: &MemoryRecorder{},
	}
	for _, tpl := range database.DefaultFallbackTemplates() {
		tpl := tpl
		require.NoError(t, h.store.UpsertFallbackTemplate(ctx, &tpl))
	}
	for i := range catalog {
		require.NoError(t, h.store.UpsertExpert(ctx, &catalog[i]))
	}

	router, err := experts.NewRouter(experts.DefaultRouterConfig(), h.store, nil, nil, h.health)
	require.NoError(t, err)

	var mu sync.Mutex
	executor := resilience.NewExecutor(resilience.ExecutorConfig{
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			h.sleeps = append(h.sleeps, d)
			mu.Unlock()
			return ctx.Err()
		},
	}, h.health, cache.NewMemoryCache(cache.DefaultConfig()), h.store)

	ids := 0
	h.dispatch, err = NewDispatcher(router, executor, h.invoker, h.store, Options{
		Feedback: h.queue,
		Recorder: h.recorder,
		NewID: func() string {
			ids++
			return fmt.Sprintf("req-%d", ids)
		},
	})
	require.NoError(t, err)
	return h
}

func expert(name string, score float64) types.Expert {
	return types.Expert{Name: name, Description: name, PerformanceScore: score, IsActive: true}
}

func TestHandle_PortfolioQuestionWithoutClassifier(t *testing.T) {
	h := newHarness(t, expert("portfolio_advisor", 90), expert("market_analyst", 70))

	result, err := h.dispatch.Handle(context.Background(), Command{Query: "Como está minha carteira?", UserID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, "req-1", result.RequestID)
	assert.True(t, result.Success)
	assert.Equal(t, "portfolio_advisor", result.ExpertUsed)
	assert.Equal(t, 60.0, result.Confidence)
	assert.Equal(t, []string{"market_analyst"}, result.Alternatives)
	assert.Equal(t, types.MethodBaseline, result.RoutingMethod)
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, "portfolio_advisor answers: Como está minha carteira?", result.Response)
	assert.Equal(t, 120, result.Performance.TokensUsed)
	assert.InDelta(t, 0.002, result.Performance.Cost, 1e-12)
	assert.Equal(t, 1, result.Performance.Attempts)

	decisions := h.store.RoutingDecisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, "req-1", decisions[0].RequestID)
	assert.Equal(t, "user-1", decisions[0].UserID)
	assert.Equal(t, "portfolio_advisor", decisions[0].SelectedExpert)

	record, ok := h.store.FeedbackRecord("req-1")
	require.True(t, ok)
	assert.Nil(t, record.ResponseQuality)
	assert.Nil(t, record.UserSatisfaction)
	assert.Equal(t, 120, record.TokensUsed)
	assert.False(t, record.FallbackUsed)

	jobs := h.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "portfolio_advisor", jobs[0].Expert)
	assert.Equal(t, 120, jobs[0].Feedback.TokensUsed)

	assert.Len(t, h.recorder.Routing(), 1)
	assert.Len(t, h.recorder.Executions(), 1)
	dispatches := h.recorder.Dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, StatusOK, dispatches[0].Status)
}

func TestHandle_RetriesOnFirstAlternative(t *testing.T) {
	h := newHarness(t, expert("portfolio_advisor", 90), expert("market_analyst", 70))
	h.invoker.fail["portfolio_advisor"] = &providers.ProviderError{Provider: "anthropic", Status: 503, Err: stderrors.New("overloaded")}

	result, err := h.dispatch.Handle(context.Background(), Command{Query: "Como está minha carteira?"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "market_analyst", result.ExpertUsed)
	assert.Equal(t, "portfolio_advisor", result.OriginalExpert)
	assert.Equal(t, types.ScenarioAPIError, result.OriginalFailure)
	assert.Equal(t, "market_analyst answers: Como está minha carteira?", result.Response)
	assert.Equal(t, 4, result.Performance.Attempts)

	assert.Equal(t, 3, h.invoker.Calls("portfolio_advisor"))
	assert.Equal(t, 1, h.invoker.Calls("market_analyst"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)

	record, ok := h.store.FeedbackRecord(result.RequestID)
	require.True(t, ok)
	assert.Equal(t, "market_analyst", record.ExpertName)
	assert.True(t, record.FallbackUsed)

	require.Len(t, h.queue.Jobs(), 1)
	assert.Equal(t, "market_analyst", h.queue.Jobs()[0].Expert)
	assert.Len(t, h.recorder.Executions(), 2)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// slowInvoker spends a fixed amount of clock time per expert
type slowInvoker struct {
	clock *stepClock
	cost  map[string]time.Duration
	fail  map[string]error
}

func (s *slowInvoker) Invoke(ctx context.Context, expert types.Expert, query string, userContext map[string]interface{}) (*types.Invocation, error) {
	s.clock.Advance(s.cost[expert.Name])
	if err := s.fail[expert.Name]; err != nil {
		return nil, err
	}
	return &types.Invocation{Response: expert.Name + " answers", TokensUsed: 80}, nil
}

func TestHandle_FeedbackTimesOnlyTheAnsweringExpert(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	store := database.NewMemoryStore()
	for _, e := range []types.Expert{expert("portfolio_advisor", 90), expert("market_analyst", 70)} {
		e := e
		require.NoError(t, store.UpsertExpert(ctx, &e))
	}
	registry := resilience.NewHealthRegistry(resilience.DefaultHealthConfig())
	router, err := experts.NewRouter(experts.DefaultRouterConfig(), store, nil, nil, registry)
	require.NoError(t, err)

	executor := resilience.NewExecutor(resilience.ExecutorConfig{
		Clock: clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			clock.Advance(d)
			return ctx.Err()
		},
	}, registry, nil, store)

	invoker := &slowInvoker{
		clock: clock,
		cost: map[string]time.Duration{
			"portfolio_advisor": 300 * time.Millisecond,
			"market_analyst":    50 * time.Millisecond,
		},
		fail: map[string]error{
			"portfolio_advisor": &providers.ProviderError{Provider: "anthropic", Status: 503, Err: stderrors.New("overloaded")},
		},
	}
	queue := &fakeQueue{}
	dispatcher, err := NewDispatcher(router, executor, invoker, store, Options{
		Feedback: queue,
		Clock:    clock.Now,
	})
	require.NoError(t, err)

	result, err := dispatcher.Handle(ctx, Command{Query: "Como está minha carteira?"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "market_analyst", result.ExpertUsed)

	// three failed primary attempts, two backoffs, then the alternative
	assert.Equal(t, int64(3*300+1000+2000+50), result.Performance.LatencyMs)

	jobs := queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "market_analyst", jobs[0].Expert)
	assert.Equal(t, int64(50), jobs[0].Feedback.ResponseTimeMs)

	record, ok := store.FeedbackRecord(result.RequestID)
	require.True(t, ok)
	assert.Equal(t, int64(50), record.ResponseTimeMs)
}

func TestHandle_AllExpertsFailServesTemplate(t *testing.T) {
	h := newHarness(t, expert("portfolio_advisor", 90), expert("market_analyst", 70))
	h.invoker.fail["portfolio_advisor"] = stderrors.New("request timed out")
	h.invoker.fail["market_analyst"] = stderrors.New("boom")

	result, err := h.dispatch.Handle(context.Background(), Command{Query: "Como está minha carteira?"})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.Degraded)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, types.ScenarioTimeout, result.OriginalFailure)
	assert.Equal(t, "I could not complete this request. Please rephrase it or try again later.", result.Response)
	assert.Empty(t, h.queue.Jobs())

	dispatches := h.recorder.Dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, StatusFallback, dispatches[0].Status)
}

func TestHandle_OpenCircuitSkipsExpert(t *testing.T) {
	h := newHarness(t, expert("news_interpreter", 90))
	for i := 0; i < 5; i++ {
		h.health.RecordOutcome("news_interpreter", false, time.Second)
	}

	result, err := h.dispatch.Handle(context.Background(), Command{Query: "What does this news mean?"})
	require.NoError(t, err)

	assert.Equal(t, 0, h.invoker.Calls("news_interpreter"))
	assert.False(t, result.Success)
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, "This assistant is temporarily paused after repeated failures. Please try again in a minute.", result.Response)

	executions := h.recorder.Executions()
	require.Len(t, executions, 1)
	assert.Equal(t, types.ScenarioCircuitOpen, executions[0].Reason)
	assert.Equal(t, 0, executions[0].Attempts)
}

func TestHandle_CachedAnswerIsNotScored(t *testing.T) {
	h := newHarness(t, expert("tax_advisor", 90))
	cmd := Command{Query: "imposto sobre dividendos", Context: map[string]interface{}{"country": "BR"}}

	first, err := h.dispatch.Handle(context.Background(), cmd)
	require.NoError(t, err)
	second, err := h.dispatch.Handle(context.Background(), cmd)
	require.NoError(t, err)

	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)
	assert.True(t, second.Success)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, 1, h.invoker.Calls("tax_advisor"))
	assert.Len(t, h.queue.Jobs(), 1)
}

func TestHandle_CancelledDoesNotTryAlternative(t *testing.T) {
	h := newHarness(t, expert("portfolio_advisor", 90), expert("market_analyst", 70))
	h.invoker.fail["portfolio_advisor"] = stderrors.New("boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.dispatch.Handle(ctx, Command{Query: "olá"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, resilience.UnavailableMessage, result.Response)
	assert.Equal(t, 0, h.invoker.Calls("market_analyst"))
}

func TestHandle_InvalidCommand(t *testing.T) {
	h := newHarness(t, expert("portfolio_advisor", 90))

	_, err := h.dispatch.Handle(context.Background(), Command{Query: "   "})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Empty(t, h.recorder.Dispatches())
}

func TestHandle_NoActiveExperts(t *testing.T) {
	h := newHarness(t)

	result, err := h.dispatch.Handle(context.Background(), Command{Query: "anything"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, SafeErrorMessage, result.Response)
	assert.Equal(t, SafeErrorMessage, result.Error)

	dispatches := h.recorder.Dispatches()
	require.Len(t, dispatches, 1)
	assert.Equal(t, StatusError, dispatches[0].Status)
}

type panicRouter struct{}

func (panicRouter) SelectExpert(ctx context.Context, query string, userContext map[string]interface{}) (*experts.Selection, error) {
	panic("router exploded")
}

func TestHandle_RecoversPanics(t *testing.T) {
	h := newHarness(t, expert("portfolio_advisor", 90))
	executor := resilience.NewExecutor(resilience.ExecutorConfig{}, h.health, nil, nil)
	recorder := &MemoryRecorder{}
	d, err := NewDispatcher(panicRouter{}, executor, h.invoker, h.store, Options{Recorder: recorder})
	require.NoError(t, err)

	var result *RoutingResult
	assert.NotPanics(t, func() {
		result, err = d.Handle(context.Background(), Command{Query: "q"})
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, SafeErrorMessage, result.Response)
	require.Len(t, recorder.Dispatches(), 1)
	assert.Contains(t, recorder.Dispatches()[0].Error, "router exploded")

	// The dispatcher stays usable afterwards.
	result, err = h.dispatch.Handle(context.Background(), Command{Query: "q"})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestHandle_WithProviderMux(t *testing.T) {
	h := newHarness(t, expert("tax_advisor", 90))
	mux, err := providers.NewMux("static", providers.Pricing{"static": 1}, providers.NewStaticBackend(map[string]string{
		"tax_advisor": "Dividendos são isentos para pessoa física.",
	}))
	require.NoError(t, err)

	router, err := experts.NewRouter(experts.DefaultRouterConfig(), h.store, nil, nil, nil)
	require.NoError(t, err)
	executor := resilience.NewExecutor(resilience.ExecutorConfig{}, nil, nil, h.store)
	d, err := NewDispatcher(router, executor, mux, h.store, Options{})
	require.NoError(t, err)

	result, err := d.Handle(context.Background(), Command{Query: "imposto sobre dividendos"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Dividendos são isentos para pessoa física.", result.Response)
	assert.Equal(t, 9, result.Performance.TokensUsed)
	assert.InDelta(t, 0.009, result.Performance.Cost, 1e-12)
}

func TestNewDispatcher_RequiresCollaborators(t *testing.T) {
	_, err := NewDispatcher(nil, nil, nil, nil, Options{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
