package database

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

type restRequest struct {
	Method string
	Path   string
	Query  url.Values
	Prefer string
	Body   string
}

// fakePostgREST answers every request with the body registered for its
// method and path, or an empty result set
type fakePostgREST struct {
	mu        sync.Mutex
	requests  []restRequest
	responses map[string]string
	status    int
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, restRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Prefer: r.Header.Get("Prefer"),
		Body:   string(body),
	})
	reply, ok := f.responses[r.Method+" "+r.URL.Path]
	status := f.status
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"XX000","message":"internal failure"}`))
		return
	}
	if !ok {
		reply = "[]"
	}
	_, _ = w.Write([]byte(reply))
}

func (f *fakePostgREST) last(t *testing.T) restRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestSupabaseStore(t *testing.T, responses map[string]string) (*SupabaseStore, *fakePostgREST) {
	t.Helper()
	backend := &fakePostgREST{responses: responses}
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	store, err := NewSupabaseStore(server.URL, "service-key")
	require.NoError(t, err)
	return store, backend
}

func TestNewSupabaseStore_RequiresCredentials(t *testing.T) {
	_, err := NewSupabaseStore("", "key")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = NewSupabaseStore("https://example.supabase.co", "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestSupabaseStore_GetActiveExperts(t *testing.T) {
	store, backend := newTestSupabaseStore(t, map[string]string{
		"GET /rest/v1/experts": `[
			{"name":"tax_advisor","performance_score":65,"is_active":true},
			{"name":"portfolio_advisor","performance_score":90,"is_active":true}
		]`,
	})

	experts, err := store.GetActiveExperts(context.Background())
	require.NoError(t, err)
	require.Len(t, experts, 2)
	assert.Equal(t, "portfolio_advisor", experts[0].Name)
	assert.Equal(t, "tax_advisor", experts[1].Name)

	req := backend.last(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/rest/v1/experts", req.Path)
	assert.Equal(t, "eq.true", req.Query.Get("is_active"))
	assert.True(t, strings.HasPrefix(req.Query.Get("order"), "performance_score.desc"), req.Query.Get("order"))
	assert.Equal(t, "*", req.Query.Get("select"))
}

func TestSupabaseStore_GetExpert_NotFound(t *testing.T) {
	store, backend := newTestSupabaseStore(t, nil)

	_, err := store.GetExpert(context.Background(), "ghost")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, "eq.ghost", backend.last(t).Query.Get("name"))
}

func TestSupabaseStore_UpdateExpertScore(t *testing.T) {
	store, backend := newTestSupabaseStore(t, map[string]string{
		"PATCH /rest/v1/experts": `[{"name":"tax_advisor","performance_score":71.5,"is_active":true}]`,
	})

	require.NoError(t, store.UpdateExpertScore(context.Background(), "tax_advisor", 71.5))

	req := backend.last(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "eq.tax_advisor", req.Query.Get("name"))
	assert.Contains(t, req.Prefer, "return=representation")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(req.Body), &body))
	assert.Equal(t, 71.5, body["performance_score"])
	assert.Contains(t, body, "updated_at")
}

func TestSupabaseStore_UpdateExpertScore_NotFound(t *testing.T) {
	store, _ := newTestSupabaseStore(t, nil)

	err := store.UpdateExpertScore(context.Background(), "ghost", 50)
	assert.True(t, errors.IsNotFound(err))
}

func TestSupabaseStore_UpsertExpert(t *testing.T) {
	store, backend := newTestSupabaseStore(t, nil)

	e := &types.Expert{Name: "risk_analyst", PerformanceScore: 55, IsActive: true}
	require.NoError(t, store.UpsertExpert(context.Background(), e))
	assert.False(t, e.CreatedAt.IsZero())

	req := backend.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "name", req.Query.Get("on_conflict"))
	assert.Contains(t, req.Prefer, "resolution=merge-duplicates")

	assert.Error(t, store.UpsertExpert(context.Background(), &types.Expert{}))
}

func TestSupabaseStore_GetFallbackResponse(t *testing.T) {
	store, backend := newTestSupabaseStore(t, map[string]string{
		"GET /rest/v1/fallback_templates": `[{"response_text":"Tax answers are paused."}]`,
	})

	text, err := store.GetFallbackResponse(context.Background(), "tax_advisor", types.ScenarioTimeout)
	require.NoError(t, err)
	assert.Equal(t, "Tax answers are paused.", text)

	req := backend.last(t)
	assert.Equal(t, "eq.tax_advisor", req.Query.Get("dependency_name"))
	assert.Equal(t, "eq."+types.ScenarioTimeout, req.Query.Get("scenario"))
	assert.Equal(t, "response_text", req.Query.Get("select"))
}

func TestSupabaseStore_GetFallbackResponse_NotFound(t *testing.T) {
	store, _ := newTestSupabaseStore(t, nil)

	_, err := store.GetFallbackResponse(context.Background(), "tax_advisor", types.ScenarioDefault)
	assert.True(t, errors.IsNotFound(err))
}

func TestSupabaseStore_UpsertFallbackTemplate(t *testing.T) {
	store, backend := newTestSupabaseStore(t, nil)

	err := store.UpsertFallbackTemplate(context.Background(), &types.FallbackTemplate{
		DependencyName: "market_analyst",
		Scenario:       types.ScenarioAPIError,
		ResponseText:   "Market data is unavailable.",
	})
	require.NoError(t, err)

	req := backend.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/rest/v1/fallback_templates", req.Path)
	assert.Equal(t, "dependency_name,scenario", req.Query.Get("on_conflict"))
	assert.Contains(t, req.Prefer, "resolution=merge-duplicates")
	assert.Contains(t, req.Body, `"response_text":"Market data is unavailable."`)
}

func TestSupabaseStore_UpdateFeedbackRecord(t *testing.T) {
	store, backend := newTestSupabaseStore(t, map[string]string{
		"PATCH /rest/v1/feedback_records": `[{"request_id":"req-1","expert_name":"tax_advisor","response_quality":4}]`,
	})
	quality := 4.0

	record, err := store.UpdateFeedbackRecord(context.Background(), "req-1", &quality, nil)
	require.NoError(t, err)
	assert.Equal(t, "tax_advisor", record.ExpertName)

	req := backend.last(t)
	assert.Equal(t, "eq.req-1", req.Query.Get("request_id"))
	assert.NotContains(t, req.Body, "user_satisfaction")
}

func TestSupabaseStore_ServerErrorIsExternal(t *testing.T) {
	store, backend := newTestSupabaseStore(t, nil)
	backend.status = http.StatusInternalServerError

	_, err := store.GetActiveExperts(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
	assert.Error(t, store.Health(context.Background()))
}
