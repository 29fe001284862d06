package feedback

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/invest-assistant/internal/database"
	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/metrics"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

func ptr(v float64) *float64 { return &v }

func newStore(t *testing.T, experts ...types.Expert) *database.MemoryStore {
	t.Helper()
	store := database.NewMemoryStore()
	for i := range experts {
		require.NoError(t, store.UpsertExpert(context.Background(), &experts[i]))
	}
	return store
}

func TestCompositeScore(t *testing.T) {
	w := DefaultConfig().Weights

	tests := []struct {
		name     string
		feedback Feedback
		want     float64
	}{
		{
			name:     "neutral defaults",
			feedback: Feedback{ResponseTimeMs: 1000, TokensUsed: 400},
			// 60*0.4 + 80*0.3 + 80*0.2 + 60*0.1
			want: 70,
		},
		{
			name:     "perfect",
			feedback: Feedback{ResponseQuality: ptr(5), UserSatisfaction: ptr(5)},
			want:     100,
		},
		{
			name:     "slow and verbose clamp to zero",
			feedback: Feedback{ResponseQuality: ptr(1), UserSatisfaction: ptr(1), ResponseTimeMs: 10000, TokensUsed: 5000},
			want:     20*0.4 + 20*0.1,
		},
		{
			name:     "out of range ratings are clamped",
			feedback: Feedback{ResponseQuality: ptr(9), UserSatisfaction: ptr(-2)},
			want:     100*0.4 + 100*0.3 + 100*0.2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CompositeScore(tt.feedback, w), 1e-9)
		})
	}
}

func TestNextScore(t *testing.T) {
	assert.InDelta(t, 90*0.85+70*0.15, NextScore(90, 70, 0.15), 1e-9)
	assert.Equal(t, 100.0, NextScore(100, 100, 0.15))
	assert.Equal(t, 70.0, NextScore(10, 70, 1))
	assert.Equal(t, 0.0, NextScore(-50, 0, 0.5))
	assert.Equal(t, 100.0, NextScore(150, 100, 0.1))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Alpha = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Weights.Speed = 0.5
	assert.Error(t, bad.Validate())

	_, err := NewUpdater(bad, newStore(t), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestUpdateScore_AppliesEMA(t *testing.T) {
	cfg := metrics.DefaultConfig()
	cfg.Registry = prometheus.NewRegistry()
	m := metrics.NewMetrics(cfg)
	store := newStore(t, types.Expert{Name: "tax_advisor", PerformanceScore: 90, IsActive: true})
	updater, err := NewUpdater(DefaultConfig(), store, m)
	require.NoError(t, err)

	update, err := updater.UpdateScore(context.Background(), "tax_advisor", Feedback{ResponseTimeMs: 1000, TokensUsed: 400})
	require.NoError(t, err)
	assert.True(t, update.Applied)
	assert.Equal(t, 90.0, update.Previous)
	assert.InDelta(t, 70.0, update.Composite, 1e-9)
	assert.InDelta(t, 87.0, update.Score, 1e-9)

	stored, err := store.GetExpert(context.Background(), "tax_advisor")
	require.NoError(t, err)
	assert.InDelta(t, 87.0, stored.PerformanceScore, 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedbackProcessed.WithLabelValues("applied")))
	assert.InDelta(t, 87.0, testutil.ToFloat64(m.ExpertScore.WithLabelValues("tax_advisor")), 1e-9)
}

func TestUpdateScore_UnknownExpertIsNoop(t *testing.T) {
	store := newStore(t, types.Expert{Name: "tax_advisor", PerformanceScore: 40, IsActive: true})
	updater, err := NewUpdater(DefaultConfig(), store, nil)
	require.NoError(t, err)

	update, err := updater.UpdateScore(context.Background(), "ghost", Feedback{})
	require.NoError(t, err)
	assert.False(t, update.Applied)

	stored, err := store.GetExpert(context.Background(), "tax_advisor")
	require.NoError(t, err)
	assert.Equal(t, 40.0, stored.PerformanceScore)
}

type failingStore struct{}

func (failingStore) GetExpert(ctx context.Context, name string) (*types.Expert, error) {
	return nil, stderrors.New("connection refused")
}

func (failingStore) UpdateExpertScore(ctx context.Context, name string, score float64) error {
	return nil
}

func TestUpdateScore_StoreError(t *testing.T) {
	updater, err := NewUpdater(DefaultConfig(), failingStore{}, nil)
	require.NoError(t, err)

	_, err = updater.UpdateScore(context.Background(), "tax_advisor", Feedback{})
	assert.Error(t, err)
}

func TestUpdateScore_ConcurrentUpdatesAreSerialized(t *testing.T) {
	store := newStore(t,
		types.Expert{Name: "a", PerformanceScore: 90, IsActive: true},
		types.Expert{Name: "b", PerformanceScore: 10, IsActive: true},
	)
	updater, err := NewUpdater(DefaultConfig(), store, nil)
	require.NoError(t, err)

	const n = 50
	perfect := Feedback{ResponseQuality: ptr(5), UserSatisfaction: ptr(5)}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		for _, name := range []string{"a", "b"} {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				_, err := updater.UpdateScore(context.Background(), name, perfect)
				assert.NoError(t, err)
			}(name)
		}
	}
	wg.Wait()

	// With a constant composite c, n serialized steps give c + (s0-c)(1-a)^n.
	decay := math.Pow(1-0.15, n)
	for name, start := range map[string]float64{"a": 90, "b": 10} {
		stored, err := store.GetExpert(context.Background(), name)
		require.NoError(t, err)
		assert.InDelta(t, 100+(start-100)*decay, stored.PerformanceScore, 1e-6, name)
	}
}

func TestFromRecord(t *testing.T) {
	rec := &types.FeedbackRecord{ResponseQuality: ptr(4), ResponseTimeMs: 1200, TokensUsed: 300}
	f := FromRecord(rec)
	assert.Equal(t, 4.0, *f.ResponseQuality)
	assert.Nil(t, f.UserSatisfaction)
	assert.Equal(t, int64(1200), f.ResponseTimeMs)
	assert.Equal(t, 300, f.TokensUsed)
}
