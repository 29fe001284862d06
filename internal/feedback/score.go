package feedback

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/NikhilSetiya/invest-assistant/pkg/config"
	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/metrics"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// Feedback is the measured outcome of one executed command. Nil quality or
// satisfaction counts as a neutral 3 on the 1..5 scale.
type Feedback struct {
	ResponseQuality  *float64 `json:"response_quality,omitempty"`
	ResponseTimeMs   int64    `json:"response_time_ms"`
	TokensUsed       int      `json:"tokens_used"`
	UserSatisfaction *float64 `json:"user_satisfaction,omitempty"`
}

// FromRecord builds the feedback carried by a stored record
func FromRecord(r *types.FeedbackRecord) Feedback {
	return Feedback{
		ResponseQuality:  r.ResponseQuality,
		ResponseTimeMs:   r.ResponseTimeMs,
		TokensUsed:       r.TokensUsed,
		UserSatisfaction: r.UserSatisfaction,
	}
}

// Weights of the composite score. They must sum to 1.
type Weights struct {
	Quality      float64
	Speed        float64
	Efficiency   float64
	Satisfaction float64
}

// Config holds the EMA smoothing factor and the composite weights
type Config struct {
	Alpha   float64
	Weights Weights
}

// DefaultConfig returns alpha 0.15 and weights 0.4/0.3/0.2/0.1
func DefaultConfig() Config {
	return Config{
		Alpha: 0.15,
		Weights: Weights{
			Quality:      0.4,
			Speed:        0.3,
			Efficiency:   0.2,
			Satisfaction: 0.1,
		},
	}
}

// ConfigFrom converts the environment settings
func ConfigFrom(fc config.FeedbackConfig) Config {
	return Config{
		Alpha: fc.Alpha,
		Weights: Weights{
			Quality:      fc.QualityWeight,
			Speed:        fc.SpeedWeight,
			Efficiency:   fc.EfficiencyWeight,
			Satisfaction: fc.SatisfactionWeight,
		},
	}
}

// Validate checks alpha is in (0,1] and the weights are non-negative and
// sum to 1.
func (c Config) Validate() error {
	return config.FeedbackConfig{
		Alpha:              c.Alpha,
		QualityWeight:      c.Weights.Quality,
		SpeedWeight:        c.Weights.Speed,
		EfficiencyWeight:   c.Weights.Efficiency,
		SatisfactionWeight: c.Weights.Satisfaction,
	}.Validate()
}

// CompositeScore folds one feedback item into a 0..100 score
func CompositeScore(f Feedback, w Weights) float64 {
	quality := 3.0
	if f.ResponseQuality != nil {
		quality = *f.ResponseQuality
	}
	satisfaction := 3.0
	if f.UserSatisfaction != nil {
		satisfaction = *f.UserSatisfaction
	}

	qualityScore := clamp(quality * 20)
	speedScore := clamp(100 - float64(f.ResponseTimeMs)/50)
	efficiencyScore := clamp(100 - float64(f.TokensUsed)/20)
	satisfactionScore := clamp(satisfaction * 20)

	return qualityScore*w.Quality +
		speedScore*w.Speed +
		efficiencyScore*w.Efficiency +
		satisfactionScore*w.Satisfaction
}

// NextScore applies one EMA step and clamps the result to [0,100]
func NextScore(current, composite, alpha float64) float64 {
	return clamp(current*(1-alpha) + composite*alpha)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// ScoreStore reads and writes expert scores
type ScoreStore interface {
	GetExpert(ctx context.Context, name string) (*types.Expert, error)
	UpdateExpertScore(ctx context.Context, name string, score float64) error
}

// Update describes one applied score change
type Update struct {
	Expert    string  `json:"expert"`
	Previous  float64 `json:"previous"`
	Composite float64 `json:"composite"`
	Score     float64 `json:"score"`
	Applied   bool    `json:"applied"`
}

// Updater applies feedback to expert scores. Updates for the same expert
// are serialized; different experts proceed in parallel.
type Updater struct {
	config  Config
	store   ScoreStore
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewUpdater creates an updater. m may be nil.
func NewUpdater(cfg Config, store ScoreStore, m *metrics.Metrics) (*Updater, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	if store == nil {
		return nil, errors.NewValidationError("score store is required")
	}
	if m == nil {
		m = metrics.NewMetrics(&metrics.Config{Enabled: false})
	}
	return &Updater{
		config:  cfg,
		store:   store,
		metrics: m,
		logger:  logging.GetLogger(),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

func (u *Updater) lock(expert string) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, ok := u.locks[expert]
	if !ok {
		l = &sync.Mutex{}
		u.locks[expert] = l
	}
	return l
}

// UpdateScore moves the expert's score toward the composite of f. An
// unknown expert is logged and left alone.
func (u *Updater) UpdateScore(ctx context.Context, expert string, f Feedback) (*Update, error) {
	l := u.lock(expert)
	l.Lock()
	defer l.Unlock()

	current, err := u.store.GetExpert(ctx, expert)
	if err != nil {
		if errors.IsNotFound(err) {
			u.logger.WithContext(ctx).WithField("expert", expert).Warn("Feedback for unknown expert ignored")
			u.metrics.RecordFeedback("unknown_expert")
			return &Update{Expert: expert}, nil
		}
		u.metrics.RecordFeedback("error")
		return nil, fmt.Errorf("failed to load expert %s: %w", expert, err)
	}

	composite := CompositeScore(f, u.config.Weights)
	next := NextScore(current.PerformanceScore, composite, u.config.Alpha)

	if err := u.store.UpdateExpertScore(ctx, expert, next); err != nil {
		u.metrics.RecordFeedback("error")
		return nil, fmt.Errorf("failed to update score of %s: %w", expert, err)
	}

	u.metrics.RecordFeedback("applied")
	u.metrics.UpdateExpertScore(expert, next)
	u.logger.WithContext(ctx).WithField("expert", expert).
		WithField("previous", current.PerformanceScore).
		WithField("composite", composite).
		WithField("score", next).
		Debug("Expert score updated")

	return &Update{
		Expert:    expert,
		Previous:  current.PerformanceScore,
		Composite: composite,
		Score:     next,
		Applied:   true,
	}, nil
}
