package types

import (
	"time"
)

// Expert represents a named specialist handler
type Expert struct {
	Name             string                 `json:"name" db:"name"`
	Description      string                 `json:"description" db:"description"`
	Capabilities     []string               `json:"capabilities" db:"-"`
	ModelConfig      map[string]interface{} `json:"model_config" db:"-"`
	PerformanceScore float64                `json:"performance_score" db:"performance_score"`
	IsActive         bool                   `json:"is_active" db:"is_active"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at" db:"updated_at"`
}

// Metadata returns the routing view of the expert. ModelConfig is not
// exposed to classifiers.
func (e Expert) Metadata() ExpertMetadata {
	return ExpertMetadata{
		Name:             e.Name,
		Description:      e.Description,
		Capabilities:     append([]string(nil), e.Capabilities...),
		PerformanceScore: e.PerformanceScore,
	}
}

// ExpertMetadata is what a classifier sees about each candidate expert
type ExpertMetadata struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Capabilities     []string `json:"capabilities,omitempty"`
	PerformanceScore float64  `json:"performance_score"`
}

// RoutingDecision is the immutable outcome of one routing event
type RoutingDecision struct {
	RequestID          string    `json:"request_id" db:"request_id"`
	UserID             string    `json:"user_id,omitempty" db:"user_id"`
	Query              string    `json:"query" db:"query"`
	SelectedExpert     string    `json:"selected_expert" db:"selected_expert"`
	ConfidenceScore    float64   `json:"confidence_score" db:"confidence_score"`
	AlternativeExperts []string  `json:"alternative_experts" db:"-"`
	Reasoning          string    `json:"reasoning" db:"reasoning"`
	Method             string    `json:"method" db:"method"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// FeedbackRecord captures measured quality for one executed command.
// Quality and satisfaction stay nil until judged out of band.
type FeedbackRecord struct {
	RequestID        string    `json:"request_id" db:"request_id"`
	ExpertName       string    `json:"expert_name" db:"expert_name"`
	ResponseQuality  *float64  `json:"response_quality" db:"response_quality"`
	ResponseTimeMs   int64     `json:"response_time_ms" db:"response_time_ms"`
	TokensUsed       int       `json:"tokens_used" db:"tokens_used"`
	UserSatisfaction *float64  `json:"user_satisfaction" db:"user_satisfaction"`
	FallbackUsed     bool      `json:"fallback_used" db:"fallback_used"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// FallbackTemplate is a canned response for a (dependency, scenario) pair
type FallbackTemplate struct {
	DependencyName string `json:"dependency_name" db:"dependency_name"`
	Scenario       string `json:"scenario" db:"scenario"`
	ResponseText   string `json:"response_text" db:"response_text"`
}

// Classification is the structured decision returned by a classifier
type Classification struct {
	Expert       string   `json:"expert"`
	Confidence   float64  `json:"confidence"`
	Alternatives []string `json:"alternatives"`
	Reasoning    string   `json:"reasoning"`
}

// Invocation is the result of running an expert once
type Invocation struct {
	Response   string        `json:"response"`
	TokensUsed int           `json:"tokens_used"`
	Latency    time.Duration `json:"latency"`
	Cost       float64       `json:"cost"`
}

// Fallback scenarios
const (
	ScenarioTimeout     = "timeout"
	ScenarioAPIError    = "api_error"
	ScenarioDefault     = "default_error"
	ScenarioCircuitOpen = "circuit_breaker_open"
	ReasonCancelled     = "cancelled"
)

// Routing methods
const (
	MethodClassifier   = "classifier"
	MethodSubstitution = "classifier_substitution"
	MethodKeyword      = "keyword"
	MethodBaseline     = "baseline"
)

// Service health statuses
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)
