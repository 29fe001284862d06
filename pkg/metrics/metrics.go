package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Routing metrics
	RoutingDecisions  *prometheus.CounterVec
	RoutingConfidence *prometheus.HistogramVec

	// Dependency execution metrics
	DependencyCalls   *prometheus.CounterVec
	DependencyLatency *prometheus.HistogramVec
	FallbacksTotal    *prometheus.CounterVec
	CacheRequests     *prometheus.CounterVec
	CircuitState      *prometheus.GaugeVec
	CircuitChanges    *prometheus.CounterVec

	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	TokensUsed       *prometheus.CounterVec
	CostTotal        *prometheus.CounterVec

	// Feedback metrics
	ExpertScore       *prometheus.GaugeVec
	FeedbackProcessed *prometheus.CounterVec
	FeedbackQueue     prometheus.Gauge

	// System metrics
	DatabaseConnections *prometheus.GaugeVec
	RedisConnections    *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`

	// Registry defaults to the global Prometheus registry
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "invest_assistant",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	m := &Metrics{
		HTTPRequestsTotal:    counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status_code"),
		HTTPRequestDuration:  histogram("http_request_duration_seconds", "HTTP request duration in seconds", prometheus.DefBuckets, "method", "path", "status_code"),
		HTTPRequestsInFlight: gauge("http_requests_in_flight", "Number of HTTP requests currently being processed", "method", "path"),

		RoutingDecisions:  counter("routing_decisions_total", "Routing decisions by selected expert and method", "expert", "method"),
		RoutingConfidence: histogram("routing_confidence", "Confidence of routing decisions", []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, "method"),

		DependencyCalls:   counter("dependency_calls_total", "Dependency invocation attempts by outcome", "dependency", "outcome"),
		DependencyLatency: histogram("dependency_latency_seconds", "Dependency invocation latency in seconds", []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30}, "dependency"),
		FallbacksTotal:    counter("fallbacks_total", "Fallback responses served", "dependency", "reason"),
		CacheRequests:     counter("cache_requests_total", "Response cache lookups", "result"),
		CircuitState:      gauge("circuit_state", "Circuit state per dependency (0 closed, 1 open, 2 half-open)", "dependency"),
		CircuitChanges:    counter("circuit_state_changes_total", "Circuit state transitions", "dependency", "to"),

		DispatchTotal:    counter("commands_total", "Commands handled", "expert", "status"),
		DispatchDuration: histogram("command_duration_seconds", "End to end command latency in seconds", []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}, "status"),
		TokensUsed:       counter("tokens_used_total", "Tokens consumed by expert", "expert"),
		CostTotal:        counter("cost_total", "Estimated spend by expert", "expert"),

		ExpertScore:       gauge("expert_performance_score", "Current expert performance score", "expert"),
		FeedbackProcessed: counter("feedback_processed_total", "Feedback items by outcome", "outcome"),
		FeedbackQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "feedback_queue_length",
			Help:      "Feedback items waiting to be applied",
		}),

		DatabaseConnections: gauge("database_connections", "Number of database connections", "state"),
		RedisConnections:    gauge("redis_connections", "Number of Redis connections", "state"),

		ErrorsTotal: counter("errors_total", "Total number of errors", "component", "error_type"),
		PanicsTotal: counter("panics_total", "Total number of panics", "component"),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.gatherer = prometheus.DefaultGatherer
	if config.Registry != nil {
		registerer = config.Registry
		m.gatherer = config.Registry
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RoutingDecisions,
		m.RoutingConfidence,
		m.DependencyCalls,
		m.DependencyLatency,
		m.FallbacksTotal,
		m.CacheRequests,
		m.CircuitState,
		m.CircuitChanges,
		m.DispatchTotal,
		m.DispatchDuration,
		m.TokensUsed,
		m.CostTotal,
		m.ExpertScore,
		m.FeedbackProcessed,
		m.FeedbackQueue,
		m.DatabaseConnections,
		m.RedisConnections,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordRouting records a routing decision
func (m *Metrics) RecordRouting(expert, method string, confidence float64) {
	if m.RoutingDecisions == nil {
		return
	}

	m.RoutingDecisions.WithLabelValues(expert, method).Inc()
	m.RoutingConfidence.WithLabelValues(method).Observe(confidence)
}

// RecordDependencyCall records one invocation attempt
func (m *Metrics) RecordDependencyCall(dependency string, success bool, latency time.Duration) {
	if m.DependencyCalls == nil {
		return
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.DependencyCalls.WithLabelValues(dependency, outcome).Inc()
	m.DependencyLatency.WithLabelValues(dependency).Observe(latency.Seconds())
}

// RecordFallback records a fallback response
func (m *Metrics) RecordFallback(dependency, reason string) {
	if m.FallbacksTotal == nil {
		return
	}

	m.FallbacksTotal.WithLabelValues(dependency, reason).Inc()
}

// RecordCacheLookup records a response cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m.CacheRequests == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// RecordCircuitChange records a circuit transition. state is 0 closed,
// 1 open, 2 half-open.
func (m *Metrics) RecordCircuitChange(dependency, to string, state int) {
	if m.CircuitState == nil {
		return
	}

	m.CircuitState.WithLabelValues(dependency).Set(float64(state))
	m.CircuitChanges.WithLabelValues(dependency, to).Inc()
}

// RecordCommand records a completed command
func (m *Metrics) RecordCommand(expert, status string, duration time.Duration, tokens int, cost float64) {
	if m.DispatchTotal == nil {
		return
	}

	m.DispatchTotal.WithLabelValues(expert, status).Inc()
	m.DispatchDuration.WithLabelValues(status).Observe(duration.Seconds())
	if tokens > 0 {
		m.TokensUsed.WithLabelValues(expert).Add(float64(tokens))
	}
	if cost > 0 {
		m.CostTotal.WithLabelValues(expert).Add(cost)
	}
}

// UpdateExpertScore publishes an expert's current score
func (m *Metrics) UpdateExpertScore(expert string, score float64) {
	if m.ExpertScore == nil {
		return
	}

	m.ExpertScore.WithLabelValues(expert).Set(score)
}

// RecordFeedback records what happened to a feedback item
func (m *Metrics) RecordFeedback(outcome string) {
	if m.FeedbackProcessed == nil {
		return
	}

	m.FeedbackProcessed.WithLabelValues(outcome).Inc()
}

// UpdateFeedbackQueue updates the feedback backlog gauge
func (m *Metrics) UpdateFeedbackQueue(length int) {
	if m.FeedbackQueue == nil {
		return
	}

	m.FeedbackQueue.Set(float64(length))
}

// UpdateDatabaseConnections updates database connection metrics
func (m *Metrics) UpdateDatabaseConnections(open, idle, max int) {
	if m.DatabaseConnections == nil {
		return
	}

	m.DatabaseConnections.WithLabelValues("open").Set(float64(open))
	m.DatabaseConnections.WithLabelValues("idle").Set(float64(idle))
	m.DatabaseConnections.WithLabelValues("max").Set(float64(max))
}

// UpdateRedisConnections updates Redis connection metrics
func (m *Metrics) UpdateRedisConnections(total, idle, stale int) {
	if m.RedisConnections == nil {
		return
	}

	m.RedisConnections.WithLabelValues("total").Set(float64(total))
	m.RedisConnections.WithLabelValues("idle").Set(float64(idle))
	m.RedisConnections.WithLabelValues("stale").Set(float64(stale))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()
		}

		start := time.Now()
		c.Next()

		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Source refreshes gauges that are sampled rather than event driven
type Source func(m *Metrics)

// MetricsCollector samples connection pool gauges periodically
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	sources  []Source
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, sources ...Source) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		sources:  sources,
		stopCh:   make(chan struct{}),
	}
}

// Start samples every source on each tick until ctx is done or Stop is called
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collectMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.collectMetrics()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

func (mc *MetricsCollector) collectMetrics() {
	for _, source := range mc.sources {
		source(mc.metrics)
	}
}
