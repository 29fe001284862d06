package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/metrics"
)

// MetricsRecorder publishes events as Prometheus series
type MetricsRecorder struct {
	metrics *metrics.Metrics
}

// NewMetricsRecorder creates a recorder over m
func NewMetricsRecorder(m *metrics.Metrics) *MetricsRecorder {
	return &MetricsRecorder{metrics: m}
}

// RoutingRecorded implements Recorder
func (r *MetricsRecorder) RoutingRecorded(_ context.Context, e RoutingEvent) {
	r.metrics.RecordRouting(e.Expert, e.Method, e.Confidence)
}

// ExecutionRecorded implements Recorder
func (r *MetricsRecorder) ExecutionRecorded(_ context.Context, e ExecutionEvent) {
	r.metrics.RecordCacheLookup(e.FromCache)
	if e.Fallback {
		r.metrics.RecordFallback(e.Expert, e.Reason)
	}
}

// DispatchRecorded implements Recorder
func (r *MetricsRecorder) DispatchRecorded(_ context.Context, e DispatchEvent) {
	r.metrics.RecordCommand(e.Expert, e.Status, e.Duration, e.TokensUsed, e.Cost)
	if e.Status == StatusError {
		r.metrics.RecordError("dispatch", "command")
	}
}

// NewAuditLogger builds a JSON zap logger appending to path
func NewAuditLogger(path string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{path}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// AuditRecorder writes one JSON line per dispatched command. Routing and
// execution checkpoints are kept at debug level.
type AuditRecorder struct {
	logger *zap.Logger
}

// NewAuditRecorder creates a recorder over logger
func NewAuditRecorder(logger *zap.Logger) *AuditRecorder {
	return &AuditRecorder{logger: logger.Named("audit")}
}

// RoutingRecorded implements Recorder
func (a *AuditRecorder) RoutingRecorded(_ context.Context, e RoutingEvent) {
	a.logger.Debug("routing",
		zap.String("request_id", e.RequestID),
		zap.String("expert", e.Expert),
		zap.Float64("confidence", e.Confidence),
		zap.String("method", e.Method),
		zap.Strings("alternatives", e.Alternatives))
}

// ExecutionRecorded implements Recorder
func (a *AuditRecorder) ExecutionRecorded(_ context.Context, e ExecutionEvent) {
	a.logger.Debug("execution",
		zap.String("request_id", e.RequestID),
		zap.String("expert", e.Expert),
		zap.Bool("success", e.Success),
		zap.Bool("from_cache", e.FromCache),
		zap.String("reason", e.Reason),
		zap.Int("attempts", e.Attempts),
		zap.Duration("latency", e.Latency))
}

// DispatchRecorded implements Recorder
func (a *AuditRecorder) DispatchRecorded(_ context.Context, e DispatchEvent) {
	a.logger.Info("command",
		zap.String("request_id", e.RequestID),
		zap.String("user_id", e.UserID),
		zap.String("expert", e.Expert),
		zap.String("status", e.Status),
		zap.Bool("fallback_used", e.FallbackUsed),
		zap.Int64("duration_ms", e.Duration.Milliseconds()),
		zap.Int("tokens_used", e.TokensUsed),
		zap.Float64("cost", e.Cost),
		zap.String("error", e.Error))
}

// Sync flushes buffered audit lines
func (a *AuditRecorder) Sync() error {
	return a.logger.Sync()
}

// Publisher is the part of *nats.Conn the NATS recorder uses
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the message published for each event
type Envelope struct {
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Event     interface{} `json:"event"`
}

// NATSRecorder publishes events as JSON on <subject>.<kind>
type NATSRecorder struct {
	publisher Publisher
	subject   string
	now       func() time.Time
	logger    *logging.Logger
}

// ConnectNATS dials the server used by NATSRecorder
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("invest-assistant"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return conn, nil
}

// NewNATSRecorder creates a recorder publishing under subject
func NewNATSRecorder(publisher Publisher, subject string) *NATSRecorder {
	if subject == "" {
		subject = "invest.telemetry"
	}
	return &NATSRecorder{
		publisher: publisher,
		subject:   subject,
		now:       time.Now,
		logger:    logging.GetLogger(),
	}
}

func (n *NATSRecorder) publish(kind string, event interface{}) {
	data, err := json.Marshal(Envelope{Kind: kind, Timestamp: n.now().UTC(), Event: event})
	if err != nil {
		n.logger.Warn("Failed to encode telemetry", "kind", kind, "error", err)
		return
	}
	if err := n.publisher.Publish(n.subject+"."+kind, data); err != nil {
		n.logger.Warn("Failed to publish telemetry", "kind", kind, "error", err)
	}
}

// RoutingRecorded implements Recorder
func (n *NATSRecorder) RoutingRecorded(_ context.Context, e RoutingEvent) {
	n.publish("routing", e)
}

// ExecutionRecorded implements Recorder
func (n *NATSRecorder) ExecutionRecorded(_ context.Context, e ExecutionEvent) {
	n.publish("execution", e)
}

// DispatchRecorded implements Recorder
func (n *NATSRecorder) DispatchRecorded(_ context.Context, e DispatchEvent) {
	n.publish("dispatch", e)
}
