package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
)

// RoutingEvent is emitted once an expert has been selected
type RoutingEvent struct {
	RequestID    string        `json:"request_id"`
	UserID       string        `json:"user_id,omitempty"`
	Expert       string        `json:"expert"`
	Confidence   float64       `json:"confidence"`
	Method       string        `json:"method"`
	Alternatives []string      `json:"alternatives"`
	Duration     time.Duration `json:"duration"`
}

// ExecutionEvent is emitted after each expert execution, including the
// retry against an alternative
type ExecutionEvent struct {
	RequestID  string        `json:"request_id"`
	Expert     string        `json:"expert"`
	Success    bool          `json:"success"`
	FromCache  bool          `json:"from_cache"`
	Fallback   bool          `json:"fallback"`
	Reason     string        `json:"reason,omitempty"`
	Attempts   int           `json:"attempts"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	TokensUsed int           `json:"tokens_used"`
	Cost       float64       `json:"cost"`
	Error      string        `json:"error,omitempty"`
}

// DispatchEvent is emitted once per handled command
type DispatchEvent struct {
	RequestID    string        `json:"request_id"`
	UserID       string        `json:"user_id,omitempty"`
	Expert       string        `json:"expert"`
	Status       string        `json:"status"`
	FallbackUsed bool          `json:"fallback_used"`
	Duration     time.Duration `json:"duration"`
	TokensUsed   int           `json:"tokens_used"`
	Cost         float64       `json:"cost"`
	Error        string        `json:"error,omitempty"`
}

// Dispatch statuses
const (
	StatusOK       = "ok"
	StatusFallback = "fallback"
	StatusError    = "error"
)

// Recorder receives telemetry at the three checkpoints of a command.
// Implementations must not block and must not panic.
type Recorder interface {
	RoutingRecorded(ctx context.Context, e RoutingEvent)
	ExecutionRecorded(ctx context.Context, e ExecutionEvent)
	DispatchRecorded(ctx context.Context, e DispatchEvent)
}

// MultiRecorder fans events out to every recorder in order
type MultiRecorder []Recorder

// RoutingRecorded implements Recorder
func (m MultiRecorder) RoutingRecorded(ctx context.Context, e RoutingEvent) {
	for _, r := range m {
		r.RoutingRecorded(ctx, e)
	}
}

// ExecutionRecorded implements Recorder
func (m MultiRecorder) ExecutionRecorded(ctx context.Context, e ExecutionEvent) {
	for _, r := range m {
		r.ExecutionRecorded(ctx, e)
	}
}

// DispatchRecorded implements Recorder
func (m MultiRecorder) DispatchRecorded(ctx context.Context, e DispatchEvent) {
	for _, r := range m {
		r.DispatchRecorded(ctx, e)
	}
}

// LogRecorder writes events to the structured application log
type LogRecorder struct {
	logger *logging.Logger
}

// NewLogRecorder creates a recorder. A nil logger uses the global one.
func NewLogRecorder(logger *logging.Logger) *LogRecorder {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LogRecorder{logger: logger}
}

// RoutingRecorded implements Recorder
func (l *LogRecorder) RoutingRecorded(ctx context.Context, e RoutingEvent) {
	l.logger.LogRoutingEvent(ctx, e.RequestID, e.Expert, e.Confidence, e.Method, logrus.Fields{
		"alternatives": e.Alternatives,
		"duration_ms":  e.Duration.Milliseconds(),
	})
}

// ExecutionRecorded implements Recorder
func (l *LogRecorder) ExecutionRecorded(ctx context.Context, e ExecutionEvent) {
	entry := l.logger.WithContext(ctx).WithFields(logrus.Fields{
		"request_id":  e.RequestID,
		"expert":      e.Expert,
		"success":     e.Success,
		"from_cache":  e.FromCache,
		"attempts":    e.Attempts,
		"latency_ms":  e.Latency.Milliseconds(),
		"tokens_used": e.TokensUsed,
		"cost":        e.Cost,
	})
	if e.Fallback {
		entry.WithField("reason", e.Reason).
			WithField("status_code", e.StatusCode).
			WithField("error", e.Error).
			Warn("Expert served fallback")
		return
	}
	entry.Info("Expert executed")
}

// DispatchRecorded implements Recorder
func (l *LogRecorder) DispatchRecorded(ctx context.Context, e DispatchEvent) {
	entry := l.logger.WithContext(ctx).WithFields(logrus.Fields{
		"request_id":    e.RequestID,
		"expert":        e.Expert,
		"status":        e.Status,
		"fallback_used": e.FallbackUsed,
		"duration_ms":   e.Duration.Milliseconds(),
		"tokens_used":   e.TokensUsed,
		"cost":          e.Cost,
	})
	if e.Status == StatusError {
		entry.WithField("error", e.Error).Error("Command failed")
		return
	}
	entry.Info("Command handled")
}

// MemoryRecorder keeps every event in memory
type MemoryRecorder struct {
	mu         sync.Mutex
	routing    []RoutingEvent
	executions []ExecutionEvent
	dispatches []DispatchEvent
}

// RoutingRecorded implements Recorder
func (m *MemoryRecorder) RoutingRecorded(_ context.Context, e RoutingEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routing = append(m.routing, e)
}

// ExecutionRecorded implements Recorder
func (m *MemoryRecorder) ExecutionRecorded(_ context.Context, e ExecutionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, e)
}

// DispatchRecorded implements Recorder
func (m *MemoryRecorder) DispatchRecorded(_ context.Context, e DispatchEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatches = append(m.dispatches, e)
}

// Routing returns a copy of the routing events
func (m *MemoryRecorder) Routing() []RoutingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RoutingEvent(nil), m.routing...)
}

// Executions returns a copy of the execution events
func (m *MemoryRecorder) Executions() []ExecutionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutionEvent(nil), m.executions...)
}

// Dispatches returns a copy of the dispatch events
func (m *MemoryRecorder) Dispatches() []DispatchEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DispatchEvent(nil), m.dispatches...)
}
