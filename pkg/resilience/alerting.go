package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert is a notable change in a dependency's health
type Alert struct {
	ID          string            `json:"id"`
	Severity    AlertSeverity     `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Source      string            `json:"source"`
	Timestamp   time.Time         `json:"timestamp"`
	Tags        map[string]string `json:"tags"`
}

// AlertHandler delivers alerts somewhere
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager fans alerts out to handlers, limiting how many each source
// may raise per interval
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.Mutex
	logger   *logging.Logger
	now      func() time.Time

	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
}

// NewAlertManager creates an alert manager allowing rateLimit alerts per
// source per interval
func NewAlertManager(rateLimit int, interval time.Duration) *AlertManager {
	if rateLimit <= 0 {
		rateLimit = 100
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &AlertManager{
		logger:        logging.GetLogger(),
		now:           time.Now,
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     rateLimit,
		resetInterval: interval,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.handlers = append(am.handlers, handler)
}

// SendAlert sends an alert to all registered handlers. It fails only when
// the source is rate limited or every handler failed.
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	am.mutex.Lock()
	allowed := am.checkRateLimit(alert.Source)
	handlers := append([]AlertHandler(nil), am.handlers...)
	am.mutex.Unlock()

	if !allowed {
		am.logger.Warn("Alert rate limit exceeded", "source", alert.Source, "title", alert.Title)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = am.now()
	}
	if alert.ID == "" {
		alert.ID = fmt.Sprintf("%s-%d", alert.Source, alert.Timestamp.UnixNano())
	}

	var lastErr error
	delivered := 0
	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed", "handler", handler.Name(), "alert_id", alert.ID, "error", err)
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}
	return nil
}

func (am *AlertManager) checkRateLimit(source string) bool {
	now := am.now()
	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}
	am.alertCounts[source] = count + 1
	return true
}

// CircuitAlerts returns a HealthConfig.OnStateChange hook raising an alert
// for every circuit transition. Chained hooks run first.
func (am *AlertManager) CircuitAlerts(next func(name string, from, to CircuitState)) func(name string, from, to CircuitState) {
	return func(name string, from, to CircuitState) {
		if next != nil {
			next(name, from, to)
		}

		severity := SeverityInfo
		title := "Dependency recovered"
		switch to {
		case StateOpen:
			severity = SeverityError
			title = "Circuit breaker opened"
		case StateHalfOpen:
			severity = SeverityWarning
			title = "Circuit breaker probing"
		}

		alert := Alert{
			Severity:    severity,
			Title:       title,
			Description: fmt.Sprintf("circuit for %s moved from %s to %s", name, from, to),
			Source:      name,
			Tags: map[string]string{
				"component": "circuit_breaker",
				"from":      from.String(),
				"to":        to.String(),
			},
		}
		if err := am.SendAlert(context.Background(), alert); err != nil {
			am.logger.Debug("Circuit alert not delivered", "dependency", name, "error", err)
		}
	}
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LoggingAlertHandler{logger: logger}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"description", alert.Description,
	}
	for key, value := range alert.Tags {
		fields = append(fields, "tag_"+key, value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	default:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	}
	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}
