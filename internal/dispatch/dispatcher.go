package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/invest-assistant/internal/experts"
	"github.com/NikhilSetiya/invest-assistant/internal/feedback"
	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/resilience"
	"github.com/NikhilSetiya/invest-assistant/pkg/tracing"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// ErrInvalidCommand marks commands rejected before routing
var ErrInvalidCommand = stderrors.New("invalid command")

// SafeErrorMessage is returned to users when a command fails unexpectedly
const SafeErrorMessage = "Sorry, something went wrong while handling your request. Please try again."

// Command is one user request
type Command struct {
	Query   string                 `json:"query"`
	UserID  string                 `json:"user_id,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Performance holds the measured cost of a command
type Performance struct {
	LatencyMs  int64   `json:"latency_ms"`
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	Attempts   int     `json:"attempts"`
}

// RoutingResult is the response to a command
type RoutingResult struct {
	RequestID       string      `json:"request_id"`
	Success         bool        `json:"success"`
	Response        string      `json:"response"`
	ExpertUsed      string      `json:"expert_used"`
	Confidence      float64     `json:"confidence"`
	Alternatives    []string    `json:"alternatives"`
	Reasoning       string      `json:"reasoning,omitempty"`
	RoutingMethod   string      `json:"routing_method"`
	FallbackUsed    bool        `json:"fallback_used"`
	OriginalExpert  string      `json:"original_expert,omitempty"`
	OriginalFailure string      `json:"original_failure,omitempty"`
	FromCache       bool        `json:"from_cache"`
	Degraded        bool        `json:"degraded"`
	Performance     Performance `json:"performance"`
	Error           string      `json:"error,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Router selects the expert for a query
type Router interface {
	SelectExpert(ctx context.Context, query string, userContext map[string]interface{}) (*experts.Selection, error)
}

// ExpertInvoker runs an expert once
type ExpertInvoker interface {
	Invoke(ctx context.Context, expert types.Expert, query string, userContext map[string]interface{}) (*types.Invocation, error)
}

// Store persists the audit trail and resolves alternative experts
type Store interface {
	GetExpert(ctx context.Context, name string) (*types.Expert, error)
	InsertRoutingDecision(ctx context.Context, decision *types.RoutingDecision) error
	InsertFeedbackRecord(ctx context.Context, record *types.FeedbackRecord) error
}

// FeedbackQueue accepts score updates without blocking
type FeedbackQueue interface {
	Submit(job feedback.Job) bool
}

// Options are the optional collaborators of a Dispatcher
type Options struct {
	Feedback FeedbackQueue
	Recorder Recorder
	Tracing  *tracing.TracingService
	// NewID generates request IDs. Defaults to uuid.NewString.
	NewID func() string
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Dispatcher is the entry point of a command: route, execute with
// resilience, retry on an alternative, record.
type Dispatcher struct {
	router   Router
	executor *resilience.Executor
	invoker  ExpertInvoker
	store    Store
	feedback FeedbackQueue
	recorder Recorder
	tracing  *tracing.TracingService
	newID    func() string
	clock    func() time.Time
	logger   *logging.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(router Router, executor *resilience.Executor, invoker ExpertInvoker, store Store, opts Options) (*Dispatcher, error) {
	if router == nil || executor == nil || invoker == nil || store == nil {
		return nil, errors.NewValidationError("router, executor, invoker and store are required")
	}

	d := &Dispatcher{
		router:   router,
		executor: executor,
		invoker:  invoker,
		store:    store,
		feedback: opts.Feedback,
		recorder: opts.Recorder,
		tracing:  opts.Tracing,
		newID:    opts.NewID,
		clock:    opts.Clock,
		logger:   logging.GetLogger(),
	}
	if d.recorder == nil {
		d.recorder = MultiRecorder{}
	}
	if d.tracing == nil {
		d.tracing, _ = tracing.NewTracingService(nil)
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	return d, nil
}

// Handle runs a command. The only error returned wraps ErrInvalidCommand;
// every other failure ends in a result carrying a user-safe message.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) (result *RoutingResult, err error) {
	cmd.Query = strings.TrimSpace(cmd.Query)
	if cmd.Query == "" {
		return nil, errors.NewValidationError("query is required").WithCause(ErrInvalidCommand)
	}

	start := d.clock()
	requestID := d.newID()
	ctx = logging.WithRequestID(ctx, requestID)
	if cmd.UserID != "" {
		ctx = logging.WithUserID(ctx, cmd.UserID)
	}

	ctx, span := d.tracing.StartCommandSpan(ctx, requestID, cmd.UserID)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.LogPanic(ctx, rec, "Command dispatch panicked")
			d.tracing.RecordError(span, fmt.Errorf("panic: %v", rec))
			result = d.failure(ctx, requestID, cmd, start, fmt.Errorf("panic: %v", rec))
			err = nil
		}
	}()

	return d.handle(ctx, requestID, cmd, start), nil
}

func (d *Dispatcher) handle(ctx context.Context, requestID string, cmd Command, start time.Time) *RoutingResult {
	routeCtx, routeSpan := d.tracing.StartRoutingSpan(ctx, len(cmd.Query))
	selection, err := d.router.SelectExpert(routeCtx, cmd.Query, cmd.Context)
	if err != nil {
		d.tracing.RecordError(routeSpan, err)
		routeSpan.End()
		return d.failure(ctx, requestID, cmd, start, err)
	}
	routeSpan.End()

	d.recorder.RoutingRecorded(ctx, RoutingEvent{
		RequestID:    requestID,
		UserID:       cmd.UserID,
		Expert:       selection.Expert.Name,
		Confidence:   selection.Confidence,
		Method:       selection.Method,
		Alternatives: selection.Alternatives,
		Duration:     d.clock().Sub(start),
	})

	d.persistDecision(ctx, &types.RoutingDecision{
		RequestID:          requestID,
		UserID:             cmd.UserID,
		Query:              cmd.Query,
		SelectedExpert:     selection.Expert.Name,
		ConfidenceScore:    selection.Confidence,
		AlternativeExperts: selection.Alternatives,
		Reasoning:          selection.Reasoning,
		Method:             selection.Method,
		CreatedAt:          start,
	})

	expert := selection.Expert
	exec, err := d.execute(ctx, requestID, expert, cmd)
	if err != nil {
		return d.failure(ctx, requestID, cmd, start, err)
	}

	result := &RoutingResult{
		RequestID:     requestID,
		ExpertUsed:    expert.Name,
		Confidence:    selection.Confidence,
		Alternatives:  selection.Alternatives,
		Reasoning:     selection.Reasoning,
		RoutingMethod: selection.Method,
	}
	attempts := exec.Attempts

	if exec.Fallback && exec.Reason != types.ReasonCancelled && len(selection.Alternatives) > 0 {
		if alt, altErr := d.alternative(ctx, selection.Alternatives[0]); altErr == nil {
			d.logger.WithContext(ctx).WithFields(map[string]interface{}{
				"expert":      expert.Name,
				"alternative": alt.Name,
				"reason":      exec.Reason,
			}).Warn("Expert failed, retrying on alternative")

			altExec, altErr := d.execute(ctx, requestID, *alt, cmd)
			if altErr != nil {
				return d.failure(ctx, requestID, cmd, start, altErr)
			}
			result.FallbackUsed = true
			result.OriginalExpert = expert.Name
			result.OriginalFailure = exec.Reason
			result.ExpertUsed = alt.Name
			expert = *alt
			exec = altExec
			attempts += altExec.Attempts
		} else {
			d.logger.WithContext(ctx).WithError(altErr).
				WithField("alternative", selection.Alternatives[0]).
				Warn("Alternative expert unavailable")
		}
	}

	latency := d.clock().Sub(start)
	resp := exec.Response
	result.Success = exec.Succeeded()
	result.Response = resp.Content
	result.FromCache = exec.FromCache
	result.Degraded = exec.Fallback
	result.Performance = Performance{
		LatencyMs:  latency.Milliseconds(),
		TokensUsed: resp.TokensUsed,
		Cost:       resp.Cost,
		Attempts:   attempts,
	}
	result.Timestamp = d.clock()

	d.recordFeedback(ctx, requestID, expert.Name, exec, result.FallbackUsed)

	status := StatusOK
	if exec.Fallback {
		status = StatusFallback
	}
	d.recorder.DispatchRecorded(ctx, DispatchEvent{
		RequestID:    requestID,
		UserID:       cmd.UserID,
		Expert:       expert.Name,
		Status:       status,
		FallbackUsed: result.FallbackUsed,
		Duration:     latency,
		TokensUsed:   resp.TokensUsed,
		Cost:         resp.Cost,
	})
	return result
}

// execute runs one expert through the resilience executor
func (d *Dispatcher) execute(ctx context.Context, requestID string, expert types.Expert, cmd Command) (*resilience.Result, error) {
	ctx, span := d.tracing.StartDependencySpan(ctx, expert.Name)
	defer span.End()

	res, err := d.executor.Execute(ctx, resilience.Call{
		Dependency: expert.Name,
		Payload: map[string]interface{}{
			"query":   cmd.Query,
			"context": cmd.Context,
		},
		Invoke: func(ctx context.Context) (*resilience.Response, error) {
			inv, err := d.invoker.Invoke(ctx, expert, cmd.Query, cmd.Context)
			if err != nil {
				return nil, err
			}
			return &resilience.Response{
				Content:    inv.Response,
				TokensUsed: inv.TokensUsed,
				Cost:       inv.Cost,
			}, nil
		},
	})
	if err != nil {
		d.tracing.RecordError(span, err)
		return nil, err
	}

	event := ExecutionEvent{
		RequestID:  requestID,
		Expert:     expert.Name,
		Success:    res.Succeeded(),
		FromCache:  res.FromCache,
		Fallback:   res.Fallback,
		Reason:     res.Reason,
		Attempts:   res.Attempts,
		StatusCode: res.StatusCode,
		Latency:    res.Latency,
		TokensUsed: res.Response.TokensUsed,
		Cost:       res.Response.Cost,
	}
	if res.LastError != nil {
		event.Error = res.LastError.Error()
		d.tracing.RecordError(span, res.LastError)
	}
	d.recorder.ExecutionRecorded(ctx, event)
	return res, nil
}

func (d *Dispatcher) alternative(ctx context.Context, name string) (*types.Expert, error) {
	alt, err := d.store.GetExpert(ctx, name)
	if err != nil {
		return nil, err
	}
	if !alt.IsActive {
		return nil, errors.NewNotFoundError("active expert " + name)
	}
	return alt, nil
}

func (d *Dispatcher) persistDecision(ctx context.Context, decision *types.RoutingDecision) {
	if err := d.store.InsertRoutingDecision(ctx, decision); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to persist routing decision")
	}
}

// recordFeedback stores the measured outcome and queues a score update.
// Response time is that of the answering expert's own execution, not the whole
// command. Cached and fallback responses do not measure the expert and are not
// scored.
func (d *Dispatcher) recordFeedback(ctx context.Context, requestID, expert string, exec *resilience.Result, fallbackUsed bool) {
	record := &types.FeedbackRecord{
		RequestID:      requestID,
		ExpertName:     expert,
		ResponseTimeMs: exec.Latency.Milliseconds(),
		TokensUsed:     exec.Response.TokensUsed,
		FallbackUsed:   fallbackUsed || exec.Fallback,
		CreatedAt:      d.clock(),
	}
	if err := d.store.InsertFeedbackRecord(ctx, record); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("Failed to persist feedback record")
	}

	if d.feedback == nil || exec.Fallback || exec.FromCache {
		return
	}
	d.feedback.Submit(feedback.Job{
		RequestID: requestID,
		Expert:    expert,
		Feedback:  feedback.FromRecord(record),
	})
}

func (d *Dispatcher) failure(ctx context.Context, requestID string, cmd Command, start time.Time, cause error) *RoutingResult {
	latency := d.clock().Sub(start)
	d.logger.LogError(ctx, cause, "Command failed", map[string]interface{}{
		"request_id": requestID,
		"query_len":  len(cmd.Query),
	})

	d.recorder.DispatchRecorded(ctx, DispatchEvent{
		RequestID: requestID,
		UserID:    cmd.UserID,
		Status:    StatusError,
		Duration:  latency,
		Error:     cause.Error(),
	})

	return &RoutingResult{
		RequestID:   requestID,
		Success:     false,
		Response:    SafeErrorMessage,
		Degraded:    true,
		Error:       SafeErrorMessage,
		Performance: Performance{LatencyMs: latency.Milliseconds()},
		Timestamp:   d.clock(),
	}
}
