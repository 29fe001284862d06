package feedback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/metrics"
)

// Job is one score update waiting to be applied
type Job struct {
	RequestID string
	Expert    string
	Feedback  Feedback
}

// ScoreUpdater applies one feedback item
type ScoreUpdater interface {
	UpdateScore(ctx context.Context, expert string, f Feedback) (*Update, error)
}

// WorkerConfig contains worker configuration
type WorkerConfig struct {
	Concurrency int           `json:"concurrency"`
	QueueSize   int           `json:"queue_size"`
	JobTimeout  time.Duration `json:"job_timeout"`
}

// DefaultWorkerConfig returns default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: 2,
		QueueSize:   256,
		JobTimeout:  10 * time.Second,
	}
}

// WorkerStats contains worker statistics
type WorkerStats struct {
	Submitted int64 `json:"submitted"`
	Applied   int64 `json:"applied"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Worker applies feedback off the request path. Submit never blocks: when
// the queue is full the job is dropped and counted.
type Worker struct {
	updater ScoreUpdater
	config  WorkerConfig
	metrics *metrics.Metrics
	logger  *logging.Logger

	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
	stopped bool

	submitted atomic.Int64
	applied   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewWorker creates a worker. m may be nil.
func NewWorker(updater ScoreUpdater, config WorkerConfig, m *metrics.Metrics) *Worker {
	defaults := DefaultWorkerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if m == nil {
		m = metrics.NewMetrics(&metrics.Config{Enabled: false})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		updater: updater,
		config:  config,
		metrics: m,
		logger:  logging.GetLogger(),
		jobs:    make(chan Job, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker goroutines
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.NewValidationError("feedback worker is already running")
	}
	if w.stopped {
		return errors.NewValidationError("feedback worker is stopped")
	}
	w.running = true

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop()
		}()
	}
	return nil
}

// Submit enqueues a job and reports whether it was accepted
func (w *Worker) Submit(job Job) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		w.drop(job, "stopped")
		return false
	}

	select {
	case w.jobs <- job:
		w.submitted.Add(1)
		w.metrics.UpdateFeedbackQueue(len(w.jobs))
		return true
	default:
		w.drop(job, "queue_full")
		return false
	}
}

func (w *Worker) drop(job Job, reason string) {
	w.dropped.Add(1)
	w.metrics.RecordFeedback("dropped")
	w.logger.Warn("Feedback dropped",
		"request_id", job.RequestID,
		"expert", job.Expert,
		"reason", reason,
	)
}

// Stop stops accepting jobs and waits for the queue to drain. When ctx
// expires first, in-flight updates are cancelled and ctx's error returned.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	running := w.running
	close(w.jobs)
	w.mu.Unlock()

	if !running {
		w.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns worker statistics
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Submitted: w.submitted.Load(),
		Applied:   w.applied.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}

func (w *Worker) loop() {
	for job := range w.jobs {
		w.metrics.UpdateFeedbackQueue(len(w.jobs))
		w.process(job)
	}
}

func (w *Worker) process(job Job) {
	ctx, cancel := context.WithTimeout(w.ctx, w.config.JobTimeout)
	defer cancel()
	ctx = logging.WithRequestID(ctx, job.RequestID)

	defer func() {
		if rec := recover(); rec != nil {
			w.failed.Add(1)
			w.metrics.RecordPanic("feedback_worker")
			w.logger.LogPanic(ctx, rec, "Feedback update panicked")
		}
	}()

	if _, err := w.updater.UpdateScore(ctx, job.Expert, job.Feedback); err != nil {
		w.failed.Add(1)
		w.logger.WithContext(ctx).WithError(err).WithField("expert", job.Expert).Error("Feedback update failed")
		return
	}
	w.applied.Add(1)
}
