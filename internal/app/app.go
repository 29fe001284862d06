// Package app assembles the routing core from configuration. Both binaries
// build the same graph; the API server adds the HTTP surface on top.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/NikhilSetiya/invest-assistant/internal/cache"
	"github.com/NikhilSetiya/invest-assistant/internal/database"
	"github.com/NikhilSetiya/invest-assistant/internal/dispatch"
	"github.com/NikhilSetiya/invest-assistant/internal/experts"
	"github.com/NikhilSetiya/invest-assistant/internal/feedback"
	"github.com/NikhilSetiya/invest-assistant/internal/providers"
	"github.com/NikhilSetiya/invest-assistant/pkg/config"
	"github.com/NikhilSetiya/invest-assistant/pkg/health"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/metrics"
	"github.com/NikhilSetiya/invest-assistant/pkg/resilience"
	"github.com/NikhilSetiya/invest-assistant/pkg/tracing"
)

// Version is stamped into logs, traces and health responses
const Version = "1.0.0"

// Options adjust how the graph is built
type Options struct {
	// DisableMetrics keeps Prometheus collectors unregistered (CLI runs)
	DisableMetrics bool
	// Logger overrides the logger built from configuration
	Logger *logging.Logger
}

// App holds every long-lived component
type App struct {
	Config     *config.Config
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Tracing    *tracing.TracingService
	Store      database.Store
	Registry   *resilience.HealthRegistry
	Alerts     *resilience.AlertManager
	Executor   *resilience.Executor
	Providers  *providers.Mux
	Router     *experts.Router
	Worker     *feedback.Worker
	Dispatcher *dispatch.Dispatcher
	Health     *health.Service
	Redis      *cache.RedisClient

	collector *metrics.MetricsCollector
	stopOnce  sync.Once
	audit     *zap.Logger
	nats      *nats.Conn
	closers   []io.Closer
}

// New builds the application. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (a *App, err error) {
	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			a.closeResources()
			a = nil
		}
	}()

	if err := a.initObservability(opts); err != nil {
		return nil, err
	}
	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	a.initResilience()
	if err := a.initRouting(ctx); err != nil {
		return nil, err
	}
	if err := a.initDispatch(); err != nil {
		return nil, err
	}
	a.initHealth()
	return a, nil
}

func (a *App) initObservability(opts Options) error {
	cfg := a.Config

	a.Logger = opts.Logger
	if a.Logger == nil {
		logger, err := logging.NewLogger(&logging.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Output:      cfg.Logging.Output,
			ServiceName: "invest-assistant",
			Version:     Version,
		})
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		a.Logger = logger
	}
	logging.SetGlobalLogger(a.Logger)

	metricsConfig := metrics.DefaultConfig()
	metricsConfig.Enabled = !opts.DisableMetrics
	a.Metrics = metrics.NewMetrics(metricsConfig)

	ts, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    "invest-assistant",
		ServiceVersion: Version,
		Environment:    cfg.Server.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return err
	}
	a.Tracing = ts
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	store, closer, err := database.Open(ctx, a.Config)
	if err != nil {
		return err
	}
	a.Store = store
	a.closers = append(a.closers, closer)

	if err := database.Seed(ctx, store); err != nil {
		return fmt.Errorf("failed to seed expert catalog: %w", err)
	}
	a.Logger.Info("Data store ready", "driver", a.Config.Database.Driver)
	return nil
}

func (a *App) initResilience() {
	cfg := a.Config.Resilience

	a.Alerts = resilience.NewAlertManager(0, 0)
	a.Alerts.AddHandler(resilience.NewLoggingAlertHandler(a.Logger))

	a.Registry = resilience.NewHealthRegistry(resilience.HealthConfig{
		FailureThreshold:   cfg.FailureThreshold,
		ResetTimeout:       cfg.ResetTimeout,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
		WindowSize:         cfg.WindowSize,
		OnStateChange: a.Alerts.CircuitAlerts(func(name string, from, to resilience.CircuitState) {
			a.Metrics.RecordCircuitChange(name, to.String(), int(to))
		}),
	})

	var responses resilience.ResponseCache = cache.NewMemoryCache(&cache.Config{
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
	})
	if a.Config.Redis.Enabled {
		client, err := cache.NewRedisClient(a.Config)
		if err != nil {
			a.Logger.WithError(err).Warn("Redis unavailable, using the in-process response cache only")
		} else {
			a.Redis = client
			a.closers = append(a.closers, client)
			responses = cache.NewTiered(responses, cache.NewRedisCache(client, cfg.CacheTTL))
		}
	}

	templates := cache.NewTemplateCache(a.Store, a.Config.Database.TemplateTTL)

	a.Executor = resilience.NewExecutor(resilience.ExecutorConfig{
		MaxRetries: cfg.MaxRetries,
		Backoff: resilience.Backoff{
			InitialDelay: cfg.BaseDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   2,
		},
		MinTimeout: cfg.MinTimeout,
		MaxTimeout: cfg.MaxTimeout,
		OnAttempt: func(at resilience.Attempt) {
			a.Metrics.RecordDependencyCall(at.Dependency, at.Success, at.Latency)
		},
	}, a.Registry, responses, templates)
}

func (a *App) initRouting(ctx context.Context) error {
	cfg := a.Config

	httpClient := a.Tracing.InstrumentHTTPClient(&http.Client{})
	mux, err := providers.NewMuxFromConfig(ctx, cfg.Providers, httpClient)
	if err != nil {
		return err
	}
	a.Providers = mux

	var classifier experts.Classifier
	if cfg.Routing.ClassifierProvider != "" {
		llm, err := providers.NewLLMClassifier(mux.Backend(cfg.Routing.ClassifierProvider), cfg.Routing.ClassifierModel)
		if err != nil {
			return err
		}
		classifier = llm
	}

	var keywords *experts.KeywordTable
	if cfg.Routing.KeywordTablePath != "" {
		keywords, err = experts.LoadKeywordTable(cfg.Routing.KeywordTablePath)
		if err != nil {
			return err
		}
	}

	router, err := experts.NewRouter(experts.RouterConfig{
		BaselineExpert:          cfg.Routing.BaselineExpert,
		BaselineConfidence:      cfg.Routing.BaselineConfidence,
		RankedDefaultConfidence: cfg.Routing.RankedDefaultConfidence,
		ClassifierTimeout:       cfg.Routing.ClassifierTimeout,
	}, a.Store, classifier, keywords, a.Registry)
	if err != nil {
		return err
	}
	a.Router = router
	a.Logger.Info("Expert router ready",
		"providers", mux.Providers(),
		"classifier", cfg.Routing.ClassifierProvider != "",
	)
	return nil
}

func (a *App) initDispatch() error {
	cfg := a.Config

	updater, err := feedback.NewUpdater(feedback.ConfigFrom(cfg.Feedback), a.Store, a.Metrics)
	if err != nil {
		return err
	}
	a.Worker = feedback.NewWorker(updater, feedback.WorkerConfig{
		Concurrency: cfg.Feedback.Workers,
		QueueSize:   cfg.Feedback.QueueSize,
	}, a.Metrics)

	recorders := dispatch.MultiRecorder{
		dispatch.NewLogRecorder(a.Logger),
		dispatch.NewMetricsRecorder(a.Metrics),
	}
	if cfg.Telemetry.AuditLogPath != "" {
		audit, err := dispatch.NewAuditLogger(cfg.Telemetry.AuditLogPath)
		if err != nil {
			return err
		}
		a.audit = audit
		recorders = append(recorders, dispatch.NewAuditRecorder(audit))
	}
	if cfg.Telemetry.NATSURL != "" {
		conn, err := dispatch.ConnectNATS(cfg.Telemetry.NATSURL)
		if err != nil {
			a.Logger.WithError(err).Warn("NATS unavailable, telemetry events will not be published")
		} else {
			a.nats = conn
			recorders = append(recorders, dispatch.NewNATSRecorder(conn, cfg.Telemetry.NATSSubject))
		}
	}

	d, err := dispatch.NewDispatcher(a.Router, a.Executor, a.Providers, a.Store, dispatch.Options{
		Feedback: a.Worker,
		Recorder: recorders,
		Tracing:  a.Tracing,
	})
	if err != nil {
		return err
	}
	a.Dispatcher = d
	return nil
}

type poolStats interface {
	Stats() sql.DBStats
}

func (a *App) initHealth() {
	a.Health = health.NewService(a.Logger, &health.Config{
		Timeout: 5 * time.Second,
		Metadata: map[string]string{
			"version":     Version,
			"environment": a.Config.Server.Environment,
		},
	})
	a.Health.RegisterChecker("database", health.NewStoreChecker(a.Store, "database"))
	a.Health.RegisterChecker("circuits", health.NewCircuitChecker(a.Registry, "circuits"))
	a.Health.RegisterChecker("feedback_worker", health.NewCustomChecker("feedback_worker", func(ctx context.Context) (health.Status, string, error) {
		stats := a.Worker.Stats()
		total := stats.Submitted + stats.Dropped
		if stats.Dropped > 0 && stats.Dropped*2 >= total {
			return health.StatusDegraded, fmt.Sprintf("%d of %d score updates dropped", stats.Dropped, total), nil
		}
		return health.StatusHealthy, fmt.Sprintf("%d score updates applied", stats.Applied), nil
	}))
	if a.Redis != nil {
		a.Health.RegisterChecker("redis", health.NewRedisChecker(a.Redis, "redis"))
	}

	sources := []metrics.Source{}
	if ps, ok := a.Store.(poolStats); ok {
		sources = append(sources, func(m *metrics.Metrics) {
			stats := ps.Stats()
			m.UpdateDatabaseConnections(stats.OpenConnections, stats.Idle, stats.MaxOpenConnections)
		})
	}
	if a.Redis != nil {
		sources = append(sources, func(m *metrics.Metrics) {
			if stats := a.Redis.Stats(); stats != nil {
				m.UpdateRedisConnections(int(stats.TotalConns), int(stats.IdleConns), int(stats.StaleConns))
			}
		})
	}
	a.collector = metrics.NewMetricsCollector(a.Metrics, 30*time.Second, sources...)
}

// Start launches the background workers
func (a *App) Start(ctx context.Context) error {
	if err := a.Worker.Start(); err != nil {
		return err
	}
	go a.collector.Start(ctx)
	return nil
}

// Shutdown drains the feedback worker, flushes telemetry and closes
// connections
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := a.Worker.Stop(ctx); err != nil {
		firstErr = err
		a.Logger.WithError(err).Warn("Feedback worker did not drain before the deadline")
	}
	a.stopOnce.Do(a.collector.Stop)
	if err := a.Tracing.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.closeResources()
	return firstErr
}

func (a *App) closeResources() {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.Logger.WithError(err).Warn("Failed to drain NATS connection")
		}
		a.nats = nil
	}
	if a.audit != nil {
		_ = a.audit.Sync()
		a.audit = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.Logger != nil {
			a.Logger.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
}
