package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/resilience"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	timeout  time.Duration
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
		timeout:  config.Timeout,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth runs every checker concurrently. The overall status is the
// worst individual status.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	checks := make(map[string]*Check, len(checkers))
	var mutex sync.Mutex

	// Checkers report failures in the Check; the group never short-circuits.
	var g errgroup.Group
	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			check := runCheck(ctx, name, checker)
			mutex.Lock()
			checks[name] = check
			mutex.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overallStatus := StatusHealthy
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			overallStatus = StatusUnhealthy
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}

	if overallStatus != StatusHealthy {
		s.logger.Warn("Health check not passing", "status", overallStatus)
	}

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

func runCheck(ctx context.Context, name string, checker Checker) (check *Check) {
	defer func() {
		if rec := recover(); rec != nil {
			check = &Check{
				Name:      name,
				Status:    StatusUnhealthy,
				Error:     fmt.Sprintf("check panicked: %v", rec),
				Timestamp: time.Now(),
			}
		}
	}()
	check = checker.Check(ctx)
	if check == nil {
		check = &Check{Name: name, Status: StatusUnknown, Timestamp: time.Now()}
	}
	return check
}

// Handler returns a Gin handler for health checks
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := s.CheckHealth(c.Request.Context())

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// Pinger is anything with a connectivity check
type Pinger interface {
	Health(ctx context.Context) error
}

// StoreChecker checks the data store
type StoreChecker struct {
	store Pinger
	name  string
}

// NewStoreChecker creates a new data store health checker
func NewStoreChecker(store Pinger, name string) *StoreChecker {
	return &StoreChecker{store: store, name: name}
}

type poolStats interface {
	Stats() sql.DBStats
}

// Check performs the data store health check. SQL stores also report pool
// usage and turn degraded above 80% of the pool.
func (sc *StoreChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      sc.name,
		Timestamp: start,
	}

	if sc.store == nil {
		check.Status = StatusUnhealthy
		check.Error = "data store is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := sc.store.Health(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "data store is healthy"
	check.Duration = time.Since(start)

	if ps, ok := sc.store.(poolStats); ok {
		stats := ps.Stats()
		check.Metadata = map[string]string{
			"open_connections": fmt.Sprintf("%d", stats.OpenConnections),
			"idle_connections": fmt.Sprintf("%d", stats.Idle),
			"max_connections":  fmt.Sprintf("%d", stats.MaxOpenConnections),
		}
		if stats.MaxOpenConnections > 0 && stats.OpenConnections > int(float64(stats.MaxOpenConnections)*0.8) {
			check.Status = StatusDegraded
			check.Message = "database connection pool is running low"
		}
	}

	return check
}

// RedisPinger is the view of the shared cache client the checker needs
type RedisPinger interface {
	Health(ctx context.Context) error
	Stats() *redis.PoolStats
}

// RedisChecker checks the shared response cache
type RedisChecker struct {
	client RedisPinger
	name   string
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(client RedisPinger, name string) *RedisChecker {
	return &RedisChecker{client: client, name: name}
}

// Check performs Redis health check. The cache is optional, so a failing
// Redis only degrades the service.
func (rc *RedisChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}

	if err := rc.client.Health(ctx); err != nil {
		check.Status = StatusDegraded
		check.Error = err.Error()
		check.Message = "shared cache unavailable, serving from local cache"
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Redis is healthy"
	if stats := rc.client.Stats(); stats != nil {
		check.Metadata = map[string]string{
			"hits":        fmt.Sprintf("%d", stats.Hits),
			"misses":      fmt.Sprintf("%d", stats.Misses),
			"timeouts":    fmt.Sprintf("%d", stats.Timeouts),
			"total_conns": fmt.Sprintf("%d", stats.TotalConns),
			"idle_conns":  fmt.Sprintf("%d", stats.IdleConns),
		}
	}
	check.Duration = time.Since(start)
	return check
}

// CircuitChecker reports dependencies whose circuit is not closed. Open
// circuits degrade the service; they never make it unhealthy because every
// request still gets a fallback answer.
type CircuitChecker struct {
	registry *resilience.HealthRegistry
	name     string
}

// NewCircuitChecker creates a checker over the registry
func NewCircuitChecker(registry *resilience.HealthRegistry, name string) *CircuitChecker {
	return &CircuitChecker{registry: registry, name: name}
}

// Check performs the circuit check
func (cc *CircuitChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "all circuits closed",
	}

	var open, degraded []string
	all := cc.registry.All()
	for _, dep := range all {
		switch {
		case dep.CircuitOpen:
			open = append(open, dep.Name)
		case dep.Status == types.StatusDegraded:
			degraded = append(degraded, dep.Name)
		}
	}
	sort.Strings(open)
	sort.Strings(degraded)

	check.Metadata = map[string]string{
		"dependencies": fmt.Sprintf("%d", len(all)),
	}
	if len(degraded) > 0 {
		check.Status = StatusDegraded
		check.Message = "some dependencies are failing"
		check.Metadata["degraded"] = strings.Join(degraded, ",")
	}
	if len(open) > 0 {
		check.Status = StatusDegraded
		check.Message = "some circuits are open"
		check.Metadata["open"] = strings.Join(open, ",")
	}
	check.Duration = time.Since(start)
	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
