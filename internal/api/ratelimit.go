package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	gocache "github.com/patrickmn/go-cache"

	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Limit is the number of requests a caller may make per Window
	Limit  int
	Window time.Duration
	// RedisClient shares counters between replicas. nil keeps them in process.
	RedisClient *redis.Client
	KeyPrefix   string
}

// DefaultRateLimitConfig returns a 60 requests per minute limit
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:     60,
		Window:    time.Minute,
		KeyPrefix: "invest:ratelimit:",
	}
}

type windowCounter struct {
	count  int
	window time.Time
}

// RateLimiter is a fixed-window limiter keyed by user, or by client IP for
// anonymous callers. In-process counters expire two windows after their last
// use.
type RateLimiter struct {
	config     RateLimitConfig
	localMu    sync.Mutex
	localCache *gocache.Cache
	logger     *logging.Logger
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	defaults := DefaultRateLimitConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	return &RateLimiter{
		config:     config,
		localCache: gocache.New(2*config.Window, config.Window),
		logger:     logging.GetLogger(),
		now:        time.Now,
	}
}

// Middleware rejects callers over their limit with 429. A failing Redis
// lets the request through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if userID, ok := GetCurrentUserID(c); ok {
			key = "user:" + userID
		}

		allowed, remaining, resetTime, err := rl.Allow(c.Request.Context(), key)
		if err != nil {
			rl.logger.WithContext(c.Request.Context()).WithError(err).Warn("Rate limit check failed, allowing request")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))

		if !allowed {
			retryAfter := int(resetTime.Sub(rl.now()).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, APIResponse{
				Success: false,
				Error: &APIError{
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "Rate limit exceeded",
					Details: map[string]string{"retry_after": strconv.Itoa(retryAfter)},
				},
				RequestID: requestID(c),
				Timestamp: rl.now(),
			})
			return
		}

		c.Next()
	}
}

// Allow counts one request for key in the current window
func (rl *RateLimiter) Allow(ctx context.Context, key string) (allowed bool, remaining int, resetTime time.Time, err error) {
	fullKey := rl.config.KeyPrefix + key
	windowStart := rl.now().Truncate(rl.config.Window)
	resetTime = windowStart.Add(rl.config.Window)

	var count int
	if rl.config.RedisClient != nil {
		count, err = rl.countRedis(ctx, fullKey, windowStart, resetTime)
		if err != nil {
			return false, 0, resetTime, err
		}
	} else {
		count = rl.countLocal(fullKey, windowStart)
	}

	remaining = rl.config.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.config.Limit, remaining, resetTime, nil
}

func (rl *RateLimiter) countRedis(ctx context.Context, key string, windowStart, resetTime time.Time) (int, error) {
	windowKey := fmt.Sprintf("%s:%d", key, windowStart.Unix())

	pipe := rl.config.RedisClient.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.ExpireAt(ctx, windowKey, resetTime)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline failed: %w", err)
	}
	return int(incr.Val()), nil
}

func (rl *RateLimiter) countLocal(key string, windowStart time.Time) int {
	rl.localMu.Lock()
	defer rl.localMu.Unlock()

	counter := &windowCounter{window: windowStart}
	if value, ok := rl.localCache.Get(key); ok {
		counter = value.(*windowCounter)
	}
	if counter.window.Before(windowStart) {
		counter.count = 0
		counter.window = windowStart
	}
	counter.count++
	rl.localCache.SetDefault(key, counter)
	return counter.count
}

// NewRedisClient connects the limiter's Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
