package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Supabase   SupabaseConfig   `json:"supabase"`
	Redis      RedisConfig      `json:"redis"`
	Resilience ResilienceConfig `json:"resilience"`
	Routing    RoutingConfig    `json:"routing"`
	Feedback   FeedbackConfig   `json:"feedback"`
	Providers  ProvidersConfig  `json:"providers"`
	Auth       AuthConfig       `json:"auth"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Tracing    TracingConfig    `json:"tracing"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	RequestTimeout time.Duration `json:"request_timeout"`
	Environment    string        `json:"environment"`
}

// DatabaseConfig contains database connection configuration.
// Driver is one of memory, postgres, mysql or supabase.
type DatabaseConfig struct {
	Driver          string        `json:"driver"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"-"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	MigrationsPath  string        `json:"migrations_path"`
	TemplateTTL     time.Duration `json:"template_ttl"`
}

// SupabaseConfig holds the hosted database credentials
type SupabaseConfig struct {
	URL string `json:"url"`
	Key string `json:"-"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ResilienceConfig tunes the health registry and the executor
type ResilienceConfig struct {
	FailureThreshold   int           `json:"failure_threshold"`
	ResetTimeout       time.Duration `json:"reset_timeout"`
	ErrorRateThreshold float64       `json:"error_rate_threshold"`
	WindowSize         int           `json:"window_size"`
	MaxRetries         int           `json:"max_retries"`
	BaseDelay          time.Duration `json:"base_delay"`
	MaxDelay           time.Duration `json:"max_delay"`
	MinTimeout         time.Duration `json:"min_timeout"`
	MaxTimeout         time.Duration `json:"max_timeout"`
	CacheTTL           time.Duration `json:"cache_ttl"`
	CacheMaxEntries    int           `json:"cache_max_entries"`
}

// RoutingConfig contains expert selection settings
type RoutingConfig struct {
	KeywordTablePath        string  `json:"keyword_table_path"`
	BaselineExpert          string  `json:"baseline_expert"`
	BaselineConfidence      float64 `json:"baseline_confidence"`
	RankedDefaultConfidence float64 `json:"ranked_default_confidence"`
	ClassifierProvider      string  `json:"classifier_provider"`
	ClassifierModel         string  `json:"classifier_model"`

	ClassifierTimeout time.Duration `json:"classifier_timeout"`
}

// FeedbackConfig contains the score update weights and worker sizing
type FeedbackConfig struct {
	Alpha              float64 `json:"alpha"`
	QualityWeight      float64 `json:"quality_weight"`
	SpeedWeight        float64 `json:"speed_weight"`
	EfficiencyWeight   float64 `json:"efficiency_weight"`
	SatisfactionWeight float64 `json:"satisfaction_weight"`
	Workers            int     `json:"workers"`
	QueueSize          int     `json:"queue_size"`
}

// ProvidersConfig holds the LLM provider credentials. Keys are forwarded
// untouched to the SDK clients.
type ProvidersConfig struct {
	Default            string  `json:"default"`
	AnthropicAPIKey    string  `json:"-"`
	OpenAIAPIKey       string  `json:"-"`
	GoogleAPIKey       string  `json:"-"`
	AnthropicCostPer1K float64 `json:"anthropic_cost_per_1k"`
	OpenAICostPer1K    float64 `json:"openai_cost_per_1k"`
	GoogleCostPer1K    float64 `json:"google_cost_per_1k"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	JWTSecret string `json:"-"`
}

// RateLimitConfig configures the per-user limiter on the command route
type RateLimitConfig struct {
	Enabled           bool `json:"enabled"`
	RequestsPerMinute int  `json:"requests_per_minute"`
}

// TelemetryConfig selects the telemetry sinks
type TelemetryConfig struct {
	NATSURL      string `json:"nats_url"`
	NATSSubject  string `json:"nats_subject"`
	AuditLogPath string `json:"audit_log_path"`
}

// TracingConfig configures the OpenTelemetry exporter
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// Load reads a .env file when one exists, then builds the configuration from
// environment variables with sensible defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:           getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			RequestTimeout: getEnvDuration("SERVER_REQUEST_TIMEOUT", 100*time.Second),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnvString("DB_DRIVER", "memory")),
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "invest_assistant"),
			User:            getEnvString("DB_USER", "invest"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsPath:  getEnvString("DB_MIGRATIONS_PATH", "migrations"),
			TemplateTTL:     getEnvDuration("DB_TEMPLATE_TTL", 10*time.Minute),
		},
		Supabase: SupabaseConfig{
			URL: getEnvString("SUPABASE_URL", ""),
			Key: getEnvString("SUPABASE_KEY", ""),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Resilience: ResilienceConfig{
			FailureThreshold:   getEnvInt("RESILIENCE_FAILURE_THRESHOLD", 5),
			ResetTimeout:       getEnvDuration("RESILIENCE_RESET_TIMEOUT", 60*time.Second),
			ErrorRateThreshold: getEnvFloat("RESILIENCE_ERROR_RATE_THRESHOLD", 0.5),
			WindowSize:         getEnvInt("RESILIENCE_WINDOW_SIZE", 100),
			MaxRetries:         getEnvInt("RESILIENCE_MAX_RETRIES", 3),
			BaseDelay:          getEnvDuration("RESILIENCE_BASE_DELAY", time.Second),
			MaxDelay:           getEnvDuration("RESILIENCE_MAX_DELAY", 10*time.Second),
			MinTimeout:         getEnvDuration("RESILIENCE_MIN_TIMEOUT", 5*time.Second),
			MaxTimeout:         getEnvDuration("RESILIENCE_MAX_TIMEOUT", 30*time.Second),
			CacheTTL:           getEnvDuration("CACHE_TTL", 5*time.Minute),
			CacheMaxEntries:    getEnvInt("CACHE_MAX_ENTRIES", 1000),
		},
		Routing: RoutingConfig{
			KeywordTablePath:        getEnvString("ROUTING_KEYWORD_TABLE", ""),
			BaselineExpert:          getEnvString("ROUTING_BASELINE_EXPERT", "portfolio_advisor"),
			BaselineConfidence:      getEnvFloat("ROUTING_BASELINE_CONFIDENCE", 50),
			RankedDefaultConfidence: getEnvFloat("ROUTING_RANKED_DEFAULT_CONFIDENCE", 60),
			ClassifierProvider:      getEnvString("ROUTING_CLASSIFIER_PROVIDER", ""),
			ClassifierModel:         getEnvString("ROUTING_CLASSIFIER_MODEL", ""),
			ClassifierTimeout:       getEnvDuration("ROUTING_CLASSIFIER_TIMEOUT", 10*time.Second),
		},
		Feedback: FeedbackConfig{
			Alpha:              getEnvFloat("FEEDBACK_ALPHA", 0.15),
			QualityWeight:      getEnvFloat("FEEDBACK_QUALITY_WEIGHT", 0.4),
			SpeedWeight:        getEnvFloat("FEEDBACK_SPEED_WEIGHT", 0.3),
			EfficiencyWeight:   getEnvFloat("FEEDBACK_EFFICIENCY_WEIGHT", 0.2),
			SatisfactionWeight: getEnvFloat("FEEDBACK_SATISFACTION_WEIGHT", 0.1),
			Workers:            getEnvInt("FEEDBACK_WORKERS", 2),
			QueueSize:          getEnvInt("FEEDBACK_QUEUE_SIZE", 256),
		},
		Providers: ProvidersConfig{
			Default:            getEnvString("PROVIDER_DEFAULT", "anthropic"),
			AnthropicAPIKey:    getEnvString("ANTHROPIC_API_KEY", ""),
			OpenAIAPIKey:       getEnvString("OPENAI_API_KEY", ""),
			GoogleAPIKey:       getEnvString("GOOGLE_API_KEY", ""),
			AnthropicCostPer1K: getEnvFloat("ANTHROPIC_COST_PER_1K", 0),
			OpenAICostPer1K:    getEnvFloat("OPENAI_COST_PER_1K", 0),
			GoogleCostPer1K:    getEnvFloat("GOOGLE_COST_PER_1K", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvString("AUTH_JWT_SECRET", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", false),
			RequestsPerMinute: getEnvInt("RATE_LIMIT_RPM", 30),
		},
		Telemetry: TelemetryConfig{
			NATSURL:      getEnvString("NATS_URL", ""),
			NATSSubject:  getEnvString("NATS_SUBJECT", "invest.telemetry"),
			AuditLogPath: getEnvString("AUDIT_LOG_PATH", ""),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SampleRate:     getEnvFloat("TRACING_SAMPLE_RATE", 0.1),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres", "mysql":
		if c.Database.Password == "" {
			return fmt.Errorf("database password is required for driver %s", c.Database.Driver)
		}
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_KEY are required for driver supabase")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	r := c.Resilience
	if r.FailureThreshold <= 0 || r.WindowSize <= 0 || r.MaxRetries <= 0 {
		return fmt.Errorf("resilience thresholds must be positive")
	}
	if r.ErrorRateThreshold <= 0 || r.ErrorRateThreshold > 1 {
		return fmt.Errorf("error rate threshold must be in (0,1], got %v", r.ErrorRateThreshold)
	}
	if r.MinTimeout > r.MaxTimeout {
		return fmt.Errorf("min timeout %s exceeds max timeout %s", r.MinTimeout, r.MaxTimeout)
	}
	if r.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive")
	}

	if err := c.Feedback.Validate(); err != nil {
		return err
	}

	if c.RateLimit.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("rate limiting requires REDIS_ENABLED=true")
	}

	return nil
}

// Validate checks that the EMA alpha is in (0,1] and the weights sum to 1.
func (f FeedbackConfig) Validate() error {
	if f.Alpha <= 0 || f.Alpha > 1 {
		return fmt.Errorf("feedback alpha must be in (0,1], got %v", f.Alpha)
	}
	sum := f.QualityWeight + f.SpeedWeight + f.EfficiencyWeight + f.SatisfactionWeight
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("feedback weights must sum to 1.0, got %v", sum)
	}
	for _, w := range []float64{f.QualityWeight, f.SpeedWeight, f.EfficiencyWeight, f.SatisfactionWeight} {
		if w < 0 {
			return fmt.Errorf("feedback weights must not be negative")
		}
	}
	return nil
}

// DatabaseURL returns the database connection URL for the configured driver
func (c *Config) DatabaseURL() string {
	if c.Database.Driver == "mysql" {
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&clientFoundRows=true&multiStatements=true",
			c.Database.User,
			c.Database.Password,
			c.Database.Host,
			c.Database.Port,
			c.Database.Name,
		)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisAddr returns host:port for the Redis clients
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
