package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/invest-assistant/pkg/health"
	"github.com/NikhilSetiya/invest-assistant/pkg/logging"
	"github.com/NikhilSetiya/invest-assistant/pkg/metrics"
	"github.com/NikhilSetiya/invest-assistant/pkg/tracing"
)

// RouterDeps are the collaborators of the HTTP surface. Only Handler is
// required.
type RouterDeps struct {
	Handler     *Handler
	Health      *health.Service
	Metrics     *metrics.Metrics
	Tracing     *tracing.TracingService
	RateLimiter *RateLimiter
	Logger      *logging.Logger
	JWTSecret   string
	Debug       bool
}

// NewRouter creates and configures the API router
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.NoMethod(func(c *gin.Context) {
		MethodNotAllowedResponse(c, "POST, OPTIONS")
	})

	router.Use(RequestIDMiddleware())
	router.Use(RecoveryMiddleware(deps.Logger))
	router.Use(LoggingMiddleware(deps.Logger))
	router.Use(CORSMiddleware())
	router.Use(SecurityHeadersMiddleware())
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
	}

	v1 := router.Group("/api/v1")
	v1.GET("", func(c *gin.Context) {
		SuccessResponse(c, map[string]interface{}{
			"name":    "Investment Assistant API",
			"version": "1.0.0",
			"status":  "ok",
		})
	})
	v1.GET("/experts", deps.Handler.ListExperts)
	v1.GET("/circuits", deps.Handler.ListCircuits)
	v1.OPTIONS("/command", CommandPreflight)

	protected := v1.Group("")
	protected.Use(AuthMiddleware(deps.JWTSecret))
	if deps.RateLimiter != nil {
		protected.Use(deps.RateLimiter.Middleware())
	}
	protected.POST("/command", deps.Handler.HandleCommand)
	protected.POST("/feedback", deps.Handler.SubmitFeedback)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, APIResponse{
			Success:   false,
			Error:     &APIError{Code: "NOT_FOUND", Message: "route not found"},
			RequestID: requestID(c),
		})
	})

	return router
}
