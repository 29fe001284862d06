package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NikhilSetiya/invest-assistant/internal/api"
	"github.com/NikhilSetiya/invest-assistant/internal/app"
	"github.com/NikhilSetiya/invest-assistant/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	logger := application.Logger

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start background workers: %v", err)
	}

	var limiter *api.RateLimiter
	if cfg.RateLimit.Enabled {
		limitConfig := api.DefaultRateLimitConfig()
		limitConfig.Limit = cfg.RateLimit.RequestsPerMinute
		if cfg.Redis.Enabled {
			pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
			client, err := api.NewRedisClient(pingCtx, cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
			pingCancel()
			if err != nil {
				logger.WithError(err).Warn("Rate limiter falling back to in-process counters")
			} else {
				defer client.Close()
				limitConfig.RedisClient = client
			}
		}
		limiter = api.NewRateLimiter(limitConfig)
	}

	handler := api.NewHandler(application.Dispatcher, application.Store, application.Registry, application.Worker)
	router := api.NewRouter(api.RouterDeps{
		Handler:     handler,
		Health:      application.Health,
		Metrics:     application.Metrics,
		Tracing:     application.Tracing,
		RateLimiter: limiter,
		Logger:      logger,
		JWTSecret:   cfg.Auth.JWTSecret,
		Debug:       cfg.Server.Environment == "development",
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      http.TimeoutHandler(router, cfg.Server.RequestTimeout, `{"success":false,"error":{"code":"TIMEOUT","message":"request timed out"}}`),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting API server", "addr", server.Addr, "environment", cfg.Server.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Application shutdown incomplete")
	}

	logger.Info("Server exited")
}
