package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mir00r/api-gateway/internal/balancer"
	"github.com/mir00r/api-gateway/internal/breaker"
	"github.com/mir00r/api-gateway/internal/config"
	"github.com/mir00r/api-gateway/internal/domain"
	"github.com/mir00r/api-gateway/internal/handler"
	"github.com/mir00r/api-gateway/internal/health"
	"github.com/mir00r/api-gateway/internal/middleware"
	"github.com/mir00r/api-gateway/internal/proxy"
	"github.com/mir00r/api-gateway/internal/ratelimit"
	"github.com/mir00r/api-gateway/internal/telemetry"
	"github.com/mir00r/api-gateway/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second
)

func loadConfig() (*config.Config, error) {
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		return config.LoadFromFile(configFile)
	}
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting API Gateway")

	upstreams := cfg.ToUpstreams()

	log.WithFields(map[string]interface{}{
		"version":    "1.0.0",
		"port":       cfg.Server.Port,
		"routes":     len(cfg.Routes),
		"upstreams":  len(upstreams),
		"rate_limit": cfg.RateLimit.Enabled,
		"auth":       cfg.Auth.Enabled,
	}).Info("Gateway configuration loaded")

	// Per-service resilience configuration
	breakerConfigs := make(map[string]domain.BreakerConfig)
	healthConfigs := make(map[string]domain.HealthCheckConfig)
	strategies := make(map[string]domain.BalancingStrategy)
	for _, uc := range cfg.Upstreams {
		breakerConfigs[uc.Name] = uc.Breaker
		healthConfigs[uc.Name] = uc.HealthCheck
		strategies[uc.Name] = domain.BalancingStrategy(uc.Strategy)
	}

	// Telemetry
	sink := telemetry.NewLogSink(log)
	metrics := telemetry.NewMetrics()

	// Resilience core
	breakers := breaker.NewManager(breakerConfigs, sink, log)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, log)

	bal, err := balancer.New(upstreams, strategies, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create load balancer")
	}

	monitor := health.NewMonitor(upstreams, healthConfigs, breakers, sink, log)

	pipeline := proxy.NewPipeline(limiter, breakers, bal, metrics, sink, log, cfg.Proxy, cfg.RateLimit.MaxInFlight)

	// The gateway's own endpoints are registered before the proxy
	// prefixes so upstream routes cannot shadow them.
	router := mux.NewRouter()
	handler.NewStatusHandler(breakers, monitor, limiter, bal, metrics, log).RegisterRoutes(router)
	handler.NewAdminHandler(breakers, limiter, log).RegisterRoutes(router)
	proxy.RegisterRoutes(router, cfg.Routes, pipeline)

	finalHandler := middleware.Chain(router,
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
		middleware.IdentityMiddleware(cfg.Auth, log),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      finalHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start health monitor")
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := monitor.Stop(); err != nil {
		log.WithError(err).Error("Error stopping health monitor")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down HTTP server")
	}

	log.Info("Gateway stopped gracefully")
}
