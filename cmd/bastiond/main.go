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

	"github.com/joho/godotenv"

	"github.com/bastionlabs/bastion/internal/api"
	"github.com/bastionlabs/bastion/internal/store"
	"github.com/bastionlabs/bastion/pkg/alerting"
	"github.com/bastionlabs/bastion/pkg/config"
	"github.com/bastionlabs/bastion/pkg/logging"
	"github.com/bastionlabs/bastion/pkg/metrics"
	"github.com/bastionlabs/bastion/pkg/resilience"
)

func main() {
	// Load .env if present, real environment wins
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "bastiond",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	alerts := alerting.NewManager(logger, &alerting.ManagerConfig{
		RateLimit:     cfg.Alerting.RateLimit,
		ResetInterval: cfg.Alerting.ResetInterval,
	})
	alerts.AddHandler(alerting.NewLogHandler(logger))
	if cfg.Alerting.WebhookURL != "" {
		alerts.AddHandler(alerting.NewWebhookHandler(cfg.Alerting.WebhookURL, nil))
	}

	m := metrics.New(metrics.DefaultConfig())

	// Redis backs fallback cache snapshots when enabled
	var snapshots resilience.SnapshotStore = store.NewMemoryStore()
	if cfg.Redis.Enabled {
		redisClient, err := store.NewRedisClient(&cfg.Redis, cfg.RedisAddr())
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Health(ctx); err != nil {
			cancel()
			log.Fatalf("Redis health check failed: %v", err)
		}
		cancel()
		logger.Info("Redis connection established", "addr", cfg.RedisAddr())

		snapshots = store.NewRedisStore(redisClient, 24*time.Hour)
	}

	system := resilience.NewSystem(resilience.SystemConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
			HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		},
		Thresholds: resilience.Thresholds{
			MaxErrorRate:    cfg.Monitor.MaxErrorRate,
			MaxResponseTime: cfg.Monitor.MaxResponseTime,
			MaxCPUPercent:   cfg.Monitor.MaxCPUPercent,
			MaxMemoryMB:     cfg.Monitor.MaxMemoryMB,
		},
		SystemCheckInterval: cfg.Monitor.SystemCheckInterval,
	},
		resilience.WithLogger(logger),
		resilience.WithAlertManager(alerts),
		resilience.WithMetrics(m),
		resilience.WithSnapshotStore(snapshots),
	)

	// The daemon watches its own process resources out of the box. Embedding
	// applications register their services and checks through the package API.
	system.RegisterService("process", resilience.ClassEssential)
	if err := system.Monitor.RegisterCheck(resilience.CheckConfig{
		Service:   "process",
		Kind:      resilience.CheckResource,
		Resource:  resilience.ResourceMemory,
		Threshold: cfg.Monitor.MaxMemoryMB,
		Interval:  cfg.Monitor.DefaultInterval,
		Timeout:   cfg.Monitor.DefaultTimeout,
	}); err != nil {
		log.Fatalf("Failed to register process check: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := system.Start(ctx); err != nil {
		log.Fatalf("Failed to start resilience system: %v", err)
	}

	router := api.NewRouter(cfg, system, m, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting API server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := system.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Resilience system shutdown incomplete")
	}

	logger.Info("Exited")
}
