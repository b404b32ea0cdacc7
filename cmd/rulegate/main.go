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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentscan-rulegate/internal/api"
	"github.com/NikhilSetiya/agentscan-rulegate/internal/rules"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/cache"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/config"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/health"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/metrics"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/resilience"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/tracing"
)

const (
	serviceName    = "agentscan-rulegate"
	serviceVersion = "1.0.0"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: serviceName,
		Version:     serviceVersion,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Rule gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsConfig := &metrics.Config{Namespace: cfg.Metrics.Namespace, Enabled: cfg.Metrics.Enabled}
	m := metrics.NewMetrics(metricsConfig, prometheus.NewRegistry())

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Tracing.Environment,
		Exporter:       cfg.Tracing.Exporter,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	alerts := resilience.NewAlertManager()
	alerts.AddHandler(resilience.NewLoggingAlertHandler())

	res := resilience.New(resilience.Config{
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
			CallTimeout:      cfg.Breaker.CallTimeout,
			Interval:         cfg.Breaker.DecayInterval,
			OnStateChange:    m.CircuitStateChanged,
		},
		Degradation: resilience.DegradationConfig{
			StabilityWindow: cfg.Degradation.StabilityWindow,
			HistoryLimit:    cfg.Degradation.HistoryLimit,
			OnLevelChange:   m.LevelChanged,
		},
		Alerts: alerts,
	})
	if err := m.Register(metricsConfig, res); err != nil {
		return fmt.Errorf("failed to register status collector: %w", err)
	}

	httpClient, err := rules.NewHTTPClient(ctx, cfg.RuleSource)
	if err != nil {
		return err
	}
	source, err := rules.NewGitHubSource(cfg.RuleSource, tracer.InstrumentHTTPClient(httpClient))
	if err != nil {
		return err
	}

	loader, err := rules.NewLoader(rules.LoaderConfig{
		Source:     source,
		Resilience: res,
		RuleSets: cache.New[*rules.RuleSet](cache.Config{
			Name:          cache.RuleSetCacheName,
			MaxSize:       cfg.Cache.RuleSetMaxSize,
			DefaultTTL:    cfg.Cache.RuleSetTTL,
			SweepInterval: cfg.Cache.SweepInterval,
		}),
		Fallback: cache.New[*rules.RuleSet](cache.Config{
			Name:          rules.FallbackCacheName,
			MaxSize:       cfg.Cache.RuleSetMaxSize,
			SweepInterval: -1,
		}),
		Indexes: cache.New[*rules.Index](cache.Config{
			Name:          cache.IndexCacheName,
			MaxSize:       cfg.Cache.IndexMaxSize,
			DefaultTTL:    cfg.Cache.IndexTTL,
			SweepInterval: cfg.Cache.SweepInterval,
		}),
		Policy: resilience.RetryPolicy{
			Name:              rules.GitHubSourceName,
			MaxAttempts:       cfg.Retry.MaxAttempts,
			BaseDelay:         cfg.Retry.BaseDelay,
			MaxDelay:          cfg.Retry.MaxDelay,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			Jitter:            cfg.Retry.Jitter,
			AttemptTimeout:    cfg.Retry.AttemptTimeout,
			ShouldRetry:       resilience.ExternalServicePolicy().ShouldRetry,
		},
		Metrics: m,
		Tracing: tracer,
		Alerts:  resilience.NewErrorAlertGenerator(alerts),
	})
	if err != nil {
		return err
	}
	defer loader.Close()

	healthService := health.NewService(logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"service": serviceName, "version": serviceVersion},
	})
	healthService.RegisterChecker("circuit_breakers", health.NewBreakerChecker(res, "circuit_breakers"))
	healthService.RegisterChecker("service_level", health.NewDegradationChecker(res, "service_level"))
	healthService.RegisterChecker("caches", health.NewCacheChecker(res, "caches"))

	store, redisClient := snapshotStore(cfg)
	if redisClient != nil {
		defer redisClient.Close()
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))
	}
	if store != nil {
		restoreCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if restored, err := loader.RestoreSnapshot(restoreCtx, store); err != nil {
			logger.Warn("Failed to restore rule snapshot", "backend", cfg.Cache.SnapshotBackend, "error", err)
		} else {
			logger.Info("Rule snapshot restored", "backend", cfg.Cache.SnapshotBackend, "rule_sets", restored)
		}
		cancel()
	}

	if len(cfg.RuleSource.Preload) > 0 {
		preloadCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		if err := loader.Preload(preloadCtx, cfg.RuleSource.Preload); err != nil {
			logger.Warn("Rule preload incomplete", "error", err)
		}
		cancel()
	}

	var probe func(context.Context) error
	if len(cfg.RuleSource.Preload) > 0 {
		probeSet := cfg.RuleSource.Preload[0]
		probe = func(ctx context.Context) error {
			return loader.Probe(ctx, probeSet)
		}
	}
	monitor := resilience.NewStatusMonitor(alerts, res.Degradation, cfg.Degradation.MonitorInterval, probe)
	monitor.Start(ctx)
	defer monitor.Stop()

	router := health.NewRouter(health.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          cfg.Logging.Level == "debug",
	})
	router.Use(tracer.TracingMiddleware(), m.PrometheusMiddleware())
	health.NewStatusHandler(res, healthService).RegisterRoutes(router)
	api.NewRulesHandler(loader).RegisterRoutes(router)
	if cfg.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting rule gateway", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down rule gateway")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if store != nil {
		if err := loader.SaveSnapshot(shutdownCtx, store); err != nil {
			logger.Error("Failed to save rule snapshot", "error", err)
		}
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to flush traces", "error", err)
	}

	logger.Info("Rule gateway exited")
	return nil
}

// snapshotStore returns the configured snapshot store, and the Redis client
// backing it when there is one.
func snapshotStore(cfg *config.Config) (cache.SnapshotStore, *redis.Client) {
	switch cfg.Cache.SnapshotBackend {
	case "file":
		return cache.NewFileStore(cfg.Cache.SnapshotPath), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		return cache.NewRedisStore(client, cfg.Redis.Key, 0), client
	default:
		return nil, nil
	}
}
