package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"realguard/internal/config"
	"realguard/internal/database"
	"realguard/internal/handlers"
	"realguard/internal/metrics"
	"realguard/internal/middleware"
	"realguard/internal/monitor"
	"realguard/internal/realtime"
	"realguard/internal/securelog"
	"realguard/internal/store"
)

const (
	serviceName = "security-monitor"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := securelog.New(serviceName, securelog.WithTenant(cfg.TenantID))
	defer logger.Sync()

	logger.Info("Starting security compliance monitor", map[string]any{
		"service":     serviceName,
		"version":     version,
		"environment": cfg.Environment,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Key-value store: redis in production, in-memory fallback for
	// development runs without infrastructure.
	var kv store.KV
	var redisStore *store.RedisStore
	redisStore, err = store.NewRedisStore(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.Database, cfg.Redis.PoolSize)
	if err != nil {
		if cfg.Environment == "production" {
			logger.Error("Failed to connect to redis", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		logger.Warning("Redis unavailable, using in-memory store", map[string]any{"error": err.Error()})
		kv = store.NewMemoryStore()
	} else {
		kv = redisStore
	}
	defer kv.Close()

	// Relational store backs the compliance and bulk-PII sweeps.
	var repo database.ComplianceRepository
	db, err := database.Connect(cfg.Database)
	if err != nil {
		if cfg.Environment == "production" {
			logger.Error("Failed to connect to database", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
		logger.Warning("Database unavailable, compliance sweeps run against an empty repository",
			map[string]any{"error": err.Error()})
		repo = database.NewMemoryRepository()
	} else {
		repo = database.NewGormRepository(db)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	mon := monitor.New(cfg, logger, collector, kv, repo)
	mon.Start(ctx)
	defer mon.Stop()

	security := middleware.NewSecurity(cfg, logger, collector, kv, mon)

	var hubOpts []realtime.Option
	if redisStore != nil {
		hubOpts = append(hubOpts, realtime.WithRedis(redisStore.Client()))
	}
	hub := realtime.NewHub(logger, func() any { return mon.DashboardData() },
		cfg.Monitoring.DashboardInterval, hubOpts...)
	go hub.Run(ctx)

	mon.SetAlertSink(func(incident *monitor.SecurityIncident) {
		hub.PushAlert(realtime.Alert{
			ID:       incident.IncidentID,
			Title:    incident.IncidentType,
			Severity: string(incident.ThreatLevel),
			Category: "security_incident",
			Message:  incident.Description,
		})
	})

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.Handler())
	handlers.New(mon, security, hub, logger, registry).Register(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server", map[string]any{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", map[string]any{"error": err.Error()})
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", map[string]any{"signal": sig.String()})
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down", nil)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", map[string]any{"error": err.Error()})
	}

	mon.Stop()
	logger.Info("Service shutdown complete", nil)
}
