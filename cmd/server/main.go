package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mixaill76/evm_gateway/internal/accounts"
	"github.com/mixaill76/evm_gateway/internal/adapter"
	"github.com/mixaill76/evm_gateway/internal/auth"
	"github.com/mixaill76/evm_gateway/internal/config"
	"github.com/mixaill76/evm_gateway/internal/database"
	"github.com/mixaill76/evm_gateway/internal/endpoint"
	"github.com/mixaill76/evm_gateway/internal/httputil"
	"github.com/mixaill76/evm_gateway/internal/logger"
	"github.com/mixaill76/evm_gateway/internal/monitoring"
	"github.com/mixaill76/evm_gateway/internal/ratelimit"
	"github.com/mixaill76/evm_gateway/internal/router"
	"github.com/mixaill76/evm_gateway/internal/startup"
	"github.com/mixaill76/evm_gateway/internal/subscription"
	"github.com/mixaill76/evm_gateway/internal/upstream"
	"github.com/mixaill76/evm_gateway/internal/usage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.NewWithFormat(cfg.Server.LoggingLevel, cfg.Server.LogFormat)
	slog.SetDefault(log)

	log.Info("Starting evm_gateway",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
		"networks", len(cfg.Networks),
	)
	config.PrintConfig(log, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	var db *database.Pool
	if cfg.Accounts.DatabaseURL != "" {
		db, err = database.New(ctx, databaseConfig(cfg), log)
		if err != nil {
			log.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
	}

	var querier accounts.RowQuerier
	if db != nil {
		querier = db
	}
	store, err := buildAccountStore(cfg, querier, log)
	if err != nil {
		log.Error("Failed to build account store", "error", err)
		os.Exit(1)
	}
	cache, err := accounts.NewCachedStore(store, cfg.Accounts.AuthCacheSize, cfg.Accounts.AuthCacheTTL, nil, metrics)
	if err != nil {
		log.Error("Failed to create API key cache", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(ratelimit.Options{
		Window:          cfg.RateLimit.Window,
		IdleTTL:         cfg.RateLimit.IdleTTL,
		CleanupInterval: cfg.RateLimit.CleanupInterval,
	}, log)
	go limiter.Run(ctx)

	gate := auth.NewGate(cache, limiter, tierLimits(cfg), metrics, log)

	var recorder *usage.Recorder
	var usageSink router.UsageRecorder
	if cfg.Usage.Enabled {
		var sink usage.Sink = usage.NewLogSink(log)
		if db != nil {
			sink = usage.NewPostgresSink(db)
		}
		recorder = usage.NewRecorder(sink, usage.Config{
			QueueSize:     cfg.Usage.QueueSize,
			BatchSize:     cfg.Usage.BatchSize,
			FlushInterval: cfg.Usage.FlushInterval,
		}, metrics, log)
		recorder.Start()
		usageSink = recorder
	}

	registry := buildRegistry(cfg, metrics, log)
	startup.VerifyEndpointsAtStartup(ctx, registry, cfg.Health.ProbeTimeout, log)

	prober := adapter.NewProber(registry, adapter.ProberConfig{
		Interval: cfg.Health.ProbeInterval,
		Timeout:  cfg.Health.ProbeTimeout,
		Workers:  cfg.Health.ProbeWorkers,
	}, log)
	go prober.Run(ctx)

	rtr := router.New(router.Config{
		RequestTimeout:   cfg.Server.RequestTimeout,
		MaxBodyBytes:     int64(cfg.Server.MaxBodySizeMB) << 20,
		BatchConcurrency: cfg.Server.BatchConcurrency,
		MaxBatchSize:     cfg.Server.MaxBatchSize,
		HealthCheckPath:  cfg.Monitoring.HealthCheckPath,
		MetricsEnabled:   cfg.Monitoring.PrometheusEnabled,
		LogErrors:        cfg.Monitoring.LogErrors,
		ErrorsLogPath:    cfg.Monitoring.ErrorsLogPath,
		Maintenance:      cfg.Server.Maintenance,
	}, registry, gate, usageSink, metrics, log)

	hub := subscription.NewHub(subscription.Config{
		ClientQueueSize:         cfg.Subscriptions.ClientQueueSize,
		WriteTimeout:            cfg.Subscriptions.WriteTimeout,
		PingInterval:            cfg.Subscriptions.PingInterval,
		MaxMessageSize:          cfg.Subscriptions.MaxMessageSize,
		MaxSubscriptionsPerConn: cfg.Subscriptions.MaxSubscriptionsPerConn,
	}, registry, rtr, metrics, log)

	if cfg.Monitoring.PrometheusEnabled {
		go updateGauges(ctx, metrics, limiter, recorder, cache)
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      rtr.Handler(hub),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")
	rtr.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Warn("WebSocket connections did not close in time", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	cancel()
	registry.Close()
	if recorder != nil {
		if err := recorder.Shutdown(shutdownCtx); err != nil {
			log.Error("Usage recorder did not drain in time", "error", err, "stats", recorder.Stats())
		}
	}
	if db != nil {
		db.Close()
	}
	router.CloseErrorLogFiles()

	log.Info("Server shutdown complete")
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		DatabaseURL:         cfg.Accounts.DatabaseURL,
		MaxConns:            cfg.Database.MaxConns,
		MinConns:            cfg.Database.MinConns,
		HealthCheckInterval: cfg.Database.HealthCheckInterval,
		ConnectTimeout:      cfg.Database.ConnectTimeout,
	}
}

// buildAccountStore prefers the database. Static keys are used when no
// database is configured.
func buildAccountStore(cfg *config.Config, db accounts.RowQuerier, log *slog.Logger) (accounts.Store, error) {
	if db != nil {
		log.Info("Using PostgreSQL account store")
		return accounts.NewPostgresStore(db, log), nil
	}

	keys := make([]accounts.StaticKey, 0, len(cfg.Accounts.Keys))
	for _, k := range cfg.Accounts.Keys {
		tier, err := accounts.ParseTier(k.Tier)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.ID, err)
		}
		status, err := accounts.ParseStatus(k.Status)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.ID, err)
		}
		keys = append(keys, accounts.StaticKey{
			Key:       k.Key,
			ID:        k.ID,
			AccountID: k.AccountID,
			Tier:      tier,
			Status:    status,
		})
	}
	store, err := accounts.NewStaticStore(keys)
	if err != nil {
		return nil, err
	}
	log.Info("Using static account store", "keys", store.Len())
	return store, nil
}

// tierLimits converts the configured tier overrides. Tiers left out keep
// their defaults.
func tierLimits(cfg *config.Config) map[accounts.Tier]ratelimit.Limits {
	out := make(map[accounts.Tier]ratelimit.Limits, len(cfg.RateLimit.Tiers))
	for name, t := range cfg.RateLimit.Tiers {
		tier, err := accounts.ParseTier(name)
		if err != nil {
			continue
		}
		out[tier] = ratelimit.Limits{RequestsPerMinute: t.RequestsPerMinute, DailyCap: t.DailyCap}
	}
	return out
}

func buildRegistry(cfg *config.Config, metrics *monitoring.Metrics, log *slog.Logger) *adapter.Registry {
	client := httputil.NewHTTPClient(&httputil.HTTPClientConfig{Timeout: cfg.Server.RequestTimeout})
	caller := upstream.NewHTTPCaller(client, 0, log)
	dialer := upstream.NewWSDialer(0, cfg.Subscriptions.MaxMessageSize, log)

	thresholds := endpoint.Thresholds{
		DegradeAfter: cfg.Health.DegradeAfter,
		DownAfter:    cfg.Health.DownAfter,
		LatencyAlpha: cfg.Health.LatencyAlpha,
	}

	adapters := make([]*adapter.Adapter, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		eps := make([]*endpoint.Endpoint, 0, len(n.Endpoints))
		for i, ep := range n.Endpoints {
			eps = append(eps, endpoint.New(ep.Name, ep.URL, ep.WSURL, i, thresholds, nil))
		}
		adapters = append(adapters, adapter.New(adapter.Options{
			Name:             n.Name,
			ChainID:          n.ChainID,
			AllowedMethods:   n.AllowedMethods,
			ExtraMethods:     n.ExtraMethods,
			MethodRemap:      n.MethodRemap,
			MaxAttempts:      cfg.Health.MaxAttempts,
			StreamMaxBackoff: cfg.Subscriptions.StreamMaxBackoff,
		}, eps, caller, dialer, metrics, log))
	}
	return adapter.NewRegistry(adapters...)
}

// updateGauges samples background component sizes every 10 seconds.
func updateGauges(ctx context.Context, metrics *monitoring.Metrics, limiter *ratelimit.Limiter, recorder *usage.Recorder, cache *accounts.CachedStore) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queue := 0
			if recorder != nil {
				queue = recorder.Stats().QueueLen
			}
			metrics.UpdateBackgroundGauges(limiter.Len(), queue, cache.Stats().Size)
		}
	}
}
