package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/mixaill76/evm_gateway/internal/security"
)

// resolveEnvString resolves environment variable if value is in format "os.environ/VAR_NAME"
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		slog.Warn("environment variable not set, returning empty string",
			"env_var", envVar,
			"pattern", value,
		)
		return ""
	}
	return value
}

// parseFunc is a function type that parses a string value into the desired type
type parseFunc[T any] func(string) (T, error)

// parseField resolves env variable and parses value with proper error context
func parseField[T any](tempValue string, defaultValue T, parser parseFunc[T], fieldPath string) (T, error) {
	if tempValue == "" {
		return defaultValue, nil
	}

	resolved := resolveEnvString(tempValue)
	if resolved == "" {
		return defaultValue, nil
	}
	parsed, err := parser(resolved)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid %s: %w", fieldPath, err)
	}
	return parsed, nil
}

// PrintConfig outputs the configuration in a structured, readable format to the logger
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("server",
		"port", cfg.Server.Port,
		"max_body_size_mb", cfg.Server.MaxBodySizeMB,
		"request_timeout", cfg.Server.RequestTimeout.String(),
		"read_timeout", cfg.Server.ReadTimeout.String(),
		"write_timeout", cfg.Server.WriteTimeout.String(),
		"idle_timeout", cfg.Server.IdleTimeout.String(),
		"shutdown_timeout", cfg.Server.ShutdownTimeout.String(),
		"logging_level", cfg.Server.LoggingLevel,
		"log_format", cfg.Server.LogFormat,
		"maintenance", cfg.Server.Maintenance,
		"batch_concurrency", cfg.Server.BatchConcurrency,
		"max_batch_size", cfg.Server.MaxBatchSize,
	)

	logger.Info("health",
		"degrade_after", cfg.Health.DegradeAfter,
		"down_after", cfg.Health.DownAfter,
		"probe_interval", cfg.Health.ProbeInterval.String(),
		"probe_timeout", cfg.Health.ProbeTimeout.String(),
		"probe_workers", cfg.Health.ProbeWorkers,
		"max_attempts", cfg.Health.MaxAttempts,
		"latency_alpha", cfg.Health.LatencyAlpha,
	)

	logger.Info("rate_limit",
		"window", cfg.RateLimit.Window.String(),
		"idle_ttl", cfg.RateLimit.IdleTTL.String(),
		"tier_overrides", len(cfg.RateLimit.Tiers),
	)
	tiers := make([]string, 0, len(cfg.RateLimit.Tiers))
	for name := range cfg.RateLimit.Tiers {
		tiers = append(tiers, name)
	}
	sort.Strings(tiers)
	for _, name := range tiers {
		tier := cfg.RateLimit.Tiers[name]
		logger.Info("  tier",
			"name", name,
			"requests_per_minute", tier.RequestsPerMinute,
			"daily_cap", dailyCapToString(tier.DailyCap),
		)
	}

	logger.Info("subscriptions",
		"client_queue_size", cfg.Subscriptions.ClientQueueSize,
		"write_timeout", cfg.Subscriptions.WriteTimeout.String(),
		"ping_interval", cfg.Subscriptions.PingInterval.String(),
		"max_message_size", cfg.Subscriptions.MaxMessageSize,
		"stream_max_backoff", cfg.Subscriptions.StreamMaxBackoff.String(),
		"max_subscriptions_per_conn", cfg.Subscriptions.MaxSubscriptionsPerConn,
	)

	if cfg.Accounts.DatabaseURL != "" {
		logger.Info("accounts (DATABASE)",
			"database_url", security.MaskDatabaseURL(cfg.Accounts.DatabaseURL),
			"auth_cache_ttl", cfg.Accounts.AuthCacheTTL.String(),
			"auth_cache_size", cfg.Accounts.AuthCacheSize,
			"max_conns", cfg.Database.MaxConns,
			"min_conns", cfg.Database.MinConns,
			"health_check_interval", cfg.Database.HealthCheckInterval.String(),
			"connect_timeout", cfg.Database.ConnectTimeout.String(),
		)
	} else {
		logger.Info("accounts (STATIC)",
			"keys", len(cfg.Accounts.Keys),
			"auth_cache_ttl", cfg.Accounts.AuthCacheTTL.String(),
		)
	}

	logger.Info("usage",
		"enabled", cfg.Usage.Enabled,
		"queue_size", cfg.Usage.QueueSize,
		"batch_size", cfg.Usage.BatchSize,
		"flush_interval", cfg.Usage.FlushInterval.String(),
	)

	logger.Info("monitoring",
		"prometheus_enabled", cfg.Monitoring.PrometheusEnabled,
		"health_check_path", cfg.Monitoring.HealthCheckPath,
		"log_errors", cfg.Monitoring.LogErrors,
		"errors_log_path", cfg.Monitoring.ErrorsLogPath,
	)

	logger.Info("networks", "total_count", len(cfg.Networks))
	for i, n := range cfg.Networks {
		logger.Info(fmt.Sprintf("  [%d] network", i),
			"name", n.Name,
			"chain_id", n.ChainID,
			"endpoints", len(n.Endpoints),
			"method_remaps", len(n.MethodRemap),
			"extra_methods", len(n.ExtraMethods),
		)
		for _, ep := range n.Endpoints {
			logger.Info("    endpoint",
				"name", ep.Name,
				"url", security.MaskEndpointURL(ep.URL),
				"ws", ep.WSURL != "",
			)
		}
	}

	logger.Info("=== Configuration Ready ===")
}

// dailyCapToString shows "unlimited" for a zero cap.
func dailyCapToString(limit int) string {
	if limit == 0 {
		return "unlimited (0)"
	}
	return fmt.Sprintf("%d", limit)
}
