package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mixaill76/evm_gateway/internal/accounts"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Health        HealthConfig        `yaml:"health"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Accounts      AccountsConfig      `yaml:"accounts"`
	Usage         UsageConfig         `yaml:"usage"`
	Database      DatabaseConfig      `yaml:"database"`
	Networks      []NetworkConfig     `yaml:"networks"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
}

type ServerConfig struct {
	Port             int           `yaml:"port"`
	MaxBodySizeMB    int           `yaml:"max_body_size_mb"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	LoggingLevel     string        `yaml:"logging_level"`
	LogFormat        string        `yaml:"log_format"`
	Maintenance      bool          `yaml:"maintenance"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
}

type HealthConfig struct {
	DegradeAfter  int           `yaml:"degrade_after"`
	DownAfter     int           `yaml:"down_after"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	ProbeWorkers  int           `yaml:"probe_workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	LatencyAlpha  float64       `yaml:"latency_alpha"`
}

type TierConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// DailyCap of 0 means unlimited.
	DailyCap int `yaml:"daily_cap"`
}

type RateLimitConfig struct {
	Window          time.Duration         `yaml:"window"`
	IdleTTL         time.Duration         `yaml:"idle_ttl"`
	CleanupInterval time.Duration         `yaml:"cleanup_interval"`
	Tiers           map[string]TierConfig `yaml:"tiers"`
}

type SubscriptionsConfig struct {
	ClientQueueSize         int           `yaml:"client_queue_size"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	PingInterval            time.Duration `yaml:"ping_interval"`
	MaxMessageSize          int64         `yaml:"max_message_size"`
	StreamMaxBackoff        time.Duration `yaml:"stream_max_backoff"`
	MaxSubscriptionsPerConn int           `yaml:"max_subscriptions_per_conn"`
}

type KeyConfig struct {
	Key       string `yaml:"key"`
	ID        string `yaml:"id"`
	AccountID string `yaml:"account_id"`
	Tier      string `yaml:"tier"`
	Status    string `yaml:"status"`
}

type AccountsConfig struct {
	DatabaseURL   string        `yaml:"database_url"`
	AuthCacheTTL  time.Duration `yaml:"auth_cache_ttl"`
	AuthCacheSize int           `yaml:"auth_cache_size"`
	// KeysFile is an optional YAML file with more static keys.
	KeysFile string      `yaml:"keys_file"`
	Keys     []KeyConfig `yaml:"keys"`
}

type UsageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type DatabaseConfig struct {
	MaxConns            int32         `yaml:"max_conns"`
	MinConns            int32         `yaml:"min_conns"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
}

type EndpointConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	WSURL string `yaml:"ws_url"`
}

type NetworkConfig struct {
	Name           string            `yaml:"name"`
	ChainID        uint64            `yaml:"chain_id"`
	Endpoints      []EndpointConfig  `yaml:"endpoints"`
	AllowedMethods []string          `yaml:"allowed_methods"`
	MethodRemap    map[string]string `yaml:"method_remap"`
	ExtraMethods   []string          `yaml:"extra_methods"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	HealthCheckPath   string `yaml:"health_check_path"`
	LogErrors         bool   `yaml:"log_errors"`
	ErrorsLogPath     string `yaml:"errors_log_path"`
}

// UnmarshalYAML lets port come from the environment (port: os.environ/PORT).
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Port             string        `yaml:"port"`
		MaxBodySizeMB    int           `yaml:"max_body_size_mb"`
		RequestTimeout   time.Duration `yaml:"request_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		IdleTimeout      time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
		LoggingLevel     string        `yaml:"logging_level"`
		LogFormat        string        `yaml:"log_format"`
		Maintenance      string        `yaml:"maintenance"`
		BatchConcurrency int           `yaml:"batch_concurrency"`
		MaxBatchSize     int           `yaml:"max_batch_size"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	port, err := parseField(temp.Port, 0, strconv.Atoi, "server.port")
	if err != nil {
		return err
	}
	maintenance, err := parseField(temp.Maintenance, false, strconv.ParseBool, "server.maintenance")
	if err != nil {
		return err
	}

	*s = ServerConfig{
		Port:             port,
		MaxBodySizeMB:    temp.MaxBodySizeMB,
		RequestTimeout:   temp.RequestTimeout,
		ReadTimeout:      temp.ReadTimeout,
		WriteTimeout:     temp.WriteTimeout,
		IdleTimeout:      temp.IdleTimeout,
		ShutdownTimeout:  temp.ShutdownTimeout,
		LoggingLevel:     resolveEnvString(temp.LoggingLevel),
		LogFormat:        temp.LogFormat,
		Maintenance:      maintenance,
		BatchConcurrency: temp.BatchConcurrency,
		MaxBatchSize:     temp.MaxBatchSize,
	}
	return nil
}

// UnmarshalYAML accepts "enabled: os.environ/USAGE_ENABLED". Usage recording
// stays on when the key is absent.
func (u *UsageConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled       string        `yaml:"enabled"`
		QueueSize     int           `yaml:"queue_size"`
		BatchSize     int           `yaml:"batch_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	enabled, err := parseField(temp.Enabled, true, strconv.ParseBool, "usage.enabled")
	if err != nil {
		return err
	}

	*u = UsageConfig{
		Enabled:       enabled,
		QueueSize:     temp.QueueSize,
		BatchSize:     temp.BatchSize,
		FlushInterval: temp.FlushInterval,
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Config{Usage: UsageConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Accounts.KeysFile = resolveEnvString(cfg.Accounts.KeysFile)
	if cfg.Accounts.KeysFile != "" {
		keys, err := LoadKeysFile(cfg.Accounts.KeysFile)
		if err != nil {
			return nil, err
		}
		cfg.Accounts.Keys = append(cfg.Accounts.Keys, keys...)
	}

	cfg.Normalize()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize resolves os.environ/ references and cleans up names.
func (c *Config) Normalize() {
	c.Accounts.DatabaseURL = resolveEnvString(c.Accounts.DatabaseURL)
	c.Accounts.KeysFile = resolveEnvString(c.Accounts.KeysFile)
	for i := range c.Accounts.Keys {
		c.Accounts.Keys[i].Key = resolveEnvString(c.Accounts.Keys[i].Key)
		c.Accounts.Keys[i].Tier = strings.ToLower(strings.TrimSpace(c.Accounts.Keys[i].Tier))
		c.Accounts.Keys[i].Status = strings.ToLower(strings.TrimSpace(c.Accounts.Keys[i].Status))
	}

	for i := range c.Networks {
		n := &c.Networks[i]
		n.Name = strings.TrimSpace(n.Name)
		for j := range n.Endpoints {
			ep := &n.Endpoints[j]
			ep.URL = strings.TrimRight(resolveEnvString(ep.URL), "/")
			ep.WSURL = resolveEnvString(ep.WSURL)
			if ep.Name == "" {
				ep.Name = fmt.Sprintf("%s-%d", strings.ToLower(n.Name), j+1)
			}
		}
	}

	c.Server.LoggingLevel = strings.ToLower(c.Server.LoggingLevel)
	c.Server.LogFormat = strings.ToLower(c.Server.LogFormat)
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.MaxBodySizeMB, 10)
	setDefault(&c.Server.RequestTimeout, 30*time.Second)
	setDefault(&c.Server.ReadTimeout, 30*time.Second)
	setDefault(&c.Server.WriteTimeout, 60*time.Second)
	setDefault(&c.Server.IdleTimeout, 120*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)
	setDefault(&c.Server.LoggingLevel, "info")
	setDefault(&c.Server.LogFormat, "text")
	setDefault(&c.Server.BatchConcurrency, 8)
	setDefault(&c.Server.MaxBatchSize, 100)

	setDefault(&c.Health.DegradeAfter, 3)
	setDefault(&c.Health.DownAfter, 3)
	setDefault(&c.Health.ProbeInterval, 15*time.Second)
	setDefault(&c.Health.ProbeTimeout, 5*time.Second)
	setDefault(&c.Health.ProbeWorkers, 4)
	setDefault(&c.Health.MaxAttempts, 2)
	setDefault(&c.Health.LatencyAlpha, 0.2)

	setDefault(&c.RateLimit.Window, time.Minute)
	setDefault(&c.RateLimit.IdleTTL, time.Hour)
	setDefault(&c.RateLimit.CleanupInterval, time.Minute)

	setDefault(&c.Subscriptions.ClientQueueSize, 256)
	setDefault(&c.Subscriptions.WriteTimeout, 10*time.Second)
	setDefault(&c.Subscriptions.PingInterval, 30*time.Second)
	setDefault(&c.Subscriptions.MaxMessageSize, 1<<20)
	setDefault(&c.Subscriptions.StreamMaxBackoff, 30*time.Second)
	setDefault(&c.Subscriptions.MaxSubscriptionsPerConn, 100)

	setDefault(&c.Accounts.AuthCacheTTL, 30*time.Second)
	setDefault(&c.Accounts.AuthCacheSize, 10000)

	setDefault(&c.Usage.QueueSize, 10000)
	setDefault(&c.Usage.BatchSize, 500)
	setDefault(&c.Usage.FlushInterval, 5*time.Second)

	setDefault(&c.Database.MaxConns, 10)
	setDefault(&c.Database.HealthCheckInterval, 30*time.Second)
	setDefault(&c.Database.ConnectTimeout, 5*time.Second)

	setDefault(&c.Monitoring.HealthCheckPath, "/health")
	if c.Monitoring.LogErrors {
		setDefault(&c.Monitoring.ErrorsLogPath, "errors.log")
	}

	for i := range c.Accounts.Keys {
		setDefault(&c.Accounts.Keys[i].Status, string(accounts.StatusActive))
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("invalid max_body_size_mb: %d", c.Server.MaxBodySizeMB)
	}

	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request_timeout: %v", c.Server.RequestTimeout)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "warn": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be info, debug, warn, or error)", c.Server.LoggingLevel)
	}
	if c.Server.LogFormat != "text" && c.Server.LogFormat != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Server.LogFormat)
	}
	if c.Server.MaxBatchSize < 1 {
		return fmt.Errorf("invalid max_batch_size: %d", c.Server.MaxBatchSize)
	}

	if c.Health.DegradeAfter < 1 || c.Health.DownAfter < 1 {
		return fmt.Errorf("health: degrade_after and down_after must be at least 1")
	}
	if c.Health.LatencyAlpha <= 0 || c.Health.LatencyAlpha > 1 {
		return fmt.Errorf("health: latency_alpha must be in (0, 1], got %v", c.Health.LatencyAlpha)
	}

	for name, tier := range c.RateLimit.Tiers {
		if _, err := accounts.ParseTier(name); err != nil {
			return fmt.Errorf("rate_limit: %w", err)
		}
		if tier.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limit: tier %s: invalid requests_per_minute: %d", name, tier.RequestsPerMinute)
		}
		if tier.DailyCap < 0 {
			return fmt.Errorf("rate_limit: tier %s: invalid daily_cap: %d", name, tier.DailyCap)
		}
	}

	if err := c.validateAccounts(); err != nil {
		return err
	}

	if c.Monitoring.LogErrors && c.Monitoring.ErrorsLogPath == "" {
		return fmt.Errorf("monitoring: errors_log_path is required when log_errors is enabled")
	}

	return c.validateNetworks()
}

func (c *Config) validateAccounts() error {
	if c.Accounts.DatabaseURL == "" && len(c.Accounts.Keys) == 0 {
		return fmt.Errorf("no API keys configured: set accounts.database_url or accounts.keys")
	}

	seen := make(map[string]bool, len(c.Accounts.Keys))
	for i, k := range c.Accounts.Keys {
		if k.Key == "" {
			return fmt.Errorf("key %d: key is required", i)
		}
		if k.ID == "" {
			return fmt.Errorf("key %d: id is required", i)
		}
		if seen[k.ID] {
			return fmt.Errorf("key %s: duplicate id", k.ID)
		}
		seen[k.ID] = true
		if _, err := accounts.ParseTier(k.Tier); err != nil {
			return fmt.Errorf("key %s: %w", k.ID, err)
		}
		if _, err := accounts.ParseStatus(k.Status); err != nil {
			return fmt.Errorf("key %s: %w", k.ID, err)
		}
	}
	return nil
}

func (c *Config) validateNetworks() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("no networks configured")
	}

	names := make(map[string]bool, len(c.Networks))
	for i, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("network %d: name is required", i)
		}
		key := strings.ToLower(n.Name)
		if names[key] {
			return fmt.Errorf("network %s: duplicate name", n.Name)
		}
		names[key] = true

		if n.ChainID == 0 {
			return fmt.Errorf("network %s: chain_id is required", n.Name)
		}
		if len(n.Endpoints) == 0 {
			return fmt.Errorf("network %s: at least one endpoint is required", n.Name)
		}

		epNames := make(map[string]bool, len(n.Endpoints))
		for _, ep := range n.Endpoints {
			if epNames[ep.Name] {
				return fmt.Errorf("network %s: duplicate endpoint name %s", n.Name, ep.Name)
			}
			epNames[ep.Name] = true
			if ep.URL == "" {
				return fmt.Errorf("network %s: endpoint %s: url is required", n.Name, ep.Name)
			}
			if err := validateURL(ep.URL, "http", "https"); err != nil {
				return fmt.Errorf("network %s: endpoint %s: url %w", n.Name, ep.Name, err)
			}
			if ep.WSURL != "" {
				if err := validateURL(ep.WSURL, "ws", "wss"); err != nil {
					return fmt.Errorf("network %s: endpoint %s: ws_url %w", n.Name, ep.Name, err)
				}
			}
		}
	}
	return nil
}

// validateURL checks that raw parses with one of schemes and has a host.
func validateURL(raw string, schemes ...string) error {
	parsedURL, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is invalid: %w", err)
	}
	ok := false
	for _, s := range schemes {
		if parsedURL.Scheme == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("must use %s scheme, got: %s", strings.Join(schemes, " or "), parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("must have a host")
	}
	return nil
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
