// Package database wraps a pgx connection pool with a background health loop
// and capped reconnect backoff.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mixaill76/evm_gateway/internal/security"
)

// ErrUnavailable is returned while the pool is closed or unhealthy.
var ErrUnavailable = errors.New("database: unavailable")

const (
	healthCheckQuery   = "SELECT 1"
	maxReconnectDelay  = 30 * time.Second
	initialReconnect   = time.Second
	healthCheckTimeout = 5 * time.Second
)

// Config for the connection pool.
type Config struct {
	DatabaseURL         string
	MaxConns            int32
	MinConns            int32
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database: database_url is required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("database: min_conns (%d) exceeds max_conns (%d)", c.MinConns, c.MaxConns)
	}
	return nil
}

// Pool manages PostgreSQL connections and tracks their health.
type Pool struct {
	pool   *pgxpool.Pool
	config Config
	logger *slog.Logger

	healthy atomic.Bool
	closed  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnectMu   sync.Mutex
	lastReconnect time.Time
	reconnect     *backoff.ExponentialBackOff
	nextReconnect time.Duration
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialReconnect
	b.MaxInterval = maxReconnectDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// New connects, pings and starts the health loop.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: invalid database URL: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.HealthCheckPeriod = cfg.HealthCheckInterval
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolConfig.ConnConfig.OnNotice = func(c *pgconn.PgConn, n *pgconn.Notice) {
		logger.Debug("PostgreSQL notice", "severity", n.Severity, "message", n.Message)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database: failed to connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		pool:      pool,
		config:    cfg,
		logger:    logger,
		ctx:       loopCtx,
		cancel:    cancel,
		reconnect: newReconnectBackoff(),
	}
	p.nextReconnect = p.reconnect.NextBackOff()
	p.healthy.Store(true)

	p.wg.Add(1)
	go p.healthCheckLoop()

	logger.Info("Database connection pool initialized",
		"max_conns", cfg.MaxConns,
		"min_conns", cfg.MinConns,
		"database", security.MaskDatabaseURL(cfg.DatabaseURL),
	)
	return p, nil
}

func (p *Pool) available() bool {
	return p != nil && p.pool != nil && !p.closed.Load() && p.healthy.Load()
}

// IsHealthy reports the last health check outcome.
func (p *Pool) IsHealthy() bool {
	return p != nil && p.healthy.Load()
}

// QueryRow runs a single-row query; while unavailable the row scans ErrUnavailable.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if !p.available() {
		return errRow{err: ErrUnavailable}
	}
	return p.pool.QueryRow(ctx, sql, args...)
}

// CopyFrom bulk-inserts rows with the COPY protocol.
func (p *Pool) CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, rows pgx.CopyFromSource) (int64, error) {
	if !p.available() {
		return 0, ErrUnavailable
	}
	return p.pool.CopyFrom(ctx, table, columns, rows)
}

// Exec runs a statement without result rows.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) error {
	if !p.available() {
		return ErrUnavailable
	}
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}

// Stats returns pool statistics, nil before connect.
func (p *Pool) Stats() *pgxpool.Stat {
	if p == nil || p.pool == nil {
		return nil
	}
	return p.pool.Stat()
}

// Close stops the health loop and closes all connections. Safe to call twice.
func (p *Pool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		p.logger.Warn("Database health check goroutine did not stop within timeout")
	}

	if p.pool != nil {
		p.pool.Close()
	}
	p.logger.Info("Database connection pool closed")
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.performHealthCheck()
		}
	}
}

func (p *Pool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(p.ctx, healthCheckTimeout)
	defer cancel()

	var one int
	if err := p.pool.QueryRow(ctx, healthCheckQuery).Scan(&one); err != nil {
		if p.healthy.Swap(false) {
			p.logger.Error("Database health check failed", "error", err)
		}
		p.tryReconnect()
		return
	}
	if !p.healthy.Swap(true) {
		p.logger.Info("Database connection restored")
		p.resetBackoff()
	}
}

func (p *Pool) resetBackoff() {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()
	p.reconnect.Reset()
	p.nextReconnect = p.reconnect.NextBackOff()
}

// tryReconnect pings at most once per backoff delay; the delay doubles up to
// maxReconnectDelay while pings keep failing.
func (p *Pool) tryReconnect() {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()

	if time.Since(p.lastReconnect) < p.nextReconnect {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.ConnectTimeout)
	defer cancel()

	err := p.pool.Ping(ctx)
	p.lastReconnect = time.Now()
	if err != nil {
		p.nextReconnect = p.reconnect.NextBackOff()
		p.logger.Error("Database reconnection failed", "error", err, "next_delay", p.nextReconnect)
		return
	}

	p.healthy.Store(true)
	p.reconnect.Reset()
	p.nextReconnect = p.reconnect.NextBackOff()
	p.logger.Info("Database reconnection successful")
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...any) error {
	return r.err
}
