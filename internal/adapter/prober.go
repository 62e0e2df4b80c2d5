package adapter

import (
	"context"
	"log/slog"
	"time"

	"github.com/mixaill76/evm_gateway/internal/endpoint"
	"github.com/mixaill76/evm_gateway/internal/worker"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeWorkers  = 4
)

// ProberConfig tunes background health probing.
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	Workers  int
}

// Prober periodically probes DEGRADED and DOWN endpoints so they can recover
// without client traffic.
type Prober struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	workers  int
	logger   *slog.Logger
}

func NewProber(registry *Registry, cfg ProberConfig, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultProbeWorkers
	}
	return &Prober{
		registry: registry,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		workers:  cfg.Workers,
		logger:   logger,
	}
}

type probeJob struct {
	adapter  *Adapter
	endpoint *endpoint.Endpoint
	timeout  time.Duration
}

type probeResult struct {
	err error
}

func (r probeResult) Error() error {
	return r.err
}

func (j probeJob) Execute(ctx context.Context) worker.Result {
	return probeResult{err: j.adapter.Probe(ctx, j.endpoint, j.timeout)}
}

// Run probes on every tick until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	pool := newProbePool(ctx, p)
	defer pool.Close()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Health prober started",
		"interval", p.interval,
		"workers", p.workers,
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Health prober stopped")
			return
		case <-ticker.C:
			p.tick(pool)
		}
	}
}

func newProbePool(ctx context.Context, p *Prober) *worker.Pool {
	return worker.NewPool(ctx, p.workers, p.workers*4, p.logger)
}

// tick queues one probe per unhealthy endpoint. Probes that do not fit in the
// queue are skipped until the next tick.
func (p *Prober) tick(pool *worker.Pool) int {
	queued := 0
	for _, a := range p.registry.All() {
		for _, ep := range a.unhealthy() {
			if pool.TrySubmit(probeJob{adapter: a, endpoint: ep, timeout: p.timeout}) {
				queued++
				continue
			}
			p.logger.Debug("Probe queue full, skipping", "network", a.Name(), "endpoint", ep.Name)
		}
	}
	return queued
}
