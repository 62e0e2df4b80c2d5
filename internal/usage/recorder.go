// Package usage ships per-call usage records to a billing sink without
// blocking the request path.
package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mixaill76/evm_gateway/internal/monitoring"
)

// ErrQueueFull is returned by Record when the queue has no room.
var ErrQueueFull = errors.New("usage: queue full")

// ErrClosed is returned by Record after Shutdown.
var ErrClosed = errors.New("usage: recorder closed")

// Record is one routed call.
type Record struct {
	AccountID string
	Network   string
	Method    string
	Timestamp time.Time
}

// Sink persists a batch of records.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
}

// Config for the recorder. Zero values fall back to defaults.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	MaxRetries    uint64
	RetryInitial  time.Duration
}

func (c *Config) ApplyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
}

// Stats are recorder counters.
type Stats struct {
	QueueLen  int
	QueueCap  int
	Queued    uint64
	Written   uint64
	Dropped   uint64
	Errors    uint64
	BatchesOK uint64
}

// Recorder batches records in the background.
//
// Record never blocks: when the queue is full the record is dropped and
// counted. Batches are flushed when full or on every FlushInterval tick, and
// Shutdown drains whatever is still queued.
type Recorder struct {
	sink    Sink
	config  Config
	metrics *monitoring.Metrics
	logger  *slog.Logger

	queue    chan Record
	stopChan chan struct{}
	stopOnce sync.Once
	// sendMu orders every accepted send before the worker's final drain.
	sendMu sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	queued    atomic.Uint64
	written   atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
	batchesOK atomic.Uint64
}

func NewRecorder(sink Sink, cfg Config, metrics *monitoring.Metrics, logger *slog.Logger) *Recorder {
	cfg.ApplyDefaults()
	return &Recorder{
		sink:     sink,
		config:   cfg,
		metrics:  metrics,
		logger:   logger,
		queue:    make(chan Record, cfg.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start runs the batch worker. Must be called once.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.worker()
	r.logger.Info("Usage recorder started",
		"queue_size", r.config.QueueSize,
		"batch_size", r.config.BatchSize,
		"flush_interval", r.config.FlushInterval,
	)
}

func (r *Recorder) Record(rec Record) error {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.queue <- rec:
		r.queued.Add(1)
		return nil
	default:
		r.dropped.Add(1)
		r.metrics.RecordUsage("dropped", 1)
		r.logger.Warn("Usage record dropped: queue full",
			"account_id", rec.AccountID,
			"network", rec.Network,
			"queue_cap", cap(r.queue),
		)
		return ErrQueueFull
	}
}

// Shutdown stops accepting records and waits until the queue is flushed.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.sendMu.Lock()
		r.closed = true
		r.sendMu.Unlock()
		r.logger.Info("Usage recorder shutting down", "pending", len(r.queue))
		close(r.stopChan)
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Usage recorder shutdown complete",
			"written", r.written.Load(),
			"dropped", r.dropped.Load(),
			"errors", r.errors.Load(),
		)
		return nil
	case <-ctx.Done():
		r.logger.Warn("Usage recorder shutdown timeout", "pending", len(r.queue))
		return ctx.Err()
	}
}

func (r *Recorder) Stats() Stats {
	return Stats{
		QueueLen:  len(r.queue),
		QueueCap:  cap(r.queue),
		Queued:    r.queued.Load(),
		Written:   r.written.Load(),
		Dropped:   r.dropped.Load(),
		Errors:    r.errors.Load(),
		BatchesOK: r.batchesOK.Load(),
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]Record, 0, r.config.BatchSize)
	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.drainQueue(&batch)
			return

		case rec := <-r.queue:
			batch = append(batch, rec)
			if len(batch) >= r.config.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// drainQueue flushes everything still queued in BatchSize chunks.
func (r *Recorder) drainQueue(batch *[]Record) {
	for {
		select {
		case rec := <-r.queue:
			*batch = append(*batch, rec)
			if len(*batch) >= r.config.BatchSize {
				r.flush(*batch)
				*batch = (*batch)[:0]
			}
		default:
			if len(*batch) > 0 {
				r.flush(*batch)
				*batch = (*batch)[:0]
			}
			return
		}
	}
}

// flush writes one batch, retrying with exponential backoff. A batch that
// still fails is dropped and counted.
func (r *Recorder) flush(batch []Record) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.RetryInitial
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
		defer cancel()
		return r.sink.Write(ctx, batch)
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Usage batch write failed",
			"attempt", attempt,
			"batch_size", len(batch),
			"retry_in", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithMaxRetries(b, r.config.MaxRetries), notify); err != nil {
		r.errors.Add(uint64(len(batch)))
		r.metrics.RecordUsage("failed", len(batch))
		r.logger.Error("Usage batch discarded after retries",
			"batch_size", len(batch),
			"attempts", attempt,
			"error", err,
		)
		return
	}

	r.written.Add(uint64(len(batch)))
	r.batchesOK.Add(1)
	r.metrics.RecordUsage("written", len(batch))
	r.logger.Debug("Usage batch written", "count", len(batch), "attempt", attempt)
}
