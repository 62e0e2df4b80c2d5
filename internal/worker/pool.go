package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job represents a unit of work to be processed by a worker.
type Job interface {
	// Execute performs the work synchronously.
	// Context should be used to check for cancellation.
	Execute(ctx context.Context) Result
}

// Result represents the outcome of a job execution.
type Result interface {
	// Error returns any error that occurred during execution, or nil if successful.
	Error() error
}

// SpawnWorkerPool starts numWorkers goroutines consuming jobQueue until it is
// closed. After ctx is cancelled workers drain what is still buffered and exit
// once the queue is closed. The returned WaitGroup tracks all workers.
func SpawnWorkerPool(
	ctx context.Context,
	numWorkers int,
	jobQueue <-chan Job,
	logger *slog.Logger,
) *sync.WaitGroup {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	wg := &sync.WaitGroup{}
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for job := range jobQueue {
				runJob(ctx, workerID, job, logger)
			}
			logger.Debug("Worker exiting", "worker_id", workerID)
		}(i)
	}

	logger.Debug("Worker pool spawned", "num_workers", numWorkers)
	return wg
}

func runJob(ctx context.Context, workerID int, job Job, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Job panicked",
				"worker_id", workerID,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()

	result := job.Execute(ctx)
	if result != nil && result.Error() != nil {
		logger.Debug("Job failed",
			"worker_id", workerID,
			"error", result.Error(),
		)
	}
}

// Pool owns a bounded job queue and its workers.
type Pool struct {
	jobs   chan Job
	wg     *sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool starts numWorkers workers behind a queue of queueSize jobs.
func NewPool(ctx context.Context, numWorkers, queueSize int, logger *slog.Logger) *Pool {
	if queueSize <= 0 {
		queueSize = numWorkers
	}
	jobs := make(chan Job, queueSize)
	return &Pool{
		jobs:   jobs,
		wg:     SpawnWorkerPool(ctx, numWorkers, jobs, logger),
		logger: logger,
	}
}

// TrySubmit enqueues job without blocking. It reports false when the queue is
// full or the pool is closed.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
