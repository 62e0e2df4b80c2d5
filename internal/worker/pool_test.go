package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mixaill76/evm_gateway/internal/testhelpers"
)

type countJob struct {
	n   *atomic.Int64
	err error
}

type countResult struct{ err error }

func (r countResult) Error() error { return r.err }

func (j countJob) Execute(ctx context.Context) Result {
	j.n.Add(1)
	return countResult{err: j.err}
}

type panicJob struct{}

func (panicJob) Execute(ctx context.Context) Result {
	panic("boom")
}

func TestSpawnWorkerPool_ProcessesAllJobs(t *testing.T) {
	var n atomic.Int64
	jobs := make(chan Job, 10)
	wg := SpawnWorkerPool(context.Background(), 3, jobs, testhelpers.NewTestLogger())

	for i := 0; i < 10; i++ {
		jobs <- countJob{n: &n, err: errors.New("ignored")}
	}
	close(jobs)
	wg.Wait()

	assert.Equal(t, int64(10), n.Load())
}

func TestSpawnWorkerPool_SurvivesPanics(t *testing.T) {
	var n atomic.Int64
	jobs := make(chan Job, 3)
	wg := SpawnWorkerPool(context.Background(), 1, jobs, testhelpers.NewTestLogger())

	jobs <- panicJob{}
	jobs <- countJob{n: &n}
	close(jobs)
	wg.Wait()

	assert.Equal(t, int64(1), n.Load())
}

func TestPool_TrySubmitAndClose(t *testing.T) {
	var n atomic.Int64
	pool := NewPool(context.Background(), 2, 4, testhelpers.NewTestLogger())

	for i := 0; i < 4; i++ {
		assert.Eventually(t, func() bool { return pool.TrySubmit(countJob{n: &n}) }, time.Second, time.Millisecond)
	}
	pool.Close()
	pool.Close()

	assert.Equal(t, int64(4), n.Load())
	assert.False(t, pool.TrySubmit(countJob{n: &n}))
}

func TestPool_TrySubmitFullQueue(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(context.Background(), 1, 1, testhelpers.NewTestLogger())
	defer func() {
		close(block)
		pool.Close()
	}()

	started := make(chan struct{})
	assert.True(t, pool.TrySubmit(blockingJob{started: started, block: block}))
	<-started
	assert.True(t, pool.TrySubmit(blockingJob{block: block}))
	assert.False(t, pool.TrySubmit(blockingJob{block: block}))
}

type blockingJob struct {
	started chan struct{}
	block   chan struct{}
}

func (j blockingJob) Execute(ctx context.Context) Result {
	if j.started != nil {
		close(j.started)
	}
	<-j.block
	return nil
}
