package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/evm_gateway/internal/testhelpers"
)

var freeTier = Limits{RequestsPerMinute: 20, DailyCap: 10000}

func newTestLimiter(start time.Time) (*Limiter, *testhelpers.FakeClock) {
	clock := testhelpers.NewFakeClock(start)
	l := New(Options{Clock: clock.Now}, testhelpers.NewTestLogger())
	return l, clock
}

func TestConsume_AllowsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	for i := 0; i < 20; i++ {
		d := l.Consume("key1", freeTier, 1)
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 20-(i+1), d.Remaining)
	}

	d := l.Consume("key1", freeTier, 1)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonWindow, d.Reason)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 20, d.Limit)
}

func TestConsume_RetryAfterIsOldestExpiry(t *testing.T) {
	l, clock := newTestLimiter(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	limits := Limits{RequestsPerMinute: 3}

	l.Consume("key1", limits, 1)
	clock.Advance(10 * time.Second)
	l.Consume("key1", limits, 1)
	l.Consume("key1", limits, 1)
	clock.Advance(5 * time.Second)

	d := l.Consume("key1", limits, 1)
	require.False(t, d.Allowed)
	assert.Equal(t, 45*time.Second, d.RetryAfter)
}

func TestConsume_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	limits := Limits{RequestsPerMinute: 2}

	assert.True(t, l.Consume("key1", limits, 1).Allowed)
	clock.Advance(30 * time.Second)
	assert.True(t, l.Consume("key1", limits, 1).Allowed)
	assert.False(t, l.Consume("key1", limits, 1).Allowed)

	clock.Advance(30 * time.Second)
	assert.True(t, l.Consume("key1", limits, 1).Allowed, "first event left the window")
	assert.False(t, l.Consume("key1", limits, 1).Allowed)
}

func TestConsume_DeniedRequestsDoNotCount(t *testing.T) {
	l, clock := newTestLimiter(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	limits := Limits{RequestsPerMinute: 1}

	assert.True(t, l.Consume("key1", limits, 1).Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Consume("key1", limits, 1).Allowed)
	}
	clock.Advance(time.Minute)
	assert.True(t, l.Consume("key1", limits, 1).Allowed)
}

func TestConsume_Weight(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	limits := Limits{RequestsPerMinute: 10}

	d := l.Consume("key1", limits, 7)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)

	d = l.Consume("key1", limits, 4)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)

	assert.True(t, l.Consume("key1", limits, 3).Allowed)
}

func TestConsume_WeightAboveLimitNeverFits(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	d := l.Consume("key1", Limits{RequestsPerMinute: 5}, 6)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)
}

func TestConsume_DailyCapResetsAtUTCMidnight(t *testing.T) {
	l, clock := newTestLimiter(time.Date(2024, 3, 10, 23, 50, 0, 0, time.UTC))
	limits := Limits{RequestsPerMinute: 100, DailyCap: 3}

	for i := 0; i < 3; i++ {
		clock.Advance(2 * time.Minute)
		assert.True(t, l.Consume("key1", limits, 1).Allowed)
	}
	clock.Advance(2 * time.Minute) // 23:58

	d := l.Consume("key1", limits, 1)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonDaily, d.Reason)
	assert.Equal(t, 2*time.Minute, d.RetryAfter)

	clock.Advance(2 * time.Minute) // 00:00 next day
	assert.True(t, l.Consume("key1", limits, 1).Allowed)
}

func TestConsume_UnlimitedDaily(t *testing.T) {
	l, clock := newTestLimiter(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))
	limits := Limits{RequestsPerMinute: 3000}

	for i := 0; i < 50; i++ {
		clock.Advance(time.Second)
		require.True(t, l.Consume("key1", limits, 100).Allowed)
		clock.Advance(time.Minute)
	}
}

func TestConsume_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	limits := Limits{RequestsPerMinute: 1}

	assert.True(t, l.Consume("key1", limits, 1).Allowed)
	assert.False(t, l.Consume("key1", limits, 1).Allowed)
	assert.True(t, l.Consume("key2", limits, 1).Allowed)
}

func TestConsume_ConcurrentNeverExceedsLimit(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	limits := Limits{RequestsPerMinute: 50}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Consume("shared", limits, 1).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestPeek_DoesNotConsume(t *testing.T) {
	l, _ := newTestLimiter(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	limits := Limits{RequestsPerMinute: 2}

	d := l.Peek("key1", limits)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Equal(t, 0, l.Len())

	l.Consume("key1", limits, 1)
	l.Peek("key1", limits)
	l.Peek("key1", limits)
	assert.Equal(t, 1, l.Peek("key1", limits).Remaining)

	l.Consume("key1", limits, 1)
	assert.False(t, l.Peek("key1", limits).Allowed)
}

func TestCleanup_EvictsIdleKeys(t *testing.T) {
	clock := testhelpers.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	l := New(Options{IdleTTL: 10 * time.Minute, Clock: clock.Now}, testhelpers.NewTestLogger())

	for i := 0; i < 40; i++ {
		l.Consume(fmt.Sprintf("key-%d", i), freeTier, 1)
	}
	clock.Advance(5 * time.Minute)
	l.Consume("key-0", freeTier, 1)
	assert.Equal(t, 40, l.Len())

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 39, l.Cleanup())
	assert.Equal(t, 1, l.Len())
}

func TestConsume_StateEvictedBeforeLockIsNotCharged(t *testing.T) {
	clock := testhelpers.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	l := New(Options{IdleTTL: 10 * time.Minute, Clock: clock.Now}, testhelpers.NewTestLogger())

	l.Consume("key-a", freeTier, 1)
	clock.Advance(11 * time.Minute)

	// Cleanup runs after Consume found the idle state but before it locked it.
	var once sync.Once
	l.afterLookup = func() {
		once.Do(func() { assert.Equal(t, 1, l.Cleanup()) })
	}

	d := l.Consume("key-a", freeTier, 1)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, freeTier.RequestsPerMinute-1, l.Peek("key-a", freeTier).Remaining)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	l := New(Options{CleanupInterval: time.Millisecond}, testhelpers.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
