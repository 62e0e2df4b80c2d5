// Package ratelimit enforces per-key request quotas: a sliding per-minute
// window plus a daily cap that resets at UTC midnight.
package ratelimit

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/mixaill76/evm_gateway/internal/utils"
)

const shardCount = 16

// Reason says which quota denied a request.
type Reason string

const (
	ReasonNone   Reason = ""
	ReasonWindow Reason = "window"
	ReasonDaily  Reason = "daily"
)

// Limits for one key. Zero or negative means unlimited.
type Limits struct {
	RequestsPerMinute int
	DailyCap          int
}

// Decision is the outcome of Consume or Peek.
// Limit, Remaining and ResetAt describe the per-minute window.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type usage struct {
	at     time.Time
	weight int
}

type state struct {
	mu         sync.Mutex
	events     []usage
	inWindow   int
	day        int
	dailyCount int
	lastSeen   time.Time
	// evicted is set by Cleanup once the state is removed from its shard.
	evicted bool
}

type shard struct {
	mu     sync.RWMutex
	states map[string]*state
}

// Options configure a Limiter. Zero values fall back to defaults.
type Options struct {
	Window          time.Duration
	IdleTTL         time.Duration
	CleanupInterval time.Duration
	Clock           utils.Clock
}

// Limiter tracks quota state per key id. Keys map onto independent shards so
// concurrent requests from different keys rarely contend.
type Limiter struct {
	shards          [shardCount]shard
	window          time.Duration
	idleTTL         time.Duration
	cleanupInterval time.Duration
	clock           utils.Clock
	logger          *slog.Logger

	// afterLookup runs between the shard lookup and the state lock.
	afterLookup func()
}

func New(opts Options, logger *slog.Logger) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock
	}
	l := &Limiter{
		window:          opts.Window,
		idleTTL:         opts.IdleTTL,
		cleanupInterval: opts.CleanupInterval,
		clock:           opts.Clock,
		logger:          logger,
	}
	for i := range l.shards {
		l.shards[i].states = make(map[string]*state)
	}
	return l
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (l *Limiter) shard(key string) *shard {
	return &l.shards[shardIndex(key)]
}

// getState returns the state for key, creating it when create is true.
func (l *Limiter) getState(key string, create bool) *state {
	s := l.shard(key)
	s.mu.RLock()
	st := s.states[key]
	s.mu.RUnlock()
	if st != nil || !create {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st = s.states[key]; st == nil {
		st = &state{}
		s.states[key] = st
	}
	return st
}

// lockState returns the live state for key with its mutex held. A state
// evicted by Cleanup between lookup and lock is skipped.
func (l *Limiter) lockState(key string) *state {
	for {
		st := l.getState(key, true)
		if l.afterLookup != nil {
			l.afterLookup()
		}
		st.mu.Lock()
		if !st.evicted {
			return st
		}
		st.mu.Unlock()
	}
}

// Consume checks whether weight more requests fit into both quotas and
// records them if so. A denied request consumes nothing.
func (l *Limiter) Consume(keyID string, limits Limits, weight int) Decision {
	if weight < 1 {
		weight = 1
	}
	st := l.lockState(keyID)
	defer st.mu.Unlock()

	now := l.clock()
	st.lastSeen = now
	l.refresh(st, now)

	if d, denied := l.check(st, limits, weight, now); denied {
		return d
	}

	st.events = append(st.events, usage{at: now, weight: weight})
	st.inWindow += weight
	st.dailyCount += weight

	return l.decision(st, limits, now)
}

// Peek reports the current quota position without consuming anything.
func (l *Limiter) Peek(keyID string, limits Limits) Decision {
	now := l.clock()
	st := l.getState(keyID, false)
	if st != nil {
		st.mu.Lock()
		if st.evicted {
			st.mu.Unlock()
			st = nil
		}
	}
	if st == nil {
		return Decision{
			Allowed:   true,
			Limit:     limits.RequestsPerMinute,
			Remaining: max(limits.RequestsPerMinute, 0),
			ResetAt:   now.Add(l.window),
		}
	}

	defer st.mu.Unlock()
	l.refresh(st, now)
	if d, denied := l.check(st, limits, 1, now); denied {
		return d
	}
	return l.decision(st, limits, now)
}

// refresh drops events that left the window and rolls the daily counter.
// Must be called with st.mu locked.
func (l *Limiter) refresh(st *state, now time.Time) {
	cutoff := now.Add(-l.window)
	drop := 0
	for drop < len(st.events) && !st.events[drop].at.After(cutoff) {
		st.inWindow -= st.events[drop].weight
		drop++
	}
	if drop > 0 {
		st.events = append(st.events[:0], st.events[drop:]...)
	}

	if day := utils.UTCDay(now); day != st.day {
		st.day = day
		st.dailyCount = 0
	}
}

// check returns a denial when weight does not fit. The daily cap is checked
// first since its RetryAfter dominates the window's.
// Must be called with st.mu locked.
func (l *Limiter) check(st *state, limits Limits, weight int, now time.Time) (Decision, bool) {
	if limits.DailyCap > 0 && st.dailyCount+weight > limits.DailyCap {
		d := l.decision(st, limits, now)
		d.Allowed = false
		d.Reason = ReasonDaily
		d.RetryAfter = utils.NextUTCMidnight(now).Sub(now)
		return d, true
	}

	if limits.RequestsPerMinute > 0 && st.inWindow+weight > limits.RequestsPerMinute {
		d := l.decision(st, limits, now)
		d.Allowed = false
		d.Reason = ReasonWindow
		d.RetryAfter = l.retryAfter(st, limits.RequestsPerMinute, weight, now)
		return d, true
	}
	return Decision{}, false
}

// retryAfter is the time until enough of the oldest events expire for weight
// to fit. For weight 1 that is the oldest event's expiry.
func (l *Limiter) retryAfter(st *state, limit, weight int, now time.Time) time.Duration {
	used := st.inWindow
	for _, ev := range st.events {
		used -= ev.weight
		if used+weight <= limit {
			if wait := ev.at.Add(l.window).Sub(now); wait > 0 {
				return wait
			}
			return 0
		}
	}
	// weight exceeds the limit itself; it never fits
	return l.window
}

func (l *Limiter) decision(st *state, limits Limits, now time.Time) Decision {
	d := Decision{
		Allowed: true,
		Limit:   limits.RequestsPerMinute,
		ResetAt: now.Add(l.window),
	}
	if limits.RequestsPerMinute > 0 {
		d.Remaining = max(limits.RequestsPerMinute-st.inWindow, 0)
	}
	if len(st.events) > 0 {
		d.ResetAt = st.events[0].at.Add(l.window)
	}
	return d
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.RLock()
		n += len(s.states)
		s.mu.RUnlock()
	}
	return n
}

// Cleanup evicts keys idle for longer than the idle TTL.
func (l *Limiter) Cleanup() int {
	now := l.clock()
	evicted := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, st := range s.states {
			st.mu.Lock()
			if now.Sub(st.lastSeen) > l.idleTTL {
				st.evicted = true
				delete(s.states, k)
				evicted++
			}
			st.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return evicted
}

// Run evicts idle keys every cleanup interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.Debug("Evicted idle rate limit state", "keys", n)
			}
		}
	}
}
