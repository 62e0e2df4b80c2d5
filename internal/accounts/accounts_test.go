package accounts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/evm_gateway/internal/testhelpers"
)

func TestHashKey(t *testing.T) {
	h := HashKey("sk-test")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashKey("sk-test"))
	assert.NotEqual(t, h, HashKey("sk-test2"))
}

func TestParseTierAndStatus(t *testing.T) {
	tier, err := ParseTier("pro")
	require.NoError(t, err)
	assert.Equal(t, TierPro, tier)
	_, err = ParseTier("gold")
	assert.Error(t, err)

	status, err := ParseStatus("revoked")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, status)
	_, err = ParseStatus("deleted")
	assert.Error(t, err)
}

func TestStaticStore(t *testing.T) {
	store, err := NewStaticStore([]StaticKey{
		{Key: "sk-free", ID: "k1", AccountID: "acct-1", Tier: TierFree},
		{Key: "sk-banned", ID: "k2", AccountID: "acct-2", Tier: TierPro, Status: StatusSuspended},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	key, err := store.Lookup(context.Background(), HashKey("sk-free"))
	require.NoError(t, err)
	assert.Equal(t, "k1", key.ID)
	assert.True(t, key.Active())

	key, err = store.Lookup(context.Background(), HashKey("sk-banned"))
	require.NoError(t, err)
	assert.False(t, key.Active())

	_, err = store.Lookup(context.Background(), HashKey("sk-unknown"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStaticStore_RejectsBadKeys(t *testing.T) {
	_, err := NewStaticStore([]StaticKey{{Key: "", Tier: TierFree}})
	assert.Error(t, err)
	_, err = NewStaticStore([]StaticKey{{Key: "sk", Tier: "platinum"}})
	assert.Error(t, err)
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

type fakeQuerier struct {
	row  fakeRow
	args []any
}

func (q *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	q.args = args
	return q.row
}

func TestPostgresStore_Lookup(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	q := &fakeQuerier{row: fakeRow{values: []any{"k1", "acct-1", "starter", "active", created}}}
	store := NewPostgresStore(q, testhelpers.NewTestLogger())

	key, err := store.Lookup(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []any{"abc"}, q.args)
	assert.Equal(t, &APIKey{ID: "k1", AccountID: "acct-1", Tier: TierStarter, Status: StatusActive, CreatedAt: created}, key)
}

func TestPostgresStore_UnknownValuesFailClosed(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{values: []any{"k1", "acct-1", "diamond", "archived", time.Now()}}}
	store := NewPostgresStore(q, testhelpers.NewTestLogger())

	key, err := store.Lookup(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, TierFree, key.Tier)
	assert.Equal(t, StatusSuspended, key.Status)
}

func TestPostgresStore_Errors(t *testing.T) {
	store := NewPostgresStore(&fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}, testhelpers.NewTestLogger())
	_, err := store.Lookup(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	boom := errors.New("connection reset")
	store = NewPostgresStore(&fakeQuerier{row: fakeRow{err: boom}}, testhelpers.NewTestLogger())
	_, err = store.Lookup(context.Background(), "abc")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}

// countingStore counts backend lookups and can block them.
type countingStore struct {
	inner   Store
	calls   atomic.Int64
	release chan struct{}
}

func (s *countingStore) Lookup(ctx context.Context, keyHash string) (*APIKey, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.inner.Lookup(ctx, keyHash)
}

func newBackend(t *testing.T) *countingStore {
	static, err := NewStaticStore([]StaticKey{{Key: "sk-1", ID: "k1", AccountID: "a1", Tier: TierFree}})
	require.NoError(t, err)
	return &countingStore{inner: static}
}

func TestCachedStore_HitsWithinTTL(t *testing.T) {
	backend := newBackend(t)
	clock := testhelpers.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cache, err := NewCachedStore(backend, 10, 30*time.Second, clock.Now, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key, err := cache.Lookup(context.Background(), HashKey("sk-1"))
		require.NoError(t, err)
		assert.Equal(t, "k1", key.ID)
	}
	assert.Equal(t, int64(1), backend.calls.Load())

	clock.Advance(31 * time.Second)
	_, err = cache.Lookup(context.Background(), HashKey("sk-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), backend.calls.Load())

	stats := cache.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestCachedStore_UnknownKeysNotCached(t *testing.T) {
	backend := newBackend(t)
	cache, err := NewCachedStore(backend, 10, time.Minute, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := cache.Lookup(context.Background(), HashKey("sk-nope"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
	assert.Equal(t, int64(3), backend.calls.Load())
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestCachedStore_CollapsesConcurrentMisses(t *testing.T) {
	backend := newBackend(t)
	backend.release = make(chan struct{})
	cache, err := NewCachedStore(backend, 10, time.Minute, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := cache.Lookup(context.Background(), HashKey("sk-1"))
			assert.NoError(t, err)
			assert.Equal(t, "k1", key.ID)
		}()
	}
	assert.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	assert.Equal(t, int64(1), backend.calls.Load())
}

func TestCachedStore_CanceledCallerDoesNotFailWaiters(t *testing.T) {
	backend := newBackend(t)
	backend.release = make(chan struct{})
	cache, err := NewCachedStore(backend, 10, time.Minute, nil, nil)
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Lookup(firstCtx, HashKey("sk-1"))
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		key *APIKey
		err error
	}
	second := make(chan result, 1)
	go func() {
		key, err := cache.Lookup(context.Background(), HashKey("sk-1"))
		second <- result{key, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(backend.release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "k1", res.key.ID)
	assert.Equal(t, int64(1), backend.calls.Load())
	assert.Equal(t, 1, cache.Stats().Size)
}

func TestCachedStore_Invalidate(t *testing.T) {
	backend := newBackend(t)
	cache, err := NewCachedStore(backend, 10, time.Minute, nil, nil)
	require.NoError(t, err)

	_, _ = cache.Lookup(context.Background(), HashKey("sk-1"))
	cache.Invalidate(HashKey("sk-1"))
	_, _ = cache.Lookup(context.Background(), HashKey("sk-1"))
	assert.Equal(t, int64(2), backend.calls.Load())

	cache.InvalidateAll()
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestCachedStore_ReturnsCopies(t *testing.T) {
	cache, err := NewCachedStore(newBackend(t), 10, time.Minute, nil, nil)
	require.NoError(t, err)

	key, _ := cache.Lookup(context.Background(), HashKey("sk-1"))
	key.Status = StatusRevoked

	again, _ := cache.Lookup(context.Background(), HashKey("sk-1"))
	assert.Equal(t, StatusActive, again.Status)
}
