package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/evm_gateway/internal/endpoint"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
	"github.com/mixaill76/evm_gateway/internal/testhelpers"
	"github.com/mixaill76/evm_gateway/internal/upstream"
)

type fakeSub struct {
	id     string
	url    string
	events chan json.RawMessage
	drop   chan error
	closed chan struct{}
	once   sync.Once
	dialer *fakeDialer
}

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case err := <-s.drop:
		return nil, err
	case <-s.closed:
		return nil, upstream.ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.dialer.active.Add(-1)
	})
	return nil
}

// fakeDialer counts live upstream subscriptions.
type fakeDialer struct {
	mu     sync.Mutex
	subs   []*fakeSub
	params []string
	failN  int
	rpcErr *jsonrpc.Error

	active atomic.Int64
	total  atomic.Int64
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (d *fakeDialer) Subscribe(ctx context.Context, wsURL string, params json.RawMessage) (upstream.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rpcErr != nil {
		return nil, d.rpcErr
	}
	if d.failN > 0 {
		d.failN--
		return nil, &upstream.CallError{Kind: upstream.KindTransport, Err: errors.New("connection refused")}
	}
	n := d.total.Add(1)
	s := &fakeSub{
		id:     fmt.Sprintf("0x%x", n),
		url:    wsURL,
		events: make(chan json.RawMessage, 16),
		drop:   make(chan error, 1),
		closed: make(chan struct{}),
		dialer: d,
	}
	d.subs = append(d.subs, s)
	d.params = append(d.params, string(params))
	d.active.Add(1)
	return s, nil
}

func (d *fakeDialer) last() *fakeSub {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs[len(d.subs)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Deliver(ev json.RawMessage) {
	s.mu.Lock()
	s.events = append(s.events, string(ev))
	s.mu.Unlock()
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func newStreamAdapter(dialer *fakeDialer, endpoints ...*endpoint.Endpoint) *Adapter {
	caller := upstream.NewHTTPCaller(nil, 0, testhelpers.NewTestLogger())
	return New(Options{
		Name:                 "ethereum",
		StreamInitialBackoff: 5 * time.Millisecond,
		StreamMaxBackoff:     20 * time.Millisecond,
	}, endpoints, caller, dialer, nil, testhelpers.NewTestLogger())
}

func wsEndpoint(name string, priority int) *endpoint.Endpoint {
	return endpoint.New(name, "http://"+name, "ws://"+name, priority, testThresholds, nil)
}

func TestOpenStream_SharedBetweenSubscribers(t *testing.T) {
	dialer := newFakeDialer()
	a := newStreamAdapter(dialer, wsEndpoint("a", 0))
	ctx := context.Background()

	sink1, sink2 := &recordingSink{}, &recordingSink{}
	h1, err := a.OpenStream(ctx, StreamSpec{Type: TypeNewHeads}, sink1)
	require.NoError(t, err)
	h2, err := a.OpenStream(ctx, StreamSpec{Type: TypeNewHeads}, sink2)
	require.NoError(t, err)

	assert.Equal(t, int64(1), dialer.active.Load())
	assert.Equal(t, 1, a.ActiveStreams())
	assert.Equal(t, []string{`["newHeads"]`}, dialer.params)

	sub := dialer.last()
	for i := 0; i < 5; i++ {
		sub.events <- json.RawMessage(fmt.Sprintf(`{"number":"0x%x"}`, i))
	}
	want := []string{`{"number":"0x0"}`, `{"number":"0x1"}`, `{"number":"0x2"}`, `{"number":"0x3"}`, `{"number":"0x4"}`}
	assert.Eventually(t, func() bool { return len(sink2.received()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(sink1.received()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, sink1.received())
	assert.Equal(t, want, sink2.received())

	h1.Release()
	h1.Release()
	assert.Equal(t, int64(1), dialer.active.Load(), "one subscriber remains")

	h2.Release()
	assert.Equal(t, int64(0), dialer.active.Load())
	assert.Equal(t, 0, a.ActiveStreams())
}

func TestOpenStream_CanonicalParamsShareStream(t *testing.T) {
	dialer := newFakeDialer()
	a := newStreamAdapter(dialer, wsEndpoint("a", 0))
	ctx := context.Background()

	h1, err := a.OpenStream(ctx, StreamSpec{Type: TypeLogs, Params: json.RawMessage(`{"address":"0xabc","topics":["0x1"]}`)}, &recordingSink{})
	require.NoError(t, err)
	defer h1.Release()
	h2, err := a.OpenStream(ctx, StreamSpec{Type: TypeLogs, Params: json.RawMessage(`{ "topics": ["0x1"], "address": "0xabc" }`)}, &recordingSink{})
	require.NoError(t, err)
	defer h2.Release()
	h3, err := a.OpenStream(ctx, StreamSpec{Type: TypeLogs, Params: json.RawMessage(`{"address":"0xdef"}`)}, &recordingSink{})
	require.NoError(t, err)
	defer h3.Release()

	assert.Equal(t, int64(2), dialer.active.Load())
	assert.Equal(t, `["logs",{"address":"0xabc","topics":["0x1"]}]`, dialer.params[0])
}

func TestOpenStream_InvalidType(t *testing.T) {
	a := newStreamAdapter(newFakeDialer(), wsEndpoint("a", 0))

	_, err := a.OpenStream(context.Background(), StreamSpec{Type: "newBlocks"}, &recordingSink{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gwerr.ErrSubscription))
	assert.Equal(t, jsonrpc.CodeInvalidParams, gwerr.RPCCode(err))
}

func TestOpenStream_NoStreamingEndpoint(t *testing.T) {
	a := newStreamAdapter(newFakeDialer(), endpoint.New("a", "http://a", "", 0, testThresholds, nil))

	_, err := a.OpenStream(context.Background(), StreamSpec{Type: TypeNewHeads}, &recordingSink{})
	assert.True(t, errors.Is(err, gwerr.ErrAllEndpointsDown))
	assert.Equal(t, 0, a.ActiveStreams())
}

func TestOpenStream_FailsOverOnSubscribe(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failN = 1
	epA, epB := wsEndpoint("a", 0), wsEndpoint("b", 1)
	a := newStreamAdapter(dialer, epA, epB)

	h, err := a.OpenStream(context.Background(), StreamSpec{Type: TypeNewHeads}, &recordingSink{})
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, "ws://b", dialer.last().url)
	assert.Equal(t, 1, epA.Snapshot().ConsecutiveFailures)
}

func TestOpenStream_UpstreamRejection(t *testing.T) {
	dialer := newFakeDialer()
	dialer.rpcErr = &jsonrpc.Error{Code: -32602, Message: "invalid filter"}
	a := newStreamAdapter(dialer, wsEndpoint("a", 0))

	_, err := a.OpenStream(context.Background(), StreamSpec{Type: TypeLogs, Params: json.RawMessage(`{}`)}, &recordingSink{})
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "invalid filter", rpcErr.Message)
	assert.Equal(t, 0, a.ActiveStreams())
}

func TestStream_ReconnectKeepsSubscribers(t *testing.T) {
	dialer := newFakeDialer()
	a := newStreamAdapter(dialer, wsEndpoint("a", 0), wsEndpoint("b", 1))

	sink := &recordingSink{}
	h, err := a.OpenStream(context.Background(), StreamSpec{Type: TypeNewHeads}, sink)
	require.NoError(t, err)
	defer h.Release()

	first := dialer.last()
	first.events <- json.RawMessage(`1`)
	assert.Eventually(t, func() bool { return len(sink.received()) == 1 }, time.Second, 5*time.Millisecond)

	dialer.mu.Lock()
	dialer.failN = 2
	dialer.mu.Unlock()
	first.drop <- &upstream.CallError{Kind: upstream.KindTransport, Err: errors.New("connection reset")}

	assert.Eventually(t, func() bool { return dialer.total.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	second := dialer.last()
	second.events <- json.RawMessage(`2`)

	assert.Eventually(t, func() bool { return len(sink.received()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, sink.received())
	assert.Equal(t, int64(1), dialer.active.Load())
}

func TestAdapterClose_StopsStreams(t *testing.T) {
	dialer := newFakeDialer()
	a := newStreamAdapter(dialer, wsEndpoint("a", 0))

	h, err := a.OpenStream(context.Background(), StreamSpec{Type: TypeNewPendingTransactions}, &recordingSink{})
	require.NoError(t, err)

	a.Close()
	assert.Equal(t, int64(0), dialer.active.Load())
	h.Release()

	_, err = a.OpenStream(context.Background(), StreamSpec{Type: TypeNewHeads}, &recordingSink{})
	assert.Error(t, err)
}

func TestProber_TickQueuesUnhealthyOnly(t *testing.T) {
	node := okNode(t, "0x1")
	healthy := endpoint.New("a", node.URL, "", 0, testThresholds, nil)
	down := endpoint.New("b", node.URL, "", 1, testThresholds, nil)
	down.RecordProbeFailure()

	a := newTestAdapter(Options{ChainID: 1}, healthy, down)
	p := NewProber(NewRegistry(a), ProberConfig{Timeout: time.Second, Workers: 1}, testhelpers.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := newProbePool(ctx, p)
	assert.Equal(t, 1, p.tick(pool))
	pool.Close()

	assert.Equal(t, endpoint.StateHealthy, down.State())
	assert.Equal(t, 1, node.Calls())
}

func TestProber_RunStops(t *testing.T) {
	a := newTestAdapter(Options{})
	p := NewProber(NewRegistry(a), ProberConfig{Interval: time.Millisecond}, testhelpers.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
}
