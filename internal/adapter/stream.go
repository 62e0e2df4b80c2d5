package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mixaill76/evm_gateway/internal/endpoint"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
	"github.com/mixaill76/evm_gateway/internal/upstream"
)

// Subscription types accepted by eth_subscribe.
const (
	TypeNewHeads               = "newHeads"
	TypeLogs                   = "logs"
	TypeNewPendingTransactions = "newPendingTransactions"
)

// ValidStreamType reports whether t is a supported subscription type.
func ValidStreamType(t string) bool {
	switch t {
	case TypeNewHeads, TypeLogs, TypeNewPendingTransactions:
		return true
	}
	return false
}

// StreamSpec identifies an upstream subscription.
type StreamSpec struct {
	Type string
	// Params is the optional second eth_subscribe argument, e.g. a logs filter.
	Params json.RawMessage
}

// canonicalParams re-encodes params so semantically equal filters share a
// stream: object keys are sorted and whitespace is dropped.
func canonicalParams(params json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (s StreamSpec) key() string {
	return s.Type + "|" + string(s.Params)
}

func (s StreamSpec) subscribeParams() json.RawMessage {
	typ, _ := json.Marshal(s.Type)
	if len(s.Params) == 0 {
		return json.RawMessage("[" + string(typ) + "]")
	}
	return json.RawMessage("[" + string(typ) + "," + string(s.Params) + "]")
}

// Sink receives stream events in upstream emission order. Deliver is called
// from the stream's listener goroutine and must not block.
type Sink interface {
	Deliver(event json.RawMessage)
}

// StreamHandle is one subscriber's reference to a shared stream.
type StreamHandle struct {
	adapter *Adapter
	stream  *stream
	sink    Sink
	once    sync.Once
}

// Release detaches the sink. The last release closes the upstream
// subscription.
func (h *StreamHandle) Release() {
	h.once.Do(func() {
		h.adapter.release(h.stream, h.sink)
	})
}

type stream struct {
	key  string
	spec StreamSpec

	ready chan struct{}
	err   error

	mu    sync.Mutex
	sinks []Sink
	refs  int
	ep    *endpoint.Endpoint

	cancel context.CancelFunc
	done   chan struct{}
}

// OpenStream attaches sink to the shared stream for spec, subscribing
// upstream when this is the first subscriber.
func (a *Adapter) OpenStream(ctx context.Context, spec StreamSpec, sink Sink) (*StreamHandle, error) {
	if !ValidStreamType(spec.Type) {
		return nil, gwerr.Subscription(gwerr.ReasonInvalidType, fmt.Sprintf("unsupported subscription type %q", spec.Type))
	}
	params, err := canonicalParams(spec.Params)
	if err != nil {
		return nil, gwerr.Validation(gwerr.ReasonMalformedRequest, "invalid subscription params")
	}
	spec.Params = params
	key := spec.key()

	a.streamsMu.Lock()
	if a.closed {
		a.streamsMu.Unlock()
		return nil, gwerr.Upstream(gwerr.ReasonAllEndpointsDown, "network shutting down", nil)
	}
	s, ok := a.streams[key]
	if ok {
		s.mu.Lock()
		s.refs++
		s.mu.Unlock()
		a.streamsMu.Unlock()

		select {
		case <-s.ready:
		case <-ctx.Done():
			a.release(s, nil)
			return nil, ctx.Err()
		}
		if s.err != nil {
			a.release(s, nil)
			return nil, s.err
		}
		s.attach(sink)
		return &StreamHandle{adapter: a, stream: s, sink: sink}, nil
	}

	s = &stream{
		key:   key,
		spec:  spec,
		ready: make(chan struct{}),
		refs:  1,
		done:  make(chan struct{}),
	}
	a.streams[key] = s
	a.streamsMu.Unlock()

	sub, ep, err := a.subscribe(ctx, spec)
	if err != nil {
		a.streamsMu.Lock()
		if a.streams[key] == s {
			delete(a.streams, key)
		}
		a.streamsMu.Unlock()

		s.err = err
		close(s.ready)
		a.release(s, nil)
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ep = ep
	s.attach(sink)
	close(s.ready)

	a.metrics.AddUpstreamStreams(a.name, 1)
	a.logger.Info("Upstream stream opened",
		"type", spec.Type,
		"endpoint", ep.Name,
		"upstream_id", sub.ID(),
	)
	go a.listen(listenCtx, s, sub)

	return &StreamHandle{adapter: a, stream: s, sink: sink}, nil
}

func (s *stream) attach(sink Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// release drops one reference and, for the last one, removes the stream and
// stops its listener.
func (a *Adapter) release(s *stream, sink Sink) {
	a.streamsMu.Lock()
	s.mu.Lock()
	if sink != nil {
		for i, existing := range s.sinks {
			if existing == sink {
				s.sinks = append(s.sinks[:i], s.sinks[i+1:]...)
				break
			}
		}
	}
	s.refs--
	last := s.refs == 0
	s.mu.Unlock()
	if last && a.streams[s.key] == s {
		delete(a.streams, s.key)
	}
	a.streamsMu.Unlock()

	if last && s.cancel != nil {
		s.cancel()
		<-s.done
		a.metrics.AddUpstreamStreams(a.name, -1)
		a.logger.Info("Upstream stream closed", "type", s.spec.Type)
	}
}

// subscribe tries WS-capable endpoints in preference order, up to maxAttempts.
func (a *Adapter) subscribe(ctx context.Context, spec StreamSpec) (upstream.Subscription, *endpoint.Endpoint, error) {
	tried := make(map[string]bool)
	for _, ep := range a.endpoints {
		if !ep.SupportsStreams() {
			tried[ep.Name] = true
		}
	}

	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		candidates := endpoint.Rank(a.endpoints, tried)
		if len(candidates) == 0 {
			break
		}
		ep := candidates[0]
		tried[ep.Name] = true

		sub, err := a.subscribeEndpoint(ctx, ep, spec)
		if err == nil {
			return sub, ep, nil
		}
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return nil, nil, rpcErr
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no usable streaming endpoint")
	}
	return nil, nil, gwerr.Upstream(gwerr.ReasonAllEndpointsDown, "all upstream endpoints unavailable", lastErr)
}

func (a *Adapter) subscribeEndpoint(ctx context.Context, ep *endpoint.Endpoint, spec StreamSpec) (upstream.Subscription, error) {
	start := a.clock()
	sub, err := a.dialer.Subscribe(ctx, ep.WSURL, spec.subscribeParams())
	latency := a.clock().Sub(start)
	if err == nil {
		a.observe(ep, ep.RecordSuccess(latency), "subscribe", latency)
		return sub, nil
	}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		a.observe(ep, ep.RecordSuccess(latency), "subscribe_rejected", latency)
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, err
	}
	var callErr *upstream.CallError
	if errors.As(err, &callErr) && callErr.Kind == upstream.KindInvalidResponse {
		a.observe(ep, ep.RecordInvalidResponse(), "invalid_response", 0)
	} else {
		a.observe(ep, ep.RecordFailure(), "subscribe_failure", 0)
	}
	a.logger.Warn("Upstream subscribe failed", "endpoint", ep.Name, "type", spec.Type, "error", err)
	return nil, err
}

// listen forwards events to every attached sink in order. When the upstream
// drops it re-subscribes with exponential backoff; sinks stay attached.
func (a *Adapter) listen(ctx context.Context, s *stream, sub upstream.Subscription) {
	defer close(s.done)

	for {
		ev, err := sub.Next(ctx)
		if err == nil {
			s.mu.Lock()
			sinks := append([]Sink(nil), s.sinks...)
			s.mu.Unlock()
			for _, sink := range sinks {
				sink.Deliver(ev)
			}
			continue
		}

		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		ep := s.ep
		s.mu.Unlock()
		if ep != nil {
			a.observe(ep, ep.RecordFailure(), "stream_dropped", 0)
		}
		a.logger.Warn("Upstream stream dropped, resubscribing", "type", s.spec.Type, "error", err)

		sub = a.resubscribe(ctx, s)
		if sub == nil {
			return
		}
	}
}

func (a *Adapter) resubscribe(ctx context.Context, s *stream) upstream.Subscription {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initialBackoff
	b.MaxInterval = a.maxBackoff
	b.MaxElapsedTime = 0

	var (
		sub upstream.Subscription
		ep  *endpoint.Endpoint
	)
	op := func() error {
		var err error
		sub, ep, err = a.subscribe(ctx, s.spec)
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Debug("Resubscribe attempt failed", "type", s.spec.Type, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil
	}

	s.mu.Lock()
	s.ep = ep
	s.mu.Unlock()
	a.metrics.RecordStreamReconnect(a.name)
	a.logger.Info("Upstream stream restored", "type", s.spec.Type, "endpoint", ep.Name)
	return sub
}

// ActiveStreams returns the number of shared upstream streams.
func (a *Adapter) ActiveStreams() int {
	a.streamsMu.Lock()
	defer a.streamsMu.Unlock()
	return len(a.streams)
}

// Close tears down every stream. Further OpenStream calls fail.
func (a *Adapter) Close() {
	a.streamsMu.Lock()
	a.closed = true
	streams := make([]*stream, 0, len(a.streams))
	for _, s := range a.streams {
		streams = append(streams, s)
	}
	a.streams = make(map[string]*stream)
	a.streamsMu.Unlock()

	for _, s := range streams {
		<-s.ready
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	}
}
