// Package adapter fronts the upstream endpoints of one EVM network: endpoint
// selection, failover, health probing and shared subscription streams.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixaill76/evm_gateway/internal/endpoint"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
	"github.com/mixaill76/evm_gateway/internal/monitoring"
	"github.com/mixaill76/evm_gateway/internal/security"
	"github.com/mixaill76/evm_gateway/internal/upstream"
	"github.com/mixaill76/evm_gateway/internal/utils"
)

const (
	defaultMaxAttempts      = 2
	defaultInitialBackoff   = 500 * time.Millisecond
	defaultStreamMaxBackoff = 30 * time.Second
)

// Options describe one network.
type Options struct {
	Name    string
	ChainID uint64

	// AllowedMethods restricts the network to these methods. Empty means
	// every method is forwarded.
	AllowedMethods []string
	// ExtraMethods are added on top of a configured allow-list.
	ExtraMethods []string
	// MethodRemap maps a client method to the upstream method name.
	MethodRemap map[string]string

	MaxAttempts          int
	StreamInitialBackoff time.Duration
	StreamMaxBackoff     time.Duration
	Clock                utils.Clock
}

// Adapter owns the endpoints of one network. Endpoint health is only mutated
// through call outcomes and probes issued here.
type Adapter struct {
	name      string
	chainID   uint64
	endpoints []*endpoint.Endpoint
	allowed   map[string]bool
	remap     map[string]string

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	clock          utils.Clock

	caller  upstream.Caller
	dialer  upstream.StreamDialer
	metrics *monitoring.Metrics
	logger  *slog.Logger

	nextID atomic.Uint64

	streamsMu sync.Mutex
	streams   map[string]*stream
	closed    bool
}

func New(
	opts Options,
	endpoints []*endpoint.Endpoint,
	caller upstream.Caller,
	dialer upstream.StreamDialer,
	metrics *monitoring.Metrics,
	logger *slog.Logger,
) *Adapter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.StreamInitialBackoff <= 0 {
		opts.StreamInitialBackoff = defaultInitialBackoff
	}
	if opts.StreamMaxBackoff <= 0 {
		opts.StreamMaxBackoff = defaultStreamMaxBackoff
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock
	}

	return &Adapter{
		name:           opts.Name,
		chainID:        opts.ChainID,
		endpoints:      endpoints,
		allowed:        buildAllowList(opts.AllowedMethods, opts.ExtraMethods),
		remap:          opts.MethodRemap,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.StreamInitialBackoff,
		maxBackoff:     opts.StreamMaxBackoff,
		clock:          opts.Clock,
		caller:         caller,
		dialer:         dialer,
		metrics:        metrics,
		logger:         logger.With("network", opts.Name),
		streams:        make(map[string]*stream),
	}
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) ChainID() uint64 {
	return a.chainID
}

// MethodAllowed reports whether method may be called over this network.
// Subscription methods are only served by the WebSocket hub.
func (a *Adapter) MethodAllowed(method string) bool {
	if method == MethodSubscribe || method == MethodUnsubscribe {
		return false
	}
	if a.allowed == nil {
		return true
	}
	return a.allowed[method]
}

// Endpoints returns health snapshots in configured order.
func (a *Adapter) Endpoints() []endpoint.Snapshot {
	out := make([]endpoint.Snapshot, len(a.endpoints))
	for i, ep := range a.endpoints {
		out[i] = ep.Snapshot()
	}
	return out
}

// Available reports whether at least one endpoint is not DOWN.
func (a *Adapter) Available() bool {
	return len(endpoint.Rank(a.endpoints, nil)) > 0
}

// localAnswer serves methods whose answer is fixed by configuration.
func (a *Adapter) localAnswer(method string) (json.RawMessage, bool) {
	if a.chainID == 0 {
		return nil, false
	}
	switch method {
	case "eth_chainId":
		return json.RawMessage(`"0x` + strconv.FormatUint(a.chainID, 16) + `"`), true
	case "net_version":
		return json.RawMessage(`"` + strconv.FormatUint(a.chainID, 10) + `"`), true
	}
	return nil, false
}

func (a *Adapter) upstreamMethod(method string) string {
	if m, ok := a.remap[method]; ok && m != "" {
		return m
	}
	return method
}

// Call executes method against the best endpoint, failing over once per extra
// attempt. A JSON-RPC error reported by the node is returned as *jsonrpc.Error
// untouched. Gateway failures are *gwerr.Error. If ctx ends first, ctx.Err()
// is returned.
func (a *Adapter) Call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if result, ok := a.localAnswer(method); ok {
		return result, nil
	}

	req := jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      json.RawMessage(strconv.FormatUint(a.nextID.Add(1), 10)),
		Method:  a.upstreamMethod(method),
		Params:  params,
	}

	tried := make(map[string]bool, a.maxAttempts)
	var lastErr error
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates := endpoint.Rank(a.endpoints, tried)
		if len(candidates) == 0 {
			break
		}
		ep := candidates[0]
		tried[ep.Name] = true

		resp, err := a.callEndpoint(ctx, ep, req, timeout)
		if err == nil {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		}

		var callErr *upstream.CallError
		if !errors.As(err, &callErr) {
			return nil, gwerr.Internal(err)
		}
		switch {
		case callErr.Kind == upstream.KindCanceled || ctx.Err() != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, context.Canceled
		case callErr.Kind == upstream.KindInvalidResponse:
			return nil, gwerr.Upstream(gwerr.ReasonInvalidResponse, "invalid upstream response", err)
		}

		a.logger.Warn("Upstream call failed",
			"endpoint", ep.Name,
			"method", req.Method,
			"attempt", attempt+1,
			"kind", callErr.Kind.String(),
			"error", err,
		)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = errors.New("no usable endpoint")
	}
	return nil, gwerr.Upstream(gwerr.ReasonAllEndpointsDown, "all upstream endpoints unavailable", lastErr)
}

func (a *Adapter) callEndpoint(ctx context.Context, ep *endpoint.Endpoint, req jsonrpc.Request, timeout time.Duration) (jsonrpc.Response, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := a.clock()
	resp, err := a.caller.Call(attemptCtx, ep.URL, req)
	latency := a.clock().Sub(start)

	if err == nil {
		a.observe(ep, ep.RecordSuccess(latency), "success", latency)
		return resp, nil
	}

	var callErr *upstream.CallError
	if !errors.As(err, &callErr) {
		return resp, err
	}
	// the caller's own deadline or cancellation says nothing about the endpoint
	if callErr.Kind == upstream.KindCanceled || ctx.Err() != nil {
		return resp, err
	}
	switch callErr.Kind {
	case upstream.KindInvalidResponse:
		a.observe(ep, ep.RecordInvalidResponse(), "invalid_response", latency)
	default:
		a.observe(ep, ep.RecordFailure(), callErr.Kind.String(), latency)
	}
	return resp, err
}

// observe logs and exports one outcome and any state change it caused.
func (a *Adapter) observe(ep *endpoint.Endpoint, tr endpoint.Transition, outcome string, latency time.Duration) {
	a.metrics.RecordUpstreamCall(a.name, ep.Name, outcome, latency)
	a.metrics.UpdateEndpointState(a.name, ep.Name, int(tr.To), tr.To.String(), tr.Changed())
	if !tr.Changed() {
		return
	}

	level := slog.LevelWarn
	if tr.To == endpoint.StateHealthy {
		level = slog.LevelInfo
	}
	a.logger.Log(context.Background(), level, "Endpoint state changed",
		"endpoint", ep.Name,
		"url", security.MaskEndpointURL(ep.URL),
		"from", tr.From.String(),
		"to", tr.To.String(),
		"outcome", outcome,
	)
}

// Probe checks one endpoint with eth_chainId. A mismatching chain id counts
// as a failure.
func (a *Adapter) Probe(ctx context.Context, ep *endpoint.Endpoint, timeout time.Duration) error {
	probeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      json.RawMessage(strconv.FormatUint(a.nextID.Add(1), 10)),
		Method:  "eth_chainId",
	}

	start := a.clock()
	resp, err := a.caller.Call(probeCtx, ep.URL, req)
	latency := a.clock().Sub(start)

	if err == nil {
		err = a.checkChainID(resp)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.observe(ep, ep.RecordProbeFailure(), "probe_failure", 0)
		return fmt.Errorf("probe %s/%s: %w", a.name, ep.Name, err)
	}

	a.observe(ep, ep.RecordSuccess(latency), "probe_success", latency)
	return nil
}

// ProbeAll probes every endpoint once, in priority order, and returns the
// failures keyed by endpoint name.
func (a *Adapter) ProbeAll(ctx context.Context, timeout time.Duration) map[string]error {
	failures := make(map[string]error)
	for _, ep := range a.endpoints {
		if err := a.Probe(ctx, ep, timeout); err != nil {
			if ctx.Err() != nil {
				return failures
			}
			failures[ep.Name] = err
		}
	}
	return failures
}

func (a *Adapter) checkChainID(resp jsonrpc.Response) error {
	if resp.Error != nil {
		return resp.Error
	}
	var hexID string
	if err := json.Unmarshal(resp.Result, &hexID); err != nil {
		return fmt.Errorf("eth_chainId result: %w", err)
	}
	got, err := strconv.ParseUint(strings.TrimPrefix(hexID, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("eth_chainId result %q: %w", hexID, err)
	}
	if a.chainID != 0 && got != a.chainID {
		return fmt.Errorf("chain id mismatch: want %d, got %d", a.chainID, got)
	}
	return nil
}

// unhealthy returns endpoints that are DEGRADED or DOWN.
func (a *Adapter) unhealthy() []*endpoint.Endpoint {
	var out []*endpoint.Endpoint
	for _, ep := range a.endpoints {
		if ep.State() != endpoint.StateHealthy {
			out = append(out, ep)
		}
	}
	return out
}
