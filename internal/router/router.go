// Package router validates JSON-RPC calls, admits them through the auth gate
// and dispatches them to the adapter of the requested network.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mixaill76/evm_gateway/internal/adapter"
	"github.com/mixaill76/evm_gateway/internal/auth"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
	"github.com/mixaill76/evm_gateway/internal/monitoring"
	"github.com/mixaill76/evm_gateway/internal/usage"
	"github.com/mixaill76/evm_gateway/internal/utils"
)

// Authorizer admits a caller for weight calls.
type Authorizer interface {
	Authorize(ctx context.Context, apiKey string, weight int) (auth.Grant, error)
}

// UsageRecorder receives one record per routed call. Record must not block.
type UsageRecorder interface {
	Record(rec usage.Record) error
}

type Config struct {
	RequestTimeout   time.Duration
	MaxBodyBytes     int64
	BatchConcurrency int
	MaxBatchSize     int
	HealthCheckPath  string
	MetricsEnabled   bool
	LogErrors        bool
	ErrorsLogPath    string
	Maintenance      bool
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 8
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = "/health"
	}
}

type Router struct {
	cfg      Config
	registry *adapter.Registry
	gate     Authorizer
	usage    UsageRecorder
	metrics  *monitoring.Metrics
	logger   *slog.Logger
	clock    utils.Clock

	draining atomic.Bool
}

func New(cfg Config, registry *adapter.Registry, gate Authorizer, recorder UsageRecorder, metrics *monitoring.Metrics, logger *slog.Logger) *Router {
	cfg.applyDefaults()
	r := &Router{
		cfg:      cfg,
		registry: registry,
		gate:     gate,
		usage:    recorder,
		metrics:  metrics,
		logger:   logger,
		clock:    utils.SystemClock,
	}
	r.draining.Store(cfg.Maintenance)
	return r
}

// SetDraining makes the router reject new calls with 503 while in-flight
// calls finish.
func (r *Router) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Router) Draining() bool {
	return r.draining.Load()
}

// Authorize exposes the gate to other transports sharing this router.
func (r *Router) Authorize(ctx context.Context, apiKey string, weight int) (auth.Grant, error) {
	return r.gate.Authorize(ctx, apiKey, weight)
}

// Route executes one call on network and always returns a response carrying
// req's id. The caller is expected to have been admitted already; the grant
// attached to ctx (if any) is used for usage records.
func (r *Router) Route(ctx context.Context, network string, req jsonrpc.Request) jsonrpc.Response {
	resp, _ := r.route(ctx, network, req)
	return resp
}

// route is Route plus the gateway error behind an error response, used to
// pick the HTTP status.
func (r *Router) route(ctx context.Context, network string, req jsonrpc.Request) (jsonrpc.Response, error) {
	start := r.clock()

	resp, err := r.dispatch(ctx, network, req)

	status := http.StatusOK
	if err != nil {
		status = gwerr.HTTPStatus(err)
	}
	r.metrics.RecordRequest(network, req.Method, status, r.clock().Sub(start))
	return resp, err
}

func (r *Router) dispatch(ctx context.Context, network string, req jsonrpc.Request) (jsonrpc.Response, error) {
	if r.Draining() {
		return errorResponse(req.ID, gwerr.Maintenance())
	}

	ad, ok := r.registry.Get(network)
	if !ok {
		return errorResponse(req.ID, gwerr.Validation(gwerr.ReasonUnknownNetwork, "unknown network: "+network))
	}
	if !ad.MethodAllowed(req.Method) {
		return errorResponse(req.ID, gwerr.Validation(gwerr.ReasonMethodNotAllowed, "method not found: "+req.Method))
	}

	r.recordUsage(ctx, ad.Name(), req.Method)

	result, err := ad.Call(ctx, req.Method, req.Params, r.cfg.RequestTimeout)
	if err == nil {
		return jsonrpc.NewResult(req.ID, result), nil
	}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr}, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		r.logger.Debug("Call abandoned by client", "network", network, "method", req.Method, "error", ctxErr)
		return errorResponse(req.ID, gwerr.Internal(ctxErr))
	}

	if gwerr.As(err).Class == gwerr.ClassInternal {
		r.logger.Error("Call failed", "network", network, "method", req.Method, "error", err)
	}
	return errorResponse(req.ID, err)
}

func (r *Router) recordUsage(ctx context.Context, network, method string) {
	if r.usage == nil {
		return
	}
	grant, ok := auth.GrantFrom(ctx)
	if !ok {
		return
	}
	_ = r.usage.Record(usage.Record{
		AccountID: grant.AccountID,
		Network:   network,
		Method:    method,
		Timestamp: r.clock(),
	})
}

func errorResponse(id json.RawMessage, err error) (jsonrpc.Response, error) {
	return jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: gwerr.RPCError(err)}, err
}
