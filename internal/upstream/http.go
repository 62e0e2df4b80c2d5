// Package upstream holds the wire clients that talk to EVM nodes: a JSON-RPC
// over HTTP caller and a WebSocket subscription dialer.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mixaill76/evm_gateway/internal/httputil"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
)

// FailureKind classifies why a call to one endpoint failed.
type FailureKind int

const (
	// KindTransport covers connection errors and retryable HTTP statuses.
	KindTransport FailureKind = iota
	KindTimeout
	KindInvalidResponse
	// KindCanceled means the caller went away; the endpoint is not at fault.
	KindCanceled
)

func (k FailureKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindInvalidResponse:
		return "invalid_response"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// CallError is returned by Caller.Call for anything other than a well-formed
// JSON-RPC response.
type CallError struct {
	Kind   FailureKind
	Status int
	Err    error
}

func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another endpoint might succeed.
func (e *CallError) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindTimeout
}

// Caller sends one JSON-RPC request to one endpoint.
type Caller interface {
	Call(ctx context.Context, url string, req jsonrpc.Request) (jsonrpc.Response, error)
}

// HTTPCaller is the Caller for JSON-RPC over HTTP POST.
type HTTPCaller struct {
	client           *http.Client
	maxResponseBytes int64
	logger           *slog.Logger
}

func NewHTTPCaller(client *http.Client, maxResponseBytes int64, logger *slog.Logger) *HTTPCaller {
	if client == nil {
		client = httputil.NewHTTPClient(nil)
	}
	return &HTTPCaller{client: client, maxResponseBytes: maxResponseBytes, logger: logger}
}

// Call posts req and decodes the response. A JSON-RPC error object is a
// successful exchange and comes back inside the Response.
func (c *HTTPCaller) Call(ctx context.Context, url string, req jsonrpc.Request) (jsonrpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, &CallError{Kind: KindInvalidResponse, Err: fmt.Errorf("encode request: %w", err)}
	}

	status, data, err := httputil.PostJSON(ctx, c.client, url, body, c.maxResponseBytes)
	if err != nil {
		return jsonrpc.Response{}, classifyTransport(ctx, status, err)
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		return jsonrpc.Response{}, &CallError{
			Kind:   KindTransport,
			Status: status,
			Err:    fmt.Errorf("upstream returned %s", http.StatusText(status)),
		}
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Debug("Upstream returned non JSON-RPC body",
			"status", status,
			"body_preview", httputil.SafeStringPreview(data, 200),
		)
		return jsonrpc.Response{}, &CallError{Kind: KindInvalidResponse, Status: status, Err: err}
	}
	return resp, nil
}

func classifyTransport(ctx context.Context, status int, err error) *CallError {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return &CallError{Kind: KindCanceled, Status: status, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &CallError{Kind: KindTimeout, Status: status, Err: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CallError{Kind: KindTimeout, Status: status, Err: err}
	}
	return &CallError{Kind: KindTransport, Status: status, Err: err}
}
