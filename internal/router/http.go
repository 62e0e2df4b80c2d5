package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mixaill76/evm_gateway/internal/auth"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
	"github.com/mixaill76/evm_gateway/internal/ratelimit"
)

const (
	headerAPIKey             = "X-API-Key"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
)

// APIKeyFromRequest reads the key from X-API-Key, falling back to a bearer
// token.
func APIKeyFromRequest(req *http.Request) string {
	if key := strings.TrimSpace(req.Header.Get(headerAPIKey)); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// ServeRPC handles POST /{network}.
func (r *Router) ServeRPC(w http.ResponseWriter, req *http.Request) {
	network := chi.URLParam(req, "network")
	ctx := req.Context()

	if r.Draining() {
		writeError(w, nil, gwerr.Maintenance())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, nil, gwerr.Validation(gwerr.ReasonMalformedRequest, "request body too large"))
			return
		}
		writeError(w, nil, gwerr.Validation(gwerr.ReasonMalformedRequest, "failed to read request body"))
		return
	}

	apiKey := APIKeyFromRequest(req)
	if apiKey == "" {
		writeError(w, nil, gwerr.Auth(gwerr.ReasonInvalidKey, "missing API key"))
		return
	}

	ad, ok := r.registry.Get(network)
	if !ok {
		writeError(w, nil, gwerr.Validation(gwerr.ReasonUnknownNetwork, "unknown network: "+network))
		return
	}
	network = ad.Name()

	env, err := jsonrpc.Parse(body)
	if err != nil {
		var parseErr *jsonrpc.ParseError
		if errors.As(err, &parseErr) {
			writeJSON(w, http.StatusBadRequest, jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: parseErr.ID, Error: parseErr.RPC})
			return
		}
		writeError(w, nil, gwerr.Validation(gwerr.ReasonMalformedRequest, "invalid request"))
		return
	}
	if env.Batch && env.Len() > r.cfg.MaxBatchSize {
		writeError(w, nil, gwerr.Validation(gwerr.ReasonMalformedRequest,
			"batch too large: max "+strconv.Itoa(r.cfg.MaxBatchSize)+" calls"))
		return
	}

	grant, err := r.gate.Authorize(ctx, apiKey, env.Len())
	if grant.KeyID != "" {
		setRateLimitHeaders(w, grant.Decision)
	}
	if err != nil {
		var id json.RawMessage
		if !env.Batch {
			id = env.Items[0].Request.ID
		}
		writeError(w, id, err)
		return
	}
	ctx = auth.WithGrant(ctx, grant)

	if !env.Batch {
		resp, err := r.route(ctx, network, env.Items[0].Request)
		status := http.StatusOK
		if err != nil {
			status = gwerr.HTTPStatus(err)
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, r.routeBatch(ctx, network, env.Items))
}

// routeBatch runs the calls of a batch concurrently and returns their
// responses in request order.
func (r *Router) routeBatch(ctx context.Context, network string, items []jsonrpc.Item) []jsonrpc.Response {
	out := make([]jsonrpc.Response, len(items))

	var g errgroup.Group
	g.SetLimit(r.cfg.BatchConcurrency)
	for i, item := range items {
		if item.Err != nil {
			out[i] = jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: item.Request.ID, Error: item.Err}
			continue
		}
		g.Go(func() error {
			out[i], _ = r.route(ctx, network, item.Request)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set(headerRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(headerRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(headerRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// writeError answers with a single JSON-RPC error object for err.
func writeError(w http.ResponseWriter, id json.RawMessage, err error) {
	if e := gwerr.As(err); e.RetryAfter > 0 {
		secs := int(math.Ceil(e.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	writeJSON(w, gwerr.HTTPStatus(err), jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: gwerr.RPCError(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers already sent, nothing left to report on failure
	_ = json.NewEncoder(w).Encode(v)
}
