// Package subscription serves WebSocket clients: eth_subscribe streams shared
// through the network adapters, plus ordinary calls over the same socket.
package subscription

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mixaill76/evm_gateway/internal/adapter"
	"github.com/mixaill76/evm_gateway/internal/auth"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
	"github.com/mixaill76/evm_gateway/internal/monitoring"
	"github.com/mixaill76/evm_gateway/internal/security"
)

// Router is what the hub needs from the request router.
type Router interface {
	Authorize(ctx context.Context, apiKey string, weight int) (auth.Grant, error)
	Route(ctx context.Context, network string, req jsonrpc.Request) jsonrpc.Response
	Draining() bool
}

type Config struct {
	ClientQueueSize         int
	WriteTimeout            time.Duration
	PingInterval            time.Duration
	MaxMessageSize          int64
	MaxSubscriptionsPerConn int
}

func (c *Config) applyDefaults() {
	if c.ClientQueueSize <= 0 {
		c.ClientQueueSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.MaxSubscriptionsPerConn <= 0 {
		c.MaxSubscriptionsPerConn = 100
	}
}

// Hub owns every client connection.
type Hub struct {
	cfg      Config
	registry *adapter.Registry
	router   Router
	metrics  *monitoring.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

func NewHub(cfg Config, registry *adapter.Registry, router Router, metrics *monitoring.Metrics, logger *slog.Logger) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:      cfg,
		registry: registry,
		router:   router,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// apiKeyFromRequest reads ?auth= first, then X-API-Key.
func apiKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.URL.Query().Get("auth")); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// ServeHTTP handles GET /ws/{network}. The key is checked before the upgrade
// so rejected clients get a plain HTTP status.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.router.Draining() || h.isClosed() {
		writeHTTPError(w, gwerr.Maintenance())
		return
	}

	network := chi.URLParam(r, "network")
	ad, ok := h.registry.Get(network)
	if !ok {
		writeHTTPError(w, gwerr.Validation(gwerr.ReasonUnknownNetwork, "unknown network: "+network))
		return
	}

	apiKey := apiKeyFromRequest(r)
	grant, err := h.router.Authorize(r.Context(), apiKey, 1)
	if err != nil {
		h.logger.Debug("WebSocket handshake rejected",
			"network", ad.Name(),
			"api_key", security.MaskAPIKey(apiKey),
			"error", err,
		)
		writeHTTPError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "network", ad.Name(), "error", err)
		return
	}

	c := newConn(h, ws, ad, apiKey, grant)
	if !h.add(c) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	defer h.remove(c)

	c.run()
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) add(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	h.metrics.AddWSConnections(1)
	return true
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	h.metrics.AddWSConnections(-1)
	h.wg.Done()
}

// Connections returns the number of open client connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every connection with 1001 and waits for them to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.logger.Info("Closing WebSocket connections", "count", len(conns))
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeHTTPError(w http.ResponseWriter, err error) {
	if e := gwerr.As(err); e != nil && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(max(int(math.Ceil(e.RetryAfter.Seconds())), 1)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwerr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: gwerr.RPCError(err)})
}
