package subscription

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mixaill76/evm_gateway/internal/adapter"
	"github.com/mixaill76/evm_gateway/internal/auth"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
)

// ConnState is the lifecycle of a client connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateSubscribed
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const closeOverflowText = "outbound queue overflow"

// newSubscriptionID returns a 0x-prefixed 128-bit hex id.
func newSubscriptionID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// Conn is one client socket. Only the write pump writes to ws.
type Conn struct {
	id      string
	hub     *Hub
	ws      *websocket.Conn
	adapter *adapter.Adapter
	apiKey  string
	grant   auth.Grant

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte

	mu    sync.Mutex
	state ConnState
	subs  map[string]*clientSub

	closeOnce sync.Once
	closeCode int
	closeText string
	done      chan struct{}
	pumpDone  chan struct{}
	calls     sync.WaitGroup
}

func newConn(h *Hub, ws *websocket.Conn, ad *adapter.Adapter, apiKey string, grant auth.Grant) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:       uuid.NewString(),
		hub:      h,
		ws:       ws,
		adapter:  ad,
		apiKey:   apiKey,
		grant:    grant,
		ctx:      auth.WithGrant(ctx, grant),
		cancel:   cancel,
		send:     make(chan []byte, h.cfg.ClientQueueSize),
		state:    StateAuthenticated,
		subs:     make(map[string]*clientSub),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// run serves the connection until it closes.
func (c *Conn) run() {
	c.hub.logger.Debug("WebSocket client connected",
		"conn_id", c.id,
		"network", c.adapter.Name(),
		"account_id", c.grant.AccountID,
	)

	go c.writePump()
	c.readPump()

	c.close(websocket.CloseNormalClosure, "")
	c.wait()

	c.hub.logger.Debug("WebSocket client disconnected", "conn_id", c.id, "network", c.adapter.Name())
}

func (c *Conn) wait() {
	<-c.pumpDone
	c.calls.Wait()
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

func (c *Conn) readPump() {
	pongWait := 2 * c.hub.cfg.PingInterval
	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("WebSocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("WebSocket write failed", "conn_id", c.id, "error", err)
				go c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.cfg.WriteTimeout))
			}
			return
		}
	}
}

// enqueue hands msg to the write pump without blocking. A full queue closes
// the connection.
func (c *Conn) enqueue(msg []byte) bool {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	c.overflow()
	return false
}

func (c *Conn) overflow() {
	c.hub.metrics.RecordQueueOverflow(c.adapter.Name())
	c.hub.logger.Warn("WebSocket client too slow, closing",
		"conn_id", c.id,
		"network", c.adapter.Name(),
		"queue_size", cap(c.send),
	)
	// close releases streams, which waits on listener goroutines that may be
	// the caller here
	go c.close(websocket.ClosePolicyViolation, closeOverflowText)
}

func (c *Conn) reply(resp jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.hub.logger.Error("Failed to encode response", "conn_id", c.id, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Conn) replyError(id json.RawMessage, err error) {
	c.reply(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: gwerr.RPCError(err)})
}

// close moves the connection to CLOSING, releases every subscription and
// tells the write pump to send a close frame.
func (c *Conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		subs := c.subs
		c.subs = make(map[string]*clientSub)
		c.closeCode = code
		c.closeText = text
		c.mu.Unlock()

		c.cancel()
		for _, sub := range subs {
			c.releaseSub(sub)
		}
		close(c.done)
	})
}

func (c *Conn) handleFrame(data []byte) {
	req, err := jsonrpc.ParseRequest(data)
	if err != nil {
		var parseErr *jsonrpc.ParseError
		if errors.As(err, &parseErr) {
			c.reply(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: parseErr.ID, Error: parseErr.RPC})
			return
		}
		c.replyError(nil, gwerr.Validation(gwerr.ReasonMalformedRequest, "invalid request"))
		return
	}

	if c.hub.router.Draining() {
		c.replyError(req.ID, gwerr.Maintenance())
		return
	}
	if _, err := c.hub.router.Authorize(c.ctx, c.apiKey, 1); err != nil {
		c.replyError(req.ID, err)
		return
	}

	switch req.Method {
	case adapter.MethodSubscribe:
		c.subscribe(req)
	case adapter.MethodUnsubscribe:
		c.unsubscribe(req)
	default:
		c.calls.Add(1)
		go func() {
			defer c.calls.Done()
			resp := c.hub.router.Route(c.ctx, c.adapter.Name(), req)
			// dropped by enqueue when the connection has closed meanwhile
			c.reply(resp)
		}()
	}
}
