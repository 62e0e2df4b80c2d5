package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 16 * 1024 * 1024
	unsubscribeTimeout      = time.Second
	eventBuffer             = 64
)

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("upstream subscription closed")

// Subscription is one live eth_subscribe on an upstream node.
type Subscription interface {
	// ID is the node-assigned subscription id.
	ID() string
	// Next blocks for the next event payload in emission order.
	Next(ctx context.Context) (json.RawMessage, error)
	// Close unsubscribes (best effort) and drops the connection.
	Close() error
}

// StreamDialer opens upstream subscriptions. params is the full eth_subscribe
// params array, e.g. ["logs", {...}].
type StreamDialer interface {
	Subscribe(ctx context.Context, wsURL string, params json.RawMessage) (Subscription, error)
}

// WSDialer subscribes over a dedicated WebSocket per subscription.
type WSDialer struct {
	dialer    *websocket.Dialer
	readLimit int64
	logger    *slog.Logger
}

func NewWSDialer(handshakeTimeout time.Duration, readLimit int64, logger *slog.Logger) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &WSDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: true,
		},
		readLimit: readLimit,
		logger:    logger,
	}
}

type frame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc.Error  `json:"error"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// Subscribe dials wsURL and issues eth_subscribe. A JSON-RPC error from the
// node is returned as *jsonrpc.Error; anything else as *CallError.
func (d *WSDialer) Subscribe(ctx context.Context, wsURL string, params json.RawMessage) (Subscription, error) {
	conn, resp, err := d.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, classifyTransport(ctx, 0, fmt.Errorf("dial: %w", err))
	}
	conn.SetReadLimit(d.readLimit)

	deadline := time.Now().Add(d.dialer.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	req := jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      json.RawMessage(`1`),
		Method:  "eth_subscribe",
		Params:  params,
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, classifyTransport(ctx, 0, fmt.Errorf("write subscribe: %w", err))
	}

	subID, err := awaitSubscribeReply(conn)
	if err != nil {
		_ = conn.Close()
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		var callErr *CallError
		if errors.As(err, &callErr) {
			return nil, callErr
		}
		return nil, classifyTransport(ctx, 0, err)
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	s := &wsSubscription{
		id:         subID,
		conn:       conn,
		events:     make(chan json.RawMessage, eventBuffer),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		logger:     d.logger,
	}
	go s.readLoop()
	return s, nil
}

func awaitSubscribeReply(conn *websocket.Conn) (string, error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read subscribe reply: %w", err)
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			return "", &CallError{Kind: KindInvalidResponse, Err: err}
		}
		if string(f.ID) != "1" {
			continue
		}
		if f.Error != nil {
			return "", f.Error
		}
		var id string
		if err := json.Unmarshal(f.Result, &id); err != nil || id == "" {
			return "", &CallError{Kind: KindInvalidResponse, Err: fmt.Errorf("subscription id: %s", f.Result)}
		}
		return id, nil
	}
}

type wsSubscription struct {
	id     string
	conn   *websocket.Conn
	events chan json.RawMessage
	logger *slog.Logger

	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	err        error
}

func (s *wsSubscription) ID() string {
	return s.id
}

func (s *wsSubscription) readLoop() {
	defer close(s.readerDone)

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			return
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.logger.Debug("Dropping undecodable upstream frame", "error", err)
			continue
		}
		if f.Method != "eth_subscription" || f.Params.Subscription != s.id {
			continue
		}
		select {
		case s.events <- f.Params.Result:
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.readerDone:
		select {
		case ev := <-s.events:
			return ev, nil
		default:
		}
		select {
		case <-s.done:
			return nil, ErrSubscriptionClosed
		default:
		}
		return nil, &CallError{Kind: KindTransport, Err: fmt.Errorf("stream dropped: %w", s.err)}
	case <-s.done:
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		deadline := time.Now().Add(unsubscribeTimeout)
		_ = s.conn.SetWriteDeadline(deadline)
		params, _ := json.Marshal([]string{s.id})
		_ = s.conn.WriteJSON(jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			ID:      json.RawMessage(`2`),
			Method:  "eth_unsubscribe",
			Params:  params,
		})
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}
