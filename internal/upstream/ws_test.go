package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
	"github.com/mixaill76/evm_gateway/internal/testhelpers"
)

// newWSNode starts a node double that confirms eth_subscribe with subID,
// pushes events and reports received methods on the methods channel.
func newWSNode(t *testing.T, subID string, events []string, methods chan<- string) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		for {
			var req jsonrpc.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if methods != nil {
				methods <- req.Method
			}
			switch req.Method {
			case "eth_subscribe":
				var params []json.RawMessage
				_ = json.Unmarshal(req.Params, &params)
				if len(params) > 0 && string(params[0]) == `"bogus"` {
					_ = conn.WriteJSON(jsonrpc.NewError(req.ID, -32602, "unsupported subscription"))
					continue
				}
				result, _ := json.Marshal(subID)
				_ = conn.WriteJSON(jsonrpc.NewResult(req.ID, result))
				for _, ev := range events {
					_ = conn.WriteJSON(jsonrpc.NewSubscriptionNotification(subID, json.RawMessage(ev)))
				}
			case "eth_unsubscribe":
				_ = conn.WriteJSON(jsonrpc.NewResult(req.ID, json.RawMessage(`true`)))
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSDialer_SubscribeAndReceiveInOrder(t *testing.T) {
	events := make([]string, 10)
	for i := range events {
		events[i] = fmt.Sprintf(`{"number":"0x%x"}`, i)
	}
	url := newWSNode(t, "0xabc", events, nil)
	dialer := NewWSDialer(time.Second, 0, testhelpers.NewTestLogger())

	sub, err := dialer.Subscribe(context.Background(), url, json.RawMessage(`["newHeads"]`))
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()
	assert.Equal(t, "0xabc", sub.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := range events {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.JSONEq(t, events[i], string(ev))
	}
}

func TestWSDialer_RPCErrorOnSubscribe(t *testing.T) {
	url := newWSNode(t, "0xabc", nil, nil)
	dialer := NewWSDialer(time.Second, 0, testhelpers.NewTestLogger())

	_, err := dialer.Subscribe(context.Background(), url, json.RawMessage(`["bogus"]`))
	var rpcErr *jsonrpc.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestWSDialer_CloseUnsubscribes(t *testing.T) {
	methods := make(chan string, 4)
	url := newWSNode(t, "0xabc", nil, methods)
	dialer := NewWSDialer(time.Second, 0, testhelpers.NewTestLogger())

	sub, err := dialer.Subscribe(context.Background(), url, json.RawMessage(`["newHeads"]`))
	require.NoError(t, err)
	assert.Equal(t, "eth_subscribe", <-methods)

	require.NoError(t, sub.Close())
	select {
	case m := <-methods:
		assert.Equal(t, "eth_unsubscribe", m)
	case <-time.After(2 * time.Second):
		t.Fatal("node never saw eth_unsubscribe")
	}

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestWSDialer_DropIsTransportFailure(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var req jsonrpc.Request
		_ = conn.ReadJSON(&req)
		_ = conn.WriteJSON(jsonrpc.NewResult(req.ID, json.RawMessage(`"0x1"`)))
		_ = conn.Close()
	}))
	defer server.Close()

	dialer := NewWSDialer(time.Second, 0, testhelpers.NewTestLogger())
	sub, err := dialer.Subscribe(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), json.RawMessage(`["newHeads"]`))
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = sub.Next(ctx)
	var callErr *CallError
	require.True(t, errors.As(err, &callErr), "got %v", err)
	assert.Equal(t, KindTransport, callErr.Kind)
}

func TestWSDialer_DialFailure(t *testing.T) {
	dialer := NewWSDialer(200*time.Millisecond, 0, testhelpers.NewTestLogger())

	_, err := dialer.Subscribe(context.Background(), "ws://127.0.0.1:1", json.RawMessage(`["newHeads"]`))
	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.True(t, callErr.Retryable())
}
