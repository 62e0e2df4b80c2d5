package subscription

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mixaill76/evm_gateway/internal/adapter"
	"github.com/mixaill76/evm_gateway/internal/gwerr"
	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
)

// clientSub is one client subscription attached to a shared upstream stream.
// Events arriving before the eth_subscribe reply is queued are held back so
// the client always sees the id first.
type clientSub struct {
	id     string
	typ    string
	conn   *Conn
	handle *adapter.StreamHandle

	mu      sync.Mutex
	active  bool
	pending [][]byte
}

func (s *clientSub) Deliver(event json.RawMessage) {
	data, err := json.Marshal(jsonrpc.NewSubscriptionNotification(s.id, event))
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		if len(s.pending) >= cap(s.conn.send) {
			s.conn.overflow()
			return
		}
		s.pending = append(s.pending, data)
		return
	}
	s.conn.enqueue(data)
}

func (s *clientSub) activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, data := range s.pending {
		if !s.conn.enqueue(data) {
			break
		}
	}
	s.pending = nil
	s.active = true
}

// parseSubscribeParams reads ["type"] or ["type", {filter}].
func parseSubscribeParams(raw json.RawMessage) (adapter.StreamSpec, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) == 0 || len(params) > 2 {
		return adapter.StreamSpec{}, gwerr.Subscription(gwerr.ReasonInvalidType, "eth_subscribe expects [type] or [type, params]")
	}
	var typ string
	if err := json.Unmarshal(params[0], &typ); err != nil {
		return adapter.StreamSpec{}, gwerr.Subscription(gwerr.ReasonInvalidType, "subscription type must be a string")
	}
	if !adapter.ValidStreamType(typ) {
		return adapter.StreamSpec{}, gwerr.Subscription(gwerr.ReasonInvalidType, fmt.Sprintf("unsupported subscription type %q", typ))
	}
	spec := adapter.StreamSpec{Type: typ}
	if len(params) == 2 && !bytes.Equal(bytes.TrimSpace(params[1]), []byte("null")) {
		spec.Params = params[1]
	}
	return spec, nil
}

func (c *Conn) subscribe(req jsonrpc.Request) {
	spec, err := parseSubscribeParams(req.Params)
	if err != nil {
		c.replyError(req.ID, err)
		return
	}

	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return
	}
	if len(c.subs) >= c.hub.cfg.MaxSubscriptionsPerConn {
		c.mu.Unlock()
		c.replyError(req.ID, gwerr.Subscription(gwerr.ReasonTooMany,
			fmt.Sprintf("too many subscriptions: max %d per connection", c.hub.cfg.MaxSubscriptionsPerConn)))
		return
	}
	c.mu.Unlock()

	sub := &clientSub{id: newSubscriptionID(), typ: spec.Type, conn: c}
	handle, err := c.adapter.OpenStream(c.ctx, spec, sub)
	if err != nil {
		if c.ctx.Err() == nil {
			c.hub.logger.Debug("Subscribe failed", "conn_id", c.id, "type", spec.Type, "error", err)
			c.replyError(req.ID, err)
		}
		return
	}
	sub.handle = handle

	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		handle.Release()
		return
	}
	c.subs[sub.id] = sub
	c.state = StateSubscribed
	c.mu.Unlock()

	c.hub.metrics.AddSubscriptions(c.adapter.Name(), sub.typ, 1)
	result, _ := json.Marshal(sub.id)
	c.reply(jsonrpc.NewResult(req.ID, result))
	sub.activate()
}

func (c *Conn) unsubscribe(req jsonrpc.Request) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 1 {
		c.replyError(req.ID, gwerr.Subscription(gwerr.ReasonNotFound, "eth_unsubscribe expects [subscriptionId]"))
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[params[0]]
	if ok {
		delete(c.subs, sub.id)
		if len(c.subs) == 0 && c.state == StateSubscribed {
			c.state = StateAuthenticated
		}
	}
	c.mu.Unlock()

	if !ok {
		c.replyError(req.ID, gwerr.Subscription(gwerr.ReasonNotFound, "subscription not found"))
		return
	}
	c.releaseSub(sub)
	c.reply(jsonrpc.NewResult(req.ID, json.RawMessage("true")))
}

func (c *Conn) releaseSub(sub *clientSub) {
	sub.handle.Release()
	c.hub.metrics.AddSubscriptions(c.adapter.Name(), sub.typ, -1)
}

// Subscriptions returns the ids of the connection's active subscriptions.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}
