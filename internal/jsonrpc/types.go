// Package jsonrpc holds the JSON-RPC 2.0 value types shared by the HTTP and
// WebSocket surfaces and by the upstream clients.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const Version = "2.0"

// Standard JSON-RPC 2.0 codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway codes, kept apart from anything an upstream node may report.
const (
	CodeUpstreamUnavailable = -32001
	CodeUnauthorized        = -32002
	CodeInvalidUpstream     = -32003
	CodeLimitExceeded       = -32005
)

var null = json.RawMessage("null")

// Request is one JSON-RPC call. ID and Params stay raw so they round-trip
// byte-for-byte to the upstream and back to the caller.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC response. Exactly one of Result and Error is emitted.
type Response struct {
	JSONRPC string
	ID      json.RawMessage
	Result  json.RawMessage
	Error   *Error
}

type responseWithResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type responseWithError struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

// MarshalJSON always writes "id" (null when unknown) and never both result and error.
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = null
	}
	if r.Error != nil {
		return json.Marshal(responseWithError{JSONRPC: Version, ID: id, Error: r.Error})
	}
	result := r.Result
	if len(result) == 0 {
		result = null
	}
	return json.Marshal(responseWithResult{JSONRPC: Version, ID: id, Result: result})
}

// UnmarshalJSON accepts any object that carries "result" or "error".
func (r *Response) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if v, ok := fields["jsonrpc"]; ok {
		if err := json.Unmarshal(v, &r.JSONRPC); err != nil {
			return fmt.Errorf("jsonrpc field: %w", err)
		}
	}
	r.ID = fields["id"]
	if raw, ok := fields["error"]; ok && !bytes.Equal(bytes.TrimSpace(raw), null) {
		var e Error
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("error field: %w", err)
		}
		r.Error = &e
		return nil
	}
	raw, ok := fields["result"]
	if !ok {
		return fmt.Errorf("response has neither result nor error")
	}
	r.Result = raw
	return nil
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result json.RawMessage) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response for id.
func NewError(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// Notification is the server push frame for subscriptions.
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  SubscriptionResult `json:"params"`
}

// SubscriptionResult is the params object of an eth_subscription frame.
type SubscriptionResult struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// NewSubscriptionNotification wraps one upstream event for a client subscription id.
func NewSubscriptionNotification(subID string, event json.RawMessage) Notification {
	return Notification{
		JSONRPC: Version,
		Method:  "eth_subscription",
		Params:  SubscriptionResult{Subscription: subID, Result: event},
	}
}
