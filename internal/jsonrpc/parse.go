package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// ParseError is a body-level failure: nothing in the body can be routed.
type ParseError struct {
	RPC *Error
	ID  json.RawMessage
}

func (e *ParseError) Error() string {
	return e.RPC.Error()
}

// Item is one element of a request body. Err is set when the element itself
// is malformed; the rest of a batch is still served.
type Item struct {
	Request Request
	Err     *Error
}

// Envelope is a parsed request body.
type Envelope struct {
	Batch bool
	Items []Item
}

// Len is the number of calls in the body, used as the rate-limit weight.
func (e *Envelope) Len() int {
	return len(e.Items)
}

// Parse decodes a single request object or a batch array.
//
//   - invalid JSON -> ParseError{-32700}
//   - valid JSON that is neither object nor array, or an empty array -> ParseError{-32600}
//   - a single malformed object -> ParseError{-32600} with its id when readable
//   - malformed elements inside a batch -> Item.Err, batch still returned
func Parse(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, &ParseError{RPC: &Error{Code: CodeParseError, Message: "parse error"}}
	}

	switch trimmed[0] {
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, &ParseError{RPC: &Error{Code: CodeParseError, Message: "parse error"}}
		}
		if len(raws) == 0 {
			return nil, &ParseError{RPC: &Error{Code: CodeInvalidRequest, Message: "invalid request: empty batch"}}
		}
		env := &Envelope{Batch: true, Items: make([]Item, len(raws))}
		for i, raw := range raws {
			req, rpcErr := decodeRequest(raw)
			env.Items[i] = Item{Request: req, Err: rpcErr}
		}
		return env, nil
	case '{':
		req, rpcErr := decodeRequest(trimmed)
		if rpcErr != nil {
			return nil, &ParseError{RPC: rpcErr, ID: req.ID}
		}
		return &Envelope{Items: []Item{{Request: req}}}, nil
	default:
		return nil, &ParseError{RPC: &Error{Code: CodeInvalidRequest, Message: "invalid request"}}
	}
}

// ParseRequest decodes exactly one request object (WebSocket frames).
func ParseRequest(frame []byte) (Request, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return Request{}, &ParseError{RPC: &Error{Code: CodeParseError, Message: "parse error"}}
	}
	req, rpcErr := decodeRequest(trimmed)
	if rpcErr != nil {
		return req, &ParseError{RPC: rpcErr, ID: req.ID}
	}
	return req, nil
}

func decodeRequest(raw json.RawMessage) (Request, *Error) {
	var probe struct {
		JSONRPC *string         `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  *string         `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		// Wrong field types: still try to echo the id.
		var idOnly struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(raw, &idOnly)
		return Request{ID: validID(idOnly.ID)}, &Error{Code: CodeInvalidRequest, Message: "invalid request"}
	}

	req := Request{ID: validID(probe.ID), Params: probe.Params}
	if len(probe.ID) > 0 && req.ID == nil {
		return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: id must be a string, number or null"}
	}
	if probe.JSONRPC == nil || *probe.JSONRPC != Version {
		return req, &Error{Code: CodeInvalidRequest, Message: `invalid request: jsonrpc must be "2.0"`}
	}
	req.JSONRPC = *probe.JSONRPC
	if probe.Method == nil || *probe.Method == "" {
		return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: method is required"}
	}
	req.Method = *probe.Method
	if !validParams(probe.Params) {
		return req, &Error{Code: CodeInvalidRequest, Message: "invalid request: params must be an array or object"}
	}
	return req, nil
}

// validID returns id when it is a JSON string, number or null.
func validID(id json.RawMessage) json.RawMessage {
	id = bytes.TrimSpace(id)
	if len(id) == 0 {
		return nil
	}
	switch c := id[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9':
		return id
	case bytes.Equal(id, null):
		return id
	}
	return nil
}

func validParams(params json.RawMessage) bool {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, null) {
		return true
	}
	return params[0] == '[' || params[0] == '{'
}
