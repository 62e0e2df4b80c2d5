package testhelpers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/evm_gateway/internal/jsonrpc"
)

// NewRPCRequest builds a POST request for the gateway with an API key header.
// body may be a string, []byte or any JSON-marshalable value.
func NewRPCRequest(path, apiKey string, body interface{}) *http.Request {
	var data []byte
	switch b := body.(type) {
	case string:
		data = []byte(b)
	case []byte:
		data = b
	case nil:
	default:
		data, _ = json.Marshal(b)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return req
}

// DecodeRPCResponse decodes a single JSON-RPC response from the recorder.
func DecodeRPCResponse(t *testing.T, recorder *httptest.ResponseRecorder) jsonrpc.Response {
	t.Helper()

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp), "body: %s", recorder.Body.String())
	return resp
}

// AssertRPCError verifies the HTTP status and the JSON-RPC error code of a
// single response.
func AssertRPCError(t *testing.T, recorder *httptest.ResponseRecorder, expectedStatus, expectedCode int) jsonrpc.Response {
	t.Helper()

	assert.Equal(t, expectedStatus, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	resp := DecodeRPCResponse(t, recorder)
	require.NotNil(t, resp.Error, "expected error response, got %s", recorder.Body.String())
	assert.Equal(t, expectedCode, resp.Error.Code)
	return resp
}

// RPCHandlerFunc answers one upstream JSON-RPC call.
type RPCHandlerFunc func(req jsonrpc.Request) (interface{}, *jsonrpc.Error)

// RPCUpstream is an httptest JSON-RPC node double.
type RPCUpstream struct {
	*httptest.Server

	calls   atomic.Int64
	mu      sync.Mutex
	methods []string
}

// NewRPCUpstream starts a node double answering with handler. The server is
// closed on test cleanup.
func NewRPCUpstream(t *testing.T, handler RPCHandlerFunc) *RPCUpstream {
	t.Helper()

	u := &RPCUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)

		var req jsonrpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		u.mu.Lock()
		u.methods = append(u.methods, req.Method)
		u.mu.Unlock()

		result, rpcErr := handler(req)
		var resp jsonrpc.Response
		if rpcErr != nil {
			resp = jsonrpc.NewError(req.ID, rpcErr.Code, rpcErr.Message)
		} else {
			raw, err := json.Marshal(result)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			resp = jsonrpc.NewResult(req.ID, raw)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(u.Close)
	return u
}

// NewStatusUpstream starts a server that always answers with status and body.
func NewStatusUpstream(t *testing.T, status int, body string) *RPCUpstream {
	t.Helper()

	u := &RPCUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(u.Close)
	return u
}

// Calls returns how many requests the double has received.
func (u *RPCUpstream) Calls() int {
	return int(u.calls.Load())
}

// Methods returns the upstream method names received, in order.
func (u *RPCUpstream) Methods() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.methods...)
}
