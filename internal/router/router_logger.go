package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mixaill76/evm_gateway/internal/security"
)

// errorLogFileCache holds cached file handles for error logging
type errorLogFileCache struct {
	mu      sync.Mutex
	handles map[string]*logFileHandle
}

var logFileCache = &errorLogFileCache{
	handles: make(map[string]*logFileHandle),
}

type logFileHandle struct {
	file *os.File
	mu   sync.Mutex
}

func (c *errorLogFileCache) getOrCreate(path string) (*logFileHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if file, exists := c.handles[path]; exists {
		return file, nil
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	handle := &logFileHandle{file: file}
	c.handles[path] = handle
	return handle, nil
}

func (c *errorLogFileCache) closeAll() error {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[string]*logFileHandle)
	c.mu.Unlock()

	var firstErr error
	for _, handle := range handles {
		handle.mu.Lock()
		err := handle.file.Close()
		handle.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ErrorLogEntry is one line of the error log file.
type ErrorLogEntry struct {
	Timestamp string       `json:"timestamp"`
	RequestID string       `json:"request_id,omitempty"`
	Path      string       `json:"path"`
	Method    string       `json:"method"`
	Status    int          `json:"status"`
	Request   RequestInfo  `json:"request"`
	Response  ResponseInfo `json:"response"`
}

type RequestInfo struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type ResponseInfo struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// maskedHeaders flattens headers, hiding credentials.
func maskedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		switch key {
		case http.CanonicalHeaderKey(headerAPIKey):
			out[key] = security.MaskAPIKey(values[0])
		case "Authorization":
			if token, ok := strings.CutPrefix(values[0], "Bearer "); ok {
				out[key] = "Bearer " + security.MaskAPIKey(token)
			} else {
				out[key] = security.MaskSecret(values[0], 4)
			}
		default:
			out[key] = values[0]
		}
	}
	return out
}

func logErrorResponse(errorsLogPath string, req *http.Request, status int, respHeaders http.Header, respBody, reqBody []byte) error {
	if errorsLogPath == "" {
		return nil
	}

	entry := ErrorLogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: middleware.GetReqID(req.Context()),
		Path:      req.URL.Path,
		Method:    req.Method,
		Status:    status,
		Request: RequestInfo{
			Headers: maskedHeaders(req.Header),
			Body:    string(reqBody),
		},
		Response: ResponseInfo{
			Headers: maskedHeaders(respHeaders),
			Body:    string(respBody),
		},
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	file, err := logFileCache.getOrCreate(errorsLogPath)
	if err != nil {
		return err
	}

	file.mu.Lock()
	_, err = file.file.Write(append(entryJSON, '\n'))
	file.mu.Unlock()
	return err
}

// CloseErrorLogFiles closes any cached error log file handles.
func CloseErrorLogFiles() error {
	return logFileCache.closeAll()
}

func isErrorStatus(statusCode int) bool {
	return statusCode >= 400
}

// captureRequestBody reads up to limit bytes of the body and puts them back
// in front of the unread remainder, so the handler still sees the whole body.
func captureRequestBody(req *http.Request, limit int64) ([]byte, error) {
	if req.Body == nil {
		return []byte{}, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, limit))
	if err != nil {
		return nil, err
	}
	req.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), req.Body), Closer: req.Body}
	return body, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// errorLogMiddleware appends every 4xx/5xx exchange to the error log file.
func (r *Router) errorLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		reqBody, err := captureRequestBody(req, r.cfg.MaxBodyBytes)
		if err != nil {
			next.ServeHTTP(w, req)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		var respBody bytes.Buffer
		ww.Tee(&respBody)

		next.ServeHTTP(ww, req)

		if isErrorStatus(ww.Status()) {
			if err := logErrorResponse(r.cfg.ErrorsLogPath, req, ww.Status(), ww.Header(), respBody.Bytes(), reqBody); err != nil {
				r.logger.Warn("Failed to write error log", "path", r.cfg.ErrorsLogPath, "error", err)
			}
		}
	})
}

// accessLogMiddleware logs each request at debug level.
func (r *Router) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		r.logger.Debug("HTTP request",
			"request_id", middleware.GetReqID(req.Context()),
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", req.RemoteAddr,
		)
	})
}
