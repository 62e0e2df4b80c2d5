package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout             = 10 * time.Second
	defaultMaxResponseBytes    = 32 * 1024 * 1024 // eth_getLogs pages can be large
	defaultMaxIdleConns        = 200
	defaultMaxIdleConnsPerHost = 32
	defaultIdleConnTimeout     = 90 * time.Second
)

// HTTPClientConfig holds configuration for HTTP client creation
type HTTPClientConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultHTTPClientConfig returns HTTP client configuration with sensible defaults
func DefaultHTTPClientConfig() *HTTPClientConfig {
	return &HTTPClientConfig{
		Timeout:             defaultTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}
}

// NewHTTPClient creates the shared client for upstream nodes.
// Per-call deadlines come from the request context; Timeout here only bounds
// connect plus response headers.
func NewHTTPClient(cfg *HTTPClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultHTTPClientConfig()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	maxIdleConnsPerHost := cfg.MaxIdleConnsPerHost
	if maxIdleConnsPerHost == 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = defaultIdleConnTimeout
	}

	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			ForceAttemptHTTP2:     true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// PostJSON posts body to url and returns the status and at most maxBytes of
// the response body. maxBytes <= 0 uses the default cap.
func PostJSON(ctx context.Context, client *http.Client, url string, body []byte, maxBytes int64) (int, []byte, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if int64(len(data)) > maxBytes {
		return resp.StatusCode, nil, fmt.Errorf("response exceeds %d bytes", maxBytes)
	}
	return resp.StatusCode, data, nil
}

// SafeStringPreview converts bytes to a printable preview, escaping invalid
// UTF-8 sequences.
func SafeStringPreview(data []byte, maxLen int) string {
	if len(data) == 0 {
		return ""
	}
	if len(data) > maxLen {
		data = data[:maxLen]
	}
	escaped := fmt.Sprintf("%q", data)
	if len(escaped) > 2 {
		return escaped[1 : len(escaped)-1]
	}
	return escaped
}
