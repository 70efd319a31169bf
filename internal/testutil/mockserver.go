package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
)

// AnthropicMock is a fake Messages endpoint that answers with configurable
// rate-limit headers. Thread-safe for concurrent probes.
type AnthropicMock struct {
	*httptest.Server

	mu      sync.RWMutex
	key     string
	headers map[string]string
	code    int

	requests atomic.Int64
}

// AnthropicMockOption configures an AnthropicMock.
type AnthropicMockOption func(*AnthropicMock)

// WithExpectedKey makes the mock reject any other x-api-key with 401.
func WithExpectedKey(key string) AnthropicMockOption {
	return func(m *AnthropicMock) {
		m.key = key
	}
}

// WithRateLimitHeaders sets the headers returned on every response.
func WithRateLimitHeaders(headers map[string]string) AnthropicMockOption {
	return func(m *AnthropicMock) {
		m.headers = headers
	}
}

// WithStatusCode sets the response status. Defaults to 200.
func WithStatusCode(code int) AnthropicMockOption {
	return func(m *AnthropicMock) {
		m.code = code
	}
}

// NewAnthropicMock starts the mock server. It is closed automatically via
// the returned server's Close, which callers should defer.
func NewAnthropicMock(opts ...AnthropicMockOption) *AnthropicMock {
	m := &AnthropicMock{
		code: http.StatusOK,
		headers: map[string]string{
			"anthropic-ratelimit-requests-limit":     "50",
			"anthropic-ratelimit-requests-remaining": "49",
			"anthropic-ratelimit-requests-reset":     "2026-01-02T15:04:05Z",
			"anthropic-ratelimit-tokens-limit":       "40000",
			"anthropic-ratelimit-tokens-remaining":   "39000",
			"anthropic-ratelimit-tokens-reset":       "2026-01-02T15:04:05Z",
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests.Add(1)

		m.mu.RLock()
		key, headers, code := m.key, m.headers, m.code
		m.mu.RUnlock()

		if key != "" && r.Header.Get("x-api-key") != key {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"type":"error","error":{"type":"authentication_error"}}`))
			return
		}
		for name, value := range headers {
			w.Header().Set(name, value)
		}
		w.Header().Set("request-id", "req_mock")
		w.WriteHeader(code)
		w.Write([]byte(`{"type":"message","content":[{"type":"text","text":"pong"}]}`))
	}))
	return m
}

// SetResponse swaps the status code and headers for subsequent requests.
func (m *AnthropicMock) SetResponse(code int, headers map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code = code
	m.headers = headers
}

// Requests returns how many probe requests the mock has served.
func (m *AnthropicMock) Requests() int64 {
	return m.requests.Load()
}
