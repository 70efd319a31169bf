package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onllm-dev/quotafleet/internal/config"
	"github.com/onllm-dev/quotafleet/internal/status"
)

const rateLimitHeaderPrefix = "anthropic-ratelimit-"

// Non-prefixed headers worth keeping alongside the rate-limit set.
var extraHeaders = map[string]bool{
	"retry-after": true,
	"date":        true,
	"request-id":  true,
}

// AnthropicProber reads quota windows from the anthropic-ratelimit-* response
// headers of a minimal Messages API call. The request body is the cheapest
// valid payload; the answer content is irrelevant.
type AnthropicProber struct {
	httpClient  *http.Client
	apiURL      string
	version     string
	model       string
	accountsDir string
	logger      *slog.Logger
}

// AnthropicOption configures an AnthropicProber.
type AnthropicOption func(*AnthropicProber)

// WithAnthropicAPIURL sets a custom Messages endpoint (for testing).
func WithAnthropicAPIURL(url string) AnthropicOption {
	return func(p *AnthropicProber) {
		if url != "" {
			p.apiURL = url
		}
	}
}

// WithAnthropicModel sets the model named in the probe request.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProber) {
		if model != "" {
			p.model = model
		}
	}
}

// WithAnthropicVersion sets the anthropic-version header value.
func WithAnthropicVersion(version string) AnthropicOption {
	return func(p *AnthropicProber) {
		if version != "" {
			p.version = version
		}
	}
}

// NewAnthropicProber creates a prober rooted at accountsDir. If logger is
// nil, slog.Default() is used.
func NewAnthropicProber(accountsDir string, logger *slog.Logger, opts ...AnthropicOption) *AnthropicProber {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AnthropicProber{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
		apiURL:      "https://api.anthropic.com/v1/messages",
		version:     "2023-06-01",
		model:       "claude-3-5-haiku-latest",
		accountsDir: accountsDir,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe issues one minimal request and captures the rate-limit headers.
// A 429 still carries them, so it counts as a successful observation;
// 401/403 means the key is unusable.
func (p *AnthropicProber) Probe(ctx context.Context, account status.Account) (*RawResult, error) {
	apiKey := config.AnthropicAPIKey(p.accountsDir, account.Label)
	if apiKey == "" {
		return nil, newError(status.ErrAuthMissing,
			fmt.Sprintf("no anthropic API key for %s", account.Label), nil)
	}

	body, err := json.Marshal(map[string]any{
		"model":      p.model,
		"max_tokens": 1,
		"messages": []map[string]string{
			{"role": "user", "content": "ping"},
		},
	})
	if err != nil {
		return nil, newError(status.ErrProbeProcessError, "encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, newError(status.ErrProbeProcessError, "create request", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", p.version)
	req.Header.Set("Content-Type", "application/json")

	p.logger.Debug("probing anthropic rate limits",
		"label", account.Label,
		"key", config.RedactSecret(apiKey),
	)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(status.ErrProbeTimeout, "request deadline exceeded", ctx.Err())
		}
		return nil, newError(status.ErrProviderError, "request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	headers := filterRateLimitHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newError(status.ErrAuthMissing,
			fmt.Sprintf("key rejected with HTTP %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400 && !hasRateLimitHeaders(headers):
		return nil, newError(status.ErrProviderError,
			fmt.Sprintf("HTTP %d with no rate-limit headers", resp.StatusCode), nil)
	}

	return &RawResult{
		Provider:   status.ProviderAnthropic,
		ObservedAt: time.Now().UTC(),
		HTTPStatus: resp.StatusCode,
		Headers:    headers,
		APIKeyHint: config.RedactSecret(apiKey),
	}, nil
}

// filterRateLimitHeaders keeps only the rate-limit headers plus a few
// request-tracing ones, with lowercased keys.
func filterRateLimitHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		key := strings.ToLower(name)
		if strings.HasPrefix(key, rateLimitHeaderPrefix) || extraHeaders[key] {
			out[key] = values[0]
		}
	}
	return out
}

func hasRateLimitHeaders(headers map[string]string) bool {
	for key := range headers {
		if strings.HasPrefix(key, rateLimitHeaderPrefix) {
			return true
		}
	}
	return false
}
