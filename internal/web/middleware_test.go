package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/onllm-dev/quotafleet/internal/testutil"
)

func authedServer(t *testing.T) *httptest.Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	h, _ := newTestHandler(t)
	srv := NewServer("127.0.0.1", 0, h, testutil.DiscardLogger(), "admin", string(hash))
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestAuthMiddlewareAllowsReads(t *testing.T) {
	ts := authedServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET without credentials: status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthMiddlewareGuardsWrites(t *testing.T) {
	ts := authedServer(t)

	resp, err := http.Post(ts.URL+"/refresh", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("POST without credentials: status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
}

func TestAuthMiddlewareAcceptsValidCredentials(t *testing.T) {
	ts := authedServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/refresh", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST with credentials: status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthMiddlewareRejectsWrongPassword(t *testing.T) {
	ts := authedServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/refresh", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuthRateLimiting(t *testing.T) {
	ts := authedServer(t)

	var last int
	for range 12 {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/refresh", nil)
		req.SetBasicAuth("admin", "wrong")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("after repeated failures: status = %d, want 429", last)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("first attempts should be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third attempt should be blocked")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("other IPs unaffected")
	}
	rl.Reset("1.2.3.4")
	if !rl.Allow("1.2.3.4") {
		t.Error("reset should clear the counter")
	}
}
