// Package testutil provides shared helpers for tests: discard loggers,
// in-memory stores, canned provider payloads, and a mock Anthropic endpoint.
package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/onllm-dev/quotafleet/internal/config"
	"github.com/onllm-dev/quotafleet/internal/status"
	"github.com/onllm-dev/quotafleet/internal/store"
)

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// InMemoryStore creates an in-memory SQLite store for testing.
// The store is automatically closed when the test completes.
func InMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("InMemoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// SeededStore creates an in-memory store with each label registered as a
// codex account and given count OK snapshots, oldest first.
func SeededStore(t *testing.T, count int, labels ...string) *store.Store {
	t.Helper()
	s := InMemoryStore(t)
	now := time.Now().UTC()

	for _, label := range labels {
		acct := status.Account{Label: label, Provider: status.ProviderCodex, Enabled: true}
		if err := s.UpsertAccount(acct); err != nil {
			t.Fatalf("SeededStore: register %s: %v", label, err)
		}
		for i := range count {
			snap := OKSnapshot(label, now.Add(-time.Duration(count-i)*time.Minute))
			if err := s.RecordProbe(snap); err != nil {
				t.Fatalf("SeededStore: record %s: %v", label, err)
			}
		}
	}
	return s
}

// OKSnapshot builds a plausible successful codex snapshot for label.
func OKSnapshot(label string, fetchedAt time.Time) *status.Snapshot {
	used := 42.5
	mins := int64(300)
	return &status.Snapshot{
		Label:     label,
		Provider:  status.ProviderCodex,
		FetchedAt: fetchedAt,
		Raw:       CodexRateLimitsJSON,
		Status:    status.StatusOK,
		Normalized: status.Normalized{
			Windows: map[string]status.Window{
				"5h": {UsedPercent: &used, WindowDurationMins: &mins},
			},
			AccountEmail: "dev@example.com",
		},
	}
}

// ErrorSnapshot builds a failed snapshot for label with the given kind.
func ErrorSnapshot(label string, kind status.ErrorKind, fetchedAt time.Time) *status.Snapshot {
	return &status.Snapshot{
		Label:     label,
		Provider:  status.ProviderCodex,
		FetchedAt: fetchedAt,
		Status:    status.StatusError,
		ErrorKind: kind,
		Error:     "probe failed",
	}
}

// TestConfig creates a Config suitable for testing.
func TestConfig(anthropicURL string) *config.Config {
	return &config.Config{
		AccountsPath:       "accounts.json",
		AccountsDir:        "accounts",
		CodexBin:           "codex",
		AnthropicAPIURL:    anthropicURL,
		AnthropicVersion:   "2023-06-01",
		AnthropicModel:     "claude-3-5-haiku-latest",
		ProbeTimeout:       5 * time.Second,
		RefreshConcurrency: 4,
		PollInterval:       10 * time.Second,
		Port:               9211,
		Host:               "127.0.0.1",
		DBPath:             ":memory:",
		LogLevel:           "debug",
	}
}
