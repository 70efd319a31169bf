//go:build integration

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onllm-dev/quotafleet/internal/probe"
	"github.com/onllm-dev/quotafleet/internal/refresh"
	"github.com/onllm-dev/quotafleet/internal/status"
	"github.com/onllm-dev/quotafleet/internal/store"
	"github.com/onllm-dev/quotafleet/internal/testutil"
	"github.com/onllm-dev/quotafleet/internal/web"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeAnthropicKey places an API key where the prober's credential
// resolution expects it: <accountsDir>/<label>/.secrets/anthropic_api_key.txt.
func writeAnthropicKey(t *testing.T, accountsDir, label, key string) {
	t.Helper()
	dir := filepath.Join(accountsDir, label, ".secrets")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir secrets dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "anthropic_api_key.txt"), []byte(key+"\n"), 0o600); err != nil {
		t.Fatalf("write api key: %v", err)
	}
}

// TestIntegration_FullCycle drives the whole pipeline: a declared account is
// probed against a mock Anthropic endpoint, the result is normalized and
// persisted, and the HTTP handlers serve it back.
func TestIntegration_FullCycle(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	mock := testutil.NewAnthropicMock()
	defer mock.Close()

	db, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	account := status.Account{
		Label:    "claude-main",
		Provider: status.ProviderAnthropic,
		Enabled:  true,
	}
	if _, err := db.ReplaceRegistry([]status.Account{account}); err != nil {
		t.Fatalf("Failed to seed registry: %v", err)
	}

	accountsDir := filepath.Join(tempDir, "accounts")
	writeAnthropicKey(t, accountsDir, account.Label, "sk-ant-REDACTED")

	probers := map[status.Provider]probe.Prober{
		status.ProviderAnthropic: probe.NewAnthropicProber(accountsDir, discardLogger(),
			probe.WithAnthropicAPIURL(mock.URL)),
	}
	coordinator := refresh.NewCoordinator(probers, db, 5*time.Second, 2, discardLogger())

	batch := coordinator.Refresh(context.Background(), []status.Account{account})
	outcome, ok := batch.Outcomes[account.Label]
	if !ok {
		t.Fatalf("No outcome for %q in batch %s", account.Label, batch.BatchID)
	}
	if outcome.Status != status.StatusOK {
		t.Fatalf("Expected ok outcome, got %s (%s: %s)", outcome.Status, outcome.ErrorKind, outcome.Error)
	}

	// Persisted state is queryable.
	latest, err := db.Latest(account.Label)
	if err != nil {
		t.Fatalf("Failed to query latest: %v", err)
	}
	if latest.Status != status.StatusOK {
		t.Fatalf("Expected ok snapshot, got %s", latest.Status)
	}
	if len(latest.Normalized.Windows) == 0 {
		t.Fatal("Expected normalized windows from header payload")
	}

	events, err := db.Events(account.Label, 10)
	if err != nil {
		t.Fatalf("Failed to query events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}

	// The HTTP surface serves the same snapshot.
	handler := web.NewHandler(db, coordinator, discardLogger())

	req := httptest.NewRequest("GET", "/latest/claude-main", nil)
	req.SetPathValue("label", "claude-main")
	w := httptest.NewRecorder()
	handler.LatestOne(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap status.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to parse latest response: %v", err)
	}
	if snap.Label != "claude-main" || snap.Status != status.StatusOK {
		t.Errorf("Unexpected snapshot over HTTP: label=%q status=%q", snap.Label, snap.Status)
	}
}

// TestIntegration_PollLoop verifies the background runner picks up enabled
// accounts on its own and persists results.
func TestIntegration_PollLoop(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	mock := testutil.NewAnthropicMock()
	defer mock.Close()

	db, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	account := status.Account{
		Label:    "claude-poll",
		Provider: status.ProviderAnthropic,
		Enabled:  true,
	}
	if err := db.UpsertAccount(account); err != nil {
		t.Fatalf("Failed to register account: %v", err)
	}

	accountsDir := filepath.Join(tempDir, "accounts")
	writeAnthropicKey(t, accountsDir, account.Label, "sk-ant-poll-key")

	probers := map[status.Provider]probe.Prober{
		status.ProviderAnthropic: probe.NewAnthropicProber(accountsDir, discardLogger(),
			probe.WithAnthropicAPIURL(mock.URL)),
	}
	coordinator := refresh.NewCoordinator(probers, db, 5*time.Second, 2, discardLogger())
	runner := refresh.NewRunner(coordinator, db, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := db.Latest(account.Label); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Runner did not stop after cancel")
	}

	latest, err := db.Latest(account.Label)
	if err != nil {
		t.Fatalf("Runner never persisted a snapshot: %v", err)
	}
	if latest.Status != status.StatusOK {
		t.Errorf("Expected ok snapshot from poll, got %s (%s)", latest.Status, latest.ErrorKind)
	}
	if mock.Requests() < 1 {
		t.Error("Expected at least one probe request against the mock")
	}
}

// TestIntegration_IngestThenReplace pushes a snapshot for an undeclared
// label, then re-declares the registry without it and verifies the label is
// orphaned rather than deleted.
func TestIntegration_IngestThenReplace(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	db, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	coordinator := refresh.NewCoordinator(nil, db, time.Second, 1, discardLogger())
	handler := web.NewHandler(db, coordinator, discardLogger())

	ingest := `{
		"label": "pushed-box",
		"provider": "codex",
		"status": "ok",
		"normalized": {"windows": {"5h": {"usedPercent": 33.0}}}
	}`
	req := httptest.NewRequest("POST", "/ingest", strings.NewReader(ingest))
	w := httptest.NewRecorder()
	handler.Ingest(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Ingest failed: %d: %s", w.Code, w.Body.String())
	}

	// Re-declare the fleet without the pushed label.
	replace := `[{"label": "declared-box", "provider": "codex"}]`
	req = httptest.NewRequest("POST", "/registry?replace=true", strings.NewReader(replace))
	w = httptest.NewRecorder()
	handler.RegistryReplace(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Registry replace failed: %d: %s", w.Code, w.Body.String())
	}

	var diff store.Diff
	if err := json.Unmarshal(w.Body.Bytes(), &diff); err != nil {
		t.Fatalf("Failed to parse diff: %v", err)
	}
	if len(diff.Orphaned) != 1 || diff.Orphaned[0] != "pushed-box" {
		t.Errorf("Expected pushed-box orphaned, got %+v", diff)
	}

	// The orphan's history survives reconciliation.
	req = httptest.NewRequest("GET", "/events/pushed-box", nil)
	req.SetPathValue("label", "pushed-box")
	w = httptest.NewRecorder()
	handler.Events(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected orphan history to survive, got %d", w.Code)
	}
	var events []status.Event
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatalf("Failed to parse events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 retained event, got %d", len(events))
	}
}

// TestIntegration_DatabaseReopen verifies a populated database survives a
// close/reopen cycle with its data intact.
func TestIntegration_DatabaseReopen(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	db, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	snap := testutil.OKSnapshot("durable", time.Now().UTC())
	if err := db.RecordProbe(snap); err != nil {
		t.Fatalf("Failed to record probe: %v", err)
	}
	db.Close()

	db2, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db2.Close()

	latest, err := db2.Latest("durable")
	if err != nil {
		t.Fatalf("Snapshot lost across reopen: %v", err)
	}
	if latest.Status != status.StatusOK {
		t.Errorf("Expected ok snapshot after reopen, got %s", latest.Status)
	}
}
