package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onllm-dev/quotafleet/internal/probe"
	"github.com/onllm-dev/quotafleet/internal/refresh"
	"github.com/onllm-dev/quotafleet/internal/status"
	"github.com/onllm-dev/quotafleet/internal/store"
	"github.com/onllm-dev/quotafleet/internal/testutil"
)

// stubProber answers every probe with a fixed codex payload.
type stubProber struct{}

func (stubProber) Probe(ctx context.Context, account status.Account) (*probe.RawResult, error) {
	return &probe.RawResult{
		Provider:   status.ProviderCodex,
		ObservedAt: time.Now().UTC(),
		Payload:    []byte(testutil.CodexRateLimitsJSON),
	}, nil
}

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	st := testutil.InMemoryStore(t)
	probers := map[status.Provider]probe.Prober{
		status.ProviderCodex:     stubProber{},
		status.ProviderAnthropic: stubProber{},
	}
	c := refresh.NewCoordinator(probers, st, time.Second, 4, testutil.DiscardLogger())
	return NewHandler(st, c, testutil.DiscardLogger()), st
}

func serve(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	srv := NewServer("127.0.0.1", 0, h, testutil.DiscardLogger(), "", "")
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t)
	ts := serve(t, h)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestLatestAllIncludesPending(t *testing.T) {
	h, st := newTestHandler(t)
	if err := st.UpsertAccount(status.Account{Label: "probed", Provider: status.ProviderCodex, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertAccount(status.Account{Label: "fresh", Provider: status.ProviderAnthropic, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordProbe(testutil.OKSnapshot("probed", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	ts := serve(t, h)

	resp, err := http.Get(ts.URL + "/latest")
	if err != nil {
		t.Fatalf("GET /latest: %v", err)
	}
	var body map[string]map[string]any
	decodeBody(t, resp, &body)

	if len(body) != 2 {
		t.Fatalf("got %d entries, want 2", len(body))
	}
	if body["probed"]["status"] != status.StatusOK {
		t.Errorf("probed status = %v", body["probed"]["status"])
	}
	if body["fresh"]["status"] != status.RegistryPending {
		t.Errorf("fresh status = %v, want pending", body["fresh"]["status"])
	}
}

func TestLatestOne(t *testing.T) {
	h, st := newTestHandler(t)
	if err := st.UpsertAccount(status.Account{Label: "probed", Provider: status.ProviderCodex, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertAccount(status.Account{Label: "fresh", Provider: status.ProviderCodex, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordProbe(testutil.ErrorSnapshot("probed", status.ErrProbeTimeout, time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	ts := serve(t, h)

	// A known label whose probe failed is 200 with an error body, never 404.
	resp, err := http.Get(ts.URL + "/latest/probed")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("probed status code = %d, want 200", resp.StatusCode)
	}
	var snap status.Snapshot
	decodeBody(t, resp, &snap)
	if snap.Status != status.StatusError || snap.ErrorKind != status.ErrProbeTimeout {
		t.Errorf("snapshot = %q/%q", snap.Status, snap.ErrorKind)
	}

	resp, err = http.Get(ts.URL + "/latest/fresh")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("fresh status code = %d, want 200", resp.StatusCode)
	}
	var pending map[string]any
	decodeBody(t, resp, &pending)
	if pending["status"] != status.RegistryPending {
		t.Errorf("fresh body = %v", pending)
	}

	resp, err = http.Get(ts.URL + "/latest/ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("ghost status code = %d, want 404", resp.StatusCode)
	}
}

func TestRegistryReplaceEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	ts := serve(t, h)

	body := `[{"label":"a","provider":"codex","enabled":true},{"label":"b","provider":"anthropic","enabled":true}]`
	resp, err := http.Post(ts.URL+"/registry?replace=true", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var diff store.Diff
	decodeBody(t, resp, &diff)
	if len(diff.Added) != 2 {
		t.Errorf("Added = %v, want 2 labels", diff.Added)
	}

	// Registry view now lists both as pending.
	resp, err = http.Get(ts.URL + "/registry")
	if err != nil {
		t.Fatal(err)
	}
	var entries []status.RegistryEntry
	decodeBody(t, resp, &entries)
	if len(entries) != 2 {
		t.Fatalf("registry entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Status != status.RegistryPending {
			t.Errorf("entry %s status = %q, want pending", e.Label, e.Status)
		}
	}
}

func TestRegistryReplaceValidation(t *testing.T) {
	h, _ := newTestHandler(t)
	ts := serve(t, h)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"empty label", `[{"label":"","provider":"codex"}]`},
		{"bad provider", `[{"label":"a","provider":"fireworks"}]`},
		{"duplicate label", `[{"label":"a","provider":"codex"},{"label":"a","provider":"codex"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/registry?replace=true", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestEventsEndpoint(t *testing.T) {
	h, st := newTestHandler(t)
	if err := st.UpsertAccount(status.Account{Label: "work", Provider: status.ProviderCodex, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	base := time.Now().UTC()
	for i := range 5 {
		if err := st.RecordProbe(testutil.OKSnapshot("work", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	ts := serve(t, h)

	resp, err := http.Get(ts.URL + "/events/work?limit=3")
	if err != nil {
		t.Fatal(err)
	}
	var events []status.Event
	decodeBody(t, resp, &events)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].ID <= events[1].ID {
		t.Error("events not newest-first")
	}

	resp, err = http.Get(ts.URL + "/events/work?limit=banana")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid limit: status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/events/ghost")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown label: status = %d, want 404", resp.StatusCode)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	h, st := newTestHandler(t)
	if err := st.UpsertAccount(status.Account{Label: "work", Provider: status.ProviderCodex, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	ts := serve(t, h)

	resp, err := http.Post(ts.URL+"/refresh?label=work", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var batch refresh.Batch
	decodeBody(t, resp, &batch)
	if batch.Outcomes["work"].Status != status.StatusOK {
		t.Errorf("outcome = %+v", batch.Outcomes["work"])
	}

	if _, err := st.Latest("work"); err != nil {
		t.Errorf("refresh did not persist: %v", err)
	}

	resp, err = http.Post(ts.URL+"/refresh?label=ghost", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown label: status = %d, want 404", resp.StatusCode)
	}
}

func TestRefreshAsyncEndpoint(t *testing.T) {
	h, st := newTestHandler(t)
	if err := st.UpsertAccount(status.Account{Label: "work", Provider: status.ProviderCodex, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	ts := serve(t, h)

	resp, err := http.Post(ts.URL+"/refresh_async", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["trigger_id"] == nil || body["trigger_id"] == "" {
		t.Error("no trigger_id in response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.Latest("work"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("async refresh never landed")
}

func TestIngestEndpoint(t *testing.T) {
	h, st := newTestHandler(t)
	ts := serve(t, h)

	body := `{"label":"agent-1","provider":"codex","status":"ok","normalized":{"windows":{"5h":{"usedPercent":10}},"expectedEmailMatch":null}}`
	resp, err := http.Post(ts.URL+"/ingest", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	snap, err := st.Latest("agent-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if snap.FetchedAt.IsZero() {
		t.Error("FetchedAt not backfilled")
	}

	// The unknown label was auto-registered as a manual-refresh account.
	account, err := st.Account("agent-1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if !account.ManualRefresh || !account.Enabled {
		t.Errorf("auto-registered account = %+v", account)
	}

	for _, bad := range []string{
		`{"provider":"codex","status":"ok"}`,
		`{"label":"x","provider":"mystery","status":"ok"}`,
		`{"label":"x","provider":"codex","status":"maybe"}`,
	} {
		resp, err := http.Post(ts.URL+"/ingest", "application/json", strings.NewReader(bad))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", bad, resp.StatusCode)
		}
	}
}
