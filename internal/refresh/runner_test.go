package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/onllm-dev/quotafleet/internal/probe"
	"github.com/onllm-dev/quotafleet/internal/status"
	"github.com/onllm-dev/quotafleet/internal/testutil"
)

func TestRunnerPollsEligibleAccounts(t *testing.T) {
	st := testutil.InMemoryStore(t)

	manual := codexAccount("pushed")
	manual.ManualRefresh = true
	disabled := codexAccount("paused")
	disabled.Enabled = false

	for _, a := range []status.Account{codexAccount("work"), manual, disabled} {
		if err := st.UpsertAccount(a); err != nil {
			t.Fatalf("UpsertAccount: %v", err)
		}
	}

	fake := &fakeProber{}
	c := NewCoordinator(map[status.Provider]probe.Prober{status.ProviderCodex: fake},
		st, time.Second, 4, testutil.DiscardLogger())
	r := NewRunner(c, st, time.Hour, testutil.DiscardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// The first poll fires immediately; wait for it to land, then stop.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.Latest("work"); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if _, err := st.Latest("work"); err != nil {
		t.Errorf("enabled account never probed: %v", err)
	}
	if _, err := st.Latest("pushed"); err == nil {
		t.Error("manual-refresh account was probed by the runner")
	}
	if _, err := st.Latest("paused"); err == nil {
		t.Error("disabled account was probed by the runner")
	}
	if calls := fake.calls.Load(); calls != 1 {
		t.Errorf("probe calls = %d, want 1", calls)
	}
}
