package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/onllm-dev/quotafleet/internal/status"
	"github.com/onllm-dev/quotafleet/internal/store"
)

// Runner drives the periodic fleet refresh. Accounts flagged for manual
// refresh are skipped: those are expected to be pushed by an external
// poller through the ingest endpoint.
type Runner struct {
	coordinator *Coordinator
	store       *store.Store
	interval    time.Duration
	logger      *slog.Logger
}

// NewRunner creates a runner polling at the given interval. If logger is
// nil, slog.Default() is used.
func NewRunner(coordinator *Coordinator, st *store.Store, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		coordinator: coordinator,
		store:       st,
		interval:    interval,
		logger:      logger,
	}
}

// Run polls immediately, then at the configured interval until the context
// is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("refresh runner started", "interval", r.interval)
	defer r.logger.Info("refresh runner stopped")

	r.poll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.poll(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	accounts, err := r.store.Accounts()
	if err != nil {
		r.logger.Error("failed to list accounts", "error", err)
		return
	}

	eligible := make([]status.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Enabled && !a.ManualRefresh {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		r.logger.Debug("no accounts eligible for periodic refresh")
		return
	}

	batch := r.coordinator.Refresh(ctx, eligible)

	okCount := 0
	for _, outcome := range batch.Outcomes {
		if outcome.Status == status.StatusOK {
			okCount++
		}
	}
	r.logger.Info("poll complete",
		"batch_id", batch.BatchID,
		"ok", okCount,
		"failed", len(batch.Outcomes)-okCount,
	)
}
