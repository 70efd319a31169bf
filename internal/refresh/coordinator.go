// Package refresh schedules probes across the fleet: one in-flight probe
// per label at most, total concurrency bounded by a worker pool, every
// outcome recorded as a snapshot plus event.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/onllm-dev/quotafleet/internal/normalize"
	"github.com/onllm-dev/quotafleet/internal/probe"
	"github.com/onllm-dev/quotafleet/internal/status"
	"github.com/onllm-dev/quotafleet/internal/store"
)

// Outcome is what one label's refresh resolved to.
type Outcome struct {
	Label     string           `json:"label"`
	Status    string           `json:"status"`
	ErrorKind status.ErrorKind `json:"errorKind,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Batch aggregates the outcomes of one refresh call.
type Batch struct {
	BatchID    string             `json:"batch_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Outcomes   map[string]Outcome `json:"outcomes"`
}

// Coordinator fans refresh requests out to the probers. Duplicate requests
// for a label attach to the in-flight probe instead of starting another;
// distinct labels run concurrently up to the pool size.
type Coordinator struct {
	probers map[status.Provider]probe.Prober
	store   *store.Store
	timeout time.Duration
	sem     *semaphore.Weighted
	group   singleflight.Group
	logger  *slog.Logger
}

// NewCoordinator wires the probers to the store. timeout bounds each probe;
// concurrency bounds the worker pool. If logger is nil, slog.Default() is
// used.
func NewCoordinator(probers map[status.Provider]probe.Prober, st *store.Store, timeout time.Duration, concurrency int, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{
		probers: probers,
		store:   st,
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		logger:  logger,
	}
}

// Refresh probes every given account and blocks until all outcomes resolve.
// A failing label never aborts the batch; its outcome carries the error
// kind instead.
func (c *Coordinator) Refresh(ctx context.Context, accounts []status.Account) *Batch {
	batch := &Batch{
		BatchID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Outcomes:  make(map[string]Outcome, len(accounts)),
	}
	c.logger.Info("refresh batch started", "batch_id", batch.BatchID, "labels", len(accounts))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, account := range accounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, shared := c.group.Do(account.Label, func() (any, error) {
				return c.refreshOne(ctx, account), nil
			})
			outcome := v.(Outcome)
			if shared {
				c.logger.Debug("attached to in-flight refresh", "label", account.Label)
			}
			mu.Lock()
			batch.Outcomes[account.Label] = outcome
			mu.Unlock()
		}()
	}
	wg.Wait()

	batch.FinishedAt = time.Now().UTC()
	c.logger.Info("refresh batch finished",
		"batch_id", batch.BatchID,
		"duration", batch.FinishedAt.Sub(batch.StartedAt),
	)
	return batch
}

// RefreshAsync fires a batch in the background and returns its ID
// immediately. The caller observes results later via the store.
func (c *Coordinator) RefreshAsync(accounts []status.Account) string {
	id := uuid.NewString()
	go func() {
		batch := c.Refresh(context.Background(), accounts)
		c.logger.Info("async refresh resolved", "trigger_id", id, "batch_id", batch.BatchID)
	}()
	return id
}

// refreshOne runs probe → normalize → store for a single account. Exactly
// one snapshot and one event are written per invocation.
func (c *Coordinator) refreshOne(ctx context.Context, account status.Account) Outcome {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return Outcome{
			Label:     account.Label,
			Status:    status.StatusError,
			ErrorKind: status.ErrProbeTimeout,
			Error:     "refresh canceled before dispatch: " + err.Error(),
		}
	}
	defer c.sem.Release(1)

	snap := c.probeAndNormalize(ctx, account)
	if err := c.store.RecordProbe(snap); err != nil {
		c.logger.Error("failed to record probe outcome", "label", account.Label, "error", err)
		return Outcome{
			Label:     account.Label,
			Status:    status.StatusError,
			ErrorKind: status.ErrStoreWriteError,
			Error:     err.Error(),
		}
	}

	return Outcome{
		Label:     snap.Label,
		Status:    snap.Status,
		ErrorKind: snap.ErrorKind,
		Error:     snap.Error,
	}
}

func (c *Coordinator) probeAndNormalize(ctx context.Context, account status.Account) *status.Snapshot {
	prober, ok := c.probers[account.Provider]
	if !ok {
		return normalize.ErrorSnapshot(account, nil, &probe.Error{
			Kind: status.ErrProviderError,
			Msg:  "no prober for provider " + string(account.Provider),
		})
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := prober.Probe(probeCtx, account)
	if err != nil {
		c.logger.Warn("probe failed",
			"label", account.Label,
			"provider", account.Provider,
			"kind", probe.KindOf(err),
			"error", err,
		)
		return normalize.ErrorSnapshot(account, raw, err)
	}

	snap, err := normalize.FromRaw(account, raw, c.logger)
	if err != nil {
		c.logger.Warn("normalization failed", "label", account.Label, "error", err)
		return normalize.ErrorSnapshot(account, raw, err)
	}
	return snap
}
