package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onllm-dev/quotafleet/internal/refresh"
	"github.com/onllm-dev/quotafleet/internal/status"
	"github.com/onllm-dev/quotafleet/internal/store"
)

// Event history paging bounds.
const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Handler handles HTTP requests for the quotafleet API.
type Handler struct {
	store       *store.Store
	coordinator *refresh.Coordinator
	logger      *slog.Logger
	version     string
}

// NewHandler creates a new Handler instance.
func NewHandler(st *store.Store, coordinator *refresh.Coordinator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       st,
		coordinator: coordinator,
		logger:      logger,
		version:     "dev",
	}
}

// SetVersion sets the version string reported by /healthz.
func (h *Handler) SetVersion(v string) {
	if v != "" {
		h.version = v
	}
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// pendingEntry is the /latest stand-in for a registered label that has no
// snapshot yet.
type pendingEntry struct {
	Label    string          `json:"label"`
	Provider status.Provider `json:"provider"`
	Status   string          `json:"status"`
}

// LatestAll returns every label's latest snapshot. Registered labels that
// were never probed are included as pending rather than omitted.
func (h *Handler) LatestAll(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.RegistryView()
	if err != nil {
		h.logger.Error("failed to build registry view", "error", err)
		respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	out := make(map[string]any, len(entries))
	for _, e := range entries {
		if e.Latest != nil {
			out[e.Label] = e.Latest
			continue
		}
		out[e.Label] = pendingEntry{Label: e.Label, Provider: e.Provider, Status: status.RegistryPending}
	}
	respondJSON(w, http.StatusOK, out)
}

// LatestOne returns one label's latest snapshot, a pending marker if the
// label is registered but unprobed, or 404 if the label is unknown.
func (h *Handler) LatestOne(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")

	snap, err := h.store.Latest(label)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, snap)
	case errors.Is(err, store.ErrNotFound):
		account, aerr := h.store.Account(label)
		if errors.Is(aerr, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "unknown label")
			return
		}
		if aerr != nil {
			h.logger.Error("failed to query account", "label", label, "error", aerr)
			respondError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		respondJSON(w, http.StatusOK, pendingEntry{
			Label:    account.Label,
			Provider: account.Provider,
			Status:   status.RegistryPending,
		})
	default:
		h.logger.Error("failed to query latest snapshot", "label", label, "error", err)
		respondError(w, http.StatusInternalServerError, "store unavailable")
	}
}

// Registry returns the full registry view, declared merged with observed.
func (h *Handler) Registry(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.RegistryView()
	if err != nil {
		h.logger.Error("failed to build registry view", "error", err)
		respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if entries == nil {
		entries = []status.RegistryEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// RegistryReplace reconciles the registry from a posted declaration. With
// replace=true the declared set supersedes the registry (labels with
// history are orphaned, never deleted); otherwise the accounts are merged
// in.
func (h *Handler) RegistryReplace(w http.ResponseWriter, r *http.Request) {
	var accounts []status.Account
	if err := json.NewDecoder(r.Body).Decode(&accounts); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	seen := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		if a.Label == "" {
			respondError(w, http.StatusBadRequest, "account with empty label")
			return
		}
		if !a.Provider.Valid() {
			respondError(w, http.StatusBadRequest, "unknown provider for label "+a.Label)
			return
		}
		if seen[a.Label] {
			respondError(w, http.StatusBadRequest, "duplicate label "+a.Label)
			return
		}
		seen[a.Label] = true
	}

	if r.URL.Query().Get("replace") == "true" {
		diff, err := h.store.ReplaceRegistry(accounts)
		if err != nil {
			h.logger.Error("registry replace failed", "error", err)
			respondError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		h.logger.Info("registry replaced",
			"added", len(diff.Added),
			"updated", len(diff.Updated),
			"removed", len(diff.Removed),
			"orphaned", len(diff.Orphaned),
		)
		respondJSON(w, http.StatusOK, diff)
		return
	}

	for _, a := range accounts {
		if err := h.store.UpsertAccount(a); err != nil {
			h.logger.Error("registry upsert failed", "label", a.Label, "error", err)
			respondError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]int{"upserted": len(accounts)})
}

// Events returns a label's probe history, newest first.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.store.Events(label, limit)
	if err != nil {
		h.logger.Error("failed to query events", "label", label, "error", err)
		respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if len(events) == 0 {
		if _, aerr := h.store.Account(label); errors.Is(aerr, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "unknown label")
			return
		}
	}
	if events == nil {
		events = []status.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

// Refresh runs a synchronous refresh for one label or the whole enabled
// fleet and returns the batch outcomes.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	accounts, ok := h.resolveRefreshTargets(w, r)
	if !ok {
		return
	}
	batch := h.coordinator.Refresh(r.Context(), accounts)
	respondJSON(w, http.StatusOK, batch)
}

// RefreshAsync fires a refresh in the background and returns immediately.
func (h *Handler) RefreshAsync(w http.ResponseWriter, r *http.Request) {
	accounts, ok := h.resolveRefreshTargets(w, r)
	if !ok {
		return
	}
	id := h.coordinator.RefreshAsync(accounts)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"trigger_id": id,
		"labels":     len(accounts),
	})
}

// resolveRefreshTargets picks the accounts a refresh request addresses:
// one label when given, otherwise every enabled account.
func (h *Handler) resolveRefreshTargets(w http.ResponseWriter, r *http.Request) ([]status.Account, bool) {
	if label := r.URL.Query().Get("label"); label != "" {
		account, err := h.store.Account(label)
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "unknown label")
			return nil, false
		}
		if err != nil {
			h.logger.Error("failed to query account", "label", label, "error", err)
			respondError(w, http.StatusInternalServerError, "store unavailable")
			return nil, false
		}
		return []status.Account{*account}, true
	}

	all, err := h.store.Accounts()
	if err != nil {
		h.logger.Error("failed to list accounts", "error", err)
		respondError(w, http.StatusInternalServerError, "store unavailable")
		return nil, false
	}
	enabled := make([]status.Account, 0, len(all))
	for _, a := range all {
		if a.Enabled {
			enabled = append(enabled, a)
		}
	}
	return enabled, true
}

// Ingest accepts a snapshot pushed by an external poller. Labels not yet in
// the registry are registered as manual-refresh accounts so they show up in
// the registry view.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var snap status.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		respondError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if snap.Label == "" {
		respondError(w, http.StatusBadRequest, "missing label")
		return
	}
	if !snap.Provider.Valid() {
		respondError(w, http.StatusBadRequest, "unknown provider")
		return
	}
	if snap.Status != status.StatusOK && snap.Status != status.StatusError {
		respondError(w, http.StatusBadRequest, "status must be ok or error")
		return
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}

	if _, err := h.store.Account(snap.Label); errors.Is(err, store.ErrNotFound) {
		account := status.Account{
			Label:         snap.Label,
			Provider:      snap.Provider,
			Enabled:       true,
			ManualRefresh: true,
		}
		if uerr := h.store.UpsertAccount(account); uerr != nil {
			h.logger.Error("failed to auto-register ingested label", "label", snap.Label, "error", uerr)
			respondError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		h.logger.Info("auto-registered ingested label", "label", snap.Label, "provider", snap.Provider)
	}

	if err := h.store.RecordProbe(&snap); err != nil {
		h.logger.Error("failed to record ingested snapshot", "label", snap.Label, "error", err)
		respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"label": snap.Label, "status": snap.Status})
}
