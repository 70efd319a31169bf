// Package status defines the canonical snapshot schema shared by the
// probers, the normalizer, the store and the HTTP API.
package status

import (
	"log/slog"
	"strings"
	"time"
)

// Provider identifies which upstream a fleet account belongs to.
type Provider string

const (
	ProviderCodex     Provider = "codex"
	ProviderAnthropic Provider = "anthropic"
)

// Valid reports whether the provider is one quotafleet knows how to probe.
func (p Provider) Valid() bool {
	return p == ProviderCodex || p == ProviderAnthropic
}

// ErrorKind classifies a failed probe outcome.
type ErrorKind string

const (
	ErrAuthMissing       ErrorKind = "AuthMissing"
	ErrProbeTimeout      ErrorKind = "ProbeTimeout"
	ErrProbeProcessError ErrorKind = "ProbeProcessError"
	ErrProviderError     ErrorKind = "ProviderError"
	ErrMalformedResponse ErrorKind = "MalformedResponse"
	ErrStoreWriteError   ErrorKind = "StoreWriteError"
)

// Snapshot status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Registry entry status values.
const (
	RegistryPending  = "pending"
	RegistryObserved = "observed"
)

// Account is one declared fleet member. The label is the unique key used
// everywhere: registry rows, snapshots, events and credential directories.
type Account struct {
	Label         string   `json:"label"`
	Provider      Provider `json:"provider"`
	ExpectedEmail string   `json:"expected_email,omitempty"`
	Enabled       bool     `json:"enabled"`
	ManualRefresh bool     `json:"manual_refresh,omitempty"`
}

// Window is one named rate-limit accounting period of a snapshot.
// Optional fields are pointers so "provider did not report this" survives
// the round trip through JSON and SQLite.
type Window struct {
	UsedPercent        *float64 `json:"usedPercent,omitempty"`
	Limit              *int64   `json:"limit,omitempty"`
	Remaining          *int64   `json:"remaining,omitempty"`
	ResetsAtIsoUtc     string   `json:"resetsAtIsoUtc,omitempty"`
	WindowDurationMins *int64   `json:"windowDurationMins,omitempty"`
}

// Normalized is the provider-agnostic view of one probe result.
// ExpectedEmailMatch is tri-state: nil means unknown.
type Normalized struct {
	Windows            map[string]Window `json:"windows"`
	AccountEmail       string            `json:"accountEmail,omitempty"`
	ExpectedEmailMatch *bool             `json:"expectedEmailMatch"`
	APIKeyHint         string            `json:"apiKeyHint,omitempty"`
	UserAgent          string            `json:"userAgent,omitempty"`
}

// Snapshot is the canonical result of one probe, successful or not.
// Raw preserves the provider payload verbatim for audit.
type Snapshot struct {
	Label      string     `json:"label"`
	Provider   Provider   `json:"provider"`
	FetchedAt  time.Time  `json:"fetchedAtIsoUtc"`
	Raw        string     `json:"raw,omitempty"`
	Normalized Normalized `json:"normalized"`
	Status     string     `json:"status"`
	ErrorKind  ErrorKind  `json:"errorKind,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Event is one immutable row of the append-only probe history.
type Event struct {
	ID       int64 `json:"id"`
	Snapshot
}

// RegistryEntry merges a declared account with its latest observation.
// Latest is nil while the entry is still pending.
type RegistryEntry struct {
	Account
	Status    string    `json:"status"`
	Latest    *Snapshot `json:"latest,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DerivedUsedPercent recomputes usage from limit and remaining, clamped to
// [0,100]. The provider-reported percent is never trusted blindly when both
// inputs are present; if the two disagree by more than a point the mismatch
// is logged and the derived value wins. With limit <= 0 there is nothing to
// derive and the reported value (which may be nil) is kept as-is.
func DerivedUsedPercent(limit, remaining *int64, reported *float64, logger *slog.Logger, window string) *float64 {
	if limit == nil || remaining == nil || *limit <= 0 {
		return reported
	}

	derived := 100 * float64(*limit-*remaining) / float64(*limit)
	if derived < 0 {
		derived = 0
	}
	if derived > 100 {
		derived = 100
	}

	if reported != nil && logger != nil {
		if diff := derived - *reported; diff > 1 || diff < -1 {
			logger.Warn("provider usedPercent disagrees with derived value",
				"window", window,
				"reported", *reported,
				"derived", derived,
			)
		}
	}

	return &derived
}

// EmailMatch computes the tri-state expected-email comparison. A nil result
// means unknown: either side was absent.
func EmailMatch(expected, observed string) *bool {
	if expected == "" || observed == "" {
		return nil
	}
	match := strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(observed))
	return &match
}
