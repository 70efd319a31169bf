// Package normalize converts raw provider payloads into the canonical
// window schema. Codex reports percentages over named windows; Anthropic
// reports absolute limit/remaining pairs in response headers. Both land in
// the same status.Normalized shape so the store and API never see
// provider-specific structure.
package normalize

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/onllm-dev/quotafleet/internal/probe"
	"github.com/onllm-dev/quotafleet/internal/status"
)

// FromRaw builds a successful snapshot from a probe result. If the payload
// cannot be interpreted, the returned error carries MalformedResponse and
// the caller records an error snapshot instead.
func FromRaw(account status.Account, raw *probe.RawResult, logger *slog.Logger) (*status.Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		norm    status.Normalized
		rawBody string
		err     error
	)
	switch raw.Provider {
	case status.ProviderCodex:
		norm, err = Codex(raw.Payload, raw.ObservedAt, logger)
		rawBody = string(raw.Payload)
	case status.ProviderAnthropic:
		norm, err = Anthropic(raw.Headers, raw.ObservedAt, logger)
		rawBody = anthropicRawBody(raw)
	default:
		return nil, &probe.Error{Kind: status.ErrMalformedResponse,
			Msg: "unknown provider " + string(raw.Provider)}
	}
	if err != nil {
		return nil, &probe.Error{Kind: status.ErrMalformedResponse,
			Msg: "interpret " + string(raw.Provider) + " payload", Err: err}
	}

	norm.AccountEmail = raw.AccountEmail
	norm.ExpectedEmailMatch = status.EmailMatch(account.ExpectedEmail, raw.AccountEmail)
	norm.APIKeyHint = raw.APIKeyHint
	norm.UserAgent = raw.UserAgent

	return &status.Snapshot{
		Label:      account.Label,
		Provider:   raw.Provider,
		FetchedAt:  raw.ObservedAt,
		Raw:        rawBody,
		Normalized: norm,
		Status:     status.StatusOK,
	}, nil
}

// ErrorSnapshot builds the snapshot recorded when a probe (or this
// normalizer) fails. The raw body is kept when there is one.
func ErrorSnapshot(account status.Account, raw *probe.RawResult, err error) *status.Snapshot {
	snap := &status.Snapshot{
		Label:     account.Label,
		Provider:  account.Provider,
		Status:    status.StatusError,
		ErrorKind: probe.KindOf(err),
		Error:     err.Error(),
	}
	if raw != nil {
		snap.FetchedAt = raw.ObservedAt
		snap.Raw = string(raw.Payload)
	}
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	return snap
}

func anthropicRawBody(raw *probe.RawResult) string {
	body, err := json.Marshal(map[string]any{
		"httpStatus": raw.HTTPStatus,
		"headers":    raw.Headers,
	})
	if err != nil {
		return ""
	}
	return string(body)
}
