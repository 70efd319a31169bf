// Package probe executes rate-limit queries against providers. Each prober
// returns the raw provider payload; interpretation is left to the
// normalizer. A probe failure is always a *Error carrying one of the
// status.ErrorKind values, never a bare error.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onllm-dev/quotafleet/internal/status"
)

// Client metadata sent to the codex app-server on initialize.
const (
	ClientName    = "quotafleet-refresher"
	ClientVersion = "1.0.0"
)

// RawResult is the uninterpreted outcome of one successful probe.
type RawResult struct {
	Provider   status.Provider
	ObservedAt time.Time

	// Payload is the provider JSON body (codex rateLimits result), empty
	// for header-only providers.
	Payload []byte

	// HTTPStatus and Headers are set by HTTP probers; Headers keys are
	// lowercased and filtered to the rate-limit set.
	HTTPStatus int
	Headers    map[string]string

	// AccountEmail is the identity observed alongside the probe, when the
	// credential exposes one.
	AccountEmail string

	// UserAgent reported by the provider process, when any.
	UserAgent string

	// APIKeyHint is the redacted credential used, for display only.
	APIKeyHint string
}

// Error is a classified probe failure.
type Error struct {
	Kind status.ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("probe: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds a classified probe failure.
func newError(kind status.ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from a probe failure. Unclassified errors
// count as process errors: something broke outside the provider protocol.
func KindOf(err error) status.ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return status.ErrProbeProcessError
}

// Prober executes one rate-limit query for one account, bounded by the
// caller's context deadline.
type Prober interface {
	Probe(ctx context.Context, account status.Account) (*RawResult, error)
}
