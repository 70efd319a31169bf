package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onllm-dev/quotafleet/internal/status"
)

// ErrNoWindows means the payload parsed but carried nothing usable.
var ErrNoWindows = errors.New("normalize: no rate-limit windows in payload")

type codexPayload struct {
	RateLimits struct {
		Primary   *codexWindow `json:"primary"`
		Secondary *codexWindow `json:"secondary"`
	} `json:"rateLimits"`
}

type codexWindow struct {
	UsedPercent        *float64        `json:"usedPercent"`
	WindowDurationMins *int64          `json:"windowDurationMins"`
	ResetsAt           json.RawMessage `json:"resetsAt"`
}

// Codex maps an account/rateLimits/read result to canonical windows. The
// provider tags windows by duration, not by name: 300 minutes is the rolling
// 5-hour window, 10080 the weekly one. Anything else keeps its literal
// minute count as the kind.
func Codex(payload []byte, observedAt time.Time, logger *slog.Logger) (status.Normalized, error) {
	var parsed codexPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return status.Normalized{}, fmt.Errorf("normalize: decode codex payload: %w", err)
	}

	windows := make(map[string]status.Window)
	for _, w := range []*codexWindow{parsed.RateLimits.Primary, parsed.RateLimits.Secondary} {
		if w == nil {
			continue
		}
		kind := windowKind(w.WindowDurationMins)
		if _, dup := windows[kind]; dup {
			logger.Warn("duplicate codex window kind, keeping first", "kind", kind)
			continue
		}
		var used *float64
		if w.UsedPercent != nil {
			v := clampPercent(*w.UsedPercent)
			used = &v
		}
		windows[kind] = status.Window{
			UsedPercent:        used,
			ResetsAtIsoUtc:     resetToISO(w.ResetsAt, observedAt),
			WindowDurationMins: w.WindowDurationMins,
		}
	}
	if len(windows) == 0 {
		return status.Normalized{}, ErrNoWindows
	}
	return status.Normalized{Windows: windows}, nil
}

// windowKind names a window after its duration.
func windowKind(mins *int64) string {
	if mins == nil {
		return "unknown"
	}
	switch *mins {
	case 300:
		return "5h"
	case 10080:
		return "weekly"
	default:
		return fmt.Sprintf("%dm", *mins)
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// resetToISO interprets a resetsAt value. Numbers may be epoch
// milliseconds, epoch seconds, or seconds-until-reset; strings are taken as
// RFC 3339. The result is always UTC, or empty when unparseable.
func resetToISO(raw json.RawMessage, observedAt time.Time) string {
	if len(raw) == 0 {
		return ""
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return epochHeuristic(n, observedAt).UTC().Format(time.RFC3339)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return ""
}

// epochHeuristic decides what a bare number means: values above 1e12 are
// epoch milliseconds, above 1e9 epoch seconds, anything smaller a relative
// offset in seconds from the observation time.
func epochHeuristic(n int64, observedAt time.Time) time.Time {
	switch {
	case n > 1_000_000_000_000:
		return time.Unix(n/1000, 0)
	case n > 1_000_000_000:
		return time.Unix(n, 0)
	default:
		return observedAt.Add(time.Duration(n) * time.Second)
	}
}
