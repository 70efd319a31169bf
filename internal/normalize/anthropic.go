package normalize

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/onllm-dev/quotafleet/internal/status"
)

// Header families read from an Anthropic response. Each yields one window.
var anthropicFamilies = []string{"requests", "tokens"}

// Anthropic maps anthropic-ratelimit-* headers to canonical windows. Usage
// percent is derived from limit/remaining since the provider reports no
// percentage of its own. A family with no limit header yields no window; a
// reported zero limit keeps its window with the percent left unknown.
func Anthropic(headers map[string]string, observedAt time.Time, logger *slog.Logger) (status.Normalized, error) {
	windows := make(map[string]status.Window)
	for _, family := range anthropicFamilies {
		prefix := "anthropic-ratelimit-" + family
		limit := intHeader(headers, prefix+"-limit")
		if limit == nil {
			continue
		}
		remaining := intHeader(headers, prefix+"-remaining")
		windows[family] = status.Window{
			UsedPercent:    status.DerivedUsedPercent(limit, remaining, nil, logger, family),
			Limit:          limit,
			Remaining:      remaining,
			ResetsAtIsoUtc: resetHeaderToISO(headers[prefix+"-reset"], observedAt),
		}
	}
	if len(windows) == 0 {
		return status.Normalized{}, fmt.Errorf("%w: no anthropic-ratelimit headers", ErrNoWindows)
	}
	return status.Normalized{Windows: windows}, nil
}

func intHeader(headers map[string]string, name string) *int64 {
	v, ok := headers[name]
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// resetHeaderToISO parses a reset header, which in the wild is an RFC 3339
// timestamp, an epoch, or a seconds-until-reset count.
func resetHeaderToISO(value string, observedAt time.Time) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return epochHeuristic(n, observedAt).UTC().Format(time.RFC3339)
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	return ""
}
