package testutil

// Canned provider payloads used across probe, normalize, and web tests.

// CodexRateLimitsJSON is a typical account/rateLimits/read result with both
// the rolling 5-hour and weekly windows populated.
const CodexRateLimitsJSON = `{
  "rateLimits": {
    "primary": {
      "usedPercent": 42.5,
      "windowDurationMins": 300,
      "resetsAt": 1767366245000
    },
    "secondary": {
      "usedPercent": 12.0,
      "windowDurationMins": 10080,
      "resetsAt": 1767830400000
    }
  }
}`

// CodexRateLimitsPrimaryOnlyJSON has no secondary window, as seen on fresh
// accounts.
const CodexRateLimitsPrimaryOnlyJSON = `{
  "rateLimits": {
    "primary": {
      "usedPercent": 3.25,
      "windowDurationMins": 300
    }
  }
}`

// CodexRateLimitsEmptyJSON is a result with no windows at all.
const CodexRateLimitsEmptyJSON = `{"rateLimits": {}}`

// AnthropicHeaders returns a typical rate-limit header set with consistent
// limit/remaining pairs.
func AnthropicHeaders() map[string]string {
	return map[string]string{
		"anthropic-ratelimit-requests-limit":     "50",
		"anthropic-ratelimit-requests-remaining": "37",
		"anthropic-ratelimit-requests-reset":     "2026-01-02T15:04:05Z",
		"anthropic-ratelimit-tokens-limit":       "40000",
		"anthropic-ratelimit-tokens-remaining":   "10000",
		"anthropic-ratelimit-tokens-reset":       "2026-01-02T16:00:00Z",
		"retry-after":                            "30",
		"request-id":                             "req_test",
	}
}
