package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/onllm-dev/quotafleet/internal/status"
)

// accountsFile is the on-disk shape of the declared fleet.
type accountsFile struct {
	Accounts []accountEntry `json:"accounts"`
}

type accountEntry struct {
	Label         string `json:"label"`
	Provider      string `json:"provider"`
	ExpectedEmail string `json:"expected_email"`
	Enabled       *bool  `json:"enabled"`
	ManualRefresh bool   `json:"manual_refresh"`
}

// LoadAccounts reads the declared account set from the accounts file.
// Entries without a label are skipped; an unknown provider is an error so a
// typo does not silently drop an account from the fleet. Enabled defaults
// to true when absent.
func LoadAccounts(path string) ([]status.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading accounts file: %w", err)
	}

	var file accountsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing accounts file %s: %w", path, err)
	}

	accounts := make([]status.Account, 0, len(file.Accounts))
	seen := make(map[string]bool, len(file.Accounts))
	for _, entry := range file.Accounts {
		label := strings.TrimSpace(entry.Label)
		if label == "" {
			continue
		}
		if seen[label] {
			return nil, fmt.Errorf("duplicate account label %q in %s", label, path)
		}
		seen[label] = true

		provider := normalizeProvider(entry.Provider)
		if !provider.Valid() {
			return nil, fmt.Errorf("account %q: unknown provider %q", label, entry.Provider)
		}

		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}

		accounts = append(accounts, status.Account{
			Label:         label,
			Provider:      provider,
			ExpectedEmail: strings.ToLower(strings.TrimSpace(entry.ExpectedEmail)),
			Enabled:       enabled,
			ManualRefresh: entry.ManualRefresh,
		})
	}

	return accounts, nil
}

// normalizeProvider folds the provider aliases accepted in accounts files
// into the canonical enum. An empty provider means codex, the original
// default for fleet accounts.
func normalizeProvider(raw string) status.Provider {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "codex", "openai_codex", "openai":
		return status.ProviderCodex
	case "anthropic", "claude", "claude_api", "anthropic_api":
		return status.ProviderAnthropic
	default:
		return status.Provider(raw)
	}
}
