package config

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	jwtRe          = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)
	emailRe        = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	anthropicKeyRe = regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]+`)
)

// AccountHome returns the credential home directory for a label.
// The codex subprocess runs with HOME pointed here so it picks up
// .codex/auth.json for that account.
func AccountHome(accountsDir, label string) string {
	return filepath.Join(accountsDir, label)
}

// CodexAuthPath returns the auth.json location for a label.
func CodexAuthPath(accountsDir, label string) string {
	return filepath.Join(accountsDir, label, ".codex", "auth.json")
}

// AnthropicKeyPath returns the API key file location for a label.
func AnthropicKeyPath(accountsDir, label string) string {
	return filepath.Join(accountsDir, label, ".secrets", "anthropic_api_key.txt")
}

type codexAuthFile struct {
	Tokens struct {
		IDToken string `json:"id_token"`
	} `json:"tokens"`
}

// AccountEmailFromAuth extracts the account email from the id_token JWT in
// a codex auth.json. The token is not verified; only its payload claims are
// read. Returns "" when the file, token or claims are unusable.
func AccountEmailFromAuth(authPath string) string {
	data, err := os.ReadFile(authPath)
	if err != nil {
		return ""
	}

	var auth codexAuthFile
	if err := json.Unmarshal(data, &auth); err != nil {
		return ""
	}

	idToken := strings.TrimSpace(auth.Tokens.IDToken)
	if !jwtRe.MatchString(idToken) {
		return ""
	}

	parts := strings.Split(idToken, ".")
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers pad the segment
		payloadRaw, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return ""
		}
	}

	var claims map[string]any
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return ""
	}

	for _, key := range []string{"email", "preferred_username", "upn", "unique_name"} {
		value, ok := claims[key].(string)
		if !ok {
			continue
		}
		candidate := strings.ToLower(strings.TrimSpace(value))
		if emailRe.MatchString(candidate) {
			return candidate
		}
	}

	return ""
}

// AnthropicAPIKey reads and extracts an sk-ant key from the secrets file
// for a label. Returns "" when no usable key is present.
func AnthropicAPIKey(accountsDir, label string) string {
	data, err := os.ReadFile(AnthropicKeyPath(accountsDir, label))
	if err != nil {
		return ""
	}
	return anthropicKeyRe.FindString(string(data))
}

// RedactSecret masks a credential for logging, keeping a short prefix and
// suffix so operators can tell keys apart.
func RedactSecret(value string) string {
	s := strings.TrimSpace(value)
	if s == "" {
		return ""
	}
	if len(s) <= 17 {
		return "***...***"
	}
	return s[:10] + "***...***" + s[len(s)-6:]
}
