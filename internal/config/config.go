// Package config handles loading and validation of quotafleet configuration.
// It loads from .env files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Fleet configuration
	AccountsPath string // QUOTAFLEET_ACCOUNTS (accounts.json)
	AccountsDir  string // QUOTAFLEET_ACCOUNTS_DIR (per-account credential homes)

	// Codex provider configuration
	CodexBin string // QUOTAFLEET_CODEX_BIN

	// Anthropic provider configuration
	AnthropicAPIURL  string // QUOTAFLEET_ANTHROPIC_API_URL
	AnthropicVersion string // QUOTAFLEET_ANTHROPIC_VERSION
	AnthropicModel   string // QUOTAFLEET_ANTHROPIC_MODEL

	// Pipeline configuration
	ProbeTimeout       time.Duration // QUOTAFLEET_PROBE_TIMEOUT (seconds → Duration)
	RefreshConcurrency int           // QUOTAFLEET_REFRESH_CONCURRENCY
	PollInterval       time.Duration // QUOTAFLEET_POLL_INTERVAL (seconds → Duration)

	// Server configuration
	Port          int    // QUOTAFLEET_PORT
	Host          string // QUOTAFLEET_HOST
	DBPath        string // QUOTAFLEET_DB_PATH
	LogLevel      string // QUOTAFLEET_LOG_LEVEL
	AdminUser     string // QUOTAFLEET_ADMIN_USER
	AdminPassHash string // QUOTAFLEET_ADMIN_PASS_HASH (bcrypt)
}

// flagValues holds parsed CLI flags.
type flagValues struct {
	accounts string
	db       string
	port     int
	interval int
}

// Load reads configuration from .env file, environment variables, and CLI
// flags. Flags take precedence over environment variables.
func Load() (*Config, error) {
	return loadWithArgs(os.Args[1:])
}

// loadWithArgs loads config with specific arguments (for testing).
func loadWithArgs(args []string) (*Config, error) {
	flags := &flagValues{}

	// Parse CLI flags manually to avoid flag.ExitOnError in tests
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "--accounts="):
			flags.accounts = strings.TrimPrefix(arg, "--accounts=")
		case arg == "--accounts":
			if i+1 < len(args) {
				flags.accounts = args[i+1]
				i++
			}
		case strings.HasPrefix(arg, "--db="):
			flags.db = strings.TrimPrefix(arg, "--db=")
		case arg == "--db":
			if i+1 < len(args) {
				flags.db = args[i+1]
				i++
			}
		case strings.HasPrefix(arg, "--port="):
			if v, err := strconv.Atoi(strings.TrimPrefix(arg, "--port=")); err == nil {
				flags.port = v
			}
		case arg == "--port":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.port = v
					i++
				}
			}
		case strings.HasPrefix(arg, "--interval="):
			if v, err := strconv.Atoi(strings.TrimPrefix(arg, "--interval=")); err == nil {
				flags.interval = v
			}
		case arg == "--interval":
			if i+1 < len(args) {
				if v, err := strconv.Atoi(args[i+1]); err == nil {
					flags.interval = v
					i++
				}
			}
		}
	}

	return loadFromEnvAndFlags(flags)
}

// loadFromEnvAndFlags combines environment variables with CLI flags.
func loadFromEnvAndFlags(flags *flagValues) (*Config, error) {
	// Try to load .env file (ignore errors - file is optional)
	_ = godotenv.Load(".env")

	cfg := &Config{}

	if flags.accounts != "" {
		cfg.AccountsPath = flags.accounts
	} else {
		cfg.AccountsPath = os.Getenv("QUOTAFLEET_ACCOUNTS")
	}
	cfg.AccountsDir = os.Getenv("QUOTAFLEET_ACCOUNTS_DIR")

	cfg.CodexBin = os.Getenv("QUOTAFLEET_CODEX_BIN")
	cfg.AnthropicAPIURL = os.Getenv("QUOTAFLEET_ANTHROPIC_API_URL")
	cfg.AnthropicVersion = os.Getenv("QUOTAFLEET_ANTHROPIC_VERSION")
	cfg.AnthropicModel = os.Getenv("QUOTAFLEET_ANTHROPIC_MODEL")

	if env := os.Getenv("QUOTAFLEET_PROBE_TIMEOUT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.ProbeTimeout = time.Duration(v) * time.Second
		}
	}

	if env := os.Getenv("QUOTAFLEET_REFRESH_CONCURRENCY"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.RefreshConcurrency = v
		}
	}

	if flags.interval > 0 {
		cfg.PollInterval = time.Duration(flags.interval) * time.Second
	} else if env := os.Getenv("QUOTAFLEET_POLL_INTERVAL"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.PollInterval = time.Duration(v) * time.Second
		}
	}

	if flags.port > 0 {
		cfg.Port = flags.port
	} else if env := os.Getenv("QUOTAFLEET_PORT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.Port = v
		}
	}
	cfg.Host = os.Getenv("QUOTAFLEET_HOST")

	if flags.db != "" {
		cfg.DBPath = flags.db
	} else {
		cfg.DBPath = os.Getenv("QUOTAFLEET_DB_PATH")
	}

	cfg.LogLevel = os.Getenv("QUOTAFLEET_LOG_LEVEL")
	cfg.AdminUser = os.Getenv("QUOTAFLEET_ADMIN_USER")
	cfg.AdminPassHash = os.Getenv("QUOTAFLEET_ADMIN_PASS_HASH")

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.AccountsPath == "" {
		c.AccountsPath = "./accounts.json"
	}
	if c.AccountsDir == "" {
		c.AccountsDir = "./accounts"
	}
	if c.CodexBin == "" {
		c.CodexBin = "codex"
	}
	if c.AnthropicAPIURL == "" {
		c.AnthropicAPIURL = "https://api.anthropic.com/v1/messages"
	}
	if c.AnthropicVersion == "" {
		c.AnthropicVersion = "2023-06-01"
	}
	if c.AnthropicModel == "" {
		c.AnthropicModel = "claude-3-5-haiku-latest"
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.RefreshConcurrency == 0 {
		c.RefreshConcurrency = 4
	}
	if c.PollInterval == 0 {
		c.PollInterval = 300 * time.Second
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.DBPath == "" {
		if c.isDockerEnvironment() {
			c.DBPath = "/data/quotafleet.db"
		} else {
			c.DBPath = filepath.Join(".", "quotafleet.db")
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ProbeTimeout < time.Second {
		return fmt.Errorf("probe timeout must be at least 1s")
	}
	if c.RefreshConcurrency < 1 || c.RefreshConcurrency > 64 {
		return fmt.Errorf("refresh concurrency must be between 1 and 64")
	}

	minInterval := 10 * time.Second
	maxInterval := 24 * time.Hour
	if c.PollInterval < minInterval {
		return fmt.Errorf("poll interval must be at least %v", minInterval)
	}
	if c.PollInterval > maxInterval {
		return fmt.Errorf("poll interval must be at most %v", maxInterval)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	// Basic auth is all-or-nothing
	if (c.AdminUser == "") != (c.AdminPassHash == "") {
		return fmt.Errorf("QUOTAFLEET_ADMIN_USER and QUOTAFLEET_ADMIN_PASS_HASH must be set together")
	}

	return nil
}

// String returns a redacted string representation of the config.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  AccountsPath: %s,\n", c.AccountsPath)
	fmt.Fprintf(&sb, "  AccountsDir: %s,\n", c.AccountsDir)
	fmt.Fprintf(&sb, "  CodexBin: %s,\n", c.CodexBin)
	fmt.Fprintf(&sb, "  AnthropicAPIURL: %s,\n", c.AnthropicAPIURL)
	fmt.Fprintf(&sb, "  AnthropicModel: %s,\n", c.AnthropicModel)
	fmt.Fprintf(&sb, "  ProbeTimeout: %v,\n", c.ProbeTimeout)
	fmt.Fprintf(&sb, "  RefreshConcurrency: %d,\n", c.RefreshConcurrency)
	fmt.Fprintf(&sb, "  PollInterval: %v,\n", c.PollInterval)
	fmt.Fprintf(&sb, "  Host: %s,\n", c.Host)
	fmt.Fprintf(&sb, "  Port: %d,\n", c.Port)
	fmt.Fprintf(&sb, "  DBPath: %s,\n", c.DBPath)
	fmt.Fprintf(&sb, "  LogLevel: %s,\n", c.LogLevel)
	if c.AdminUser != "" {
		fmt.Fprintf(&sb, "  AdminUser: %s,\n", c.AdminUser)
		fmt.Fprintf(&sb, "  AdminPassHash: ****,\n")
	}
	fmt.Fprintf(&sb, "}")
	return sb.String()
}

// isDockerEnvironment detects if running inside a Docker container.
func (c *Config) isDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("DOCKER_CONTAINER") != ""
}
