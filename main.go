// Command quotafleet probes rate-limit state for a fleet of AI provider
// accounts, normalizes the results, and serves the latest state plus
// history over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/onllm-dev/quotafleet/internal/config"
	"github.com/onllm-dev/quotafleet/internal/probe"
	"github.com/onllm-dev/quotafleet/internal/refresh"
	"github.com/onllm-dev/quotafleet/internal/status"
	"github.com/onllm-dev/quotafleet/internal/store"
	"github.com/onllm-dev/quotafleet/internal/web"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func hasCommand(cmds ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, cmd := range cmds {
			if arg == cmd {
				return true
			}
		}
	}
	return false
}

func run() error {
	if hasCommand("--version", "-v", "version") {
		fmt.Printf("quotafleet v%s\n", version)
		fmt.Println("github.com/onllm-dev/quotafleet")
		return nil
	}
	if hasCommand("--help", "-h") {
		printHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting quotafleet", "version", version)
	logger.Debug("configuration loaded", "config", cfg.String())

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		logger.Warn("failed to create database directory", "error", err)
	}
	db, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.DBPath)

	// Reconcile the registry from the declared fleet, when a declaration
	// file exists. Without one, the registry keeps whatever was pushed.
	accounts, err := config.LoadAccounts(cfg.AccountsPath)
	switch {
	case err == nil:
		diff, rerr := db.ReplaceRegistry(accounts)
		if rerr != nil {
			return fmt.Errorf("failed to reconcile registry: %w", rerr)
		}
		logger.Info("registry reconciled from declaration",
			"path", cfg.AccountsPath,
			"declared", len(accounts),
			"added", len(diff.Added),
			"updated", len(diff.Updated),
			"removed", len(diff.Removed),
			"orphaned", len(diff.Orphaned),
		)
	case errors.Is(err, os.ErrNotExist):
		logger.Info("no accounts declaration, keeping stored registry", "path", cfg.AccountsPath)
	default:
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	probers := map[status.Provider]probe.Prober{
		status.ProviderCodex: probe.NewCodexProber(cfg.AccountsDir, logger,
			probe.WithCodexBin(cfg.CodexBin)),
		status.ProviderAnthropic: probe.NewAnthropicProber(cfg.AccountsDir, logger,
			probe.WithAnthropicAPIURL(cfg.AnthropicAPIURL),
			probe.WithAnthropicVersion(cfg.AnthropicVersion),
			probe.WithAnthropicModel(cfg.AnthropicModel)),
	}
	coordinator := refresh.NewCoordinator(probers, db, cfg.ProbeTimeout, cfg.RefreshConcurrency, logger)
	runner := refresh.NewRunner(coordinator, db, cfg.PollInterval, logger)

	handler := web.NewHandler(db, coordinator, logger)
	handler.SetVersion(version)
	server := web.NewServer(cfg.Host, cfg.Port, handler, logger, cfg.AdminUser, cfg.AdminPassHash)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runnerErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("refresh runner panicked", "panic", r)
				runnerErr <- fmt.Errorf("refresh runner panic: %v", r)
			}
		}()
		if err := runner.Run(ctx); err != nil {
			runnerErr <- fmt.Errorf("refresh runner error: %w", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down gracefully", "signal", sig)
	case err := <-runnerErr:
		logger.Error("refresh runner failed", "error", err)
	case err := <-serverErr:
		logger.Error("server failed", "error", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("quotafleet stopped")
	return nil
}

func printHelp() {
	fmt.Println(`quotafleet - fleet rate-limit watcher

Usage:
  quotafleet [flags]

Flags:
  --accounts <path>   accounts declaration file (default ./accounts.json)
  --db <path>         SQLite database path
  --port <port>       HTTP port (default 8080)
  --interval <secs>   poll interval in seconds (default 300)
  --version           print version
  --help              show this help

Environment (QUOTAFLEET_*):
  ACCOUNTS, ACCOUNTS_DIR, CODEX_BIN, ANTHROPIC_API_URL, ANTHROPIC_VERSION,
  ANTHROPIC_MODEL, PROBE_TIMEOUT, REFRESH_CONCURRENCY, POLL_INTERVAL,
  HOST, PORT, DB_PATH, LOG_LEVEL, ADMIN_USER, ADMIN_PASS_HASH`)
}
