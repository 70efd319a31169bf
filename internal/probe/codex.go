package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/onllm-dev/quotafleet/internal/config"
	"github.com/onllm-dev/quotafleet/internal/status"
)

// JSON-RPC request IDs. The app-server answers out of order, so replies are
// matched by ID rather than position.
const (
	rpcInitializeID = 1
	rpcRateLimitsID = 2
)

// terminateGrace is how long a codex app-server gets to exit after SIGTERM
// before it is killed.
const terminateGrace = 2 * time.Second

// CodexProber queries quota windows by spawning `codex app-server` with the
// account's home directory and speaking newline-delimited JSON-RPC over its
// stdin/stdout. One process per probe; the process is always torn down
// before Probe returns.
type CodexProber struct {
	bin         string
	accountsDir string
	logger      *slog.Logger
}

// CodexOption configures a CodexProber.
type CodexOption func(*CodexProber)

// WithCodexBin overrides the codex binary path.
func WithCodexBin(bin string) CodexOption {
	return func(p *CodexProber) {
		if bin != "" {
			p.bin = bin
		}
	}
}

// NewCodexProber creates a prober rooted at accountsDir. If logger is nil,
// slog.Default() is used.
func NewCodexProber(accountsDir string, logger *slog.Logger, opts ...CodexOption) *CodexProber {
	if logger == nil {
		logger = slog.Default()
	}
	p := &CodexProber{
		bin:         "codex",
		accountsDir: accountsDir,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Probe runs one rate-limit read for the account. The context deadline
// bounds the whole exchange, including process startup.
func (p *CodexProber) Probe(ctx context.Context, account status.Account) (*RawResult, error) {
	authPath := config.CodexAuthPath(p.accountsDir, account.Label)
	if _, err := os.Stat(authPath); err != nil {
		return nil, newError(status.ErrAuthMissing,
			fmt.Sprintf("no codex credentials at %s", authPath), nil)
	}
	accountEmail := config.AccountEmailFromAuth(authPath)

	home := config.AccountHome(p.accountsDir, account.Label)
	cmd := exec.Command(p.bin, "app-server")
	cmd.Env = append(os.Environ(), "HOME="+home)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, newError(status.ErrProbeProcessError, "open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, newError(status.ErrProbeProcessError, "open stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, newError(status.ErrProbeProcessError,
			fmt.Sprintf("start %s app-server", p.bin), err)
	}
	defer p.shutdown(cmd, stdin)

	enc := json.NewEncoder(stdin)
	requests := []rpcRequest{
		{ID: rpcInitializeID, Method: "initialize", Params: map[string]any{
			"clientInfo": map[string]string{"name": ClientName, "version": ClientVersion},
		}},
		{ID: rpcRateLimitsID, Method: "account/rateLimits/read"},
	}
	for _, req := range requests {
		if err := enc.Encode(req); err != nil {
			return nil, newError(status.ErrProbeProcessError, "write request", err)
		}
	}

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		userAgent  string
		sawGarbage bool
	)
	for {
		select {
		case <-ctx.Done():
			if sawGarbage {
				return nil, newError(status.ErrMalformedResponse,
					"deadline reached with only unparseable output", ctx.Err())
			}
			return nil, newError(status.ErrProbeTimeout, "no rate-limit reply before deadline", ctx.Err())
		case line, ok := <-lines:
			if !ok {
				return nil, newError(status.ErrProbeProcessError,
					"app-server exited before replying", nil)
			}
			var resp rpcResponse
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				// The app-server interleaves log lines on stdout.
				sawGarbage = true
				continue
			}
			switch resp.ID {
			case rpcInitializeID:
				userAgent = extractUserAgent(resp.Result)
			case rpcRateLimitsID:
				if resp.Error != nil {
					return nil, newError(status.ErrProviderError,
						fmt.Sprintf("rateLimits/read failed (code %d): %s", resp.Error.Code, resp.Error.Message), nil)
				}
				return &RawResult{
					Provider:     status.ProviderCodex,
					ObservedAt:   time.Now().UTC(),
					Payload:      resp.Result,
					AccountEmail: accountEmail,
					UserAgent:    userAgent,
				}, nil
			}
		}
	}
}

// shutdown tears the app-server down: close stdin, SIGTERM to the process
// group, then SIGKILL after the grace period. Signalling the group covers
// grandchildren the app-server may have spawned.
func (p *CodexProber) shutdown(cmd *exec.Cmd, stdin interface{ Close() error }) {
	_ = stdin.Close()
	if cmd.Process == nil {
		return
	}
	terminateGroup(cmd)
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(terminateGrace):
		p.logger.Warn("codex app-server ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		killGroup(cmd)
		<-done
	}
}

func extractUserAgent(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var init struct {
		UserAgent string `json:"userAgent"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		return ""
	}
	return init.UserAgent
}
