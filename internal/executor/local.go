package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	ptyDevice "github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/goclaw-ai/goclaw/internal/security"
)

const (
	ToolShell    = "shell"
	ToolReadFile = "read_file"
	ToolWebFetch = "web_fetch"
)

// Local executes actions on the gateway host with three built-in tools:
// shell commands under a pty, bounded file reads, and SSRF-validated
// outbound fetches.
type Local struct {
	safety *security.Layer
	client *http.Client
	log    *logrus.Entry
}

// LocalOption adjusts construction.
type LocalOption func(*Local)

// WithHTTPClient overrides the web_fetch client, for tests.
func WithHTTPClient(client *http.Client) LocalOption {
	return func(l *Local) { l.client = client }
}

// NewLocal builds a local executor. The safety layer guards web_fetch
// targets.
func NewLocal(safety *security.Layer, opts ...LocalOption) *Local {
	l := &Local{
		safety: safety,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    logrus.WithField("component", "executor"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Local) Tools() []string {
	return []string{ToolShell, ToolReadFile, ToolWebFetch}
}

// Execute dispatches one action. Unknown tools and bad arguments are
// action errors; only context cancellation propagates as a Go error.
func (l *Local) Execute(ctx context.Context, action Action, policy SandboxPolicy) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, policy.timeout())
	defer cancel()

	switch action.Tool {
	case ToolShell:
		return l.runShell(ctx, action, policy)
	case ToolReadFile:
		return l.readFile(ctx, action, policy)
	case ToolWebFetch:
		return l.webFetch(ctx, action, policy)
	default:
		return errOutput("unknown tool %q", action.Tool), nil
	}
}

func (l *Local) runShell(ctx context.Context, action Action, policy SandboxPolicy) (Output, error) {
	command, ok := stringArg(action, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return errOutput("shell: command argument required"), nil
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if policy.WorkingDir != "" {
		cmd.Dir = policy.WorkingDir
	}

	f, err := ptyDevice.Start(cmd)
	if err != nil {
		return errOutput("shell: start: %v", err), nil
	}
	defer f.Close()

	// Reading the pty returns EIO when the child exits; whatever was
	// captured up to that point is the output.
	output, _ := io.ReadAll(io.LimitReader(f, int64(policy.maxOutput())))

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return errOutput("shell: %v", ctx.Err()), nil
	}
	if waitErr != nil {
		return Output{Content: fmt.Sprintf("%s\n(exit: %v)", output, waitErr), IsError: true}, nil
	}
	return Output{Content: string(output)}, nil
}

func (l *Local) readFile(ctx context.Context, action Action, policy SandboxPolicy) (Output, error) {
	path, ok := stringArg(action, "path")
	if !ok || path == "" {
		return errOutput("read_file: path argument required"), nil
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return errOutput("read_file: resolve %s: %v", path, err), nil
	}
	for _, deny := range policy.DenyPaths {
		denyAbs, err := filepath.Abs(filepath.Clean(deny))
		if err != nil {
			continue
		}
		if abs == denyAbs || strings.HasPrefix(abs, denyAbs+string(filepath.Separator)) {
			return errOutput("read_file: access to %s denied by policy", path), nil
		}
	}

	f, err := os.Open(abs)
	if err != nil {
		return errOutput("read_file: %v", err), nil
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(policy.maxOutput())))
	if err != nil {
		return errOutput("read_file: %v", err), nil
	}
	return Output{Content: string(data)}, nil
}

func (l *Local) webFetch(ctx context.Context, action Action, policy SandboxPolicy) (Output, error) {
	rawURL, ok := stringArg(action, "url")
	if !ok || rawURL == "" {
		return errOutput("web_fetch: url argument required"), nil
	}

	if l.safety != nil {
		verdict := l.safety.EvaluateURL(ctx, "", rawURL)
		if verdict.Verdict == security.VerdictBlock {
			return errOutput("web_fetch: target rejected by safety policy"), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errOutput("web_fetch: build request: %v", err), nil
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return errOutput("web_fetch: %v", err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(policy.maxOutput())))
	if err != nil {
		return errOutput("web_fetch: read body: %v", err), nil
	}
	if resp.StatusCode >= 400 {
		return Output{Content: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body), IsError: true}, nil
	}
	return Output{Content: string(body)}, nil
}
