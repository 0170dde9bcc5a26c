// Package scripts executes stored user TypeScript snippets in a Deno
// sandbox. Deno runs with no permissions except a network allowlist and
// read-only environment access.
package scripts

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Result is the outcome of one script run.
type Result struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Runner executes TypeScript scripts with deno.
type Runner struct {
	// BackendURL is the loopback API base scripts may call; its host is
	// added to the network allowlist and exported as API_BASE_URL.
	BackendURL string
	// APIKey is exported to scripts as API_KEY.
	APIKey string
	// DenoBinary overrides the deno executable path. Empty means "deno".
	DenoBinary string
	// Timeout bounds one run. Zero means 30 seconds.
	Timeout time.Duration
}

const defaultScriptTimeout = 30 * time.Second

// Execute writes the script to a temp file and runs it with deno. Extra
// hosts extend the network allowlist for this run.
func (r *Runner) Execute(ctx context.Context, code string, allowNetHosts []string) Result {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = defaultScriptTimeout
	}

	tmp, err := os.CreateTemp("", "script_*.ts")
	if err != nil {
		return Result{Error: fmt.Sprintf("create temp file: %v", err)}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		return Result{Error: fmt.Sprintf("write temp file: %v", err)}
	}
	tmp.Close()

	bin := r.DenoBinary
	if bin == "" {
		bin = "deno"
	}
	args := []string{"run", "--no-prompt",
		"--allow-net=" + strings.Join(r.allowedHosts(allowNetHosts), ","),
		"--allow-env",
		tmp.Name(),
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(),
		"API_BASE_URL="+r.BackendURL,
		"API_KEY="+r.APIKey,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{Error: fmt.Sprintf("start deno: %v", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-runCtx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return Result{
			Error:    fmt.Sprintf("script timed out after %s", timeout),
			TimedOut: true,
		}
	case err := <-done:
		res := Result{
			Success: err == nil,
			Output:  strings.TrimSpace(stdout.String()),
			Error:   strings.TrimSpace(stderr.String()),
		}
		if !res.Success && res.Error == "" {
			res.Error = fmt.Sprintf("exit: %v", err)
		}
		return res
	}
}

func (r *Runner) allowedHosts(extra []string) []string {
	hosts := append([]string{}, extra...)
	if r.BackendURL != "" {
		if u, err := url.Parse(r.BackendURL); err == nil && u.Hostname() != "" {
			host := u.Hostname()
			if u.Port() != "" {
				host += ":" + u.Port()
			}
			hosts = append(hosts, host)
		}
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost:8080"}
	}
	return hosts
}
