package sandbox

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"
)

// shellBlacklist blocks destructive commands before they reach a shell.
// This is a safety net for obvious foot-guns, not a security boundary; the
// workspace itself provides the isolation.
var shellBlacklist = regexp.MustCompile(
	`(?i)\b(rm\s+-rf\s+/|mkfs|dd\s+if=|shutdown|reboot|halt|poweroff` +
		`|chmod\s+777\s+/|chown.*\s+/|mount|umount|fdisk|iptables` +
		`|systemctl|service\s|kill\s+-9\s+1\b)\b`,
)

// ExecuteShell runs a shell command inside the workspace. A non-empty cwd is
// resolved relative to the workspace and must stay inside it. Timed-out
// commands are killed along with their process group.
func (s *Sandbox) ExecuteShell(ctx context.Context, command, cwd string) Result {
	if shellBlacklist.MatchString(command) {
		preview := command
		if len(preview) > 100 {
			preview = preview[:100]
		}
		return failure("command blocked by safety policy: %s", preview)
	}

	workDir := s.cfg.WorkspaceDir
	if cwd != "" {
		resolved, err := s.resolvePath(cwd)
		if err != nil {
			return failure("%v", err)
		}
		workDir = resolved
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return failure("create workspace: %v", err)
	}

	return s.run(ctx, s.cfg.ShellTimeout, workDir, "bash", "-c", command)
}

// ExecutePython writes the snippet to a temp file and runs it with python3,
// working inside the workspace.
func (s *Sandbox) ExecutePython(ctx context.Context, code string) Result {
	if err := os.MkdirAll(s.cfg.WorkspaceDir, 0o755); err != nil {
		return failure("create workspace: %v", err)
	}

	tmp, err := os.CreateTemp("", "sandbox_*.py")
	if err != nil {
		return failure("create temp file: %v", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(code); err != nil {
		tmp.Close()
		return failure("write temp file: %v", err)
	}
	tmp.Close()

	return s.run(ctx, s.cfg.PythonTimeout, s.cfg.WorkspaceDir, "python3", tmp.Name())
}

func (s *Sandbox) run(ctx context.Context, timeout time.Duration, dir, name string, args ...string) Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	// Own process group so a timeout can kill the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return failure("start command: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-runCtx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return Result{
			Success:  false,
			Error:    "command timed out after " + timeout.String(),
			TimedOut: true,
		}
	case err := <-done:
		return Result{
			Success: err == nil,
			Output:  s.truncate(stdout.String()),
			Error:   s.truncate(stderr.String()),
		}
	}
}
