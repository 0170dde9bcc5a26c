// Package sandbox implements the execution engine behind the built-in tools:
// shell commands, python snippets, workspace file operations and web fetching.
//
// All operations are stateless functions over a shared workspace directory
// and return a uniform Result. Failures are reported in Result.Error; no
// operation panics or returns a Go error to the caller.
package sandbox

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Result is the uniform outcome of every sandbox operation.
type Result struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// Config controls the sandbox workspace and limits.
type Config struct {
	// WorkspaceDir is the root all file paths and working directories are
	// confined to.
	WorkspaceDir string

	// MaxOutputBytes truncates command output, file reads and fetched
	// pages. Default 10000.
	MaxOutputBytes int

	// ShellTimeout bounds shell command execution. Default 30s.
	ShellTimeout time.Duration

	// PythonTimeout bounds python snippet execution. Default 30s.
	PythonTimeout time.Duration

	// FetchTimeout bounds direct URL fetches. Default 20s.
	FetchTimeout time.Duration
}

// Sandbox executes tool operations inside a confined workspace.
type Sandbox struct {
	cfg        Config
	httpClient *http.Client
	urlCache   *urlCache

	// overridable in tests
	githubAPIBase string
	jinaBase      string
}

// New creates a sandbox with defaults applied.
func New(cfg Config) *Sandbox {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 10000
	}
	if cfg.ShellTimeout <= 0 {
		cfg.ShellTimeout = 30 * time.Second
	}
	if cfg.PythonTimeout <= 0 {
		cfg.PythonTimeout = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	return &Sandbox{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.FetchTimeout,
		},
		urlCache:      newURLCache(urlCacheTTL, urlCacheMaxEntries),
		githubAPIBase: "https://api.github.com",
		jinaBase:      "https://r.jina.ai",
	}
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// truncate caps text at the configured byte ceiling, appending a marker so
// the model knows output was cut.
func (s *Sandbox) truncate(text string) string {
	limit := s.cfg.MaxOutputBytes
	if len(text) > limit {
		return text[:limit] + fmt.Sprintf("\n... (output truncated, exceeded %d bytes)", limit)
	}
	return strings.TrimSpace(text)
}
