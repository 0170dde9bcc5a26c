package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxReadBytes caps ReadFile before truncation even applies.
const maxReadBytes = 5_000_000

// resolvePath resolves a user-supplied path against the workspace root and
// rejects anything that escapes it after symlink-free resolution.
func (s *Sandbox) resolvePath(userPath string) (string, error) {
	base, err := filepath.Abs(s.cfg.WorkspaceDir)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	target := filepath.Clean(filepath.Join(base, userPath))
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", userPath)
	}
	return target, nil
}

// ListFiles lists a workspace directory, creating it if absent.
func (s *Sandbox) ListFiles(path string) Result {
	if path == "" {
		path = "."
	}
	target, err := s.resolvePath(path)
	if err != nil {
		return failure("%v", err)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return failure("create directory: %v", err)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return failure("read directory: %v", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		kind := "f"
		var size int64
		if entry.IsDir() {
			kind = "d"
		} else if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		lines = append(lines, fmt.Sprintf("[%s] %-40s %10d bytes", kind, entry.Name(), size))
	}
	if len(lines) == 0 {
		return Result{Success: true, Output: "(empty directory)"}
	}
	return Result{Success: true, Output: strings.Join(lines, "\n")}
}

// ReadFile returns a workspace file's content, truncated to the output
// ceiling. Files over 5MB are refused outright.
func (s *Sandbox) ReadFile(path string) Result {
	target, err := s.resolvePath(path)
	if err != nil {
		return failure("%v", err)
	}

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return failure("file not found: %s", path)
	}
	if err != nil {
		return failure("stat file: %v", err)
	}
	if info.IsDir() {
		return failure("not a file: %s", path)
	}
	if info.Size() > maxReadBytes {
		return failure("file exceeds 5MB limit")
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return failure("read file: %v", err)
	}
	return Result{Success: true, Output: s.truncate(string(data))}
}

// WriteFile writes content to a workspace file, creating parent directories.
func (s *Sandbox) WriteFile(path, content string) Result {
	target, err := s.resolvePath(path)
	if err != nil {
		return failure("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return failure("create parent directory: %v", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return failure("write file: %v", err)
	}
	return Result{Success: true, Output: fmt.Sprintf("wrote %s (%d bytes)", path, len(content))}
}

// DeleteFile removes a single workspace file. Directories are refused; use a
// shell command for those.
func (s *Sandbox) DeleteFile(path string) Result {
	target, err := s.resolvePath(path)
	if err != nil {
		return failure("%v", err)
	}

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return failure("file not found: %s", path)
	}
	if err != nil {
		return failure("stat file: %v", err)
	}
	if info.IsDir() {
		return failure("deleting directories is not supported, use a shell command")
	}
	if err := os.Remove(target); err != nil {
		return failure("delete file: %v", err)
	}
	return Result{Success: true, Output: "deleted " + path}
}

// FileInfo returns size metadata for a workspace file, used when a tool
// offers the file to the client as an attachment.
func (s *Sandbox) FileInfo(path string) (absPath string, size int64, err error) {
	target, err := s.resolvePath(path)
	if err != nil {
		return "", 0, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", 0, err
	}
	if info.IsDir() {
		return "", 0, fmt.Errorf("not a file: %s", path)
	}
	return target, info.Size(), nil
}
