package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	return New(Config{WorkspaceDir: t.TempDir(), MaxOutputBytes: 100})
}

func TestResolvePathConfinement(t *testing.T) {
	s := newTestSandbox(t)

	escapes := []string{
		"../outside.txt",
		"../../etc/passwd",
		"a/../../outside",
	}
	for _, p := range escapes {
		if _, err := s.resolvePath(p); err == nil {
			t.Errorf("resolvePath(%q) accepted an escaping path", p)
		}
	}

	inside := []string{".", "data.txt", "sub/dir/file.txt", "a/../b"}
	for _, p := range inside {
		if _, err := s.resolvePath(p); err != nil {
			t.Errorf("resolvePath(%q) rejected a contained path: %v", p, err)
		}
	}
}

func TestWriteReadDeleteRoundTrip(t *testing.T) {
	s := newTestSandbox(t)

	if r := s.WriteFile("notes/a.txt", "hello"); !r.Success {
		t.Fatalf("write failed: %s", r.Error)
	}
	r := s.ReadFile("notes/a.txt")
	if !r.Success || r.Output != "hello" {
		t.Fatalf("read = %+v", r)
	}
	if r := s.DeleteFile("notes/a.txt"); !r.Success {
		t.Fatalf("delete failed: %s", r.Error)
	}
	if r := s.ReadFile("notes/a.txt"); r.Success {
		t.Fatal("read succeeded after delete")
	}
}

func TestDeleteDirectoryRefused(t *testing.T) {
	s := newTestSandbox(t)
	if err := os.MkdirAll(filepath.Join(s.cfg.WorkspaceDir, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	r := s.DeleteFile("subdir")
	if r.Success {
		t.Fatal("directory delete succeeded")
	}
	if !strings.Contains(r.Error, "not supported") {
		t.Errorf("error = %q", r.Error)
	}
}

func TestReadFileTruncation(t *testing.T) {
	s := newTestSandbox(t) // 100 byte ceiling

	content := strings.Repeat("x", 500)
	if r := s.WriteFile("big.txt", content); !r.Success {
		t.Fatal(r.Error)
	}
	r := s.ReadFile("big.txt")
	if !r.Success {
		t.Fatal(r.Error)
	}
	if !strings.Contains(r.Output, "output truncated, exceeded 100 bytes") {
		t.Errorf("truncation marker missing: %q", r.Output)
	}
	if len(r.Output) > 100+100 { // payload + marker
		t.Errorf("output too long: %d", len(r.Output))
	}
}

func TestListFilesEmptyAndEntries(t *testing.T) {
	s := newTestSandbox(t)

	r := s.ListFiles("newdir")
	if !r.Success || r.Output != "(empty directory)" {
		t.Fatalf("empty list = %+v", r)
	}

	s.WriteFile("newdir/f.txt", "data")
	r = s.ListFiles("newdir")
	if !r.Success || !strings.Contains(r.Output, "f.txt") {
		t.Fatalf("list = %+v", r)
	}
	if !strings.HasPrefix(r.Output, "[f]") {
		t.Errorf("entry kind marker missing: %q", r.Output)
	}
}
