package workdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/swarmdev/swarmd/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestValidateInsideRoot(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "project")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}

	p := NewPolicy([]string{root}, newTestLogger(t))

	got, err := p.Validate(sub)
	if err != nil {
		t.Fatalf("expected valid cwd, got %v", err)
	}
	// TempDir may itself live behind a symlink (e.g. /tmp on macOS), so
	// compare canonical forms.
	want, _ := filepath.EvalSymlinks(sub)
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	if _, err := p.Validate(root); err != nil {
		t.Errorf("expected root itself to be valid, got %v", err)
	}
}

func TestValidateOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	p := NewPolicy([]string{root}, newTestLogger(t))

	_, err := p.Validate(outside)
	if err == nil {
		t.Fatal("expected rejection for path outside roots")
	}
	if !strings.Contains(err.Error(), "outside the allowed workspace roots") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejectsSiblingPrefix(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "work")
	sibling := filepath.Join(base, "workspace-evil")
	for _, dir := range []string{root, sibling} {
		if err := os.Mkdir(dir, 0755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
	}

	p := NewPolicy([]string{root}, newTestLogger(t))

	// "workspace-evil" shares the string prefix "work" but is not inside it.
	if _, err := p.Validate(sibling); err == nil {
		t.Error("expected sibling with shared prefix to be rejected")
	}
}

func TestValidateMissingDirectory(t *testing.T) {
	root := t.TempDir()
	p := NewPolicy([]string{root}, newTestLogger(t))

	_, err := p.Validate(filepath.Join(root, "nope"))
	if err == nil {
		t.Fatal("expected error for missing directory")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateFileNotDirectory(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	p := NewPolicy([]string{root}, newTestLogger(t))

	if _, err := p.Validate(file); err == nil {
		t.Error("expected error for non-directory path")
	}
}

func TestValidateEmptyCwd(t *testing.T) {
	p := NewPolicy(nil, newTestLogger(t))
	if _, err := p.Validate("  "); err == nil {
		t.Error("expected error for empty cwd")
	}
}

func TestEmptyAllowlistPermitsExistingDirs(t *testing.T) {
	p := NewPolicy(nil, newTestLogger(t))

	dir := t.TempDir()
	if _, err := p.Validate(dir); err != nil {
		t.Errorf("expected empty allowlist to permit existing dir, got %v", err)
	}
}

func TestValidateResolvesSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	p := NewPolicy([]string{root}, newTestLogger(t))

	// The symlink lives under root but points outside it.
	if _, err := p.Validate(link); err == nil {
		t.Error("expected symlink escaping the root to be rejected")
	}
}

func TestDefaultRoot(t *testing.T) {
	root := t.TempDir()
	p := NewPolicy([]string{root}, newTestLogger(t))

	canonical, _ := filepath.EvalSymlinks(root)
	if got := p.DefaultRoot(); got != canonical {
		t.Errorf("expected first root %q, got %q", canonical, got)
	}

	empty := NewPolicy(nil, newTestLogger(t))
	if empty.DefaultRoot() == "" {
		t.Error("expected a non-empty default root")
	}
}

func TestNewPolicySkipsBlankRoots(t *testing.T) {
	root := t.TempDir()
	p := NewPolicy([]string{"", "  ", root}, newTestLogger(t))
	if len(p.Roots()) != 1 {
		t.Errorf("expected 1 root, got %v", p.Roots())
	}
}
