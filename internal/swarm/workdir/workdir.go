// Package workdir validates agent working directories against the
// configured workspace allowlist. Paths are canonicalized (home expansion,
// absolute, symlinks resolved) before the containment check so a symlink
// cannot smuggle an agent outside the allowed roots.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
)

// Policy holds the canonicalized workspace roots. An empty allowlist
// permits any existing directory; a single-user daemon with no configured
// roots should not refuse to spawn agents.
type Policy struct {
	roots  []string
	logger *logger.Logger
}

// NewPolicy builds a policy from the configured workspace roots. Roots are
// canonicalized up front; roots that do not exist yet are kept in cleaned
// absolute form.
func NewPolicy(roots []string, log *logger.Logger) *Policy {
	p := &Policy{logger: log.WithFields(zap.String("component", "workdir-policy"))}
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		p.roots = append(p.roots, canonicalize(root))
	}
	return p
}

// Roots returns the canonicalized allowlist.
func (p *Policy) Roots() []string {
	out := make([]string, len(p.roots))
	copy(out, p.roots)
	return out
}

// DefaultRoot returns the directory used when an agent is created without
// an explicit cwd: the first allowlisted root, or the user home directory.
func (p *Policy) DefaultRoot() string {
	if len(p.roots) > 0 {
		return p.roots[0]
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "/"
}

// Validate canonicalizes cwd and checks it against the allowlist. It
// returns the canonical path on success.
func (p *Policy) Validate(cwd string) (string, error) {
	if strings.TrimSpace(cwd) == "" {
		return "", fmt.Errorf("working directory is required")
	}

	canonical := canonicalize(cwd)

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("working directory does not exist: %s", canonical)
		}
		return "", fmt.Errorf("failed to stat working directory %s: %w", canonical, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory is not a directory: %s", canonical)
	}

	if len(p.roots) == 0 {
		return canonical, nil
	}

	for _, root := range p.roots {
		if pathInside(canonical, root) {
			return canonical, nil
		}
	}

	p.logger.Warn("working directory rejected",
		zap.String("cwd", canonical),
		zap.Strings("roots", p.roots))
	return "", fmt.Errorf("working directory %s is outside the allowed workspace roots", canonical)
}

// canonicalize expands ~, makes the path absolute and resolves symlinks.
// Nonexistent paths keep their cleaned absolute form so the caller can
// produce a does-not-exist error with the intended path.
func canonicalize(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return filepath.Clean(path)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// pathInside reports whether path equals root or lives beneath it.
func pathInside(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(os.PathSeparator))
}
