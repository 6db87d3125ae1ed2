package security

import (
	"path/filepath"
	"strings"
)

// TrustedPathSet is an insertion-only set of absolute, cleaned path prefixes.
// Membership confers trust on the path itself and all of its descendants.
// Trust lives for the process lifetime; nothing is persisted.
type TrustedPathSet struct {
	workDir string
	paths   []string
}

// NewTrustedPathSet creates a set seeded with the working directory.
func NewTrustedPathSet(workDir string) *TrustedPathSet {
	set := &TrustedPathSet{workDir: resolve(workDir, "")}
	set.Add(workDir)
	return set
}

// resolve cleans a path, anchoring relative paths at the working directory.
// No symlink resolution is performed.
func resolve(path, workDir string) string {
	if !filepath.IsAbs(path) && workDir != "" {
		path = filepath.Join(workDir, path)
	}
	return filepath.Clean(path)
}

// Add inserts a path into the set. Adding an already-trusted path is a no-op.
func (s *TrustedPathSet) Add(path string) {
	resolved := resolve(path, s.workDir)
	for _, existing := range s.paths {
		if existing == resolved {
			return
		}
	}
	s.paths = append(s.paths, resolved)
}

// IsTrusted reports whether the path equals, or is a descendant of, a set
// member. /a/b trusts /a/b/c but not /a/bc.
func (s *TrustedPathSet) IsTrusted(path string) bool {
	resolved := resolve(path, s.workDir)
	for _, trusted := range s.paths {
		if resolved == trusted || strings.HasPrefix(resolved, trusted+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
