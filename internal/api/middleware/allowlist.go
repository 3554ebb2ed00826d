package middleware

import (
	"fmt"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Allowlist restricts which filesystem paths may be opened as
// workspaces. Patterns use doublestar globs ("/home/*/projects/**").
// An empty allowlist permits every path.
type Allowlist struct {
	patterns []string
}

// NewAllowlist validates the patterns up front so a bad config fails at
// startup instead of on the first open.
func NewAllowlist(patterns []string) (*Allowlist, error) {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid allowlist pattern %q", pattern)
		}
	}
	return &Allowlist{patterns: patterns}, nil
}

// Allowed reports whether path may be opened. Matching happens on the
// cleaned absolute path; callers canonicalize before asking.
func (a *Allowlist) Allowed(path string) bool {
	if a == nil || len(a.patterns) == 0 {
		return true
	}

	cleaned := filepath.Clean(path)
	for _, pattern := range a.patterns {
		if ok, err := doublestar.Match(pattern, cleaned); err == nil && ok {
			return true
		}
	}
	return false
}
