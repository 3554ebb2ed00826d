package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CanonicalizePath resolves a user-supplied path to its unique,
// symlink-free absolute form. The result is the workspace registry
// key, so two spellings of the same directory always collide.
func CanonicalizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace path must not be empty")
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", path, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize path %q: %w", path, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to stat path %q: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace path %q is not a directory", path)
	}

	return resolved, nil
}
