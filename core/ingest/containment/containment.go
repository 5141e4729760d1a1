// Package containment decides whether an attacker-declared relative path
// stays inside a fixed directory.
//
// The check is lexical. Callers own the directory and must not place
// symlinks inside it that point elsewhere.
package containment

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a declared path escapes the root.
var ErrPathTraversal = errors.New("path traversal")

// Root is an absolute, cleaned directory fixed at construction time.
type Root struct {
	dir string
}

// NewRoot resolves dir to an absolute cleaned path once.
func NewRoot(dir string) (Root, error) {
	if strings.TrimSpace(dir) == "" {
		return Root{}, errors.New("containment root is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Root{}, fmt.Errorf("resolve containment root: %w", err)
	}
	return Root{dir: filepath.Clean(abs)}, nil
}

// Dir returns the root directory.
func (r Root) Dir() string { return r.dir }

// Resolve joins declared onto the root and returns the normalized absolute
// path, or ErrPathTraversal when the result is not the root or a descendant.
func (r Root) Resolve(declared string) (string, error) {
	if r.dir == "" {
		return "", errors.New("containment root not initialized")
	}
	if strings.ContainsRune(declared, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", ErrPathTraversal, declared)
	}
	if filepath.IsAbs(declared) || filepath.VolumeName(declared) != "" || strings.HasPrefix(declared, "/") || strings.HasPrefix(declared, `\`) {
		return "", fmt.Errorf("%w: %q is absolute", ErrPathTraversal, declared)
	}
	resolved := filepath.Join(r.dir, declared)
	if !Within(r.dir, resolved) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, declared)
	}
	return resolved, nil
}

// Within reports whether path equals dir or sits below it on a separator
// boundary. Both arguments must be absolute and cleaned.
func Within(dir, path string) bool {
	if path == dir {
		return true
	}
	prefix := dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
