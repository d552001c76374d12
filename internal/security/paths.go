// Package security confines files the tool writes on a user's behalf
// (CSV and chart exports) to a small set of directories.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoots is returned when a path resolves outside every allowed root.
var ErrOutsideRoots = errors.New("path is outside the allowed directories")

// canonical makes path absolute and resolves symlinks in its deepest
// existing ancestor, so a link pointing elsewhere cannot smuggle a new file
// out of its root.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	existing, rest := abs, ""
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

// Within reports an error unless path resolves inside root. root must exist.
func Within(path, root string) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}
	r, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve root %s: %w", root, err)
	}
	if r, err = filepath.Abs(r); err != nil {
		return err
	}
	rel, err := filepath.Rel(r, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s escapes %s: %w", path, root, ErrOutsideRoots)
	}
	return nil
}

// WithinAny accepts path if it resolves inside at least one root.
func WithinAny(path string, roots ...string) error {
	if len(roots) == 0 {
		return errors.New("no allowed directories")
	}
	for _, root := range roots {
		if Within(path, root) == nil {
			return nil
		}
	}
	return fmt.Errorf("%s: %w %v", path, ErrOutsideRoots, roots)
}

// ExportRoots lists where exports may be written: the temp directory, the
// working directory and the ciadpi config directory, when each is known.
func ExportRoots() []string {
	roots := []string{os.TempDir()}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".config", "ciadpi"))
	}
	return roots
}

// ValidateExportPath checks path against ExportRoots and, when exts are
// given, requires one of those extensions (case-insensitive).
func ValidateExportPath(path string, exts ...string) error {
	if len(exts) > 0 {
		ext := strings.ToLower(filepath.Ext(path))
		ok := false
		for _, e := range exts {
			if ext == strings.ToLower(e) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%s: extension must be one of %v", path, exts)
		}
	}
	return WithinAny(path, ExportRoots()...)
}

const maxFilenameLen = 96

// SanitizeFilename turns an identifier (a session ID, a parameter string)
// into a file-name fragment: runs of anything outside [A-Za-z0-9._-] become
// one underscore and leading or trailing dots and underscores are dropped.
func SanitizeFilename(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		safe := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !safe {
			pending = true
			continue
		}
		if pending && b.Len() > 0 {
			b.WriteByte('_')
		}
		pending = false
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
