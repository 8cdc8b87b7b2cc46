// ABOUTME: Input validation for tool arguments: service and key names, value sizes and shell-hostile content
// ABOUTME: Confines file access to the configured roots and refuses symlinks and oversized files

package broker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	MaxServiceNameLen = 64
	MaxKeyNameLen     = 128
	MaxValueLen       = 8 << 10
	MaxFileSize       = 5 << 20
)

var (
	ErrPathNotAllowed = errors.New("path outside allowed roots")
	ErrSymlink        = errors.New("symlinks are not followed")
	ErrFileTooLarge   = errors.New("file too large")
	ErrFileNotFound   = errors.New("file not found")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidationError names the argument that was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateServiceName accepts letters, digits, dash and underscore, up to 64 characters.
func ValidateServiceName(name string) error {
	return validateName("service name", name, MaxServiceNameLen)
}

// ValidateKeyName accepts letters, digits, dash and underscore, up to 128 characters.
func ValidateKeyName(name string) error {
	return validateName("key name", name, MaxKeyNameLen)
}

func validateName(field, name string, max int) error {
	switch {
	case name == "":
		return &ValidationError{Field: field, Reason: "must not be empty"}
	case len(name) > max:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d characters", max)}
	case !namePattern.MatchString(name):
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q may only contain letters, digits, '-' and '_'", name)}
	}
	return nil
}

// ValidateValue rejects values over 8 KiB.
func ValidateValue(key, value string) error {
	if len(value) > MaxValueLen {
		return &ValidationError{Field: "value of " + key, Reason: fmt.Sprintf("longer than %d bytes", MaxValueLen)}
	}
	return nil
}

type dangerousPattern struct {
	needle      string
	description string
}

var dangerousPatterns = []dangerousPattern{
	{"$(", "command substitution: $(...)"},
	{"`", "backticks (command execution)"},
	{"${", "variable expansion: ${...}"},
	{"&&", "command chaining: &&"},
	{"||", "command chaining: ||"},
	{";", "command separator: ;"},
	{"\n", "newline character"},
	{"\r", "carriage return"},
}

// DangerousPatterns describes the shell-significant sequences in value.
// They are warnings for the approver, not errors: passwords may contain them.
func DangerousPatterns(value string) []string {
	var found []string
	for _, p := range dangerousPatterns {
		if strings.Contains(value, p.needle) {
			found = append(found, p.description)
		}
	}
	return found
}

// pathGuard confines file access to a set of root directories.
type pathGuard struct {
	roots []string
}

func newPathGuard(roots []string) *pathGuard {
	g := &pathGuard{}
	for _, r := range roots {
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		g.roots = append(g.roots, abs)
	}
	return g
}

// ResolveInput returns the absolute path of an existing regular file under
// one of the roots. Symlinks at the final component are refused.
func (g *pathGuard) ResolveInput(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	info, err := os.Lstat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, abs)
	}
	if err != nil {
		return "", fmt.Errorf("inspecting %s: %w", abs, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s", ErrSymlink, abs)
	}
	if !info.Mode().IsRegular() {
		return "", &ValidationError{Field: "file", Reason: abs + " is not a regular file"}
	}
	if info.Size() > MaxFileSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, abs, info.Size(), MaxFileSize)
	}

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", abs, err)
	}
	if !g.within(real) {
		return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, abs)
	}
	return real, nil
}

// ResolveOutput returns the absolute path for a file about to be written.
// The file need not exist, but if it does it must not be a symlink.
func (g *pathGuard) ResolveOutput(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	if info, err := os.Lstat(abs); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: %s", ErrSymlink, abs)
	}

	// Resolve the nearest existing ancestor so a symlinked parent cannot
	// point the write outside the roots.
	dir, rest := filepath.Dir(abs), filepath.Base(abs)
	for {
		if _, err := os.Lstat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	real := filepath.Join(realDir, rest)
	if !g.within(real) {
		return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, abs)
	}
	return real, nil
}

func (g *pathGuard) within(path string) bool {
	for _, root := range g.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
