package platform

import (
	"path/filepath"
	"runtime"
	"strings"
)

// NormalizePath cleans a local path for the current platform
func NormalizePath(path string) string {
	if path == "" {
		return ""
	}
	normalized := filepath.Clean(path)

	// On Windows, ensure UNC paths are preserved
	if runtime.GOOS == "windows" {
		if strings.HasPrefix(path, "\\\\") && !strings.HasPrefix(normalized, "\\\\") {
			normalized = "\\\\" + normalized
		}
	}

	return normalized
}

// CaseInsensitive reports whether local paths compare case-insensitively on this platform
func CaseInsensitive() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}

// EqualPaths compares two local paths after normalization, honouring platform case rules
func EqualPaths(a, b string) bool {
	a, b = NormalizePath(a), NormalizePath(b)
	if CaseInsensitive() {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// IsAncestor reports whether ancestor contains path on a separator boundary.
// With strict set, a path is not its own ancestor.
func IsAncestor(ancestor, path string, strict bool) bool {
	return isAncestor(ancestor, path, string(filepath.Separator), strict)
}

// IsServerAncestor is IsAncestor for server paths, which always use forward slashes
// and compare case-insensitively.
func IsServerAncestor(ancestor, path string, strict bool) bool {
	return isAncestor(strings.ToLower(ancestor), strings.ToLower(path), "/", strict)
}

func isAncestor(ancestor, path, sep string, strict bool) bool {
	if ancestor == "" || path == "" {
		return false
	}
	if sep != "/" {
		ancestor, path = NormalizePath(ancestor), NormalizePath(path)
		if CaseInsensitive() {
			ancestor, path = strings.ToLower(ancestor), strings.ToLower(path)
		}
	}
	if ancestor == path {
		return !strict
	}
	prefix := ancestor
	if !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	return strings.HasPrefix(path, prefix)
}

// ReplacePrefix rewrites the oldPrefix part of path to newPrefix.
// It returns path unchanged and false when path does not lie under oldPrefix.
func ReplacePrefix(path, oldPrefix, newPrefix string) (string, bool) {
	if !IsAncestor(oldPrefix, path, false) {
		return path, false
	}
	rest := NormalizePath(path)[len(NormalizePath(oldPrefix)):]
	return NormalizePath(newPrefix) + rest, true
}

// ComparePaths orders paths case-insensitively, falling back to a byte comparison
// so the order is total.
func ComparePaths(a, b string) int {
	if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// IsUNCPath checks if a path is a UNC path (Windows network share)
func IsUNCPath(path string) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	return strings.HasPrefix(path, "\\\\") || strings.HasPrefix(path, "//")
}

// IsAbsolute checks if a path is absolute
func IsAbsolute(path string) bool {
	if IsUNCPath(path) {
		return true
	}
	return filepath.IsAbs(path)
}

// ValidatePath checks that a workspace path is usable on the current platform
func ValidatePath(path string) error {
	if path == "" {
		return &PathError{Path: path, Message: "path is empty"}
	}
	if !IsAbsolute(path) {
		return &PathError{Path: path, Message: "path must be absolute"}
	}

	if runtime.GOOS == "windows" {
		invalidChars := []string{"<", ">", "\"", "|", "?", "*"}
		for _, char := range invalidChars {
			if strings.Contains(path, char) {
				return &PathError{Path: path, Message: "path contains invalid character: " + char}
			}
		}
	}

	return nil
}

// PathError represents a path validation error
type PathError struct {
	Path    string
	Message string
}

func (e *PathError) Error() string {
	return "invalid path '" + e.Path + "': " + e.Message
}
