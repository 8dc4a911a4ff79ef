package changes

import (
	"bufio"
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/sdejongh/vcsreconcile/pkg/models"
	"github.com/sdejongh/vcsreconcile/pkg/storage"
)

// IgnoreFileName is the per-workspace ignore file, in gitignore syntax
const IgnoreFileName = ".tfignore"

var defaultIgnoreLines = []string{
	".vcsreconcile/",
	IgnoreFileName,
}

// Filter decides which local paths may be scheduled for addition
type Filter struct {
	root     string
	ignore   *gitignore.GitIgnore
	excludes []string
}

// LoadFilter reads the workspace ignore file, if any, and combines it with exclude globs
func LoadFilter(ctx context.Context, backend storage.Backend, excludes []string) (*Filter, error) {
	lines := append([]string(nil), defaultIgnoreLines...)

	reader, err := backend.Read(ctx, filepath.Join(backend.Root(), IgnoreFileName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		defer reader.Close()
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
			return nil, &models.ValidationError{Field: "exclude", Message: "invalid glob pattern " + pattern}
		}
	}

	return &Filter{
		root:     backend.Root(),
		ignore:   gitignore.CompileIgnoreLines(lines...),
		excludes: excludes,
	}, nil
}

// Excluded reports whether path is ignored. Paths outside the workspace are never excluded;
// the server rejects them.
func (f *Filter) Excluded(path string) bool {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	if f.ignore.MatchesPath(rel) {
		return true
	}
	return matchExcludes(rel, f.excludes)
}

// matchExcludes checks a slash-separated relative path against glob patterns.
// Patterns support:
//   - Basename globs: *.tmp, *.log
//   - Directory patterns: bin/, obj/
//   - Path globs: build/*, **/test/*
func matchExcludes(rel string, patterns []string) bool {
	base := pathBase(rel)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		pattern = filepath.ToSlash(pattern)

		if dir, ok := strings.CutSuffix(pattern, "/"); ok {
			if rel == dir || strings.HasPrefix(rel, dir+"/") || strings.Contains("/"+rel+"/", "/"+dir+"/") {
				return true
			}
			continue
		}

		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, base); ok {
				return true
			}
			continue
		}

		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func pathBase(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[i+1:]
	}
	return rel
}
