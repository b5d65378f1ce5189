package incremental

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IgnoredDirs contains directory prefixes skipped during discovery.
// Prefix matching means "." skips every hidden directory, including the
// state directory.
var IgnoredDirs = []string{
	".",            // Hidden directories
	"_",            // Underscore-prefixed directories
	"node_modules", // JavaScript dependencies
	"vendor",       // Vendored code
}

// ScanConfig configures the scanner.
type ScanConfig struct {
	// Root is the project root; returned paths are relative to it.
	Root string
	// Roots are the source directories, relative to Root.
	Roots []string
	// Extensions selects source files, e.g. ".kn".
	Extensions []string
	// Exclude holds doublestar globs matched against slash paths relative
	// to Root.
	Exclude []string
	// IgnoreDirs adds directory prefixes to IgnoredDirs.
	IgnoreDirs []string
}

// Scanner discovers the current set of source files.
type Scanner struct {
	root       string
	roots      []string
	extensions map[string]bool
	exclude    []string
	ignoreDirs []string
}

// NewScanner creates a scanner with the given config. Invalid exclude
// patterns are reported here rather than silently never matching.
func NewScanner(cfg ScanConfig) (*Scanner, error) {
	for _, pattern := range cfg.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	extensions := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions[ext] = true
	}

	roots := cfg.Roots
	if len(roots) == 0 {
		roots = []string{"."}
	}

	ignoreDirs := slices.Clone(IgnoredDirs)
	ignoreDirs = append(ignoreDirs, cfg.IgnoreDirs...)

	return &Scanner{
		root:       cfg.Root,
		roots:      roots,
		extensions: extensions,
		exclude:    cfg.Exclude,
		ignoreDirs: ignoreDirs,
	}, nil
}

// Root returns the project root.
func (s *Scanner) Root() string { return s.root }

// Matches reports whether a path relative to the root is a source file
// this scanner would return.
func (s *Scanner) Matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	if !s.extensions[filepath.Ext(rel)] {
		return false
	}
	for _, pattern := range s.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	return true
}

// IgnoresDir reports whether a directory name is skipped.
func (s *Scanner) IgnoresDir(name string) bool {
	for _, prefix := range s.ignoreDirs {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// SourceRoots returns the absolute source directories.
func (s *Scanner) SourceRoots() []string {
	out := make([]string, 0, len(s.roots))
	for _, r := range s.roots {
		out = append(out, filepath.Join(s.root, r))
	}
	return out
}

// Scan walks the source roots and returns sorted, de-duplicated slash
// paths relative to the project root. Missing roots contribute nothing.
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	var paths []string

	for _, dir := range s.SourceRoots() {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err != nil {
				return err
			}

			if d.IsDir() {
				if path != dir && s.IgnoresDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}

			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return err
			}
			if s.Matches(rel) {
				paths = append(paths, filepath.ToSlash(rel))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	slices.Sort(paths)
	return slices.Compact(paths), nil
}
