// Package targets enumerates files eligible for scanning.
package targets

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
)

// Filter selects files by glob patterns and size.
type Filter struct {
	// Include patterns are matched against the path relative to the
	// walk root. Empty means include everything.
	Include []string
	// Exclude patterns win over includes.
	Exclude []string
	// MaxSize skips files larger than this many bytes. Zero means no
	// limit.
	MaxSize int64
}

// Match reports whether a relative path with the given size passes the
// filter. Patterns use doublestar syntax, so "**/*.exe" works.
func (f Filter) Match(rel string, size int64) bool {
	if f.MaxSize > 0 && size > f.MaxSize {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, p := range f.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, p := range f.Include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Validate checks that every pattern parses.
func (f Filter) Validate() error {
	for _, p := range append(append([]string{}, f.Include...), f.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("pattern %q: %w", p, doublestar.ErrBadPattern)
		}
	}
	return nil
}

// Walk enumerates regular files under root that pass the filter,
// calling fn for each absolute path. The walk runs on multiple
// goroutines; fn must be safe for concurrent use. Cancelling ctx stops
// the walk early.
func Walk(ctx context.Context, root string, filter Filter, fn func(path string, size int64) error) error {
	conf := fastwalk.Config{
		Follow: false,
	}
	return fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		if !filter.Match(rel, fi.Size()) {
			return nil
		}
		return fn(path, fi.Size())
	})
}

// Collect runs Walk and gathers the matching paths in sorted-agnostic
// order. Intended for building scan job arguments.
func Collect(ctx context.Context, root string, filter Filter) ([]string, error) {
	var mu sync.Mutex
	var paths []string
	err := Walk(ctx, root, filter, func(path string, size int64) error {
		mu.Lock()
		paths = append(paths, path)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
