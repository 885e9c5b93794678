// Package sigdb tracks the freshness of the scanner's signature
// database directory and fetches updates from a mirror.
package sigdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scanpipe/scanpipe/internal/logging"
)

// ErrNotFound is returned when the database directory holds no
// signature files.
var ErrNotFound = errors.New("no signature database found")

// Known signature file extensions. Anything else in the directory
// (lock files, temp downloads) is ignored.
var sigExtensions = map[string]bool{
	".cvd": true,
	".cld": true,
	".cud": true,
	".ndb": true,
	".hdb": true,
}

// Info describes the newest signature file in a database directory.
type Info struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Age reports how long ago the database was last updated.
func (i Info) Age(now time.Time) time.Duration {
	return now.Sub(i.ModTime)
}

// Stale reports whether the database is older than maxAge.
func (i Info) Stale(now time.Time, maxAge time.Duration) bool {
	return i.Age(now) > maxAge
}

// Newest returns the most recently modified signature file under dir.
// Freshness is judged by mtime alone; the file contents are opaque to
// the daemon, only the scanner parses them.
func Newest(dir string) (Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Info{}, fmt.Errorf("read database dir: %w", err)
	}

	var newest Info
	found := false
	for _, e := range entries {
		if e.IsDir() || !sigExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if !found || fi.ModTime().After(newest.ModTime) {
			newest = Info{
				Path:    filepath.Join(dir, e.Name()),
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
			}
			found = true
		}
	}
	if !found {
		return Info{}, ErrNotFound
	}
	return newest, nil
}

// Checker periodically reports database staleness for health checks.
type Checker struct {
	dir    string
	maxAge time.Duration
	logger *logging.Logger
}

// NewChecker builds a checker for dir. maxAge zero means 7 days.
func NewChecker(dir string, maxAge time.Duration, logger *logging.Logger) *Checker {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Checker{dir: dir, maxAge: maxAge, logger: logger}
}

// Check returns the newest database info and whether it is stale.
func (c *Checker) Check() (Info, bool, error) {
	info, err := Newest(c.dir)
	if err != nil {
		return Info{}, false, err
	}
	stale := info.Stale(time.Now(), c.maxAge)
	if stale {
		c.logger.Warn("Signature database is stale",
			zap.String("path", info.Path),
			zap.Duration("age", info.Age(time.Now())),
			zap.Duration("max_age", c.maxAge))
	}
	return info, stale, nil
}
