package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/scanpipe/scanpipe/internal/shared/id"
)

// capture persists a session's output lines to disk, optionally
// zstd-compressed.
type capture struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *zstd.Encoder
	w    io.Writer
}

func newCapture(dir string, sid id.SessionID, compress bool) (*capture, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}

	name := sid.String() + ".log"
	if compress {
		name += ".zst"
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}

	c := &capture{path: path, f: f, w: f}
	if compress {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("init compressor: %w", err)
		}
		c.enc = enc
		c.w = enc
	}
	return c, nil
}

func (c *capture) Path() string { return c.path }

func (c *capture) writeLine(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(line); err != nil {
		return err
	}
	_, err := c.w.Write([]byte{'\n'})
	return err
}

func (c *capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.enc != nil {
		err = c.enc.Close()
	}
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}
