package sigdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/scanpipe/scanpipe/internal/logging"
)

// MirrorClient downloads signature files from an HTTP mirror.
// Transient failures are retried with exponential backoff.
type MirrorClient struct {
	base   string
	client *retryablehttp.Client
	logger *logging.Logger
}

// NewMirrorClient builds a client for the mirror at baseURL.
func NewMirrorClient(baseURL string, logger *logging.Logger) *MirrorClient {
	if logger == nil {
		logger = logging.Nop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Minute
	rc.Logger = nil

	return &MirrorClient{
		base:   baseURL,
		client: rc,
		logger: logger,
	}
}

// Fetch downloads the named signature file into dir. The download goes
// to a temp file first and is renamed into place only on success, so a
// partial transfer never clobbers a working database.
func (m *MirrorClient) Fetch(ctx context.Context, name, dir string) (string, error) {
	url := m.base + "/" + name

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: unexpected status %d", name, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, name+".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("download %s: %w", name, err)
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("install %s: %w", name, err)
	}

	m.logger.Info("Fetched signature database",
		zap.String("name", name),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)))
	return dst, nil
}
