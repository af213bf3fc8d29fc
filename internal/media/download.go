package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/storyreel/storyreel-agent/internal/flow"
	"github.com/storyreel/storyreel-agent/internal/logging"
	"github.com/storyreel/storyreel-agent/internal/metrics"
)

const DefaultDownloadTimeout = 10 * time.Minute

// Downloader fetches generated videos over HTTP.
type Downloader struct {
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDownloader builds a downloader. A nil client gets a default one with
// DefaultDownloadTimeout.
func NewDownloader(client *http.Client, logger *slog.Logger, m *metrics.Metrics) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: DefaultDownloadTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		client:  client,
		logger:  logging.WithComponent(logger, "downloader"),
		metrics: m,
	}
}

// Download writes the body of url to dst. The file appears under its final
// name only once it is complete.
func (d *Downloader) Download(ctx context.Context, url, dst string) error {
	url = flow.HTTPURL(url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.metrics.RecordDownload("error", 0)
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.metrics.RecordDownload("http_error", 0)
		return fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create video dir: %w", err)
	}

	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp)
		d.metrics.RecordDownload("error", 0)
		if copyErr != nil {
			return fmt.Errorf("write video: %w", copyErr)
		}
		return fmt.Errorf("close video: %w", closeErr)
	}
	if n == 0 {
		os.Remove(tmp)
		d.metrics.RecordDownload("empty", 0)
		return fmt.Errorf("download failed: empty body")
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize video: %w", err)
	}

	d.metrics.RecordDownload("ok", n)
	d.logger.Info("video downloaded",
		"file", filepath.Base(dst),
		"size", humanize.Bytes(uint64(n)),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
