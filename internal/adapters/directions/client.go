// Package directions implements the tile backend on top of a routing-tiles
// HTTP API.
package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"

	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/ports/output"
)

const tilesPath = "/route-tiles/v1"

// Config holds the directions backend settings.
type Config struct {
	BaseURL         string
	AccessToken     string
	Timeout         time.Duration // per versions request
	DownloadTimeout time.Duration // whole pack download, 0 for none
	MaxRetries      uint64
	TempDir         string
	UserAgent       string
}

// HTTPStatusError reports an unexpected response status.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("directions: unexpected status %d from %s", e.StatusCode, e.URL)
}

// Unwrap maps the status to a domain error.
func (e *HTTPStatusError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return domain.ErrPackNotFound
	case e.StatusCode >= 500, e.StatusCode == http.StatusTooManyRequests:
		return domain.ErrBackendUnavailable
	default:
		return domain.ErrInvalidInput
	}
}

func (e *HTTPStatusError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type versionsResponse struct {
	AvailableVersions []string `json:"availableVersions"`
}

// Client implements output.TileBackend.
type Client struct {
	cfg     Config
	http    *http.Client
	fs      afero.Fs
	metrics output.MetricsCollector
	logger  *slog.Logger

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewClient creates a directions backend client.
func NewClient(cfg Config, metrics output.MetricsCollector, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "offgrid"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		fs:      afero.NewOsFs(),
		metrics: metrics,
		logger:  logger,
	}
	c.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxElapsedTime = 2 * time.Minute
		return b
	}
	return c
}

// FetchAvailableVersions returns the versions the backend offers, newest first.
func (c *Client) FetchAvailableVersions(ctx context.Context) ([]string, error) {
	endpoint := c.cfg.BaseURL + tilesPath + "/versions?" + c.query(nil).Encode()

	var versions versionsResponse
	err := c.retry(ctx, "versions", func() error {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		resp, err := c.do(reqCtx, endpoint)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if err := json.NewDecoder(resp.Body).Decode(&versions); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding versions: %v: %w", err, domain.ErrBackendUnavailable))
		}
		return nil
	})
	c.metrics.IncBackendRequests("versions", err == nil)
	if err != nil {
		return nil, err
	}
	return versions.AvailableVersions, nil
}

// DownloadTiles streams the pack for rect to a temporary file and returns its
// path. The caller owns the file.
func (c *Client) DownloadTiles(ctx context.Context, rect domain.GeoRectangle, version string, onBytes output.ByteProgressFunc) (string, error) {
	if version == "" {
		return "", domain.ErrInvalidVersion
	}
	if onBytes == nil {
		onBytes = func(int64, int64) {}
	}
	if c.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DownloadTimeout)
		defer cancel()
	}

	endpoint := c.packURL(rect, version)

	tmp, err := afero.TempFile(c.fs, c.cfg.TempDir, "offgrid-*.pack")
	if err != nil {
		return "", &domain.StorageError{Operation: "create", Key: c.cfg.TempDir, Err: err}
	}
	path := tmp.Name()

	err = c.retry(ctx, "download", func() error {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(err)
		}
		if err := tmp.Truncate(0); err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.do(ctx, endpoint)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		w := &progressWriter{w: tmp, total: resp.ContentLength, onBytes: onBytes}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("streaming pack: %v: %w", redactError(err), domain.ErrBackendUnavailable)
		}
		return nil
	})
	closeErr := tmp.Close()
	c.metrics.IncBackendRequests("download", err == nil)

	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = c.fs.Remove(path)
		return "", err
	}

	c.logger.Debug("tile pack downloaded",
		slog.String("version", version),
		slog.String("rectangle", rect.String()),
		slog.String("path", path),
	)
	return path, nil
}

func (c *Client) packURL(rect domain.GeoRectangle, version string) string {
	coords := formatCoord(rect.MinLon()) + "," + formatCoord(rect.MinLat()) + ";" +
		formatCoord(rect.MaxLon()) + "," + formatCoord(rect.MaxLat())
	q := c.query(url.Values{"version": {version}})
	return c.cfg.BaseURL + tilesPath + "/" + coords + "?" + q.Encode()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (c *Client) query(extra url.Values) url.Values {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	if c.cfg.AccessToken != "" {
		q.Set("access_token", c.cfg.AccessToken)
	}
	return q
}

// do performs a GET and returns the response for a 200. Non-retryable
// failures are marked permanent.
func (c *Client) do(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(redactError(err))
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%v: %w", redactError(err), domain.ErrBackendUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		statusErr := &HTTPStatusError{StatusCode: resp.StatusCode, URL: redact(endpoint)}
		if statusErr.retryable() {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}
	return resp, nil
}

func (c *Client) retry(ctx context.Context, operation string, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.cfg.MaxRetries), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		c.logger.Warn("directions request failed, retrying",
			slog.String("operation", operation),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
}

// redact strips the access token from a URL before it is logged.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		base, _, _ := strings.Cut(endpoint, "?")
		return base
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

type progressWriter struct {
	w       io.Writer
	written int64
	total   int64
	onBytes output.ByteProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.onBytes(p.written, p.total)
	return n, err
}

// redactError strips the access token from the URL carried by a *url.Error.
func redactError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = redact(urlErr.URL)
	}
	return err
}
