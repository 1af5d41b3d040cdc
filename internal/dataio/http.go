package dataio

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cartodb/observatory-cli/internal/resilience"
)

// DownloadOptions configures the Downloader.
type DownloadOptions struct {
	UserAgent string
	Timeout   time.Duration
	// RatePerHost limits requests per second to each host. Default 5.
	RatePerHost rate.Limit
	Retry       resilience.Policy
}

// Downloader fetches remote input files with per-host rate limiting and
// retries on 429, 5xx and network errors.
type Downloader struct {
	client *http.Client
	opts   DownloadOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDownloader creates a Downloader with defaults for unset options.
func NewDownloader(opts DownloadOptions) *Downloader {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "observatory-cli/1.0"
	}
	if opts.RatePerHost == 0 {
		opts.RatePerHost = 5
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultPolicy()
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.LogRetries("dataio", "download")
	}
	return &Downloader{
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (d *Downloader) limiterFor(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[host]
	if !ok {
		lim = rate.NewLimiter(d.opts.RatePerHost, 1)
		d.limiters[host] = lim
	}
	return lim
}

// Download fetches rawURL and returns the response body.
func (d *Downloader) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "download: parse url")
	}
	lim := d.limiterFor(u.Host)

	body, err := resilience.Retry(ctx, d.opts.Retry, func(ctx context.Context) (io.ReadCloser, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "download: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "download: create request")
		}
		req.Header.Set("User-Agent", d.opts.UserAgent)

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "download: request"), 0)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			statusErr := eris.Errorf("download: unexpected status %d from %s", resp.StatusCode, rawURL)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
			}
			return nil, statusErr
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DownloadToDir saves rawURL under dir, named after the last URL path
// segment, and returns the file path.
func (d *Downloader) DownloadToDir(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrap(err, "download: parse url")
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", eris.Errorf("download: cannot name file for %s", rawURL)
	}

	body, err := d.Download(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer body.Close() //nolint:errcheck

	dest := filepath.Join(dir, name)
	file, err := os.Create(dest)
	if err != nil {
		return "", eris.Wrap(err, "download: create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return "", eris.Wrap(err, "download: write file")
	}
	zap.L().Debug("download: saved", zap.String("url", rawURL), zap.String("path", dest), zap.Int64("bytes", n))
	return dest, nil
}
