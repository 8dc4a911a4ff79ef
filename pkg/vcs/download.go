package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/imroc/req/v3"
	"github.com/sdejongh/vcsreconcile/pkg/ratelimit"
)

var (
	ErrDownloadNotFound  = errors.New("download: item not found")
	ErrDownloadForbidden = errors.New("download: access denied")
	ErrDownloadRetryable = errors.New("download: server unavailable")
)

// DownloadError carries the HTTP status of a failed download
type DownloadError struct {
	URL    string
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download '%s': status %d: %v", e.URL, e.Status, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// DownloaderOptions tunes the HTTP downloader
type DownloaderOptions struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	UserAgent  string
	Limiter    *ratelimit.Limiter
}

// HTTPDownloader fetches item content from http(s) download URLs
type HTTPDownloader struct {
	client  *req.Client
	limiter *ratelimit.Limiter
}

// NewHTTPDownloader builds a downloader with retries on transport errors and 5xx responses
func NewHTTPDownloader(opts DownloaderOptions) *HTTPDownloader {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "vcsreconcile"
	}

	client := req.C().
		SetTimeout(opts.Timeout).
		SetUserAgent(opts.UserAgent).
		SetCommonRetryCount(opts.Retries).
		SetCommonRetryFixedInterval(opts.RetryDelay).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			return err != nil || resp.GetStatusCode() >= 500
		})

	return &HTTPDownloader{client: client, limiter: opts.Limiter}
}

// DownloadItem opens url; the caller closes the returned body
func (d *HTTPDownloader) DownloadItem(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("download '%s': %w", url, err)
	}

	if resp.IsErrorState() {
		resp.Body.Close()
		return nil, &DownloadError{URL: url, Status: resp.GetStatusCode(), Err: statusError(resp.GetStatusCode())}
	}

	return ratelimit.NewReadCloser(ctx, resp.Body, d.limiter), nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return ErrDownloadNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrDownloadForbidden
	case code == http.StatusTooManyRequests || code >= 500:
		return ErrDownloadRetryable
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}
