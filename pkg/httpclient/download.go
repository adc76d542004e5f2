package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/medialens/medialens/pkg/version"
)

// RetryConfig bounds retry behaviour for downloads.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetry returns the shared worker retry envelope: 3 retries starting
// at 1s, doubling up to a 30s cap.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Retryable reports whether err is transient: transport failures, timeouts,
// HTTP 429 and 5xx. Any other HTTP status is permanent.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	// DNS failures, connection resets and timeouts surface as net.Error or
	// url.Error from the transport.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// Downloader fetches media bytes over HTTP with bounded exponential backoff.
type Downloader struct {
	client *http.Client
	retry  RetryConfig
	log    *slog.Logger
}

// NewDownloader wraps an existing pooled client with retry behaviour.
func NewDownloader(client *http.Client, retry RetryConfig, log *slog.Logger) *Downloader {
	if log == nil {
		log = slog.Default()
	}
	return &Downloader{client: client, retry: retry, log: log}
}

// Download GETs rawURL and returns the body. Transient failures retry with
// exponential backoff; permanent failures return immediately.
func (d *Downloader) Download(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	delay := d.retry.InitialDelay

	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		body, err := d.fetch(ctx, rawURL)
		if err == nil {
			d.log.Debug("Image downloaded", "url", Truncate(rawURL, 100), "size_bytes", len(body))
			return body, nil
		}
		lastErr = err

		if !Retryable(err) || attempt == d.retry.MaxRetries {
			break
		}
		d.log.Warn("Image download failed, retrying",
			"url", Truncate(rawURL, 100),
			"attempt", attempt+1,
			"max_attempts", d.retry.MaxRetries+1,
			"delay", delay.String(),
			"error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * d.retry.Multiplier)
		if delay > d.retry.MaxDelay {
			delay = d.retry.MaxDelay
		}
	}
	return nil, fmt.Errorf("downloading %s: %w", Truncate(rawURL, 100), lastErr)
}

func (d *Downloader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.Full())
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: rawURL, Body: string(snippet)}
	}
	return io.ReadAll(resp.Body)
}

// Truncate shortens s to at most n bytes for log output.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
