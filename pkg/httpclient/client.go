// Package httpclient provides the pooled HTTP client, typed upstream errors
// and the retrying image downloader shared by the analysis workers.
package httpclient

import (
	"fmt"
	"net/http"
	"time"
)

// New returns an HTTP client with pooled connections. Transport-level
// retries are deliberately not configured; workers retry at the application
// level.
func New(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// HTTPError is a non-2xx response from an upstream endpoint. The body is
// truncated; it exists for log and dead-letter context, not for parsing.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}
