// Package huggingface implements the inference task contracts against
// HuggingFace HTTP endpoints: hosted inference models and custom Spaces.
package huggingface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/httpclient"
)

// PlatformName is the registry platform key for this package.
const PlatformName = "huggingface"

// ErrNotConfigured is returned when a provider is called without an
// endpoint URL.
var ErrNotConfigured = errors.New("huggingface: API URL not configured")

const (
	maxColdStartRetries = 3
	defaultColdWait     = 20 * time.Second
	maxColdWait         = 60 * time.Second
)

// Client posts inference requests to one endpoint, waiting out model
// cold starts.
type Client struct {
	http   *http.Client
	apiURL string
	token  string
	log    *slog.Logger
}

// NewClient builds a client for one task endpoint.
func NewClient(cfg config.Provider, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		http:   httpclient.New(cfg.Timeout),
		apiURL: cfg.APIURL,
		token:  cfg.APIToken,
		log:    log,
	}
}

// PostImageBinary sends raw image bytes, the request shape for
// image-classification and image-to-text models.
func (c *Client) PostImageBinary(ctx context.Context, image []byte) (any, error) {
	return c.post(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(image))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		c.authorize(req)
		return req, nil
	})
}

// PostZeroShot sends a base64 image with candidate labels, the request
// shape for zero-shot image classification.
func (c *Client) PostZeroShot(ctx context.Context, image []byte, candidateLabels []string) (any, error) {
	payload, err := json.Marshal(map[string]any{
		"inputs":     base64.StdEncoding.EncodeToString(image),
		"parameters": map[string]any{"candidate_labels": candidateLabels},
	})
	if err != nil {
		return nil, err
	}
	return c.post(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)
		return req, nil
	})
}

// PostMultipart sends the image as a "file" form field, the request shape
// for custom Spaces. A non-empty labels list is added as a JSON "labels"
// field.
func (c *Client) PostMultipart(ctx context.Context, image []byte, labels []string) (any, error) {
	return c.post(ctx, func() (*http.Request, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)

		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
		header.Set("Content-Type", "image/jpeg")
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(image); err != nil {
			return nil, err
		}
		if len(labels) > 0 {
			encoded, err := json.Marshal(labels)
			if err != nil {
				return nil, err
			}
			if err := mw.WriteField("labels", string(encoded)); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		c.authorize(req)
		return req, nil
	})
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// post runs build and sends the request, retrying while the model reports
// it is still loading. Each attempt rebuilds the request so the body
// reader is fresh.
func (c *Client) post(ctx context.Context, build func() (*http.Request, error)) (any, error) {
	if c.apiURL == "" {
		return nil, ErrNotConfigured
	}

	attempt := 0
	for {
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if wait, loading := modelLoading(resp.StatusCode, body); loading && attempt < maxColdStartRetries {
			attempt++
			c.log.Warn("Model loading, waiting before retry",
				"url", c.apiURL,
				"attempt", attempt,
				"max_attempts", maxColdStartRetries,
				"wait", wait.String())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &httpclient.HTTPError{
				StatusCode: resp.StatusCode,
				URL:        c.apiURL,
				Body:       httpclient.Truncate(string(body), 512),
			}
		}

		var result any
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decoding response from %s: %w", c.apiURL, err)
		}
		return result, nil
	}
}

// modelLoading reports whether a response is a cold-start 503 and how long
// to wait before retrying. The wait honors the endpoint's estimated_time
// hint up to a 60s cap, defaulting to 20s.
func modelLoading(status int, body []byte) (time.Duration, bool) {
	if status != http.StatusServiceUnavailable {
		return 0, false
	}
	var parsed struct {
		Error         string  `json:"error"`
		EstimatedTime float64 `json:"estimated_time"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error == "" {
		return 0, false
	}
	if !strings.Contains(strings.ToLower(parsed.Error), "loading") {
		return 0, false
	}
	wait := defaultColdWait
	if parsed.EstimatedTime > 0 {
		wait = time.Duration(parsed.EstimatedTime * float64(time.Second))
	}
	if wait > maxColdWait {
		wait = maxColdWait
	}
	return wait, true
}
