// Package search wraps the Elasticsearch client used by the index sync
// worker: single-document index/delete with bounded retry, and a bulk path
// that degrades to single-document writes when a batch fails.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/medialens/medialens/pkg/httpclient"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
)

// Action is one unit of bulk work: an index of Doc, or a delete when Delete
// is set.
type Action struct {
	Index  string
	ID     string
	Doc    map[string]any
	Delete bool
}

// Config holds the search store settings.
type Config struct {
	Host       string
	MaxRetries int
	RetryDelay time.Duration
}

// Client talks to the search store. Transport-level retries are disabled;
// the retry policy lives here so attempts are observable and bounded.
type Client struct {
	es  *elasticsearch.Client
	cfg Config
	log *slog.Logger
}

// New builds a client for the configured host. No connection is made until
// the first request.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if log == nil {
		log = slog.Default()
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{cfg.Host},
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("building search client: %w", err)
	}
	return &Client{es: es, cfg: cfg, log: log}, nil
}

// Ping checks that the search store answers.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping %s: %w", c.cfg.Host, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("ping %s: status %d", c.cfg.Host, res.StatusCode)
	}
	return nil
}

// IndexDocument writes one document, retrying failures with exponential
// backoff before giving up.
func (c *Client) IndexDocument(ctx context.Context, index, id string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", index, id, err)
	}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Info("Retrying index request",
				"index", index,
				"document_id", id,
				"attempt", attempt,
				"max_retries", c.cfg.MaxRetries)
			if err := c.backoff(ctx, attempt-1); err != nil {
				return err
			}
		}
		result, err := c.index(ctx, index, id, body)
		if err == nil {
			c.log.Info("Document synced",
				"index", index,
				"document_id", id,
				"result", result)
			return nil
		}
		lastErr = err
		c.log.Error("Index request failed",
			"index", index,
			"document_id", id,
			"error", err)
	}
	return lastErr
}

// DeleteDocument removes one document. A missing document counts as success;
// other failures retry with exponential backoff.
func (c *Client) DeleteDocument(ctx context.Context, index, id string) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Info("Retrying delete request",
				"index", index,
				"document_id", id,
				"attempt", attempt,
				"max_retries", c.cfg.MaxRetries)
			if err := c.backoff(ctx, attempt-1); err != nil {
				return err
			}
		}
		res, err := c.es.Delete(index, id, c.es.Delete.WithContext(ctx))
		if err != nil {
			lastErr = fmt.Errorf("delete %s/%s: %w", index, id, err)
			c.log.Error("Delete request failed",
				"index", index,
				"document_id", id,
				"error", lastErr)
			continue
		}
		if res.StatusCode == http.StatusNotFound {
			drain(res)
			c.log.Info("Document already absent",
				"index", index,
				"document_id", id)
			return nil
		}
		if res.IsError() {
			lastErr = fmt.Errorf("delete %s/%s: %s", index, id, responseError(res))
			drain(res)
			c.log.Error("Delete request failed",
				"index", index,
				"document_id", id,
				"error", lastErr)
			continue
		}
		drain(res)
		c.log.Info("Document deleted", "index", index, "document_id", id)
		return nil
	}
	return lastErr
}

// Bulk writes the batch in a single request. A partial failure retries only
// the failed documents individually so one poison document cannot block the
// batch; a failed request falls back to single-document writes for every
// action.
func (c *Client) Bulk(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	body, err := encodeBulk(actions)
	if err != nil {
		return err
	}

	res, err := c.es.Bulk(bytes.NewReader(body), c.es.Bulk.WithContext(ctx))
	if err != nil {
		c.log.Error("Bulk request failed, falling back to single-document writes",
			"count", len(actions), "error", err)
		return c.writeEach(ctx, actions)
	}
	defer res.Body.Close()
	if res.IsError() {
		c.log.Error("Bulk request failed, falling back to single-document writes",
			"count", len(actions), "error", responseError(res))
		return c.writeEach(ctx, actions)
	}

	var parsed struct {
		Errors bool                  `json:"errors"`
		Items  []map[string]bulkItem `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if !parsed.Errors {
		c.log.Info("Bulk sync completed", "count", len(actions))
		return nil
	}

	failed := failedActions(actions, parsed.Items)
	c.log.Warn("Bulk sync completed with errors",
		"count", len(actions), "failed", len(failed))
	return c.writeEach(ctx, failed)
}

type bulkItem struct {
	Status int             `json:"status"`
	Error  json.RawMessage `json:"error"`
}

// failedActions pairs the bulk response items with their actions and returns
// the ones that did not stick. Deleting an absent document is not a failure.
// A malformed response retries the whole batch.
func failedActions(actions []Action, items []map[string]bulkItem) []Action {
	if len(items) != len(actions) {
		return actions
	}
	var failed []Action
	for i, item := range items {
		for _, status := range item {
			if status.Status < 300 {
				continue
			}
			if actions[i].Delete && status.Status == http.StatusNotFound {
				continue
			}
			failed = append(failed, actions[i])
		}
	}
	return failed
}

func (c *Client) writeEach(ctx context.Context, actions []Action) error {
	var errs []error
	for _, a := range actions {
		var err error
		if a.Delete {
			err = c.DeleteDocument(ctx, a.Index, a.ID)
		} else {
			err = c.IndexDocument(ctx, a.Index, a.ID, a.Doc)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			errs = append(errs, fmt.Errorf("%s/%s: %w", a.Index, a.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) index(ctx context.Context, index, id string, body []byte) (string, error) {
	res, err := c.es.Index(index, bytes.NewReader(body),
		c.es.Index.WithDocumentID(id),
		c.es.Index.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("index %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", fmt.Errorf("index %s/%s: %s", index, id, responseError(res))
	}
	var parsed struct {
		Result string `json:"result"`
	}
	_ = json.NewDecoder(res.Body).Decode(&parsed)
	return parsed.Result, nil
}

func encodeBulk(actions []Action) ([]byte, error) {
	type meta struct {
		Index string `json:"_index"`
		ID    string `json:"_id"`
	}
	var buf bytes.Buffer
	for _, a := range actions {
		op := "index"
		if a.Delete {
			op = "delete"
		}
		head, err := json.Marshal(map[string]meta{op: {Index: a.Index, ID: a.ID}})
		if err != nil {
			return nil, fmt.Errorf("encode bulk action %s/%s: %w", a.Index, a.ID, err)
		}
		buf.Write(head)
		buf.WriteByte('\n')
		if !a.Delete {
			doc, err := json.Marshal(a.Doc)
			if err != nil {
				return nil, fmt.Errorf("encode document %s/%s: %w", a.Index, a.ID, err)
			}
			buf.Write(doc)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.RetryDelay * time.Duration(1<<attempt)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func responseError(res *esapi.Response) string {
	data, _ := io.ReadAll(res.Body)
	return fmt.Sprintf("status %d: %s",
		res.StatusCode, httpclient.Truncate(strings.TrimSpace(string(data)), 512))
}

func drain(res *esapi.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
