package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/medialens/medialens/pkg/breaker"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/httpclient"
)

// summarizer condenses several per-media captions into one line.
type summarizer interface {
	Summarize(ctx context.Context, captions []string) (string, error)
}

const (
	llmMaxNewTokens = 80
	llmTemperature  = 0.5
)

// llmSummarizer calls a hosted text-generation endpoint behind its own
// circuit breaker. Failures are reported to the caller, which falls back
// to plain concatenation.
type llmSummarizer struct {
	http    *http.Client
	url     string
	token   string
	circuit *breaker.Breaker
}

func newLLMSummarizer(cfg config.Aggregator, log *slog.Logger) *llmSummarizer {
	return &llmSummarizer{
		http:    httpclient.New(cfg.LLMTimeout),
		url:     cfg.LLMAPIURL,
		token:   cfg.LLMAPIToken,
		circuit: breaker.New("llm-summarizer", breaker.Config{}, log),
	}
}

func (s *llmSummarizer) Summarize(ctx context.Context, captions []string) (string, error) {
	return breaker.Do(s.circuit, func() (string, error) {
		return s.call(ctx, captions)
	})
}

func (s *llmSummarizer) call(ctx context.Context, captions []string) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("Summarize the following image captions into a single cohesive sentence that describes the overall post:\n\n")
	for i, c := range captions {
		if i > 0 {
			prompt.WriteString("\n")
		}
		prompt.WriteString("- ")
		prompt.WriteString(c)
	}
	prompt.WriteString("\n\nSummary:")

	body, err := json.Marshal(map[string]any{
		"inputs": prompt.String(),
		"parameters": map[string]any{
			"max_new_tokens": llmMaxNewTokens,
			"temperature":    llmTemperature,
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding summarization request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building summarization request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling summarization endpoint: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading summarization response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httpclient.HTTPError{
			StatusCode: resp.StatusCode,
			URL:        s.url,
			Body:       httpclient.Truncate(string(data), 512),
		}
	}

	var payload []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || len(payload) == 0 {
		return "", errors.New("unexpected summarization response shape")
	}
	text := strings.TrimSpace(payload[0].GeneratedText)
	if text == "" {
		return "", errors.New("empty summary")
	}
	return text, nil
}
