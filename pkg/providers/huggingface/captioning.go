package huggingface

import (
	"context"
	"log/slog"

	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/providers"
)

// CaptioningProvider generates captions via an image-to-text endpoint.
type CaptioningProvider struct {
	client *Client
	log    *slog.Logger
}

// NewCaptioningProvider builds the captioning provider from endpoint
// settings.
func NewCaptioningProvider(cfg config.Provider, log *slog.Logger) *CaptioningProvider {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("provider", PlatformName, "task", providers.TaskCaptioning)
	if cfg.APIURL == "" {
		log.Warn("HF_CAPTIONING_API_URL / HF_API_URL not configured")
	} else {
		log.Info("Captioning endpoint configured", "url", cfg.APIURL)
	}
	return &CaptioningProvider{client: NewClient(cfg, log), log: log}
}

// Caption generates a description for image. The caption is empty when
// the model returned no generated_text.
func (p *CaptioningProvider) Caption(ctx context.Context, image []byte) (*providers.CaptioningResult, error) {
	raw, err := p.client.PostImageBinary(ctx, image)
	if err != nil {
		return nil, err
	}
	return &providers.CaptioningResult{Caption: extractCaption(raw)}, nil
}
