package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/medialens/medialens/pkg/breaker"
	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/messages"
	"github.com/medialens/medialens/pkg/providers"
)

// CaptioningWorker produces a natural-language description of the image.
type CaptioningWorker struct {
	pipeline
	provider providers.CaptioningProvider
}

func NewCaptioningWorker(provider providers.CaptioningProvider, publisher *bus.Publisher, cfg config.Analysis, log *slog.Logger) *CaptioningWorker {
	return &CaptioningWorker{
		pipeline: newPipeline(messages.ServiceImageCaptioning, publisher, cfg, log),
		provider: provider,
	}
}

func (w *CaptioningWorker) Process(ctx context.Context, messageID string, fields map[string]any) error {
	job, err := decodeJob(fields)
	if err != nil {
		return err
	}
	log := w.log.With("message_id", messageID, "media_id", job.MediaID, "correlation_id", job.CorrelationID)

	image, err := w.fetch(ctx, job)
	if err != nil {
		return err
	}

	result, err := breaker.Do(w.breaker, func() (*providers.CaptioningResult, error) {
		return w.provider.Caption(ctx, image)
	})
	if err != nil {
		return err
	}

	msg := messages.InsightResult{
		MediaID:       job.MediaID,
		PostID:        job.PostID,
		Service:       messages.ServiceImageCaptioning,
		Caption:       result.Caption,
		Timestamp:     messages.Timestamp(time.Now()),
		CorrelationID: job.CorrelationID,
		Version:       messages.SchemaVersion,
	}
	if _, err := w.publisher.Publish(ctx, messages.StreamMLInsightsResults, msg.Fields()); err != nil {
		return err
	}

	log.Info("Captioning complete", "caption", result.Caption)
	return nil
}
