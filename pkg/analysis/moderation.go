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

// ModerationWorker classifies images as safe or unsafe for display.
type ModerationWorker struct {
	pipeline
	provider providers.ModerationProvider
}

func NewModerationWorker(provider providers.ModerationProvider, publisher *bus.Publisher, cfg config.Analysis, log *slog.Logger) *ModerationWorker {
	return &ModerationWorker{
		pipeline: newPipeline(messages.ServiceModeration, publisher, cfg, log),
		provider: provider,
	}
}

// Process handles one image job end to end: download, classify, publish.
func (w *ModerationWorker) Process(ctx context.Context, messageID string, fields map[string]any) error {
	job, err := decodeJob(fields)
	if err != nil {
		return err
	}
	log := w.log.With("message_id", messageID, "media_id", job.MediaID, "correlation_id", job.CorrelationID)

	image, err := w.fetch(ctx, job)
	if err != nil {
		return err
	}

	result, err := breaker.Do(w.breaker, func() (*providers.ModerationResult, error) {
		return w.provider.Analyze(ctx, image)
	})
	if err != nil {
		return err
	}

	isSafe := result.IsSafe
	confidence := result.Confidence
	msg := messages.InsightResult{
		MediaID:              job.MediaID,
		PostID:               job.PostID,
		Service:              messages.ServiceModeration,
		IsSafe:               &isSafe,
		ModerationConfidence: &confidence,
		Timestamp:            messages.Timestamp(time.Now()),
		CorrelationID:        job.CorrelationID,
		Version:              messages.SchemaVersion,
	}
	if _, err := w.publisher.Publish(ctx, messages.StreamMLInsightsResults, msg.Fields()); err != nil {
		return err
	}

	log.Info("Moderation complete",
		"is_safe", result.IsSafe,
		"confidence", result.Confidence,
		"top_label", result.TopLabel)
	return nil
}
