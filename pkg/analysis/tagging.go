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

// TaggingWorker labels images against the content tag vocabulary.
type TaggingWorker struct {
	pipeline
	provider  providers.TaggingProvider
	topN      int
	threshold float64
}

func NewTaggingWorker(provider providers.TaggingProvider, publisher *bus.Publisher, cfg config.Analysis, log *slog.Logger) *TaggingWorker {
	return &TaggingWorker{
		pipeline:  newPipeline(messages.ServiceTagging, publisher, cfg, log),
		provider:  provider,
		topN:      cfg.TagTopN,
		threshold: cfg.TagThreshold,
	}
}

func (w *TaggingWorker) Process(ctx context.Context, messageID string, fields map[string]any) error {
	job, err := decodeJob(fields)
	if err != nil {
		return err
	}
	log := w.log.With("message_id", messageID, "media_id", job.MediaID, "correlation_id", job.CorrelationID)

	image, err := w.fetch(ctx, job)
	if err != nil {
		return err
	}

	result, err := breaker.Do(w.breaker, func() (*providers.TaggingResult, error) {
		return w.provider.Tag(ctx, image, w.topN, w.threshold)
	})
	if err != nil {
		return err
	}

	msg := messages.InsightResult{
		MediaID:       job.MediaID,
		PostID:        job.PostID,
		Service:       messages.ServiceTagging,
		Tags:          result.Tags,
		Timestamp:     messages.Timestamp(time.Now()),
		CorrelationID: job.CorrelationID,
		Version:       messages.SchemaVersion,
	}
	if _, err := w.publisher.Publish(ctx, messages.StreamMLInsightsResults, msg.Fields()); err != nil {
		return err
	}

	log.Info("Tagging complete", "tags", result.Tags)
	return nil
}
