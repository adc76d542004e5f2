package analysis

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/medialens/medialens/pkg/breaker"
	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/messages"
	"github.com/medialens/medialens/pkg/providers"
)

// sceneFallbackTopN bounds the fallback list when nothing clears the
// confidence threshold.
const sceneFallbackTopN = 3

// SceneWorker recognizes the setting an image was taken in.
type SceneWorker struct {
	pipeline
	provider  providers.SceneProvider
	threshold float64
}

func NewSceneWorker(provider providers.SceneProvider, publisher *bus.Publisher, cfg config.Analysis, log *slog.Logger) *SceneWorker {
	return &SceneWorker{
		pipeline:  newPipeline(messages.ServiceSceneRecognition, publisher, cfg, log),
		provider:  provider,
		threshold: cfg.SceneThreshold,
	}
}

func (w *SceneWorker) Process(ctx context.Context, messageID string, fields map[string]any) error {
	job, err := decodeJob(fields)
	if err != nil {
		return err
	}
	log := w.log.With("message_id", messageID, "media_id", job.MediaID, "correlation_id", job.CorrelationID)

	image, err := w.fetch(ctx, job)
	if err != nil {
		return err
	}

	result, err := breaker.Do(w.breaker, func() (*providers.SceneResult, error) {
		return w.provider.Recognize(ctx, image, nil, w.threshold, sceneFallbackTopN)
	})
	if err != nil {
		return err
	}

	msg := messages.InsightResult{
		MediaID:       job.MediaID,
		PostID:        job.PostID,
		Service:       messages.ServiceSceneRecognition,
		Scenes:        orderedScenes(result.Scores),
		Timestamp:     messages.Timestamp(time.Now()),
		CorrelationID: job.CorrelationID,
		Version:       messages.SchemaVersion,
	}
	if _, err := w.publisher.Publish(ctx, messages.StreamMLInsightsResults, msg.Fields()); err != nil {
		return err
	}

	log.Info("Scene recognition complete", "scene", result.Scene, "confidence", result.Confidence)
	return nil
}

// orderedScenes flattens the score map to labels, most confident first.
func orderedScenes(scores map[string]float64) []string {
	scenes := make([]string, 0, len(scores))
	for label := range scores {
		scenes = append(scenes, label)
	}
	sort.Slice(scenes, func(i, j int) bool {
		if scores[scenes[i]] != scores[scenes[j]] {
			return scores[scenes[i]] > scores[scenes[j]]
		}
		return scenes[i] < scenes[j]
	})
	return scenes
}
