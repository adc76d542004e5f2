// Package aggregator implements the post-level fan-in worker. A trigger
// names a post; the worker joins the per-image analysis results for that
// post, derives post-level insights and publishes the enriched record.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/messages"
)

// Worker consumes post-aggregation-trigger and emits post-insights-enriched.
type Worker struct {
	collector *collector
	publisher *bus.Publisher
	summarize summarizer
	log       *slog.Logger
}

// New builds the aggregation worker. The LLM caption summarizer is wired
// only when enabled and fully configured.
func New(client *redis.Client, publisher *bus.Publisher, cfg config.Aggregator, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		collector: newCollector(client, cfg.PodID, cfg.Wait, cfg.PollInterval, log),
		publisher: publisher,
		log:       log,
	}
	if cfg.UseLLMCaptions && cfg.LLMAPIURL != "" && cfg.LLMAPIToken != "" {
		w.summarize = newLLMSummarizer(cfg, log)
		log.Info("LLM caption summarization enabled")
	}
	return w
}

// Process handles one aggregation trigger. Emission is never blocked by
// missing results; whatever arrived before the deadline is aggregated.
func (w *Worker) Process(ctx context.Context, messageID string, fields map[string]any) error {
	trigger := messages.TriggerFromFields(fields)
	if trigger.PostID == "" {
		return errors.New("invalid trigger: postId is required")
	}
	log := w.log.With("message_id", messageID, "post_id", trigger.PostID, "correlation_id", trigger.CorrelationID)
	log.Info("Received aggregation trigger",
		"expected_media_ids", trigger.AllMediaIDs,
		"expected_media_count", trigger.TotalMedia)

	insights := w.collector.collect(ctx, log, trigger).finalize()
	log.Info("Collected media insights", "media_count", len(insights))

	roll := aggregate(insights)
	combined := ""
	if roll.MediaCount > 0 {
		combined = w.combinedCaption(ctx, log, roll)
	}

	enriched := messages.EnrichedPost{
		PostID:               trigger.PostID,
		MediaCount:           roll.MediaCount,
		AllAiTags:            roll.AllTags,
		AllAiScenes:          roll.AllScenes,
		AggregatedTags:       roll.TopTags,
		AggregatedScenes:     roll.TopScenes,
		TotalFaces:           roll.TotalFaces,
		IsSafe:               roll.IsSafe,
		ModerationConfidence: roll.ModerationConfidence,
		InferredEventType:    roll.EventType,
		CombinedCaption:      combined,
		HasMultipleImages:    roll.MediaCount > 1,
		Timestamp:            messages.Timestamp(time.Now()),
		CorrelationID:        trigger.CorrelationID,
		Version:              messages.SchemaVersion,
	}
	if _, err := w.publisher.Publish(ctx, messages.StreamInsightsEnriched, enriched.Fields()); err != nil {
		return err
	}

	log.Info("Published enriched insights",
		"event_type", roll.EventType,
		"total_faces", roll.TotalFaces,
		"tag_count", len(roll.TopTags))
	return nil
}

// combinedCaption merges the per-media captions: one passes through,
// several are summarized (LLM when enabled, otherwise the first three
// joined), none synthesizes a line from the aggregates.
func (w *Worker) combinedCaption(ctx context.Context, log *slog.Logger, roll Rollup) string {
	switch len(roll.Captions) {
	case 0:
		return fallbackCaption(roll.TopTags, roll.TopScenes)
	case 1:
		return roll.Captions[0]
	}

	if w.summarize != nil {
		summary, err := w.summarize.Summarize(ctx, roll.Captions)
		if err == nil {
			return summary
		}
		log.Warn("LLM caption summarization failed, falling back", "error", err)
	}

	head := roll.Captions
	if len(head) > 3 {
		head = head[:3]
	}
	return strings.Join(head, " ")
}
