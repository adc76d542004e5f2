// Package messages defines the stream names, consumer groups, and typed
// message shapes that flow over the bus. Wire entries are flat maps of
// string fields; nested values (lists, face objects) are JSON-encoded into
// single fields by the bus codec.
package messages

// Stream names.
const (
	StreamPostImageProcessing  = "post-image-processing"
	StreamMLInsightsResults    = "ml-insights-results"
	StreamFaceDetectionResults = "face-detection-results"
	StreamAggregationTrigger   = "post-aggregation-trigger"
	StreamInsightsEnriched     = "post-insights-enriched"
	StreamESSyncQueue          = "es-sync-queue"
	StreamDLQ                  = "ai-processing-dlq"
)

// Consumer group names. Groups are fixed per worker type; horizontal scaling
// uses distinct consumer names within the same group.
const (
	GroupContentModeration = "content-moderation-group"
	GroupImageTagging      = "image-tagging-group"
	GroupSceneRecognition  = "scene-recognition-group"
	GroupImageCaptioning   = "image-captioning-group"
	GroupFaceDetection     = "face-detection-group"
	GroupPostAggregator    = "post-aggregator-group"
	GroupInsightsReader    = "post-aggregator-insights-reader"
	GroupFacesReader       = "post-aggregator-faces-reader"
	GroupESSync            = "es-sync-group"
	GroupDLQProcessor      = "dlq-processor-group"
)

// Service names as they appear in result entries and DLQ envelopes.
const (
	ServiceModeration       = "moderation"
	ServiceTagging          = "tagging"
	ServiceSceneRecognition = "scene_recognition"
	ServiceImageCaptioning  = "image_captioning"
)

// SchemaVersion is stamped on every entry this system publishes. Consumers
// ignore entries whose version they do not understand.
const SchemaVersion = "1"

// RequiredServices is the set of per-image services the aggregator waits for.
// Face detection is intentionally absent: its results enrich the rollup but
// never block emission.
var RequiredServices = []string{
	ServiceModeration,
	ServiceTagging,
	ServiceSceneRecognition,
	ServiceImageCaptioning,
}
