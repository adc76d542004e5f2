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

// FacesWorker locates faces in images and extracts their embeddings.
// Unlike the other analysis workers it publishes to its own stream,
// face-detection-results, which both the post aggregator and the face
// recognition pipeline consume.
type FacesWorker struct {
	pipeline
	provider providers.FaceProvider
}

func NewFacesWorker(provider providers.FaceProvider, publisher *bus.Publisher, cfg config.Analysis, log *slog.Logger) *FacesWorker {
	return &FacesWorker{
		pipeline: newPipeline("face_detection", publisher, cfg, log),
		provider: provider,
	}
}

func (w *FacesWorker) Process(ctx context.Context, messageID string, fields map[string]any) error {
	job, err := decodeJob(fields)
	if err != nil {
		return err
	}
	log := w.log.With("message_id", messageID, "media_id", job.MediaID, "correlation_id", job.CorrelationID)

	image, err := w.fetch(ctx, job)
	if err != nil {
		return err
	}

	result, err := breaker.Do(w.breaker, func() (*providers.FaceDetectionResult, error) {
		return w.provider.Detect(ctx, image)
	})
	if err != nil {
		return err
	}

	faces := make([]messages.Face, 0, len(result.Faces))
	for _, f := range result.Faces {
		faces = append(faces, messages.Face{
			FaceID:     f.FaceID,
			BBox:       f.BBox,
			Embedding:  f.Embedding,
			Confidence: f.Confidence,
		})
	}

	msg := messages.FaceResult{
		MediaID:       job.MediaID,
		PostID:        job.PostID,
		FacesDetected: result.FacesDetected,
		Faces:         faces,
		Timestamp:     messages.Timestamp(time.Now()),
		CorrelationID: job.CorrelationID,
		Version:       messages.SchemaVersion,
	}
	if _, err := w.publisher.Publish(ctx, messages.StreamFaceDetectionResults, msg.Fields()); err != nil {
		return err
	}

	log.Info("Face detection complete", "faces_detected", result.FacesDetected)
	return nil
}
