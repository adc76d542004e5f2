// Package providers defines the inference task contracts the analysis
// workers depend on, and a registry resolving (task, platform) pairs to
// concrete implementations.
package providers

import "context"

// Inference task names.
const (
	TaskModeration = "moderation"
	TaskTagging    = "tagging"
	TaskScene      = "scene"
	TaskCaptioning = "captioning"
	TaskFace       = "face"
)

// ModerationProvider classifies image content as safe or not.
type ModerationProvider interface {
	Analyze(ctx context.Context, image []byte) (*ModerationResult, error)
}

// TaggingProvider extracts descriptive tags from an image.
type TaggingProvider interface {
	// Tag returns up to topN tags scoring above threshold. When scores
	// exist but none clear the threshold, the top N are returned anyway.
	Tag(ctx context.Context, image []byte, topN int, threshold float64) (*TaggingResult, error)
}

// SceneProvider classifies the scene or setting of an image.
type SceneProvider interface {
	// Recognize scores the image against labels (nil selects the provider
	// default vocabulary) and returns the best match plus every label
	// above threshold. When scores exist but none clears the threshold,
	// the top topN come back instead.
	Recognize(ctx context.Context, image []byte, labels []string, threshold float64, topN int) (*SceneResult, error)
}

// CaptioningProvider generates a natural-language image description.
type CaptioningProvider interface {
	Caption(ctx context.Context, image []byte) (*CaptioningResult, error)
}

// FaceProvider detects faces and computes their embeddings.
type FaceProvider interface {
	Detect(ctx context.Context, image []byte) (*FaceDetectionResult, error)
}
