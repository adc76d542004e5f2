package huggingface

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/providers"
)

// defaultEmbeddingDim is the expected face embedding width; EMBEDDING_DIM
// overrides it.
const defaultEmbeddingDim = 1024

// FaceProvider detects faces via a custom Space that accepts multipart
// uploads and returns {faces: [{face_id, bbox, embedding, confidence}]}.
type FaceProvider struct {
	client *Client
	dim    int
	log    *slog.Logger
}

// NewFaceProvider builds the face provider from endpoint settings.
func NewFaceProvider(cfg config.Provider, log *slog.Logger) *FaceProvider {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("provider", PlatformName, "task", providers.TaskFace)
	if cfg.APIURL == "" {
		log.Warn("HF_FACE_API_URL / HF_API_URL not configured")
	} else {
		log.Info("Face endpoint configured", "url", cfg.APIURL)
	}
	return &FaceProvider{client: NewClient(cfg, log), dim: embeddingDim(), log: log}
}

func embeddingDim() int {
	if raw := os.Getenv("EMBEDDING_DIM"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultEmbeddingDim
}

// Detect finds faces in image. Embeddings are padded with zeros or
// truncated to the expected width; a face without an id gets a fresh
// UUID so downstream stores can key on it.
func (p *FaceProvider) Detect(ctx context.Context, image []byte) (*providers.FaceDetectionResult, error) {
	raw, err := p.client.PostMultipart(ctx, image, nil)
	if err != nil {
		return nil, err
	}

	body, _ := raw.(map[string]any)
	rawFaces, _ := body["faces"].([]any)

	faces := make([]providers.Face, 0, len(rawFaces))
	for _, item := range rawFaces {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		faces = append(faces, providers.Face{
			FaceID:     stringOr(entry["face_id"], uuid.NewString()),
			BBox:       intSlice(entry["bbox"]),
			Embedding:  p.normalizeEmbedding(floatSlice(entry["embedding"])),
			Confidence: floatOr(entry["confidence"], 0),
		})
	}
	return &providers.FaceDetectionResult{
		FacesDetected: len(faces),
		Faces:         faces,
	}, nil
}

func (p *FaceProvider) normalizeEmbedding(embedding []float64) []float64 {
	switch {
	case len(embedding) < p.dim:
		p.log.Warn("Padding face embedding", "from", len(embedding), "to", p.dim)
		padded := make([]float64, p.dim)
		copy(padded, embedding)
		return padded
	case len(embedding) > p.dim:
		p.log.Warn("Truncating face embedding", "from", len(embedding), "to", p.dim)
		return embedding[:p.dim]
	}
	return embedding
}
