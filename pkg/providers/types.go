package providers

// ModerationResult is the outcome of a content-moderation analysis.
type ModerationResult struct {
	IsSafe     bool
	Confidence float64
	Scores     map[string]float64
	TopLabel   string
}

// TaggingResult is the outcome of zero-shot image tagging.
type TaggingResult struct {
	Tags   []string
	Scores map[string]float64
}

// SceneResult is the outcome of scene recognition. Scene is "unknown" with
// zero confidence when the upstream model returned nothing usable.
type SceneResult struct {
	Scene      string
	Confidence float64
	Scores     map[string]float64
}

// CaptioningResult is the outcome of image captioning.
type CaptioningResult struct {
	Caption string
}

// Face is a single detected face with its recognition embedding.
type Face struct {
	FaceID     string
	BBox       []int
	Embedding  []float64
	Confidence float64
}

// FaceDetectionResult is the outcome of face detection on one image.
type FaceDetectionResult struct {
	FacesDetected int
	Faces         []Face
}
