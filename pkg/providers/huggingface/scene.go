package huggingface

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/providers"
)

// defaultSceneLabels is the default recognition vocabulary; the
// SCENE_LABELS environment variable overrides it as a comma-separated
// list.
var defaultSceneLabels = []string{
	"beach", "mountains", "urban", "office", "restaurant", "forest",
	"desert", "lake", "park", "indoor", "outdoor", "rural",
	"coastal", "mountainous", "tropical", "arctic",
}

// fallbackSceneCount bounds the never-empty fallback when topN is unset.
const fallbackSceneCount = 3

// SceneProvider recognizes scenes via a zero-shot classification endpoint.
type SceneProvider struct {
	client *Client
	labels []string
	log    *slog.Logger
}

// NewSceneProvider builds the scene provider from endpoint settings,
// resolving the candidate vocabulary from SCENE_LABELS.
func NewSceneProvider(cfg config.Provider, log *slog.Logger) *SceneProvider {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("provider", PlatformName, "task", providers.TaskScene)

	labels := defaultSceneLabels
	if raw := os.Getenv("SCENE_LABELS"); raw != "" {
		parsed := make([]string, 0)
		for _, label := range strings.Split(raw, ",") {
			if label = strings.TrimSpace(label); label != "" {
				parsed = append(parsed, label)
			}
		}
		if len(parsed) > 0 {
			labels = parsed
		}
	}

	if cfg.APIURL == "" {
		log.Warn("HF_SCENE_API_URL / HF_API_URL not configured")
	} else {
		log.Info("Scene endpoint configured", "url", cfg.APIURL, "labels", len(labels))
	}
	return &SceneProvider{client: NewClient(cfg, log), labels: labels, log: log}
}

// Recognize scores image against the candidate labels (nil selects the
// provider vocabulary). Scores carries every label above threshold; when
// none clears it, the top topN come back instead (top three when topN
// is not positive). Scene is the overall best label, "unknown" when the
// model returned nothing usable.
func (p *SceneProvider) Recognize(ctx context.Context, image []byte, labels []string, threshold float64, topN int) (*providers.SceneResult, error) {
	candidates := labels
	if len(candidates) == 0 {
		candidates = p.labels
	}
	raw, err := p.client.PostZeroShot(ctx, image, candidates)
	if err != nil {
		return nil, err
	}
	scores := normalizeScores(raw)

	scene, confidence := "unknown", 0.0
	first := true
	for label, score := range scores {
		if first || score > confidence {
			scene, confidence = label, score
			first = false
		}
	}

	filtered := make([]scoredLabel, 0, len(scores))
	for label, score := range scores {
		if score > threshold {
			filtered = append(filtered, scoredLabel{label, score})
		}
	}
	sortByScore(filtered)

	if len(filtered) == 0 && len(scores) > 0 {
		limit := topN
		if limit <= 0 {
			limit = fallbackSceneCount
		}
		for label, score := range scores {
			filtered = append(filtered, scoredLabel{label, score})
		}
		sortByScore(filtered)
		if len(filtered) > limit {
			filtered = filtered[:limit]
		}
		p.log.Info("No scenes above threshold, returning top anyway",
			"threshold", threshold, "limit", limit)
	}

	rounded := make(map[string]float64, len(filtered))
	for _, entry := range filtered {
		rounded[entry.label] = round4(entry.score)
	}
	return &providers.SceneResult{
		Scene:      scene,
		Confidence: round4(confidence),
		Scores:     rounded,
	}, nil
}
