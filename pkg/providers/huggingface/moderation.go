package huggingface

import (
	"context"
	"log/slog"
	"strings"

	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/providers"
)

// Label vocabularies compared after normalization (lowercase, underscores
// replaced with spaces).
var (
	nsfwLabels = map[string]struct{}{
		"nsfw": {}, "unsafe": {}, "porn": {}, "hentai": {}, "sexy": {},
	}
	safeLabels = map[string]struct{}{
		"normal": {}, "safe": {}, "sfw": {}, "neutral": {}, "drawings": {},
	}
)

// unsafeThreshold is the NSFW score above which content is never safe.
const unsafeThreshold = 0.45

// ModerationProvider classifies content via an image-classification
// endpoint.
type ModerationProvider struct {
	client *Client
	log    *slog.Logger
}

// NewModerationProvider builds the moderation provider from endpoint
// settings.
func NewModerationProvider(cfg config.Provider, log *slog.Logger) *ModerationProvider {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("provider", PlatformName, "task", providers.TaskModeration)
	if cfg.APIURL == "" {
		log.Warn("HF_MODERATION_API_URL / HF_API_URL not configured")
	} else {
		log.Info("Moderation endpoint configured", "url", cfg.APIURL)
	}
	return &ModerationProvider{client: NewClient(cfg, log), log: log}
}

func normalizeLabel(label string) string {
	return strings.TrimSpace(strings.ReplaceAll(strings.ToLower(label), "_", " "))
}

// Analyze runs moderation on image. Safety requires the NSFW score below
// the threshold and a SAFE-set label outscoring it, so an empty response
// is never safe.
func (p *ModerationProvider) Analyze(ctx context.Context, image []byte) (*providers.ModerationResult, error) {
	raw, err := p.client.PostImageBinary(ctx, image)
	if err != nil {
		return nil, err
	}
	scores := labelScores(raw)

	var nsfwScore, safeScore float64
	for label, score := range scores {
		normalized := normalizeLabel(label)
		if _, ok := nsfwLabels[normalized]; ok && score > nsfwScore {
			nsfwScore = score
		}
		if _, ok := safeLabels[normalized]; ok && score > safeScore {
			safeScore = score
		}
	}
	isSafe := nsfwScore < unsafeThreshold && safeScore > nsfwScore

	topLabel, confidence := "unknown", 0.0
	rounded := make(map[string]float64, len(scores))
	first := true
	for label, score := range scores {
		rounded[label] = round4(score)
		if first || score > confidence {
			topLabel, confidence = label, score
			first = false
		}
	}

	return &providers.ModerationResult{
		IsSafe:     isSafe,
		Confidence: round4(confidence),
		Scores:     rounded,
		TopLabel:   topLabel,
	}, nil
}
