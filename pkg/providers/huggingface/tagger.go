package huggingface

import (
	"context"
	"log/slog"
	"sort"

	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/providers"
)

// imageTags is the zero-shot candidate vocabulary for tagging.
var imageTags = []string{
	"person", "people", "face", "car", "vehicle", "building", "architecture",
	"tree", "nature", "sky", "water", "beach", "mountain", "forest",
	"food", "animal", "dog", "cat", "bird", "indoor", "outdoor",
	"city", "street", "road", "sunset", "sunrise", "night", "day",
}

// TaggerProvider tags images via a zero-shot classification endpoint.
type TaggerProvider struct {
	client *Client
	log    *slog.Logger
}

// NewTaggerProvider builds the tagging provider from endpoint settings.
func NewTaggerProvider(cfg config.Provider, log *slog.Logger) *TaggerProvider {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("provider", PlatformName, "task", providers.TaskTagging)
	if cfg.APIURL == "" {
		log.Warn("HF_TAGGER_API_URL / HF_API_URL not configured")
	} else {
		log.Info("Tagger endpoint configured", "url", cfg.APIURL)
	}
	return &TaggerProvider{client: NewClient(cfg, log), log: log}
}

type scoredLabel struct {
	label string
	score float64
}

func sortByScore(labels []scoredLabel) {
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].score != labels[j].score {
			return labels[i].score > labels[j].score
		}
		return labels[i].label < labels[j].label
	})
}

// Tag returns up to topN tags scoring above threshold. When scores exist
// but none clears the threshold, the top N come back anyway.
func (p *TaggerProvider) Tag(ctx context.Context, image []byte, topN int, threshold float64) (*providers.TaggingResult, error) {
	raw, err := p.client.PostZeroShot(ctx, image, imageTags)
	if err != nil {
		return nil, err
	}
	scores := labelScores(raw)

	kept := make([]scoredLabel, 0, len(scores))
	for tag, score := range scores {
		if score > threshold {
			kept = append(kept, scoredLabel{tag, score})
		}
	}
	sortByScore(kept)
	if len(kept) > topN {
		kept = kept[:topN]
	}

	if len(kept) == 0 && len(scores) > 0 {
		for tag, score := range scores {
			kept = append(kept, scoredLabel{tag, score})
		}
		sortByScore(kept)
		if len(kept) > topN {
			kept = kept[:topN]
		}
		p.log.Info("No tags above threshold, returning top anyway",
			"threshold", threshold, "top_n", topN)
	}

	result := &providers.TaggingResult{
		Tags:   make([]string, 0, len(kept)),
		Scores: make(map[string]float64, len(kept)),
	}
	for _, entry := range kept {
		result.Tags = append(result.Tags, entry.label)
		result.Scores[entry.label] = round4(entry.score)
	}
	return result, nil
}
