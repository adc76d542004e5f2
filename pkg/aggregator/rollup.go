package aggregator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/medialens/medialens/pkg/messages"
)

// eventPattern scores one candidate event type for a post. Matching tags
// weigh double; minImages gates the pattern entirely.
type eventPattern struct {
	name      string
	minImages int
	tags      []string
	scenes    []string
}

// eventPatterns are evaluated in order; score ties resolve to the earlier
// entry.
var eventPatterns = []eventPattern{
	{name: "beach_party", minImages: 2, tags: []string{"beach", "people"}, scenes: []string{"beach", "outdoor"}},
	{name: "wedding", minImages: 3, tags: []string{"people", "formal"}, scenes: []string{"indoor", "outdoor"}},
	{name: "meeting", minImages: 2, tags: []string{"people", "indoor"}, scenes: []string{"office", "indoor"}},
	{name: "concert", minImages: 2, tags: []string{"people", "music"}, scenes: []string{"indoor", "outdoor"}},
	{name: "vacation", minImages: 3, scenes: []string{"beach", "mountains", "outdoor"}},
	{name: "restaurant", minImages: 2, tags: []string{"food", "people"}, scenes: []string{"restaurant", "indoor"}},
	{name: "outdoor_activity", minImages: 2, scenes: []string{"outdoor", "nature", "mountains", "forest"}},
	{name: "indoor_gathering", minImages: 3, tags: []string{"people"}, scenes: []string{"indoor"}},
}

// Rollup is the post-level aggregation of per-media insights.
type Rollup struct {
	MediaCount           int
	AllTags              []string
	AllScenes            []string
	TopTags              []string
	TopScenes            []string
	Captions             []string
	TotalFaces           int
	IsSafe               bool
	ModerationConfidence float64
	EventType            string
}

// aggregate folds per-media insight records into the post-level rollup.
// List fields may arrive decoded or still JSON-encoded.
func aggregate(insights []map[string]any) Rollup {
	roll := Rollup{
		MediaCount:           len(insights),
		IsSafe:               true,
		ModerationConfidence: 1.0,
	}

	for _, insight := range insights {
		roll.AllTags = append(roll.AllTags, jsonList(insight, "tags")...)
		roll.AllScenes = append(roll.AllScenes, jsonList(insight, "scenes")...)
		if caption := messages.StringField(insight, "caption"); caption != "" {
			roll.Captions = append(roll.Captions, caption)
		}
		if faces, ok := messages.IntField(insight, "facesDetected"); ok {
			roll.TotalFaces += faces
		}
		if messages.HasField(insight, "isSafe") {
			roll.IsSafe = roll.IsSafe && messages.BoolField(insight, "isSafe")
		}
		if conf, ok := messages.FloatField(insight, "moderationConfidence"); ok && conf < roll.ModerationConfidence {
			roll.ModerationConfidence = conf
		}
	}

	roll.TopTags = topByFrequency(roll.AllTags, 10)
	roll.TopScenes = topByFrequency(roll.AllScenes, 5)
	roll.EventType = detectEventType(roll.TopTags, roll.TopScenes, roll.MediaCount)
	return roll
}

// jsonList reads a list field that may still be a JSON-encoded string.
func jsonList(fields map[string]any, key string) []string {
	if s, ok := fields[key].(string); ok {
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil
		}
		return out
	}
	return messages.StringSliceField(fields, key)
}

// topByFrequency returns the n most frequent values, ties resolved by
// first appearance.
func topByFrequency(values []string, n int) []string {
	if len(values) == 0 {
		return nil
	}
	counts := make(map[string]int, len(values))
	var order []string
	for _, v := range values {
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > n {
		order = order[:n]
	}
	return order
}

// detectEventType scores every pattern against the aggregated tags and
// scenes. The highest positive score wins; no positive score means a
// general post.
func detectEventType(tags, scenes []string, mediaCount int) string {
	tagSet := lowerSet(tags)
	sceneSet := lowerSet(scenes)

	best, bestScore := "general", 0
	for _, p := range eventPatterns {
		if mediaCount < p.minImages {
			continue
		}
		score := 0
		for _, tag := range p.tags {
			if _, ok := tagSet[tag]; ok {
				score += 2
			}
		}
		for _, scene := range p.scenes {
			if _, ok := sceneSet[scene]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = p.name, score
		}
	}
	return best
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}

// fallbackCaption synthesizes a caption from the aggregates when no media
// carried one.
func fallbackCaption(tags, scenes []string) string {
	short := tags
	if len(short) > 3 {
		short = short[:3]
	}
	switch {
	case len(tags) > 0 && len(scenes) > 0:
		return fmt.Sprintf("A post featuring %s in a %s setting", strings.Join(short, ", "), scenes[0])
	case len(tags) > 0:
		return fmt.Sprintf("A post about %s", strings.Join(short, ", "))
	case len(scenes) > 0:
		return fmt.Sprintf("A %s scene", scenes[0])
	default:
		return "A visual post"
	}
}
