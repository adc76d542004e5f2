package huggingface

import "math"

// round4 matches the upstream convention of reporting scores to four
// decimal places.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// labelScores flattens a classification response into {label: score}.
// Accepts a bare [{label, score}] list or the same list wrapped under
// "results".
func labelScores(result any) map[string]float64 {
	if m, ok := result.(map[string]any); ok {
		if wrapped, ok := m["results"]; ok {
			result = wrapped
		}
	}
	scores := map[string]float64{}
	list, ok := result.([]any)
	if !ok {
		return scores
	}
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		label, lok := entry["label"].(string)
		score, sok := entry["score"].(float64)
		if lok && sok {
			scores[label] = score
		}
	}
	return scores
}

// normalizeScores coerces the known scene response shapes into
// {label: score}: [{label, score}], {"results": [...]},
// {"labels": [...], "scores": [...]}, {"scenes": [...], "scores": [...]},
// and flat numeric maps.
func normalizeScores(result any) map[string]float64 {
	m, ok := result.(map[string]any)
	if !ok {
		return labelScores(result)
	}
	switch {
	case m["results"] != nil:
		return labelScores(m["results"])
	case m["labels"] != nil && m["scores"] != nil:
		return zipScores(m["labels"], m["scores"])
	case m["scenes"] != nil && m["scores"] != nil:
		return zipScores(m["scenes"], m["scores"])
	default:
		scores := map[string]float64{}
		for k, v := range m {
			if f, ok := v.(float64); ok {
				scores[k] = f
			}
		}
		return scores
	}
}

func zipScores(labels, scores any) map[string]float64 {
	labelList, _ := labels.([]any)
	scoreList, _ := scores.([]any)
	out := map[string]float64{}
	for i := 0; i < len(labelList) && i < len(scoreList); i++ {
		label, lok := labelList[i].(string)
		score, sok := scoreList[i].(float64)
		if lok && sok {
			out[label] = score
		}
	}
	return out
}

// extractCaption pulls generated_text from list- or object-shaped
// image-to-text responses.
func extractCaption(result any) string {
	switch v := result.(type) {
	case []any:
		if len(v) == 0 {
			return ""
		}
		if entry, ok := v[0].(map[string]any); ok {
			if text, ok := entry["generated_text"].(string); ok {
				return text
			}
		}
	case map[string]any:
		if text, ok := v["generated_text"].(string); ok {
			return text
		}
	}
	return ""
}

// stringOr returns v as a string, or def when absent or mistyped.
func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// floatOr returns v as a float64, or def when absent or mistyped.
func floatOr(v any, def float64) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return def
}

// intSlice coerces a JSON number array into ints. Always non-nil so the
// value serializes as [] rather than null downstream.
func intSlice(v any) []int {
	out := []int{}
	list, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		if f, ok := item.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}

// floatSlice coerces a JSON number array into float64s. Always non-nil.
func floatSlice(v any) []float64 {
	out := []float64{}
	list, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range list {
		if f, ok := item.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}
