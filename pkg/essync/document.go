package essync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// The search store expects timestamps as uuuu-MM-dd'T'HH:mm:ss.SSSSSS in UTC
// without a zone suffix.
const searchTimeLayout = "2006-01-02T15:04:05.000000"

// timestampColumns are the row columns rendered in the search time layout.
var timestampColumns = map[string]struct{}{
	"created_at":       {},
	"updated_at":       {},
	"last_modified_at": {},
	"processed_at":     {},
}

// vectorFields get a final coercion pass so a vector that survived mapping
// as a JSON string still reaches the index as a numeric array.
var vectorFields = []string{"embedding", "imageEmbedding", "textEmbedding", "faceEmbedding"}

// BuildDocument turns a read-model row into its search document: snake_case
// columns become camelCase fields, timestamps are normalized, embedding
// strings are parsed to arrays and bbox elements are coerced to ints.
func BuildDocument(row map[string]any) map[string]any {
	doc := make(map[string]any, len(row))
	for key, value := range row {
		doc[snakeToCamel(key)] = convertValue(key, value)
	}
	for _, field := range vectorFields {
		if v, ok := doc[field]; ok {
			doc[field] = parseVector(v)
		}
	}
	return doc
}

func convertValue(key string, value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		if key == "bbox" {
			return intList(v)
		}
		return v
	case bool, int, int32, int64, float32, float64:
		return v
	case time.Time:
		return v.UTC().Format(searchTimeLayout)
	case string:
		if _, ok := timestampColumns[key]; ok {
			return normalizeTimeString(v)
		}
		if key == "bbox" {
			var parsed []any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				return intList(parsed)
			}
			return v
		}
		if strings.Contains(strings.ToLower(key), "embedding") {
			var parsed []any
			if err := json.Unmarshal([]byte(v), &parsed); err == nil {
				return parsed
			}
			return v
		}
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// timeStringLayouts cover the shapes timestamp text arrives in: space or T
// separated, with or without fraction and zone.
var timeStringLayouts = []string{
	"2006-01-02 15:04:05.999999Z07:00",
	"2006-01-02 15:04:05.999999",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
}

// normalizeTimeString re-renders a textual timestamp in the search layout.
// Naive values are taken as UTC; an unparseable value passes through.
func normalizeTimeString(value string) string {
	for _, layout := range timeStringLayouts {
		ts, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		return ts.UTC().Format(searchTimeLayout)
	}
	return value
}

// parseVector coerces a vector payload to a numeric array. Strings carry
// JSON; anything unparseable becomes nil rather than poisoning the index
// mapping.
func parseVector(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	case string:
		if v == "" {
			return nil
		}
		var parsed []any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return nil
		}
		return parsed
	default:
		return nil
	}
}

func intList(values []any) []int {
	out := make([]int, 0, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		case int64:
			out = append(out, int(n))
		}
	}
	return out
}

func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(strings.ToLower(p[1:]))
	}
	return b.String()
}
