package essync

import "sort"

// indexTarget pairs a read-model table with the search index it feeds.
type indexTarget struct {
	table string
	index string
}

// indexTargets maps the indexType carried on sync events to its target.
var indexTargets = map[string]indexTarget{
	"media_search":        {"read_model_media_search", "media_search"},
	"post_search":         {"read_model_post_search", "post_search"},
	"user_search":         {"read_model_user_search", "user_search"},
	"face_search":         {"read_model_face_search", "face_search"},
	"recommendations_knn": {"read_model_recommendations_knn", "recommendations_knn"},
	"feed_personalized":   {"read_model_feed_personalized", "feed_personalized"},
	"known_faces_index":   {"read_model_known_faces", "known_faces_index"},
}

func knownIndexTypes() []string {
	types := make([]string, 0, len(indexTargets))
	for t := range indexTargets {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
