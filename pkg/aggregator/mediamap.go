package aggregator

import (
	"github.com/medialens/medialens/pkg/messages"
)

// serviceFace is the inferred service name for face-detection entries,
// which carry no service field of their own.
const serviceFace = "face"

// insightKeys are the fields a result entry may contribute to its media
// record. Later entries win.
var insightKeys = []string{
	"tags", "scenes", "caption", "isSafe", "moderationConfidence",
	"facesDetected", "faces", "mediaUrl", "timestamp",
}

// mediaMap accumulates per-media insight records in arrival order.
type mediaMap struct {
	order   []string
	records map[string]*mediaRecord
}

type mediaRecord struct {
	fields   map[string]any
	services map[string]struct{}
}

func newMediaMap() *mediaMap {
	return &mediaMap{records: map[string]*mediaRecord{}}
}

// merge folds one result entry into the record for its media id. Entries
// without a media id are ignored.
func (m *mediaMap) merge(entry map[string]any) {
	mediaID := messages.StringField(entry, "mediaId")
	if mediaID == "" {
		mediaID = messages.StringField(entry, "media_id")
	}
	if mediaID == "" {
		return
	}

	rec, ok := m.records[mediaID]
	if !ok {
		rec = &mediaRecord{
			fields:   map[string]any{"mediaId": mediaID},
			services: map[string]struct{}{},
		}
		m.records[mediaID] = rec
		m.order = append(m.order, mediaID)
	}

	service := messages.StringField(entry, "service")
	if service == "" && (messages.HasField(entry, "facesDetected") || messages.HasField(entry, "faces")) {
		service = serviceFace
	}
	if service != "" {
		rec.services[service] = struct{}{}
	}

	for _, key := range insightKeys {
		if value, ok := entry[key]; ok && value != nil && value != "" {
			rec.fields[key] = value
		}
	}
}

// complete reports whether every expected media id carries the full set of
// required services. With only a count expectation, the map must hold at
// least that many records, all complete. No expectation is never complete;
// the collect loop bounds that case itself.
func (m *mediaMap) complete(expect expectation) bool {
	var targets []string
	switch {
	case len(expect.mediaIDs) > 0:
		targets = expect.mediaIDs
	case expect.total > 0:
		if len(m.records) < expect.total {
			return false
		}
		targets = m.order
	default:
		return false
	}

	for _, mediaID := range targets {
		rec, ok := m.records[mediaID]
		if !ok {
			return false
		}
		if len(rec.missing(messages.RequiredServices)) > 0 {
			return false
		}
	}
	return true
}

// finalize returns the records in arrival order.
func (m *mediaMap) finalize() []map[string]any {
	out := make([]map[string]any, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].fields)
	}
	return out
}

// missing returns which of the given services this record has not seen.
func (r *mediaRecord) missing(services []string) []string {
	var out []string
	for _, s := range services {
		if _, ok := r.services[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
