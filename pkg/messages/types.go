package messages

import (
	"strconv"
	"strings"
	"time"
)

// Timestamp formats t in the wire form used on result streams:
// ISO8601 UTC with microseconds and a trailing Z.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

// ImageJob is the unit of work on post-image-processing.
type ImageJob struct {
	MediaID       string
	PostID        string
	MediaURL      string
	CorrelationID string
	Version       string
}

// ImageJobFromFields decodes an image job from bus entry fields.
func ImageJobFromFields(fields map[string]any) ImageJob {
	return ImageJob{
		MediaID:       StringField(fields, "mediaId"),
		PostID:        StringField(fields, "postId"),
		MediaURL:      StringField(fields, "mediaUrl"),
		CorrelationID: StringField(fields, "correlationId"),
		Version:       StringField(fields, "version"),
	}
}

// Valid reports whether the job carries the required identifiers.
func (j ImageJob) Valid() bool {
	return j.MediaID != "" && j.MediaURL != ""
}

// Fields returns the wire representation of the job.
func (j ImageJob) Fields() map[string]any {
	return map[string]any{
		"mediaId":       j.MediaID,
		"postId":        j.PostID,
		"mediaUrl":      j.MediaURL,
		"correlationId": j.CorrelationID,
		"version":       j.Version,
	}
}

// InsightResult is a per-image analysis result on ml-insights-results.
// Exactly one of the task-specific payload groups is set, selected by Service.
type InsightResult struct {
	MediaID string
	PostID  string
	Service string

	IsSafe               *bool
	ModerationConfidence *float64
	Tags                 []string
	Scenes               []string
	Caption              string

	Timestamp     string
	CorrelationID string
	Version       string
}

// Fields returns the wire representation, omitting unset payload groups.
func (r InsightResult) Fields() map[string]any {
	f := map[string]any{
		"mediaId":   r.MediaID,
		"postId":    r.PostID,
		"service":   r.Service,
		"timestamp": r.Timestamp,
		"version":   r.Version,
	}
	if r.CorrelationID != "" {
		f["correlationId"] = r.CorrelationID
	}
	if r.IsSafe != nil {
		f["isSafe"] = *r.IsSafe
	}
	if r.ModerationConfidence != nil {
		f["moderationConfidence"] = *r.ModerationConfidence
	}
	if r.Tags != nil {
		f["tags"] = r.Tags
	}
	if r.Scenes != nil {
		f["scenes"] = r.Scenes
	}
	if r.Caption != "" {
		f["caption"] = r.Caption
	}
	return f
}

// Face is a single detected face. JSON tags define the wire shape inside the
// JSON-encoded faces field.
type Face struct {
	FaceID     string    `json:"faceId"`
	BBox       []int     `json:"bbox"`
	Embedding  []float64 `json:"embedding"`
	Confidence float64   `json:"confidence"`
}

// FaceResult is an entry on face-detection-results.
type FaceResult struct {
	MediaID       string
	PostID        string
	FacesDetected int
	Faces         []Face
	Timestamp     string
	CorrelationID string
	Version       string
}

// Fields returns the wire representation. facesDetected travels as a string
// and faces as a JSON array, matching the existing consumers.
func (r FaceResult) Fields() map[string]any {
	faces := r.Faces
	if faces == nil {
		faces = []Face{}
	}
	f := map[string]any{
		"mediaId":       r.MediaID,
		"postId":        r.PostID,
		"facesDetected": strconv.Itoa(r.FacesDetected),
		"faces":         faces,
		"timestamp":     r.Timestamp,
		"version":       r.Version,
	}
	if r.CorrelationID != "" {
		f["correlationId"] = r.CorrelationID
	}
	return f
}

// AggregationTrigger is an entry on post-aggregation-trigger. At least one of
// AllMediaIDs or TotalMedia must be set for completeness detection; both may
// be absent, in which case the aggregator does a single drain pass.
type AggregationTrigger struct {
	PostID        string
	MediaInsights []map[string]any
	AllMediaIDs   []string
	TotalMedia    int
	CorrelationID string
	Version       string
}

// TriggerFromFields decodes a trigger from bus entry fields. allMediaIds is
// accepted either as a JSON array or as a comma-separated list.
func TriggerFromFields(fields map[string]any) AggregationTrigger {
	t := AggregationTrigger{
		PostID:        StringField(fields, "postId"),
		AllMediaIDs:   mediaIDList(fields, "allMediaIds"),
		CorrelationID: StringField(fields, "correlationId"),
		Version:       StringField(fields, "version"),
	}
	if n, ok := IntField(fields, "totalMedia"); ok {
		t.TotalMedia = n
	}
	if seed, ok := fields["mediaInsights"].([]any); ok {
		for _, item := range seed {
			if m, ok := item.(map[string]any); ok {
				t.MediaInsights = append(t.MediaInsights, m)
			}
		}
	}
	return t
}

func mediaIDList(fields map[string]any, key string) []string {
	switch v := fields[key].(type) {
	case []any, []string:
		return StringSliceField(fields, key)
	case string:
		var ids []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ids = append(ids, part)
			}
		}
		return ids
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	}
	return nil
}

// EnrichedPost is the aggregator's output on post-insights-enriched.
type EnrichedPost struct {
	PostID               string
	MediaCount           int
	AllAiTags            []string
	AllAiScenes          []string
	AggregatedTags       []string
	AggregatedScenes     []string
	TotalFaces           int
	IsSafe               bool
	ModerationConfidence float64
	InferredEventType    string
	CombinedCaption      string
	HasMultipleImages    bool
	Timestamp            string
	CorrelationID        string
	Version              string
}

// Fields returns the wire representation. List fields are never nil so that
// downstream consumers always see a JSON array.
func (p EnrichedPost) Fields() map[string]any {
	return map[string]any{
		"postId":               p.PostID,
		"mediaCount":           strconv.Itoa(p.MediaCount),
		"allAiTags":            emptyIfNil(p.AllAiTags),
		"allAiScenes":          emptyIfNil(p.AllAiScenes),
		"aggregatedTags":       emptyIfNil(p.AggregatedTags),
		"aggregatedScenes":     emptyIfNil(p.AggregatedScenes),
		"totalFaces":           strconv.Itoa(p.TotalFaces),
		"isSafe":               p.IsSafe,
		"moderationConfidence": p.ModerationConfidence,
		"inferredEventType":    p.InferredEventType,
		"combinedCaption":      p.CombinedCaption,
		"hasMultipleImages":    p.HasMultipleImages,
		"timestamp":            p.Timestamp,
		"correlationId":        p.CorrelationID,
		"version":              p.Version,
	}
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// SyncEvent is an entry on es-sync-queue.
type SyncEvent struct {
	IndexType  string
	DocumentID string
	Operation  string
	Version    string
}

// SyncEventFromFields decodes a sync event; operation defaults to "index".
func SyncEventFromFields(fields map[string]any) SyncEvent {
	e := SyncEvent{
		IndexType:  StringField(fields, "indexType"),
		DocumentID: StringField(fields, "documentId"),
		Operation:  StringField(fields, "operation"),
		Version:    StringField(fields, "version"),
	}
	if e.Operation == "" {
		e.Operation = "index"
	}
	return e
}

// DLQEntry is the dead-letter envelope written by any worker whose retry
// budget is exhausted. OriginalData must round-trip so the DLQ processor can
// re-emit it.
type DLQEntry struct {
	OriginalMessageID string
	OriginalData      map[string]any
	Service           string
	Error             string
	ErrorType         string
	RetryCount        int
	Timestamp         float64
	Version           string
}

// Fields returns the wire representation of the envelope.
func (e DLQEntry) Fields() map[string]any {
	data := e.OriginalData
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"originalMessageId": e.OriginalMessageID,
		"originalData":      data,
		"service":           e.Service,
		"error":             e.Error,
		"errorType":         e.ErrorType,
		"retryCount":        strconv.Itoa(e.RetryCount),
		"timestamp":         e.Timestamp,
		"version":           e.Version,
	}
}

// DLQEntryFromFields decodes a dead-letter envelope.
func DLQEntryFromFields(fields map[string]any) DLQEntry {
	e := DLQEntry{
		OriginalMessageID: StringField(fields, "originalMessageId"),
		Service:           StringField(fields, "service"),
		Error:             StringField(fields, "error"),
		ErrorType:         StringField(fields, "errorType"),
		Version:           StringField(fields, "version"),
	}
	if n, ok := IntField(fields, "retryCount"); ok {
		e.RetryCount = n
	}
	if ts, ok := FloatField(fields, "timestamp"); ok {
		e.Timestamp = ts
	}
	if data, ok := fields["originalData"].(map[string]any); ok {
		e.OriginalData = data
	}
	return e
}
