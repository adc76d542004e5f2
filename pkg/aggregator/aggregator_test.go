package aggregator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/messages"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Aggregator {
	return config.Aggregator{
		Worker: config.Worker{
			PodID:        "test-pod",
			StreamMaxLen: 1000,
		},
		Wait:         200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func testWorker(t *testing.T, cfg config.Aggregator) (*Worker, *redis.Client, *bus.Publisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	publisher := bus.NewPublisher(client, cfg.StreamMaxLen, testLogger())
	return New(client, publisher, cfg, testLogger()), client, publisher
}

// publishInsight appends a per-media result the way the analysis workers do.
func publishInsight(t *testing.T, publisher *bus.Publisher, msg messages.InsightResult) {
	t.Helper()
	_, err := publisher.Publish(context.Background(), messages.StreamMLInsightsResults, msg.Fields())
	require.NoError(t, err)
}

func publishFaces(t *testing.T, publisher *bus.Publisher, msg messages.FaceResult) {
	t.Helper()
	_, err := publisher.Publish(context.Background(), messages.StreamFaceDetectionResults, msg.Fields())
	require.NoError(t, err)
}

// publishAllServices appends one complete set of required-service results
// for a media id, plus a face result.
func publishAllServices(t *testing.T, publisher *bus.Publisher, postID, mediaID string) {
	t.Helper()
	safe := true
	conf := 0.9
	publishInsight(t, publisher, messages.InsightResult{
		MediaID: mediaID, PostID: postID,
		Service: messages.ServiceModeration,
		IsSafe:  &safe, ModerationConfidence: &conf,
		Version: messages.SchemaVersion,
	})
	publishInsight(t, publisher, messages.InsightResult{
		MediaID: mediaID, PostID: postID,
		Service: messages.ServiceTagging,
		Tags:    []string{"beach", "people"},
		Version: messages.SchemaVersion,
	})
	publishInsight(t, publisher, messages.InsightResult{
		MediaID: mediaID, PostID: postID,
		Service: messages.ServiceSceneRecognition,
		Scenes:  []string{"beach", "outdoor"},
		Version: messages.SchemaVersion,
	})
	publishInsight(t, publisher, messages.InsightResult{
		MediaID: mediaID, PostID: postID,
		Service: messages.ServiceImageCaptioning,
		Caption: "friends at the shore",
		Version: messages.SchemaVersion,
	})
	publishFaces(t, publisher, messages.FaceResult{
		MediaID: mediaID, PostID: postID,
		FacesDetected: 2,
		Faces:         []messages.Face{{FaceID: "f1", BBox: []int{1, 2, 3, 4}, Confidence: 0.9}},
		Version:       messages.SchemaVersion,
	})
}

func enrichedEntries(t *testing.T, client *redis.Client) []map[string]string {
	t.Helper()
	msgs, err := client.XRange(context.Background(), messages.StreamInsightsEnriched, "-", "+").Result()
	require.NoError(t, err)
	out := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			values[k] = v.(string)
		}
		out = append(out, values)
	}
	return out
}

func triggerFields(postID string, extra map[string]any) map[string]any {
	fields := map[string]any{
		"postId":        postID,
		"correlationId": "corr-9",
		"version":       messages.SchemaVersion,
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

func TestAggregatesCompletePost(t *testing.T) {
	w, client, publisher := testWorker(t, testConfig())
	publishAllServices(t, publisher, "post-1", "media-1")

	start := time.Now()
	err := w.Process(context.Background(), "1-0", triggerFields("post-1", map[string]any{
		"allMediaIds": []any{"media-1"},
	}))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "complete post should not wait out the deadline")

	entries := enrichedEntries(t, client)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, "post-1", got["postId"])
	assert.Equal(t, "1", got["mediaCount"])
	assert.Equal(t, "2", got["totalFaces"])
	assert.Equal(t, "true", got["isSafe"])
	assert.Equal(t, "0.9", got["moderationConfidence"])
	assert.Equal(t, "friends at the shore", got["combinedCaption"])
	assert.Equal(t, "false", got["hasMultipleImages"])
	assert.Equal(t, "corr-9", got["correlationId"])
	assert.Equal(t, messages.SchemaVersion, got["version"])
	assert.NotEmpty(t, got["timestamp"])

	var tags []string
	require.NoError(t, json.Unmarshal([]byte(got["aggregatedTags"]), &tags))
	assert.Equal(t, []string{"beach", "people"}, tags)
	var scenes []string
	require.NoError(t, json.Unmarshal([]byte(got["allAiScenes"]), &scenes))
	assert.Equal(t, []string{"beach", "outdoor"}, scenes)
}

func TestWaitsOutDeadlineWhenIncomplete(t *testing.T) {
	cfg := testConfig()
	cfg.Wait = 150 * time.Millisecond
	w, client, publisher := testWorker(t, cfg)

	// Only one of the two expected media ever reports.
	publishAllServices(t, publisher, "post-1", "media-1")

	start := time.Now()
	err := w.Process(context.Background(), "1-0", triggerFields("post-1", map[string]any{
		"allMediaIds": []any{"media-1", "media-2"},
	}))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "incomplete post should wait for the deadline")

	entries := enrichedEntries(t, client)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0]["mediaCount"])
}

func TestBufferedResultsServeLaterTriggers(t *testing.T) {
	w, client, publisher := testWorker(t, testConfig())

	// Results for both posts arrive before either trigger.
	publishAllServices(t, publisher, "post-1", "media-1")
	publishAllServices(t, publisher, "post-2", "media-2")

	require.NoError(t, w.Process(context.Background(), "1-0", triggerFields("post-1", map[string]any{
		"allMediaIds": []any{"media-1"},
	})))
	// post-2's entries were drained and buffered while handling post-1.
	require.NoError(t, w.Process(context.Background(), "2-0", triggerFields("post-2", map[string]any{
		"allMediaIds": []any{"media-2"},
	})))

	entries := enrichedEntries(t, client)
	require.Len(t, entries, 2)
	assert.Equal(t, "post-1", entries[0]["postId"])
	assert.Equal(t, "post-2", entries[1]["postId"])
	assert.Equal(t, "2", entries[1]["totalFaces"])
}

func TestSeedOnlyTriggerSkipsPolling(t *testing.T) {
	cfg := testConfig()
	cfg.Wait = time.Second
	w, client, _ := testWorker(t, cfg)

	start := time.Now()
	err := w.Process(context.Background(), "1-0", triggerFields("post-1", map[string]any{
		"mediaInsights": []any{
			map[string]any{"mediaId": "m1", "tags": `["food"]`, "caption": "dinner"},
		},
	}))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond, "no expectations means a single drain pass")

	entries := enrichedEntries(t, client)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0]["mediaCount"])
	assert.Equal(t, "dinner", entries[0]["combinedCaption"])
}

func TestTotalMediaCompleteness(t *testing.T) {
	w, client, publisher := testWorker(t, testConfig())
	publishAllServices(t, publisher, "post-1", "media-1")

	err := w.Process(context.Background(), "1-0", triggerFields("post-1", map[string]any{
		"totalMedia": "1",
	}))
	require.NoError(t, err)

	entries := enrichedEntries(t, client)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0]["mediaCount"])
	assert.Equal(t, "true", entries[0]["isSafe"])
}

func TestTriggerWithoutPostIDFails(t *testing.T) {
	w, client, _ := testWorker(t, testConfig())

	err := w.Process(context.Background(), "1-0", map[string]any{"totalMedia": "1"})
	require.Error(t, err)
	assert.Empty(t, enrichedEntries(t, client))
}

func TestLLMSummarizesMultipleCaptions(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`[{"generated_text": " A lively beach day with friends. "}]`))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.UseLLMCaptions = true
	cfg.LLMAPIURL = srv.URL
	cfg.LLMAPIToken = "llm-token"
	cfg.LLMTimeout = 5 * time.Second
	w, client, _ := testWorker(t, cfg)

	err := w.Process(context.Background(), "1-0", triggerFields("post-1", map[string]any{
		"mediaInsights": []any{
			map[string]any{"mediaId": "m1", "caption": "people on sand"},
			map[string]any{"mediaId": "m2", "caption": "a volleyball game"},
		},
	}))
	require.NoError(t, err)

	entries := enrichedEntries(t, client)
	require.Len(t, entries, 1)
	assert.Equal(t, "A lively beach day with friends.", entries[0]["combinedCaption"])

	assert.Equal(t, "Bearer llm-token", gotAuth)
	prompt, _ := gotBody["inputs"].(string)
	assert.Contains(t, prompt, "- people on sand\n- a volleyball game")
	assert.Contains(t, prompt, "Summary:")
	params, _ := gotBody["parameters"].(map[string]any)
	assert.Equal(t, float64(llmMaxNewTokens), params["max_new_tokens"])
}

func TestLLMFailureFallsBackToConcatenation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.UseLLMCaptions = true
	cfg.LLMAPIURL = srv.URL
	cfg.LLMAPIToken = "llm-token"
	cfg.LLMTimeout = 5 * time.Second
	w, client, _ := testWorker(t, cfg)

	err := w.Process(context.Background(), "1-0", triggerFields("post-1", map[string]any{
		"mediaInsights": []any{
			map[string]any{"mediaId": "m1", "caption": "one"},
			map[string]any{"mediaId": "m2", "caption": "two"},
			map[string]any{"mediaId": "m3", "caption": "three"},
			map[string]any{"mediaId": "m4", "caption": "four"},
		},
	}))
	require.NoError(t, err)

	entries := enrichedEntries(t, client)
	require.Len(t, entries, 1)
	assert.Equal(t, "one two three", entries[0]["combinedCaption"])
}
