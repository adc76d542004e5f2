// Package e2e boots the whole enrichment pipeline in one process: five
// analysis workers, the post aggregator and the dead letter processor, all
// consuming from an in-memory bus and calling fake inference endpoints. Tests
// drive it purely over the wire, the way the producing services would.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/medialens/medialens/pkg/aggregator"
	"github.com/medialens/medialens/pkg/analysis"
	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/dlqproc"
	"github.com/medialens/medialens/pkg/messages"
	"github.com/medialens/medialens/pkg/providers/huggingface"
	"github.com/medialens/medialens/pkg/worker"
)

// Pipeline is a complete in-process deployment wired to one miniredis
// instance. Client and Publisher act as the upstream posting service.
type Pipeline struct {
	Client    *redis.Client
	Publisher *bus.Publisher

	// ImagesURL is the base URL of the fake image host.
	ImagesURL string

	cancel context.CancelFunc
	group  *errgroup.Group
}

type options struct {
	failModeration bool
	dlqAutoRetry   bool
}

// Option adjusts the pipeline before it starts.
type Option func(*options)

// WithFailingModeration makes the fake moderation endpoint answer 500 on
// every call, driving image jobs into the dead letter queue.
func WithFailingModeration() Option {
	return func(o *options) { o.failModeration = true }
}

// WithDLQAutoRetry lets the dead letter processor republish failed jobs to
// the image job stream.
func WithDLQAutoRetry() Option {
	return func(o *options) { o.dlqAutoRetry = true }
}

// StartPipeline boots every worker and registers shutdown with t.Cleanup.
// Consumer groups start at the beginning of their streams, so tests may
// publish before the loops come up.
func StartPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	images := newImageServer(t)
	inference := newInferenceServer(t, o)

	// The fake hosts live on loopback, which the default URL policy rejects.
	t.Setenv("SSRF_CHECK_ENABLED", "false")
	t.Setenv("ALLOWED_IMAGE_DOMAINS", "127.0.0.1")
	t.Setenv("EMBEDDING_DIM", "4")

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	start := func(service, stream, group string, retry bool, build func(rt *worker.Runtime) worker.ProcessFunc) {
		rt, err := worker.New(ctx, service, workerConfig(mr.Addr(), "e2e-"+service), log)
		require.NoError(t, err)
		t.Cleanup(func() { _ = rt.Close() })

		var handler bus.Handler
		if retry {
			handler = rt.WithRetry(build(rt))
		} else {
			handler = rt.WithDrop(build(rt))
		}
		consumer := rt.Consumer(stream, group, handler)
		g.Go(func() error { return rt.Run(gctx, consumer.Run) })
	}

	endpoint := func(path string) config.Provider {
		return config.Provider{APIURL: inference.URL + path, Timeout: 5 * time.Second}
	}
	acfg := analysisConfig(mr.Addr())

	start("content-moderation", messages.StreamPostImageProcessing, messages.GroupContentModeration, true,
		func(rt *worker.Runtime) worker.ProcessFunc {
			p := huggingface.NewModerationProvider(endpoint("/moderation"), log)
			return analysis.NewModerationWorker(p, rt.Publisher, acfg, rt.Log).Process
		})
	start("image-tagger", messages.StreamPostImageProcessing, messages.GroupImageTagging, true,
		func(rt *worker.Runtime) worker.ProcessFunc {
			p := huggingface.NewTaggerProvider(endpoint("/tags"), log)
			return analysis.NewTaggingWorker(p, rt.Publisher, acfg, rt.Log).Process
		})
	start("scene-recognition", messages.StreamPostImageProcessing, messages.GroupSceneRecognition, true,
		func(rt *worker.Runtime) worker.ProcessFunc {
			p := huggingface.NewSceneProvider(endpoint("/scenes"), log)
			return analysis.NewSceneWorker(p, rt.Publisher, acfg, rt.Log).Process
		})
	start("image-captioning", messages.StreamPostImageProcessing, messages.GroupImageCaptioning, true,
		func(rt *worker.Runtime) worker.ProcessFunc {
			p := huggingface.NewCaptioningProvider(endpoint("/caption"), log)
			return analysis.NewCaptioningWorker(p, rt.Publisher, acfg, rt.Log).Process
		})
	start("face-recognition", messages.StreamPostImageProcessing, messages.GroupFaceDetection, true,
		func(rt *worker.Runtime) worker.ProcessFunc {
			p := huggingface.NewFaceProvider(endpoint("/faces"), log)
			return analysis.NewFacesWorker(p, rt.Publisher, acfg, rt.Log).Process
		})

	start("post-aggregator", messages.StreamAggregationTrigger, messages.GroupPostAggregator, false,
		func(rt *worker.Runtime) worker.ProcessFunc {
			cfg := config.Aggregator{
				Worker:       workerConfig(mr.Addr(), "e2e-post-aggregator"),
				Wait:         2 * time.Second,
				PollInterval: 20 * time.Millisecond,
			}
			return aggregator.New(rt.Client, rt.Publisher, cfg, rt.Log).Process
		})

	start("dlq-processor", messages.StreamDLQ, messages.GroupDLQProcessor, false,
		func(rt *worker.Runtime) worker.ProcessFunc {
			cfg := config.DLQProcessor{
				Worker:    workerConfig(mr.Addr(), "e2e-dlq-processor"),
				AutoRetry: o.dlqAutoRetry,
			}
			return dlqproc.New(rt.Publisher, cfg, rt.Log).Process
		})

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p := &Pipeline{
		Client:    client,
		Publisher: bus.NewPublisher(client, 1000, log),
		ImagesURL: images.URL,
		cancel:    cancel,
		group:     g,
	}
	t.Cleanup(func() { p.stop(t) })
	return p
}

func (p *Pipeline) stop(t *testing.T) {
	p.cancel()
	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err, "pipeline shutdown")
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not shut down within 10s")
	}
}

// PublishJob enqueues one image job; path is resolved against the fake
// image host.
func (p *Pipeline) PublishJob(t *testing.T, mediaID, postID, path string) {
	t.Helper()
	p.PublishJobURL(t, mediaID, postID, p.ImagesURL+path)
}

// PublishJobURL enqueues an image job pointing at an arbitrary URL.
func (p *Pipeline) PublishJobURL(t *testing.T, mediaID, postID, rawURL string) {
	t.Helper()
	job := messages.ImageJob{
		MediaID:       mediaID,
		PostID:        postID,
		MediaURL:      rawURL,
		CorrelationID: "corr-" + mediaID,
		Version:       messages.SchemaVersion,
	}
	_, err := p.Publisher.Publish(context.Background(), messages.StreamPostImageProcessing, job.Fields())
	require.NoError(t, err)
}

// PublishTrigger announces that every media item of a post has been
// submitted, the way the posting service does once an upload completes.
func (p *Pipeline) PublishTrigger(t *testing.T, postID string, mediaIDs []string, correlationID string) {
	t.Helper()
	fields := map[string]any{
		"postId":        postID,
		"allMediaIds":   mediaIDs,
		"totalMedia":    len(mediaIDs),
		"correlationId": correlationID,
		"timestamp":     messages.Timestamp(time.Now()),
		"version":       messages.SchemaVersion,
	}
	_, err := p.Publisher.Publish(context.Background(), messages.StreamAggregationTrigger, fields)
	require.NoError(t, err)
}

// Entries returns the raw fields of every entry on stream, oldest first.
// Errors yield an empty result so the helper can poll inside Eventually.
func (p *Pipeline) Entries(stream string) []map[string]string {
	msgs, err := p.Client.XRange(context.Background(), stream, "-", "+").Result()
	if err != nil {
		return nil
	}
	out := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		out = append(out, fields)
	}
	return out
}

// StreamLen returns the number of entries on stream, -1 on error.
func (p *Pipeline) StreamLen(stream string) int64 {
	n, err := p.Client.XLen(context.Background(), stream).Result()
	if err != nil {
		return -1
	}
	return n
}

// CountByMedia returns how many entries on stream carry the given mediaId.
func (p *Pipeline) CountByMedia(stream, mediaID string) int {
	count := 0
	for _, e := range p.Entries(stream) {
		if e["mediaId"] == mediaID {
			count++
		}
	}
	return count
}

// workerConfig tunes the shared worker settings for fast in-memory runs.
// HealthPort 0 binds an ephemeral port so the runtimes never collide.
func workerConfig(addr, pod string) config.Worker {
	return config.Worker{
		RedisURL:             "redis://" + addr,
		HealthPort:           0,
		PodID:                pod,
		MaxRetries:           1,
		InitialRetryDelay:    10 * time.Millisecond,
		MaxRetryDelay:        50 * time.Millisecond,
		BackoffMultiplier:    2.0,
		BlockTimeout:         100 * time.Millisecond,
		BatchCount:           1,
		PendingIdle:          time.Minute,
		PendingCheckInterval: time.Minute,
		MaxClaimFailures:     3,
		StreamMaxLen:         1000,
	}
}

func analysisConfig(addr string) config.Analysis {
	return config.Analysis{
		Worker:          workerConfig(addr, "e2e-analysis"),
		DownloadTimeout: 5 * time.Second,
		TagTopN:         5,
		TagThreshold:    0.05,
		SceneThreshold:  0.01,
		EmbeddingDim:    4,
	}
}

// newImageServer serves deterministic bytes per path so the caption fake can
// tell media apart by body content.
func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = io.WriteString(w, "jpegdata:"+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newInferenceServer fakes the five model endpoints with fixed predictions:
// a safe beach scene with people and one face per image.
func newInferenceServer(t *testing.T, o options) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/moderation", func(w http.ResponseWriter, r *http.Request) {
		if o.failModeration {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"model exploded"}`)
			return
		}
		writeJSON(w, []map[string]any{
			{"label": "normal", "score": 0.97},
			{"label": "nsfw", "score": 0.03},
		})
	})
	mux.HandleFunc("/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"label": "beach", "score": 0.91},
			{"label": "people", "score": 0.84},
			{"label": "sunset", "score": 0.42},
		})
	})
	mux.HandleFunc("/scenes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"label": "beach", "score": 0.88},
			{"label": "outdoor", "score": 0.75},
		})
	})
	mux.HandleFunc("/caption", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		caption := "a quiet beach at dusk"
		if strings.Contains(string(body), "/media-2") {
			caption = "friends playing beach volleyball"
		}
		writeJSON(w, []map[string]any{{"generated_text": caption}})
	})
	mux.HandleFunc("/faces", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"faces": []map[string]any{{
				"face_id":    "face-1",
				"bbox":       []float64{5, 5, 60, 60},
				"embedding":  []float64{0.1, 0.2, 0.3, 0.4},
				"confidence": 0.93,
			}},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
