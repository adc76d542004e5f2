package huggingface

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/httpclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProviderConfig(url string) config.Provider {
	return config.Provider{APIURL: url, APIToken: "test-token", Timeout: 5 * time.Second}
}

func classificationServer(t *testing.T, scores []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewEncoder(w).Encode(scores))
	}))
}

func TestClientColdStartRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": "Model is currently loading", "estimated_time": 0.01}`))
			return
		}
		_, _ = w.Write([]byte(`[{"label": "safe", "score": 0.9}]`))
	}))
	defer srv.Close()

	c := NewClient(testProviderConfig(srv.URL), testLogger())
	raw, err := c.PostImageBinary(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	scores := labelScores(raw)
	assert.InDelta(t, 0.9, scores["safe"], 1e-9)
}

func TestClientColdStartGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": "Model is currently loading", "estimated_time": 0.001}`))
	}))
	defer srv.Close()

	c := NewClient(testProviderConfig(srv.URL), testLogger())
	_, err := c.PostImageBinary(context.Background(), []byte("img"))
	require.Error(t, err)

	var httpErr *httpclient.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, int32(4), calls.Load(), "initial attempt plus three cold-start retries")
}

func TestClientPlain503IsNotColdStart(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`upstream overloaded`))
	}))
	defer srv.Close()

	c := NewClient(testProviderConfig(srv.URL), testLogger())
	_, err := c.PostImageBinary(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientNotConfigured(t *testing.T) {
	c := NewClient(config.Provider{Timeout: time.Second}, testLogger())
	_, err := c.PostImageBinary(context.Background(), []byte("img"))
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestZeroShotRequestShape(t *testing.T) {
	image := []byte("raw-image-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload struct {
			Inputs     string `json:"inputs"`
			Parameters struct {
				CandidateLabels []string `json:"candidate_labels"`
			} `json:"parameters"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, base64.StdEncoding.EncodeToString(image), payload.Inputs)
		assert.Equal(t, []string{"beach", "office"}, payload.Parameters.CandidateLabels)

		_, _ = w.Write([]byte(`[{"label": "beach", "score": 0.7}]`))
	}))
	defer srv.Close()

	c := NewClient(testProviderConfig(srv.URL), testLogger())
	raw, err := c.PostZeroShot(context.Background(), image, []string{"beach", "office"})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, labelScores(raw)["beach"], 1e-9)
}

func TestModerationSafe(t *testing.T) {
	srv := classificationServer(t, []map[string]any{
		{"label": "normal", "score": 0.97231},
		{"label": "nsfw", "score": 0.02769},
	})
	defer srv.Close()

	p := NewModerationProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Analyze(context.Background(), []byte("img"))
	require.NoError(t, err)

	assert.True(t, res.IsSafe)
	assert.Equal(t, "normal", res.TopLabel)
	assert.InDelta(t, 0.9723, res.Confidence, 1e-9, "confidence rounds to 4 decimals")
	assert.InDelta(t, 0.0277, res.Scores["nsfw"], 1e-9)
}

func TestModerationUnsafeAboveThreshold(t *testing.T) {
	srv := classificationServer(t, []map[string]any{
		{"label": "NSFW", "score": 0.51},
		{"label": "normal", "score": 0.49},
	})
	defer srv.Close()

	p := NewModerationProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Analyze(context.Background(), []byte("img"))
	require.NoError(t, err)

	assert.False(t, res.IsSafe, "nsfw above 0.45 is never safe")
	assert.Equal(t, "NSFW", res.TopLabel)
}

func TestModerationUnsafeWhenSafeDoesNotOutscore(t *testing.T) {
	srv := classificationServer(t, []map[string]any{
		{"label": "sexy", "score": 0.30},
		{"label": "neutral", "score": 0.25},
	})
	defer srv.Close()

	p := NewModerationProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Analyze(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.False(t, res.IsSafe, "safe score must outscore nsfw")
}

func TestModerationEmptyResponseNotSafe(t *testing.T) {
	srv := classificationServer(t, []map[string]any{})
	defer srv.Close()

	p := NewModerationProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Analyze(context.Background(), []byte("img"))
	require.NoError(t, err)

	assert.False(t, res.IsSafe)
	assert.Equal(t, "unknown", res.TopLabel)
	assert.Zero(t, res.Confidence)
}

func TestTaggerThresholdAndTopN(t *testing.T) {
	srv := classificationServer(t, []map[string]any{
		{"label": "person", "score": 0.9},
		{"label": "beach", "score": 0.8},
		{"label": "sky", "score": 0.7},
		{"label": "dog", "score": 0.02},
	})
	defer srv.Close()

	p := NewTaggerProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Tag(context.Background(), []byte("img"), 2, 0.05)
	require.NoError(t, err)

	assert.Equal(t, []string{"person", "beach"}, res.Tags)
	assert.NotContains(t, res.Scores, "dog")
}

func TestTaggerNeverEmptyFallback(t *testing.T) {
	srv := classificationServer(t, []map[string]any{
		{"label": "person", "score": 0.04},
		{"label": "beach", "score": 0.03},
	})
	defer srv.Close()

	p := NewTaggerProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Tag(context.Background(), []byte("img"), 5, 0.05)
	require.NoError(t, err)

	assert.Equal(t, []string{"person", "beach"}, res.Tags,
		"scores below threshold still produce the top tags")
}

func TestTaggerEmptyScoresStayEmpty(t *testing.T) {
	srv := classificationServer(t, []map[string]any{})
	defer srv.Close()

	p := NewTaggerProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Tag(context.Background(), []byte("img"), 5, 0.05)
	require.NoError(t, err)
	assert.Empty(t, res.Tags)
}

func TestSceneRecognize(t *testing.T) {
	srv := classificationServer(t, []map[string]any{
		{"label": "beach", "score": 0.81},
		{"label": "coastal", "score": 0.11},
		{"label": "office", "score": 0.002},
	})
	defer srv.Close()

	p := NewSceneProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Recognize(context.Background(), []byte("img"), nil, 0.01, 0)
	require.NoError(t, err)

	assert.Equal(t, "beach", res.Scene)
	assert.InDelta(t, 0.81, res.Confidence, 1e-9)
	assert.Len(t, res.Scores, 2, "only labels above threshold")
	assert.NotContains(t, res.Scores, "office")
}

func TestSceneTopFallbackWhenNothingClears(t *testing.T) {
	srv := classificationServer(t, []map[string]any{
		{"label": "beach", "score": 0.004},
		{"label": "coastal", "score": 0.003},
		{"label": "office", "score": 0.002},
		{"label": "forest", "score": 0.001},
	})
	defer srv.Close()

	p := NewSceneProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Recognize(context.Background(), []byte("img"), nil, 0.01, 0)
	require.NoError(t, err)

	assert.Equal(t, "beach", res.Scene)
	assert.Len(t, res.Scores, 3, "top-3 fallback")
	assert.NotContains(t, res.Scores, "forest")
}

func TestSceneUnknownOnEmptyResponse(t *testing.T) {
	srv := classificationServer(t, []map[string]any{})
	defer srv.Close()

	p := NewSceneProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Recognize(context.Background(), []byte("img"), nil, 0.01, 0)
	require.NoError(t, err)

	assert.Equal(t, "unknown", res.Scene)
	assert.Zero(t, res.Confidence)
	assert.Empty(t, res.Scores)
}

func TestSceneResponseShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"label score list", `[{"label": "beach", "score": 0.8}]`},
		{"results wrapper", `{"results": [{"label": "beach", "score": 0.8}]}`},
		{"labels and scores", `{"labels": ["beach"], "scores": [0.8]}`},
		{"scenes and scores", `{"scenes": ["beach"], "scores": [0.8]}`},
		{"numeric map", `{"beach": 0.8}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := NewSceneProvider(testProviderConfig(srv.URL), testLogger())
			res, err := p.Recognize(context.Background(), []byte("img"), nil, 0.01, 0)
			require.NoError(t, err)
			assert.Equal(t, "beach", res.Scene)
			assert.InDelta(t, 0.8, res.Confidence, 1e-9)
		})
	}
}

func TestSceneLabelsEnvOverride(t *testing.T) {
	t.Setenv("SCENE_LABELS", "gym, pool , ")

	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Parameters struct {
				CandidateLabels []string `json:"candidate_labels"`
			} `json:"parameters"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		got = payload.Parameters.CandidateLabels
		_, _ = w.Write([]byte(`[{"label": "gym", "score": 0.9}]`))
	}))
	defer srv.Close()

	p := NewSceneProvider(testProviderConfig(srv.URL), testLogger())
	_, err := p.Recognize(context.Background(), []byte("img"), nil, 0.01, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"gym", "pool"}, got)
}

func TestCaptioningShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"list shape", `[{"generated_text": "a dog on a beach"}]`, "a dog on a beach"},
		{"object shape", `{"generated_text": "a dog on a beach"}`, "a dog on a beach"},
		{"empty list", `[]`, ""},
		{"missing field", `{"other": 1}`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := NewCaptioningProvider(testProviderConfig(srv.URL), testLogger())
			res, err := p.Caption(context.Background(), []byte("img"))
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Caption)
		})
	}
}

func TestFaceDetect(t *testing.T) {
	t.Setenv("EMBEDDING_DIM", "4")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "image.jpg", header.Filename)

		_, _ = w.Write([]byte(`{"faces": [
			{"face_id": "f1", "bbox": [1, 2, 3, 4], "embedding": [0.1, 0.2], "confidence": 0.99},
			{"bbox": [5, 6, 7, 8], "embedding": [0.1, 0.2, 0.3, 0.4, 0.5], "confidence": 0.42}
		]}`))
	}))
	defer srv.Close()

	p := NewFaceProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Detect(context.Background(), []byte("img"))
	require.NoError(t, err)

	require.Equal(t, 2, res.FacesDetected)
	require.Len(t, res.Faces, 2)

	assert.Equal(t, "f1", res.Faces[0].FaceID)
	assert.Equal(t, []int{1, 2, 3, 4}, res.Faces[0].BBox)
	assert.Equal(t, []float64{0.1, 0.2, 0, 0}, res.Faces[0].Embedding, "short embedding zero-padded")

	assert.NotEmpty(t, res.Faces[1].FaceID, "missing face id gets a fresh UUID")
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4}, res.Faces[1].Embedding, "long embedding truncated")
	assert.InDelta(t, 0.42, res.Faces[1].Confidence, 1e-9)
}

func TestFaceDetectNoFaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces": []}`))
	}))
	defer srv.Close()

	p := NewFaceProvider(testProviderConfig(srv.URL), testLogger())
	res, err := p.Detect(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Zero(t, res.FacesDetected)
	assert.Empty(t, res.Faces)
}
