package database

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medialens/medialens/pkg/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReader(t *testing.T) *storage.Reader {
	t.Helper()
	cfg := ReaderConfig(t, ConnectionString(t))
	reader, err := storage.New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })
	return reader
}

func TestReadRowRoundTrip(t *testing.T) {
	r := newTestReader(t)
	ctx := context.Background()

	// Unique id per run: CI reuses one database across runs.
	mediaID := "media-" + uuid.NewString()
	created := time.Date(2025, 11, 11, 15, 24, 0, 955427000, time.UTC)
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO read_model_media_search
			(media_id, post_id, caption, ai_tags, is_safe, moderation_confidence, faces_detected, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		mediaID, "post-1", "friends at the beach",
		`["beach", "people"]`, true, 0.92, 2, created,
	)
	require.NoError(t, err)

	row, err := r.ReadRow(ctx, "read_model_media_search", mediaID)
	require.NoError(t, err)
	assert.Equal(t, mediaID, row["media_id"])
	assert.Equal(t, "friends at the beach", row["caption"])
	assert.Equal(t, []any{"beach", "people"}, row["ai_tags"], "jsonb columns come back decoded")
	assert.Equal(t, true, row["is_safe"])
	assert.Equal(t, 0.92, row["moderation_confidence"])
	assert.EqualValues(t, 2, row["faces_detected"])

	ts, ok := row["created_at"].(time.Time)
	require.True(t, ok, "timestamptz columns come back as time.Time")
	assert.True(t, ts.Equal(created))
}

func TestReadRowKeepsEmbeddingStrings(t *testing.T) {
	r := newTestReader(t)
	ctx := context.Background()

	faceID := "face-" + uuid.NewString()
	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO read_model_face_search (face_id, media_id, bbox, face_embedding, confidence)
		VALUES ($1, $2, $3, $4, $5)`,
		faceID, "media-1", `[10, 20, 110, 140]`, `[0.1, 0.2, 0.3]`, 0.88,
	)
	require.NoError(t, err)

	row, err := r.ReadRow(ctx, "read_model_face_search", faceID)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(10), float64(20), float64(110), float64(140)}, row["bbox"])
	assert.Equal(t, "[0.1, 0.2, 0.3]", row["face_embedding"],
		"text vector columns are parsed downstream, not here")
}

func TestReadRowNotFound(t *testing.T) {
	r := newTestReader(t)

	_, err := r.ReadRow(context.Background(), "read_model_post_search", "missing-"+uuid.NewString())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	cfg := ReaderConfig(t, ConnectionString(t))
	ctx := context.Background()

	first, err := storage.New(ctx, cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := storage.New(ctx, cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}
