package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medialens/medialens/pkg/breaker"
	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/httpclient"
	"github.com/medialens/medialens/pkg/messages"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := config.Worker{
		RedisURL:          "redis://" + mr.Addr(),
		PodID:             "test-pod",
		MaxRetries:        3,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		StreamMaxLen:      100,
	}
	rt, err := New(context.Background(), "moderation", cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func dlqEntries(t *testing.T, rt *Runtime) []map[string]any {
	t.Helper()
	raw, err := rt.Client.XRange(context.Background(), messages.StreamDLQ, "-", "+").Result()
	require.NoError(t, err)

	var entries []map[string]any
	for _, msg := range raw {
		fields := make(map[string]string, len(msg.Values))
		for k, v := range msg.Values {
			fields[k], _ = v.(string)
		}
		entries = append(entries, bus.DecodeFields(fields))
	}
	return entries
}

func TestWithRetrySuccess(t *testing.T) {
	rt := testRuntime(t)

	var calls int
	handler := rt.WithRetry(func(ctx context.Context, id string, fields map[string]any) error {
		calls++
		return nil
	})

	err := handler(context.Background(), "1-0", map[string]any{"mediaId": "m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	snap := rt.Metrics.Snapshot()
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.Empty(t, dlqEntries(t, rt))
}

func TestWithRetryTransientThenSuccess(t *testing.T) {
	rt := testRuntime(t)

	var calls int
	handler := rt.WithRetry(func(ctx context.Context, id string, fields map[string]any) error {
		calls++
		if calls == 1 {
			return &httpclient.HTTPError{StatusCode: http.StatusBadGateway}
		}
		return nil
	})

	err := handler(context.Background(), "1-0", map[string]any{"mediaId": "m1"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	snap := rt.Metrics.Snapshot()
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.Equal(t, int64(1), snap.RetryCount)
}

func TestWithRetryExhaustionDeadLetters(t *testing.T) {
	rt := testRuntime(t)

	var calls int
	handler := rt.WithRetry(func(ctx context.Context, id string, fields map[string]any) error {
		calls++
		return &httpclient.HTTPError{StatusCode: http.StatusServiceUnavailable, URL: "http://model"}
	})

	fields := map[string]any{"mediaId": "m1", "mediaUrl": "http://img"}
	err := handler(context.Background(), "7-0", fields)
	require.ErrorIs(t, err, bus.ErrMovedToDLQ)
	assert.Equal(t, 4, calls, "initial attempt plus three retries")

	entries := dlqEntries(t, rt)
	require.Len(t, entries, 1)
	entry := messages.DLQEntryFromFields(entries[0])
	assert.Equal(t, "7-0", entry.OriginalMessageID)
	assert.Equal(t, "moderation", entry.Service)
	assert.Equal(t, "HTTPError", entry.ErrorType)
	assert.Equal(t, 3, entry.RetryCount)
	assert.Equal(t, "m1", entry.OriginalData["mediaId"], "original data must round-trip")
	assert.Greater(t, entry.Timestamp, 0.0)

	snap := rt.Metrics.Snapshot()
	assert.Equal(t, int64(1), snap.DLQCount)
	assert.Equal(t, int64(3), snap.RetryCount)
	assert.Equal(t, int64(1), snap.FailureCount)
}

func TestWithRetryPermanentDropsWithoutDLQ(t *testing.T) {
	rt := testRuntime(t)

	var calls int
	handler := rt.WithRetry(func(ctx context.Context, id string, fields map[string]any) error {
		calls++
		return errors.New("missing mediaUrl")
	})

	err := handler(context.Background(), "2-0", map[string]any{})
	require.NoError(t, err, "permanent failures ack the entry")
	assert.Equal(t, 1, calls, "permanent failures are not retried")

	assert.Empty(t, dlqEntries(t, rt))
	snap := rt.Metrics.Snapshot()
	assert.Equal(t, int64(1), snap.FailureCount)
	assert.Zero(t, snap.DLQCount)
}

func TestWithRetryCircuitOpenIsRetryable(t *testing.T) {
	rt := testRuntime(t)

	handler := rt.WithRetry(func(ctx context.Context, id string, fields map[string]any) error {
		return breaker.ErrCircuitOpen
	})

	err := handler(context.Background(), "3-0", map[string]any{"mediaId": "m1"})
	require.ErrorIs(t, err, bus.ErrMovedToDLQ)

	entries := dlqEntries(t, rt)
	require.Len(t, entries, 1)
	assert.Equal(t, "CircuitOpenError", messages.DLQEntryFromFields(entries[0]).ErrorType)
}

func TestWithRetryShutdownLeavesPending(t *testing.T) {
	rt := testRuntime(t)

	ctx, cancel := context.WithCancel(context.Background())
	handler := rt.WithRetry(func(ctx context.Context, id string, fields map[string]any) error {
		cancel()
		return &httpclient.HTTPError{StatusCode: http.StatusBadGateway}
	})

	err := handler(ctx, "4-0", map[string]any{"mediaId": "m1"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dlqEntries(t, rt), "cancelled work is redelivered, not dead-lettered")
}

func TestConsumerDeliveryBudgetDeadLetters(t *testing.T) {
	rt := testRuntime(t)
	rt.Cfg.PendingIdle = 10 * time.Millisecond
	rt.Cfg.PendingCheckInterval = 20 * time.Millisecond
	rt.Cfg.MaxClaimFailures = 2
	rt.Cfg.BlockTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("handler always fails")
	consumer := rt.Consumer(messages.StreamPostImageProcessing, messages.GroupContentModeration,
		func(ctx context.Context, id string, fields map[string]any) error {
			return boom
		})

	_, err := rt.Publisher.Publish(ctx, messages.StreamPostImageProcessing, map[string]any{"mediaId": "m1"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(dlqEntries(t, rt)) == 1
	}, 5*time.Second, 20*time.Millisecond, "entry should dead-letter after the delivery budget")

	entry := messages.DLQEntryFromFields(dlqEntries(t, rt)[0])
	assert.Equal(t, "delivery budget exhausted", entry.Error)
	assert.Equal(t, "m1", entry.OriginalData["mediaId"])

	cancel()
	<-done
}

func TestErrorTypeClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"http", &httpclient.HTTPError{StatusCode: 500}, "HTTPError"},
		{"circuit", breaker.ErrCircuitOpen, "CircuitOpenError"},
		{"deadline", context.DeadlineExceeded, "TimeoutError"},
		{"plain", errors.New("boom"), "Error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorType(tc.err))
		})
	}
}
