package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/medialens/medialens/pkg/metrics"
)

func TestEvaluateStarting(t *testing.T) {
	status := Evaluate("content-moderation", metrics.Snapshot{})

	assert.Equal(t, "starting", status.Status)
	assert.Equal(t, "starting", status.Checks["last_processed"].Status)
	assert.Equal(t, "healthy", status.Checks["success_rate"].Status)
	assert.Equal(t, "healthy", status.Checks["dlq"].Status)
}

func TestEvaluateHealthy(t *testing.T) {
	s := metrics.Snapshot{
		TotalProcessed: 100,
		SuccessCount:   99,
		FailureCount:   1,
		SuccessRate:    99.0,
		LastProcessed:  time.Now().Add(-30 * time.Second),
		Latency:        metrics.LatencyStats{AvgSeconds: 1.2},
	}

	status := Evaluate("content-moderation", s)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "content-moderation", status.Service)
	assert.NotEmpty(t, status.Version)
	assert.Len(t, status.Checks, 4)
}

func TestEvaluateStaleProcessing(t *testing.T) {
	s := metrics.Snapshot{
		TotalProcessed: 10,
		SuccessCount:   10,
		SuccessRate:    100.0,
		LastProcessed:  time.Now().Add(-11 * time.Minute),
	}

	status := Evaluate("image-tagging", s)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "unhealthy", status.Checks["last_processed"].Status)
}

func TestEvaluateLowSuccessRate(t *testing.T) {
	s := metrics.Snapshot{
		TotalProcessed: 20,
		SuccessCount:   5,
		FailureCount:   15,
		SuccessRate:    25.0,
		LastProcessed:  time.Now(),
	}

	status := Evaluate("image-tagging", s)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "unhealthy", status.Checks["success_rate"].Status)
}

func TestEvaluateHighLatency(t *testing.T) {
	s := metrics.Snapshot{
		TotalProcessed: 5,
		SuccessCount:   5,
		SuccessRate:    100.0,
		LastProcessed:  time.Now(),
		Latency:        metrics.LatencyStats{AvgSeconds: 75.0},
	}

	status := Evaluate("scene-recognition", s)
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "unhealthy", status.Checks["latency"].Status)
}

func TestEvaluateDLQWarningDoesNotFlipStatus(t *testing.T) {
	s := metrics.Snapshot{
		TotalProcessed: 5,
		SuccessCount:   5,
		SuccessRate:    100.0,
		LastProcessed:  time.Now(),
		DLQCount:       3,
	}

	status := Evaluate("scene-recognition", s)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "warning", status.Checks["dlq"].Status)
}
