// Package health evaluates worker health from metrics and serves the
// liveness, readiness and metrics HTTP endpoints every worker exposes.
package health

import (
	"fmt"
	"time"

	"github.com/medialens/medialens/pkg/metrics"
	"github.com/medialens/medialens/pkg/version"
)

// Check thresholds. A worker is unhealthy when it has stopped processing,
// mostly fails, or has become very slow.
const (
	maxSinceLastProcessed = 10 * time.Minute
	minSuccessRate        = 50.0
	maxAvgLatencySeconds  = 60.0
)

// Check is the outcome of a single health check.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Status is the body served on GET /health.
type Status struct {
	Service   string           `json:"service"`
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
}

// Evaluate derives worker health from a metrics snapshot. The overall status
// is "healthy" unless a check fails; a worker that has not processed anything
// yet reports "starting" rather than "unhealthy".
func Evaluate(service string, s metrics.Snapshot) Status {
	status := Status{
		Service:   service,
		Status:    "healthy",
		Version:   version.GitCommit,
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		Checks:    make(map[string]Check, 4),
	}

	// 1. Time since the last successfully processed message.
	switch {
	case s.LastProcessed.IsZero():
		status.Status = "starting"
		status.Checks["last_processed"] = Check{
			Status:  "starting",
			Message: "No processing recorded yet",
		}
	case time.Since(s.LastProcessed) > maxSinceLastProcessed:
		status.Status = "unhealthy"
		status.Checks["last_processed"] = Check{
			Status:  "unhealthy",
			Message: fmt.Sprintf("No processing in %.0f seconds", time.Since(s.LastProcessed).Seconds()),
		}
	default:
		status.Checks["last_processed"] = Check{
			Status:  "healthy",
			Message: fmt.Sprintf("Last processed %.0f seconds ago", time.Since(s.LastProcessed).Seconds()),
		}
	}

	// 2. Success rate. Only meaningful once messages have flowed.
	if s.TotalProcessed > 0 && s.SuccessRate < minSuccessRate {
		status.Status = "unhealthy"
		status.Checks["success_rate"] = Check{
			Status:  "unhealthy",
			Message: fmt.Sprintf("Success rate %.2f%% is below threshold", s.SuccessRate),
		}
	} else {
		status.Checks["success_rate"] = Check{
			Status:  "healthy",
			Message: fmt.Sprintf("Success rate %.2f%%", s.SuccessRate),
		}
	}

	// 3. Average latency.
	if s.Latency.AvgSeconds > maxAvgLatencySeconds {
		status.Status = "unhealthy"
		status.Checks["latency"] = Check{
			Status:  "unhealthy",
			Message: fmt.Sprintf("Average latency %.2fs exceeds threshold", s.Latency.AvgSeconds),
		}
	} else {
		status.Checks["latency"] = Check{
			Status:  "healthy",
			Message: fmt.Sprintf("Average latency %.2fs", s.Latency.AvgSeconds),
		}
	}

	// 4. DLQ depth. A warning, never flips the overall status.
	if s.DLQCount > 0 {
		status.Checks["dlq"] = Check{
			Status:  "warning",
			Message: fmt.Sprintf("%d messages in dead letter queue", s.DLQCount),
		}
	} else {
		status.Checks["dlq"] = Check{
			Status:  "healthy",
			Message: "No messages in dead letter queue",
		}
	}

	return status
}
