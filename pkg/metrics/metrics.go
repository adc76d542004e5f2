// Package metrics tracks per-worker processing statistics: success/failure
// counters, a bounded latency window for percentile calculation, and a
// Prometheus registry mirroring the counters.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// latencyWindow bounds how many per-message latencies are retained for
// percentile calculation.
const latencyWindow = 1000

// Collector accumulates processing statistics for one worker process. All
// methods are safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	service string

	processingTimes []float64
	successCount    int64
	failureCount    int64
	retryCount      int64
	dlqCount        int64
	lastProcessed   time.Time
	lastErrorAt     time.Time
	lastError       string

	prom *promMetrics
}

// NewCollector creates a collector for the named service with its own
// Prometheus registry.
func NewCollector(service string) *Collector {
	return &Collector{
		service: service,
		prom:    newPromMetrics(),
	}
}

// Service returns the service name this collector reports for.
func (c *Collector) Service() string {
	return c.service
}

// RecordSuccess records one successfully processed message and its latency.
func (c *Collector) RecordSuccess(duration time.Duration) {
	seconds := duration.Seconds()
	c.mu.Lock()
	c.successCount++
	c.lastProcessed = time.Now().UTC()
	c.recordLatency(seconds)
	c.mu.Unlock()

	c.prom.processed.WithLabelValues(c.service, "success").Inc()
	c.prom.duration.WithLabelValues(c.service).Observe(seconds)
}

// RecordFailure records one failed message with its latency and error.
func (c *Collector) RecordFailure(duration time.Duration, err error) {
	seconds := duration.Seconds()
	c.mu.Lock()
	c.failureCount++
	c.lastErrorAt = time.Now().UTC()
	if err != nil {
		c.lastError = err.Error()
	}
	c.recordLatency(seconds)
	c.mu.Unlock()

	c.prom.processed.WithLabelValues(c.service, "failure").Inc()
	c.prom.duration.WithLabelValues(c.service).Observe(seconds)
}

// RecordRetry records one retry attempt.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	c.retryCount++
	c.mu.Unlock()

	c.prom.retries.WithLabelValues(c.service).Inc()
}

// RecordDLQ records one message sent to the dead letter queue.
func (c *Collector) RecordDLQ() {
	c.mu.Lock()
	c.dlqCount++
	c.mu.Unlock()

	c.prom.dlq.WithLabelValues(c.service).Inc()
}

// caller holds c.mu
func (c *Collector) recordLatency(seconds float64) {
	c.processingTimes = append(c.processingTimes, seconds)
	if len(c.processingTimes) > latencyWindow {
		c.processingTimes = c.processingTimes[len(c.processingTimes)-latencyWindow:]
	}
}

// LatencyStats summarizes the retained latency window.
type LatencyStats struct {
	AvgSeconds float64 `json:"avg_seconds"`
	MinSeconds float64 `json:"min_seconds"`
	MaxSeconds float64 `json:"max_seconds"`
	P50Seconds float64 `json:"p50_seconds"`
	P95Seconds float64 `json:"p95_seconds"`
	P99Seconds float64 `json:"p99_seconds"`
}

// Snapshot is the point-in-time view served as JSON on /metrics and consumed
// by the health checks.
type Snapshot struct {
	TotalProcessed  int64        `json:"total_processed"`
	SuccessCount    int64        `json:"success_count"`
	FailureCount    int64        `json:"failure_count"`
	SuccessRate     float64      `json:"success_rate"`
	RetryCount      int64        `json:"retry_count"`
	DLQCount        int64        `json:"dlq_count"`
	Latency         LatencyStats `json:"latency"`
	LastProcessedAt string       `json:"last_processed_at,omitempty"`
	LastErrorAt     string       `json:"last_error_at,omitempty"`
	LastError       string       `json:"last_error,omitempty"`

	LastProcessed time.Time `json:"-"`
}

// Snapshot computes the current statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	times := make([]float64, len(c.processingTimes))
	copy(times, c.processingTimes)
	s := Snapshot{
		SuccessCount:  c.successCount,
		FailureCount:  c.failureCount,
		RetryCount:    c.retryCount,
		DLQCount:      c.dlqCount,
		LastProcessed: c.lastProcessed,
		LastError:     c.lastError,
	}
	if !c.lastProcessed.IsZero() {
		s.LastProcessedAt = isoUTC(c.lastProcessed)
	}
	if !c.lastErrorAt.IsZero() {
		s.LastErrorAt = isoUTC(c.lastErrorAt)
	}
	c.mu.Unlock()

	s.TotalProcessed = s.SuccessCount + s.FailureCount
	if s.TotalProcessed > 0 {
		s.SuccessRate = round(float64(s.SuccessCount)/float64(s.TotalProcessed)*100, 2)
	}
	s.Latency = latencyStats(times)
	return s
}

func latencyStats(times []float64) LatencyStats {
	if len(times) == 0 {
		return LatencyStats{}
	}
	var sum, minT, maxT float64
	minT = times[0]
	maxT = times[0]
	for _, t := range times {
		sum += t
		if t < minT {
			minT = t
		}
		if t > maxT {
			maxT = t
		}
	}
	sorted := make([]float64, len(times))
	copy(sorted, times)
	sort.Float64s(sorted)

	return LatencyStats{
		AvgSeconds: round(sum/float64(len(times)), 3),
		MinSeconds: round(minT, 3),
		MaxSeconds: round(maxT, 3),
		P50Seconds: round(percentile(sorted, 0.50), 3),
		P95Seconds: round(percentile(sorted, 0.95), 3),
		P99Seconds: round(percentile(sorted, 0.99), 3),
	}
}

// percentile uses the nearest-rank index into the sorted window.
func percentile(sorted []float64, q float64) float64 {
	return sorted[int(float64(len(sorted))*q)]
}

func round(x float64, digits int) float64 {
	factor := math.Pow(10, float64(digits))
	return math.Round(x*factor) / factor
}

func isoUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}
