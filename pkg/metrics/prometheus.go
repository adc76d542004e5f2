package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics mirrors the collector's counters into a Prometheus registry.
// Each collector owns its registry so worker binaries and tests never fight
// over global registration.
type promMetrics struct {
	registry  *prometheus.Registry
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	dlq       *prometheus.CounterVec
	retries   *prometheus.CounterVec
}

func newPromMetrics() *promMetrics {
	p := &promMetrics{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_messages_processed_total",
			Help: "Total messages processed",
		}, []string{"service", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_processing_duration_seconds",
			Help:    "Time spent processing each message",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"service"}),
		dlq: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_dlq_messages_total",
			Help: "Messages sent to the dead-letter queue",
		}, []string{"service"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_retries_total",
			Help: "Number of processing retries",
		}, []string{"service"}),
	}
	p.registry.MustRegister(p.processed, p.duration, p.dlq, p.retries)
	return p
}

// Registry exposes the collector's Prometheus registry for HTTP export.
func (c *Collector) Registry() *prometheus.Registry {
	return c.prom.registry
}
