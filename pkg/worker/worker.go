// Package worker provides the runtime shared by every stream worker:
// bus wiring, the retry envelope with dead-letter emission, the health
// HTTP server and periodic health logging.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/health"
	"github.com/medialens/medialens/pkg/messages"
	"github.com/medialens/medialens/pkg/metrics"
)

// healthLogInterval is the cadence of the periodic health snapshot log.
const healthLogInterval = 5 * time.Minute

// ProcessFunc handles one decoded stream entry. Errors are classified by
// IsRetryable; anything else is permanent and the entry is dropped after
// logging.
type ProcessFunc func(ctx context.Context, messageID string, fields map[string]any) error

// Runtime bundles the pieces every worker shares. Build one with New,
// derive consumers from it, then supervise the loops with Run.
type Runtime struct {
	Service   string
	Cfg       config.Worker
	Client    *redis.Client
	Publisher *bus.Publisher
	Metrics   *metrics.Collector
	Health    *health.Server
	Log       *slog.Logger
}

// New connects to the bus and assembles the runtime for service.
func New(ctx context.Context, service string, cfg config.Worker, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("service", service, "pod_id", cfg.PodID)

	client, err := bus.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus: %w", err)
	}
	collector := metrics.NewCollector(service)
	return &Runtime{
		Service:   service,
		Cfg:       cfg,
		Client:    client,
		Publisher: bus.NewPublisher(client, cfg.StreamMaxLen, log),
		Metrics:   collector,
		Health:    health.NewServer(service, collector, log),
		Log:       log,
	}, nil
}

// Close releases the bus connection.
func (rt *Runtime) Close() error {
	return rt.Client.Close()
}

// Consumer builds a consumer-group member on stream for this pod. Entries
// that exhaust their delivery budget are dead-lettered with the standard
// envelope.
func (rt *Runtime) Consumer(stream, group string, handler bus.Handler) *bus.Consumer {
	c := bus.NewConsumer(rt.Client, bus.ConsumerConfig{
		Stream:               stream,
		Group:                group,
		Consumer:             rt.Cfg.PodID,
		BlockTimeout:         rt.Cfg.BlockTimeout,
		BatchCount:           rt.Cfg.BatchCount,
		PendingIdle:          rt.Cfg.PendingIdle,
		PendingCheckInterval: rt.Cfg.PendingCheckInterval,
		MaxClaimFailures:     rt.Cfg.MaxClaimFailures,
	}, handler, rt.Log)
	c.SetDeadLetter(func(ctx context.Context, messageID string, fields map[string]any) error {
		err := rt.DeadLetter(ctx, messageID, fields,
			errors.New("delivery budget exhausted"), int(rt.Cfg.MaxClaimFailures))
		if err == nil {
			rt.Metrics.RecordDLQ()
		}
		return err
	})
	return c
}

// WithRetry wraps process with the retry envelope: transient failures are
// retried with exponential backoff, exhaustion dead-letters the entry, and
// permanent failures are logged and dropped. The returned handler reports
// every outcome to the metrics collector.
func (rt *Runtime) WithRetry(process ProcessFunc) bus.Handler {
	return func(ctx context.Context, messageID string, fields map[string]any) error {
		start := time.Now()
		err := rt.runWithRetry(ctx, messageID, fields, process)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			rt.Metrics.RecordSuccess(elapsed)
			return nil
		case errors.Is(err, context.Canceled):
			// Shutting down; leave the entry pending for redelivery.
			return err
		case IsRetryable(err):
			rt.Metrics.RecordFailure(elapsed, err)
			if dlqErr := rt.DeadLetter(ctx, messageID, fields, err, rt.Cfg.MaxRetries); dlqErr != nil {
				rt.Log.Error("Dead letter write failed, leaving message pending",
					"message_id", messageID, "error", dlqErr)
				return err
			}
			rt.Metrics.RecordDLQ()
			return bus.ErrMovedToDLQ
		default:
			rt.Metrics.RecordFailure(elapsed, err)
			rt.Log.Error("Dropping message after permanent failure",
				"message_id", messageID, "error", err)
			return nil
		}
	}
}

// WithDrop wraps process for streams whose entries must never reach the
// dead letter queue: a failure is logged, counted and dropped. Trigger and
// DLQ traffic use this so a bad entry cannot loop back into the pipeline.
func (rt *Runtime) WithDrop(process ProcessFunc) bus.Handler {
	return func(ctx context.Context, messageID string, fields map[string]any) error {
		start := time.Now()
		err := process(ctx, messageID, fields)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			rt.Metrics.RecordSuccess(elapsed)
			return nil
		case errors.Is(err, context.Canceled):
			return err
		default:
			rt.Metrics.RecordFailure(elapsed, err)
			rt.Log.Error("Dropping message after failure",
				"message_id", messageID, "error", err)
			return nil
		}
	}
}

// runWithRetry executes process up to MaxRetries+1 times with exponential
// backoff between attempts. Permanent errors return immediately.
func (rt *Runtime) runWithRetry(ctx context.Context, messageID string, fields map[string]any, process ProcessFunc) error {
	delay := rt.Cfg.InitialRetryDelay
	var err error
	for attempt := 0; attempt <= rt.Cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			rt.Metrics.RecordRetry()
			rt.Log.Warn("Retrying message",
				"message_id", messageID,
				"attempt", attempt,
				"max_retries", rt.Cfg.MaxRetries,
				"delay", delay.String(),
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * rt.Cfg.BackoffMultiplier)
			if delay > rt.Cfg.MaxRetryDelay {
				delay = rt.Cfg.MaxRetryDelay
			}
		}
		if err = process(ctx, messageID, fields); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}

// DeadLetter writes the standard envelope for a message this service could
// not process.
func (rt *Runtime) DeadLetter(ctx context.Context, messageID string, fields map[string]any, cause error, retries int) error {
	entry := messages.DLQEntry{
		OriginalMessageID: messageID,
		OriginalData:      fields,
		Service:           rt.Service,
		Error:             cause.Error(),
		ErrorType:         errorType(cause),
		RetryCount:        retries,
		Timestamp:         float64(time.Now().UnixNano()) / 1e9,
		Version:           messages.SchemaVersion,
	}
	if _, err := rt.Publisher.Publish(ctx, messages.StreamDLQ, entry.Fields()); err != nil {
		return err
	}
	rt.Log.Error("Published message to dead letter queue",
		"dlq_stream", messages.StreamDLQ,
		"original_message_id", messageID,
		"retry_count", retries,
		"error", cause)
	return nil
}

// Run starts the health server and the given loops, marks the worker
// ready, and blocks until ctx is cancelled or a loop fails. Readiness is
// withdrawn before the health server drains.
func (rt *Runtime) Run(ctx context.Context, loops ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf(":%d", rt.Cfg.HealthPort)
	g.Go(func() error {
		if err := rt.Health.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.Health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rt.Health.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		rt.healthLogLoop(gctx)
		return nil
	})

	for _, loop := range loops {
		g.Go(func() error { return loop(gctx) })
	}

	rt.Health.SetReady(true)
	rt.Log.Info("Worker ready", "health_port", rt.Cfg.HealthPort)
	return g.Wait()
}

// healthLogLoop logs the health snapshot every five minutes.
func (rt *Runtime) healthLogLoop(ctx context.Context) {
	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := rt.Metrics.Snapshot()
			status := health.Evaluate(rt.Service, snap)
			rt.Log.Info("Health snapshot",
				"status", status.Status,
				"total_processed", snap.TotalProcessed,
				"success_rate", snap.SuccessRate,
				"retries", snap.RetryCount,
				"dlq", snap.DLQCount,
				"avg_latency_seconds", snap.Latency.AvgSeconds)
		}
	}
}
