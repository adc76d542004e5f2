// Dead letter processor: consumes failed-message envelopes, logs them with
// full context and optionally republishes the original payload for retry.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/dlqproc"
	"github.com/medialens/medialens/pkg/messages"
	"github.com/medialens/medialens/pkg/worker"
)

const service = "dlq-processor"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded, using existing environment", "error", err)
	}
	log := worker.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg := config.LoadDLQProcessor()
	log.Info("Starting worker",
		"service", service,
		"pod_id", cfg.PodID,
		"auto_retry", cfg.AutoRetry)

	rt, err := worker.New(ctx, service, cfg.Worker, log)
	if err != nil {
		log.Error("Failed to connect to the bus", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	w := dlqproc.New(rt.Publisher, cfg, rt.Log)

	// A dead letter that fails to process must not dead-letter again into
	// its own input stream. Failures are logged and dropped.
	consumer := rt.Consumer(messages.StreamDLQ, messages.GroupDLQProcessor, rt.WithDrop(w.Process))

	if err := rt.Run(ctx, consumer.Run); err != nil {
		log.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
