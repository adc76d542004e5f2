// Post aggregation worker: consumes aggregation triggers, joins the
// per-image analysis results for each post and publishes the enriched
// post-level record.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/medialens/medialens/pkg/aggregator"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/messages"
	"github.com/medialens/medialens/pkg/worker"
)

const service = "post-aggregator"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded, using existing environment", "error", err)
	}
	log := worker.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg := config.LoadAggregator()
	log.Info("Starting worker",
		"service", service,
		"pod_id", cfg.PodID,
		"aggregation_wait", cfg.Wait.String(),
		"llm_captions", cfg.UseLLMCaptions)

	rt, err := worker.New(ctx, service, cfg.Worker, log)
	if err != nil {
		log.Error("Failed to connect to the bus", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	w := aggregator.New(rt.Client, rt.Publisher, cfg, rt.Log)

	// Triggers never dead-letter: a replayed trigger envelope would re-enter
	// the image job stream as garbage. Failures are logged and dropped.
	consumer := rt.Consumer(messages.StreamAggregationTrigger, messages.GroupPostAggregator, rt.WithDrop(w.Process))

	if err := rt.Run(ctx, consumer.Run); err != nil {
		log.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
