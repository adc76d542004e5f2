// Image tagging worker: consumes image jobs from the bus and publishes the
// detected content tags per media item.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/medialens/medialens/pkg/analysis"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/messages"
	"github.com/medialens/medialens/pkg/providers"
	_ "github.com/medialens/medialens/pkg/providers/huggingface"
	"github.com/medialens/medialens/pkg/worker"
)

const service = "image-tagger"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded, using existing environment", "error", err)
	}
	log := worker.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg := config.LoadAnalysis()
	log.Info("Starting worker", "service", service, "pod_id", cfg.PodID)

	provider, err := providers.Tagging("")
	if err != nil {
		log.Error("Failed to resolve tagging provider", "error", err)
		os.Exit(1)
	}

	rt, err := worker.New(ctx, service, cfg.Worker, log)
	if err != nil {
		log.Error("Failed to connect to the bus", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	w := analysis.NewTaggingWorker(provider, rt.Publisher, cfg, rt.Log)
	consumer := rt.Consumer(messages.StreamPostImageProcessing, messages.GroupImageTagging, rt.WithRetry(w.Process))

	if err := rt.Run(ctx, consumer.Run); err != nil {
		log.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
