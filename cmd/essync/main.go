// Search index sync worker: consumes sync events, reads the named read-model
// rows from PostgreSQL and bulk-writes the documents into Elasticsearch.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/essync"
	"github.com/medialens/medialens/pkg/search"
	"github.com/medialens/medialens/pkg/storage"
	"github.com/medialens/medialens/pkg/worker"
)

const service = "es-sync"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("No .env file loaded, using existing environment", "error", err)
	}
	log := worker.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg := config.LoadSync()
	log.Info("Starting worker",
		"service", service,
		"pod_id", cfg.PodID,
		"es_host", cfg.ESHost,
		"batch_size", cfg.BatchSize)

	rt, err := worker.New(ctx, service, cfg.Worker, log)
	if err != nil {
		log.Error("Failed to connect to the bus", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	store, err := storage.New(ctx, storage.LoadConfigFromEnv(), rt.Log)
	if err != nil {
		log.Error("Failed to connect to the database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	es, err := search.New(search.Config{
		Host:       cfg.ESHost,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, rt.Log)
	if err != nil {
		log.Error("Failed to build the search client", "error", err)
		os.Exit(1)
	}
	// The search store may still be starting; writes retry per document, so
	// a failed ping is not fatal.
	if err := es.Ping(ctx); err != nil {
		log.Warn("Search store unreachable at startup", "host", cfg.ESHost, "error", err)
	}

	w := essync.New(rt.Client, store, es, rt.Metrics, cfg, rt.Log)

	if err := rt.Run(ctx, w.Run); err != nil {
		log.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
