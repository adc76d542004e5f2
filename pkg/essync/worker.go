// Package essync implements the search-index sync worker. It consumes sync
// events, reads the referenced read-model rows and writes documents to the
// search store in batches, flushing at the batch size or after the batch
// timeout, whichever comes first.
package essync

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/messages"
	"github.com/medialens/medialens/pkg/metrics"
	"github.com/medialens/medialens/pkg/search"
	"github.com/medialens/medialens/pkg/storage"
)

// shutdownFlushTimeout bounds the final flush when the worker is stopping.
const shutdownFlushTimeout = 10 * time.Second

type rowReader interface {
	ReadRow(ctx context.Context, table, id string) (map[string]any, error)
}

type bulkWriter interface {
	Bulk(ctx context.Context, actions []search.Action) error
}

// Worker drains es-sync-queue into the search store.
type Worker struct {
	consumer  *bus.Consumer
	store     rowReader
	es        bulkWriter
	collector *metrics.Collector
	log       *slog.Logger

	batchSize    int
	batchTimeout time.Duration

	actions    []search.Action
	batchStart time.Time
}

// New builds the sync worker on its consumer group.
func New(client *redis.Client, store rowReader, es bulkWriter, collector *metrics.Collector, cfg config.Sync, log *slog.Logger) *Worker {
	consumer := bus.NewConsumer(client, bus.ConsumerConfig{
		Stream:   messages.StreamESSyncQueue,
		Group:    messages.GroupESSync,
		Consumer: cfg.PodID,
	}, nil, log)
	return &Worker{
		consumer:     consumer,
		store:        store,
		es:           es,
		collector:    collector,
		log:          log,
		batchSize:    cfg.BatchSize,
		batchTimeout: cfg.BatchTimeout,
	}
}

// Run consumes sync events until ctx is cancelled. Entries are acknowledged
// once buffered; sync events are idempotent and re-emitted upstream, so a
// batch that fails to flush is logged and dropped rather than replayed.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.consumer.EnsureGroup(ctx); err != nil {
		return err
	}
	w.log.Info("Sync worker ready",
		"stream", messages.StreamESSyncQueue,
		"batch_size", w.batchSize,
		"batch_timeout", w.batchTimeout.String())
	w.batchStart = time.Now()

	for {
		entries, err := w.consumer.ReadBatch(ctx, int64(w.batchSize), w.batchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.flushFinal()
				return ctx.Err()
			}
			w.log.Error("Reading sync events failed", "error", err)
			select {
			case <-ctx.Done():
				w.flushFinal()
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		acked := make([]string, 0, len(entries))
		for _, entry := range entries {
			if err := w.handle(ctx, entry); err != nil {
				break
			}
			acked = append(acked, entry.ID)
		}
		if err := w.consumer.Ack(ctx, acked...); err != nil && ctx.Err() == nil {
			w.log.Error("Acknowledging sync events failed", "error", err)
		}

		if ctx.Err() != nil {
			w.flushFinal()
			return ctx.Err()
		}
		w.maybeFlush(ctx)
	}
}

// handle decodes one sync event and buffers its action. Invalid events,
// unknown index types and missing rows are logged and dropped. The only
// error returned is cancellation, which leaves the entry pending.
func (w *Worker) handle(ctx context.Context, entry bus.Entry) error {
	event := messages.SyncEventFromFields(entry.Fields)
	log := w.log.With(
		"message_id", entry.ID,
		"operation", event.Operation,
		"index_type", event.IndexType,
		"document_id", event.DocumentID)
	log.Info("Received sync event")

	if event.IndexType == "" || event.DocumentID == "" {
		log.Error("Invalid sync event, dropping: indexType and documentId are required")
		return nil
	}
	target, ok := indexTargets[event.IndexType]
	if !ok {
		log.Error("Unknown index type, dropping", "known_types", knownIndexTypes())
		return nil
	}

	if event.Operation == "delete" {
		w.actions = append(w.actions, search.Action{Index: target.index, ID: event.DocumentID, Delete: true})
		return nil
	}

	row, err := w.store.ReadRow(ctx, target.table, event.DocumentID)
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, storage.ErrNotFound):
		log.Warn("Row not found, skipping sync", "table", target.table)
		return nil
	case err != nil:
		log.Error("Reading row failed, dropping sync event", "table", target.table, "error", err)
		return nil
	}

	w.actions = append(w.actions, search.Action{Index: target.index, ID: event.DocumentID, Doc: BuildDocument(row)})
	return nil
}

func (w *Worker) maybeFlush(ctx context.Context) {
	if len(w.actions) >= w.batchSize {
		w.flush(ctx)
		return
	}
	if len(w.actions) > 0 && time.Since(w.batchStart) >= w.batchTimeout {
		w.flush(ctx)
	}
}

func (w *Worker) flush(ctx context.Context) {
	if len(w.actions) == 0 {
		w.batchStart = time.Now()
		return
	}
	size := len(w.actions)
	w.log.Info("Flushing batch", "size", size)

	start := time.Now()
	if err := w.es.Bulk(ctx, w.actions); err != nil {
		w.collector.RecordFailure(time.Since(start), err)
		w.log.Error("Batch sync failed, documents dropped", "size", size, "error", err)
	} else {
		w.collector.RecordSuccess(time.Since(start))
	}
	w.actions = w.actions[:0]
	w.batchStart = time.Now()
}

// flushFinal writes the in-flight batch on shutdown under its own deadline.
func (w *Worker) flushFinal() {
	if len(w.actions) == 0 {
		return
	}
	w.log.Info("Flushing remaining batch on shutdown", "size", len(w.actions))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	w.flush(ctx)
}
