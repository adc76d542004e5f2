// Package dlqproc implements the dead letter processor. Every envelope
// arriving on ai-processing-dlq is logged with its full context; when auto
// retry is enabled the original payload goes back onto the image job stream
// with markers identifying the failed delivery.
package dlqproc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/config"
	"github.com/medialens/medialens/pkg/messages"
)

// Worker consumes ai-processing-dlq.
type Worker struct {
	publisher *bus.Publisher
	autoRetry bool
	log       *slog.Logger
}

// New builds the dead letter processor.
func New(publisher *bus.Publisher, cfg config.DLQProcessor, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{publisher: publisher, autoRetry: cfg.AutoRetry, log: log}
}

// Process records one dead letter. The envelope is logged at error level so
// poison messages surface in monitoring even when auto retry drains them.
func (w *Worker) Process(ctx context.Context, messageID string, fields map[string]any) error {
	entry := messages.DLQEntryFromFields(fields)
	service := orUnknown(entry.Service)
	originalID := orUnknown(entry.OriginalMessageID)
	original := originalData(fields, entry)

	w.log.Error("Dead letter received",
		"dlq_message_id", messageID,
		"failed_service", service,
		"error", orUnknown(entry.Error),
		"error_type", orUnknown(entry.ErrorType),
		"retry_count", entry.RetryCount,
		"original_message_id", originalID,
		"original_data", original,
		"failure_timestamp", entry.Timestamp)

	if !w.autoRetry {
		w.log.Info("Auto retry disabled, dead letter logged only",
			"original_message_id", originalID,
			"failed_service", service)
		return nil
	}

	retry := make(map[string]any, len(original)+3)
	for k, v := range original {
		retry[k] = v
	}
	retry["dlqRetry"] = "true"
	retry["dlqOriginalService"] = service
	retry["dlqOriginalMessageId"] = originalID

	if _, err := w.publisher.Publish(ctx, messages.StreamPostImageProcessing, retry); err != nil {
		return fmt.Errorf("republishing dead letter: %w", err)
	}
	w.log.Info("Dead letter republished for retry",
		"retry_stream", messages.StreamPostImageProcessing,
		"original_message_id", originalID,
		"failed_service", service)
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// originalData recovers the failed entry's payload. A payload that did not
// decode as a map is kept under a raw key so nothing is lost from the log.
func originalData(fields map[string]any, entry messages.DLQEntry) map[string]any {
	if entry.OriginalData != nil {
		return entry.OriginalData
	}
	v, ok := fields["originalData"]
	if !ok || v == nil {
		return map[string]any{}
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return map[string]any{}
		}
		return map[string]any{"raw": s}
	}
	return map[string]any{"raw": fmt.Sprint(v)}
}
