package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultMaxStreamLen caps every stream we publish to. Trimming is
// approximate so XADD stays O(1).
const DefaultMaxStreamLen = 10000

// Publisher appends entries to streams with approximate length capping.
type Publisher struct {
	client *redis.Client
	maxLen int64
	logger *slog.Logger
}

// NewPublisher creates a publisher. maxLen <= 0 selects DefaultMaxStreamLen.
func NewPublisher(client *redis.Client, maxLen int64, logger *slog.Logger) *Publisher {
	if maxLen <= 0 {
		maxLen = DefaultMaxStreamLen
	}
	return &Publisher{
		client: client,
		maxLen: maxLen,
		logger: logger.With("component", "publisher"),
	}
}

// Publish encodes fields and appends them to stream, returning the assigned
// message ID.
func (p *Publisher) Publish(ctx context.Context, stream string, fields map[string]any) (string, error) {
	values, err := EncodeFields(fields)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd to %s: %w", stream, err)
	}
	p.logger.Debug("Published message", "stream", stream, "message_id", id)
	return id, nil
}

// PublishBatch appends all field sets to stream in one pipelined round trip.
func (p *Publisher) PublishBatch(ctx context.Context, stream string, batch []map[string]any) ([]string, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	pipe := p.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(batch))
	for _, fields := range batch {
		values, err := EncodeFields(fields)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: values,
		}))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pipelined xadd to %s: %w", stream, err)
	}
	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		ids = append(ids, cmd.Val())
	}
	p.logger.Debug("Published batch", "stream", stream, "count", len(ids))
	return ids, nil
}
