package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMovedToDLQ signals that the handler dead-lettered the message itself.
// The consumer acknowledges such messages like successes so they are not
// redelivered.
var ErrMovedToDLQ = errors.New("message moved to dead letter queue")

// Handler processes one decoded stream entry. Returning an error other than
// ErrMovedToDLQ leaves the entry pending for a later reclaim.
type Handler func(ctx context.Context, messageID string, fields map[string]any) error

// DeadLetterFunc writes a message that exhausted its delivery budget to the
// dead letter stream. The entry is acknowledged only if the write succeeds.
type DeadLetterFunc func(ctx context.Context, messageID string, fields map[string]any) error

// ConsumerConfig describes one consumer-group membership.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string

	// BlockTimeout bounds each XREADGROUP call so the loop can observe
	// cancellation and run the pending scan.
	BlockTimeout time.Duration
	// BatchCount is the maximum number of entries per read.
	BatchCount int64
	// PendingIdle is how long an unacknowledged entry must sit idle before
	// another consumer may claim it.
	PendingIdle time.Duration
	// PendingCheckInterval is the cadence of the stale-entry scan.
	PendingCheckInterval time.Duration
	// MaxClaimFailures is the delivery count at which an entry stops being
	// reclaimed and goes to the dead letter stream instead.
	MaxClaimFailures int64
}

func (c *ConsumerConfig) applyDefaults() {
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.BatchCount <= 0 {
		c.BatchCount = 10
	}
	if c.PendingIdle <= 0 {
		c.PendingIdle = 5 * time.Minute
	}
	if c.PendingCheckInterval <= 0 {
		c.PendingCheckInterval = time.Minute
	}
	if c.MaxClaimFailures <= 0 {
		c.MaxClaimFailures = 3
	}
}

// Entry is one decoded stream entry returned by ReadBatch.
type Entry struct {
	ID     string
	Fields map[string]any
}

// Consumer reads a stream as a member of a consumer group and drives a
// handler with at-least-once delivery.
type Consumer struct {
	client     *redis.Client
	cfg        ConsumerConfig
	handler    Handler
	deadLetter DeadLetterFunc
	logger     *slog.Logger
}

// NewConsumer creates a consumer. handler may be nil when the caller only
// uses ReadBatch and Ack.
func NewConsumer(client *redis.Client, cfg ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("stream", cfg.Stream, "group", cfg.Group),
	}
}

// SetDeadLetter installs the sink for entries whose delivery count reaches
// MaxClaimFailures. Without a sink such entries keep being reclaimed.
func (c *Consumer) SetDeadLetter(fn DeadLetterFunc) {
	c.deadLetter = fn
}

// EnsureGroup creates the consumer group from the start of the stream,
// creating the stream if it does not exist yet. An existing group is fine.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.cfg.Group, c.cfg.Stream, err)
	}
	return nil
}

// Run consumes until ctx is cancelled, then returns nil. Stale pending
// entries are claimed once at startup and again at every pending check
// interval.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("Consumer started", "consumer", c.cfg.Consumer)

	c.claimStale(ctx)
	lastClaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopped", "consumer", c.cfg.Consumer)
			return nil
		default:
		}

		if time.Since(lastClaim) >= c.cfg.PendingCheckInterval {
			c.claimStale(ctx)
			lastClaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    c.cfg.BatchCount,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				c.logger.Info("Consumer stopped", "consumer", c.cfg.Consumer)
				return nil
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				c.logger.Warn("Consumer group missing, recreating")
				if gerr := c.EnsureGroup(ctx); gerr != nil {
					c.logger.Error("Group recreation failed", "error", gerr)
				}
				c.sleep(ctx, 2*time.Second)
				continue
			}
			c.logger.Error("Stream read failed", "error", err)
			c.sleep(ctx, time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.dispatch(ctx, msg)
			}
		}
	}
}

// ReadBatch reads up to count new entries for this consumer, blocking up to
// block. Entries are returned decoded and unacknowledged; callers ack them
// with Ack once processed. A nil slice means the stream had nothing new.
func (c *Consumer) ReadBatch(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", c.cfg.Stream, err)
	}
	var entries []Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entries = append(entries, Entry{ID: msg.ID, Fields: DecodeFields(stringValues(msg.Values))})
		}
	}
	return entries, nil
}

// Ack acknowledges processed entries.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", c.cfg.Stream, err)
	}
	return nil
}

// dispatch runs the handler for one entry and acknowledges it on success or
// explicit dead-letter. Any other handler error leaves the entry pending so
// the idle reclaim picks it up later.
func (c *Consumer) dispatch(ctx context.Context, msg redis.XMessage) {
	if len(msg.Values) == 0 {
		// Trimmed or empty entry, nothing to process.
		c.ack(ctx, msg.ID)
		return
	}
	fields := DecodeFields(stringValues(msg.Values))

	err := c.handler(ctx, msg.ID, fields)
	switch {
	case err == nil:
		c.ack(ctx, msg.ID)
	case errors.Is(err, ErrMovedToDLQ):
		c.logger.Warn("Message dead-lettered by handler", "message_id", msg.ID)
		c.ack(ctx, msg.ID)
	default:
		c.logger.Error("Handler failed, leaving message pending",
			"message_id", msg.ID,
			"error", err)
	}
}

// claimStale scans the group's pending entries and reprocesses the ones idle
// past PendingIdle. Entries already delivered MaxClaimFailures times go to
// the dead letter sink instead of being claimed again.
func (c *Consumer) claimStale(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.PendingIdle,
		Start:  "-",
		End:    "+",
		Count:  50,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) && !strings.Contains(err.Error(), "NOGROUP") {
			c.logger.Error("Pending scan failed", "error", err)
		}
		return
	}

	for _, p := range pending {
		if c.deadLetter != nil && p.RetryCount >= c.cfg.MaxClaimFailures {
			c.moveToDeadLetter(ctx, p)
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.cfg.Stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.PendingIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.logger.Error("Claim failed", "message_id", p.ID, "error", err)
			}
			continue
		}
		for _, msg := range claimed {
			c.logger.Info("Reprocessing claimed message",
				"message_id", msg.ID,
				"times_delivered", p.RetryCount)
			c.dispatch(ctx, msg)
		}
	}
}

// moveToDeadLetter fetches the original entry, hands it to the dead letter
// sink and acknowledges it. An entry already trimmed from the stream is
// acknowledged without a dead letter write.
func (c *Consumer) moveToDeadLetter(ctx context.Context, p redis.XPendingExt) {
	entries, err := c.client.XRangeN(ctx, c.cfg.Stream, p.ID, p.ID, 1).Result()
	if err != nil {
		c.logger.Error("Original message fetch failed", "message_id", p.ID, "error", err)
		return
	}
	if len(entries) == 0 {
		c.logger.Warn("Original message trimmed, acking without dead letter", "message_id", p.ID)
		c.ack(ctx, p.ID)
		return
	}

	fields := DecodeFields(stringValues(entries[0].Values))
	if err := c.deadLetter(ctx, p.ID, fields); err != nil {
		c.logger.Error("Dead letter write failed, leaving message pending",
			"message_id", p.ID,
			"error", err)
		return
	}
	c.logger.Warn("Message exhausted delivery budget, dead-lettered",
		"message_id", p.ID,
		"times_delivered", p.RetryCount)
	c.ack(ctx, p.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("Ack failed", "message_id", id, "error", err)
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func stringValues(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
