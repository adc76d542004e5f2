package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medialens/medialens/pkg/bus"
	"github.com/medialens/medialens/pkg/messages"
)

// drainBatch bounds each reader-group read while polling.
const drainBatch = 100

// expectation describes which media a trigger is waiting for. The zero
// value means no expectation: one drain pass, no polling.
type expectation struct {
	mediaIDs []string
	total    int
}

func (e expectation) none() bool { return len(e.mediaIDs) == 0 && e.total <= 0 }

// collector drains the per-image result streams through dedicated reader
// groups and buffers entries by post until a trigger claims them. Entries
// are acknowledged as soon as they are buffered; the buffer is in-memory
// and scoped to this process.
type collector struct {
	insights *bus.Consumer
	faces    *bus.Consumer
	wait     time.Duration
	poll     time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	buffer map[string][]bufferedEntry
}

type bufferedEntry struct {
	id     string
	fields map[string]any
}

func newCollector(client *redis.Client, podID string, wait, poll time.Duration, log *slog.Logger) *collector {
	reader := func(stream, group string) *bus.Consumer {
		return bus.NewConsumer(client, bus.ConsumerConfig{
			Stream:   stream,
			Group:    group,
			Consumer: podID,
		}, nil, log)
	}
	return &collector{
		insights: reader(messages.StreamMLInsightsResults, messages.GroupInsightsReader),
		faces:    reader(messages.StreamFaceDetectionResults, messages.GroupFacesReader),
		wait:     wait,
		poll:     poll,
		log:      log,
		buffer:   map[string][]bufferedEntry{},
	}
}

func (c *collector) ensureGroups(ctx context.Context) error {
	if err := c.insights.EnsureGroup(ctx); err != nil {
		return err
	}
	return c.faces.EnsureGroup(ctx)
}

// collect merges the trigger's seed insights with streamed results for its
// post, polling until every expected media id carries the full set of
// required services or the wait deadline passes. Without expectations a
// single drain pass is made.
func (c *collector) collect(ctx context.Context, log *slog.Logger, trigger messages.AggregationTrigger) *mediaMap {
	m := newMediaMap()
	for _, seed := range trigger.MediaInsights {
		m.merge(seed)
	}

	if err := c.ensureGroups(ctx); err != nil {
		log.Error("Reader group setup failed, aggregating seed only", "error", err)
		return m
	}

	expect := expectation{mediaIDs: trigger.AllMediaIDs, total: trigger.TotalMedia}
	seen := map[string]struct{}{}
	deadline := time.Now().Add(c.wait)

	for {
		if m.complete(expect) {
			break
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			break
		}

		c.drain(ctx)
		merged := 0
		for _, entry := range c.take(trigger.PostID) {
			if _, dup := seen[entry.id]; dup {
				continue
			}
			seen[entry.id] = struct{}{}
			m.merge(entry.fields)
			merged++
		}

		if expect.none() {
			// Nothing to wait for: take whatever has arrived and move on.
			break
		}
		if merged == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.poll):
			}
		}
	}

	c.reportMissing(log, expect, m)
	return m
}

// drain reads everything new from both result streams into the buffer.
func (c *collector) drain(ctx context.Context) {
	for _, reader := range []*bus.Consumer{c.insights, c.faces} {
		for {
			entries, err := reader.ReadBatch(ctx, drainBatch, -1)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Error("Result stream drain failed", "error", err)
				}
				break
			}
			if len(entries) == 0 {
				break
			}

			ids := make([]string, 0, len(entries))
			for _, entry := range entries {
				ids = append(ids, entry.ID)
				postID := messages.StringField(entry.Fields, "postId")
				if postID == "" {
					postID = messages.StringField(entry.Fields, "post_id")
				}
				if postID == "" {
					continue
				}
				c.mu.Lock()
				c.buffer[postID] = append(c.buffer[postID], bufferedEntry{id: entry.ID, fields: entry.Fields})
				c.mu.Unlock()
			}
			if err := reader.Ack(ctx, ids...); err != nil {
				c.log.Error("Result stream ack failed", "error", err)
			}
			if int64(len(entries)) < drainBatch {
				break
			}
		}
	}
}

// take removes and returns the buffered entries for a post.
func (c *collector) take(postID string) []bufferedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.buffer[postID]
	delete(c.buffer, postID)
	return entries
}

// reportMissing logs, per expected media id, which services never arrived.
// Emission proceeds regardless.
func (c *collector) reportMissing(log *slog.Logger, expect expectation, m *mediaMap) {
	for _, mediaID := range expect.mediaIDs {
		rec, ok := m.records[mediaID]
		if !ok {
			log.Warn("Aggregation missing media insights", "media_id", mediaID)
			continue
		}
		missingRequired := rec.missing(messages.RequiredServices)
		missingOptional := rec.missing([]string{serviceFace})
		if len(missingRequired) > 0 || len(missingOptional) > 0 {
			log.Warn("Aggregation incomplete for media",
				"media_id", mediaID,
				"missing_required", missingRequired,
				"missing_optional", missingOptional)
		}
	}
}
