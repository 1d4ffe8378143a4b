package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentdock/core"
)

// Redis is a Queue whose topic logs survive process restarts. Each topic
// keeps a lexicographic sorted set of offsets, a hash of offset to entry
// payload, and a hash of consumer acknowledgements. Real-time fan-out
// stays in-process; Redis only provides the durable log Recover reads.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
	gen       offsetGenerator
	fanout    *subscribers
}

// RedisOption configures a Redis queue.
type RedisOption func(*Redis)

// WithKeyPrefix overrides the default "agentdock:queue" key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(q *Redis) { q.keyPrefix = prefix }
}

// WithRetention bounds how long entries are kept. Zero disables sweeping.
func WithRetention(d time.Duration) RedisOption {
	return func(q *Redis) { q.retention = d }
}

// NewRedis creates a Redis-backed queue over the given client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	q := &Redis{
		client:    client,
		keyPrefix: "agentdock:queue",
		fanout:    newSubscribers(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Redis) offsetsKey(topic string) string { return q.keyPrefix + ":" + topic + ":offsets" }
func (q *Redis) entriesKey(topic string) string { return q.keyPrefix + ":" + topic + ":entries" }
func (q *Redis) acksKey(topic string) string    { return q.keyPrefix + ":" + topic + ":acks" }

// Publish implements Queue.
func (q *Redis) Publish(ctx context.Context, topic string, ev core.Event) (string, error) {
	entry := Entry{Offset: q.gen.Next(), Topic: topic, Event: ev}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode queue entry: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.offsetsKey(topic), redis.Z{Score: 0, Member: entry.Offset})
	pipe.HSet(ctx, q.entriesKey(topic), entry.Offset, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}

	q.fanout.fanOut(entry)
	return entry.Offset, nil
}

// Subscribe implements Queue.
func (q *Redis) Subscribe(topic string, fn Handler) func() {
	return q.fanout.add(topic, fn)
}

// Ack implements Queue. Offsets only ever advance; a stale ack is
// ignored.
func (q *Redis) Ack(ctx context.Context, consumerID, topic, offset string) error {
	current, err := q.client.HGet(ctx, q.acksKey(topic), consumerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read ack for %s on %s: %w", consumerID, topic, err)
	}
	if offset <= current {
		return nil
	}
	if err := q.client.HSet(ctx, q.acksKey(topic), consumerID, offset).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", consumerID, topic, err)
	}
	return nil
}

// Recover implements Queue.
func (q *Redis) Recover(ctx context.Context, topic, afterOffset string) ([]Entry, error) {
	min := "-"
	if afterOffset != "" {
		min = "(" + afterOffset
	}
	offsets, err := q.client.ZRangeByLex(ctx, q.offsetsKey(topic), &redis.ZRangeBy{Min: min, Max: "+"}).Result()
	if err != nil {
		return nil, fmt.Errorf("recover offsets for %s: %w", topic, err)
	}
	if len(offsets) == 0 {
		return nil, nil
	}

	raw, err := q.client.HMGet(ctx, q.entriesKey(topic), offsets...).Result()
	if err != nil {
		return nil, fmt.Errorf("recover entries for %s: %w", topic, err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			// The entry was swept between the two reads; skip it.
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			return nil, fmt.Errorf("decode queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sweep removes entries older than the retention window, but never past
// the minimum acknowledged offset while the topic has consumers.
func (q *Redis) Sweep(ctx context.Context, topic string, now time.Time) error {
	if q.retention <= 0 {
		return nil
	}
	limit := FormatOffset(now.Add(-q.retention).UnixMilli(), 0)

	acks, err := q.client.HGetAll(ctx, q.acksKey(topic)).Result()
	if err != nil {
		return fmt.Errorf("read acks for %s: %w", topic, err)
	}
	if floor, ok := minAck(acks); ok && floor < limit {
		limit = floor
	}

	expired, err := q.client.ZRangeByLex(ctx, q.offsetsKey(topic), &redis.ZRangeBy{Min: "-", Max: "[" + limit}).Result()
	if err != nil {
		return fmt.Errorf("sweep offsets for %s: %w", topic, err)
	}
	if len(expired) == 0 {
		return nil
	}

	pipe := q.client.TxPipeline()
	pipe.ZRemRangeByLex(ctx, q.offsetsKey(topic), "-", "["+limit)
	pipe.HDel(ctx, q.entriesKey(topic), expired...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sweep %s: %w", topic, err)
	}
	return nil
}

// StartSweeper sweeps the given topics on the interval until ctx is
// cancelled.
func (q *Redis) StartSweeper(ctx context.Context, interval time.Duration, topics ...string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, topic := range topics {
					_ = q.Sweep(ctx, topic, now)
				}
			}
		}
	}()
}
