package queue

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentdock/core"
)

func TestFormatOffset_LexicographicOrderIsChronological(t *testing.T) {
	base := time.Now().UnixMilli()
	offsets := []string{
		FormatOffset(base, 0),
		FormatOffset(base, 1),
		FormatOffset(base, 12),
		FormatOffset(base+1, 0),
		FormatOffset(base+1000, 3),
	}
	assert.True(t, sort.StringsAreSorted(offsets), "offsets out of order: %v", offsets)
}

func TestOffsetGenerator_StrictlyIncreasing(t *testing.T) {
	var gen offsetGenerator
	prev := ""
	for i := 0; i < 1000; i++ {
		off := gen.Next()
		require.Greater(t, off, prev)
		prev = off
	}
}

func TestMemory_PublishFanOutAndRecover(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(0)

	var seen []string
	off := q.Subscribe("container/c1", func(e Entry) { seen = append(seen, e.Event.Type) })

	o1, err := q.Publish(ctx, "container/c1", core.NewEvent("text_delta", "agent", core.CategoryStream))
	require.NoError(t, err)
	o2, err := q.Publish(ctx, "container/c1", core.NewEvent("message_stop", "agent", core.CategoryMessage))
	require.NoError(t, err)
	require.Greater(t, o2, o1)

	// Fan-out is topic scoped.
	_, err = q.Publish(ctx, "container/other", core.NewEvent("noise", "agent", core.CategoryStream))
	require.NoError(t, err)
	assert.Equal(t, []string{"text_delta", "message_stop"}, seen)

	// No backlog replay after re-subscribing.
	off()
	var late []string
	q.Subscribe("container/c1", func(e Entry) { late = append(late, e.Event.Type) })
	assert.Empty(t, late)

	// Recover fills the gap: everything after o1 is exactly o2.
	entries, err := q.Recover(ctx, "container/c1", o1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, o2, entries[0].Offset)
	assert.Equal(t, "message_stop", entries[0].Event.Type)

	all, err := q.Recover(ctx, "container/c1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemory_SweepClampsToMinAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)

	o1, err := q.Publish(ctx, "t", core.NewEvent("a", "test", core.CategoryStream))
	require.NoError(t, err)
	o2, err := q.Publish(ctx, "t", core.NewEvent("b", "test", core.CategoryStream))
	require.NoError(t, err)

	// Both entries are past the retention window, but the consumer has
	// only acknowledged the first.
	require.NoError(t, q.Ack(ctx, "consumer-1", "t", o1))
	q.Sweep(time.Now().Add(2 * time.Minute))

	entries, err := q.Recover(ctx, "t", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, o2, entries[0].Offset)

	// Once acknowledged, the sweep may take it.
	require.NoError(t, q.Ack(ctx, "consumer-1", "t", o2))
	q.Sweep(time.Now().Add(2 * time.Minute))
	entries, err = q.Recover(ctx, "t", "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_AckNeverRegresses(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(time.Minute)

	o1, err := q.Publish(ctx, "t", core.NewEvent("a", "test", core.CategoryStream))
	require.NoError(t, err)
	o2, err := q.Publish(ctx, "t", core.NewEvent("b", "test", core.CategoryStream))
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, "c", "t", o2))
	require.NoError(t, q.Ack(ctx, "c", "t", o1))

	q.Sweep(time.Now().Add(2 * time.Minute))
	entries, err := q.Recover(ctx, "t", "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func newRedisQueue(t *testing.T, opts ...RedisOption) *Redis {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, opts...)
}

func TestRedis_PublishRecoverRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t)

	var seen []string
	q.Subscribe("container/c1", func(e Entry) { seen = append(seen, e.Event.Type) })

	ev := core.NewEvent("message_stop", "agent", core.CategoryMessage)
	ev.Data["stopReason"] = "end_turn"
	o1, err := q.Publish(ctx, "container/c1", ev)
	require.NoError(t, err)
	o2, err := q.Publish(ctx, "container/c1", core.NewEvent("error", "agent", core.CategoryError))
	require.NoError(t, err)
	require.Greater(t, o2, o1)
	assert.Equal(t, []string{"message_stop", "error"}, seen)

	entries, err := q.Recover(ctx, "container/c1", "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "message_stop", entries[0].Event.Type)
	assert.Equal(t, "end_turn", entries[0].Event.Data["stopReason"])

	tail, err := q.Recover(ctx, "container/c1", o1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, o2, tail[0].Offset)

	none, err := q.Recover(ctx, "container/c1", o2)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedis_SweepClampsToMinAck(t *testing.T) {
	ctx := context.Background()
	q := newRedisQueue(t, WithRetention(time.Minute))

	o1, err := q.Publish(ctx, "t", core.NewEvent("a", "test", core.CategoryStream))
	require.NoError(t, err)
	o2, err := q.Publish(ctx, "t", core.NewEvent("b", "test", core.CategoryStream))
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, "consumer-1", "t", o1))
	require.NoError(t, q.Sweep(ctx, "t", time.Now().Add(2*time.Minute)))

	entries, err := q.Recover(ctx, "t", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, o2, entries[0].Offset)
}
