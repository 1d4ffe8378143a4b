package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentdock/core"
)

// Memory is a process-local Queue. Durability is scoped to the process
// lifetime; it exists for tests and single-node deployments without
// Redis.
type Memory struct {
	retention time.Duration
	gen       offsetGenerator
	fanout    *subscribers

	mu      sync.Mutex
	entries map[string][]Entry
	acks    map[string]map[string]string
}

// NewMemory creates an in-memory queue. retention bounds how long entries
// are kept; zero disables sweeping entirely.
func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		retention: retention,
		fanout:    newSubscribers(),
		entries:   make(map[string][]Entry),
		acks:      make(map[string]map[string]string),
	}
}

// Publish implements Queue.
func (q *Memory) Publish(_ context.Context, topic string, ev core.Event) (string, error) {
	entry := Entry{Offset: q.gen.Next(), Topic: topic, Event: ev}

	q.mu.Lock()
	q.entries[topic] = append(q.entries[topic], entry)
	q.mu.Unlock()

	q.fanout.fanOut(entry)
	return entry.Offset, nil
}

// Subscribe implements Queue.
func (q *Memory) Subscribe(topic string, fn Handler) func() {
	return q.fanout.add(topic, fn)
}

// Ack implements Queue. Offsets only ever advance; a stale ack is
// ignored.
func (q *Memory) Ack(_ context.Context, consumerID, topic, offset string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.acks[topic] == nil {
		q.acks[topic] = make(map[string]string)
	}
	if offset > q.acks[topic][consumerID] {
		q.acks[topic][consumerID] = offset
	}
	return nil
}

// Recover implements Queue.
func (q *Memory) Recover(_ context.Context, topic, afterOffset string) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.entries[topic]
	// Entries are stored in offset order; find the first one past the
	// requested offset.
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Offset > afterOffset })
	out := make([]Entry, len(entries)-i)
	copy(out, entries[i:])
	return out, nil
}

// Sweep removes entries older than the retention window, but never past
// the minimum acknowledged offset while the topic has consumers.
func (q *Memory) Sweep(now time.Time) {
	if q.retention <= 0 {
		return
	}
	ageLimit := FormatOffset(now.Add(-q.retention).UnixMilli(), 0)

	q.mu.Lock()
	defer q.mu.Unlock()
	for topic, entries := range q.entries {
		limit := ageLimit
		if floor, ok := minAck(q.acks[topic]); ok && floor < limit {
			limit = floor
		}
		i := sort.Search(len(entries), func(i int) bool { return entries[i].Offset > limit })
		if i > 0 {
			q.entries[topic] = append([]Entry(nil), entries[i:]...)
		}
	}
}

// minAck returns the smallest acknowledged offset across consumers.
func minAck(acks map[string]string) (string, bool) {
	var floor string
	found := false
	for _, off := range acks {
		if !found || off < floor {
			floor = off
			found = true
		}
	}
	return floor, found
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (q *Memory) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				q.Sweep(now)
			}
		}
	}()
}
