// Package queue provides durable, offset-addressed topic logs with
// synchronous in-memory fan-out. Subscribers see only what is published
// while they are attached; Recover fills the gap after a reconnect.
package queue

import (
	"context"
	"sync"

	"github.com/hupe1980/agentdock/core"
)

// Entry is one durably stored event on a topic.
type Entry struct {
	Offset string     `json:"offset"`
	Topic  string     `json:"topic"`
	Event  core.Event `json:"event"`
}

// Handler receives entries during real-time fan-out.
type Handler func(Entry)

// Queue is the durable topic log contract.
type Queue interface {
	// Publish appends the event durably and fans it out to live
	// subscribers of the topic. It returns the assigned offset; offsets
	// are strictly increasing per topic.
	Publish(ctx context.Context, topic string, ev core.Event) (string, error)
	// Subscribe attaches a real-time handler. No backlog is replayed. The
	// returned function detaches the handler.
	Subscribe(topic string, fn Handler) func()
	// Ack records the consumer's last processed offset on a topic.
	Ack(ctx context.Context, consumerID, topic, offset string) error
	// Recover returns all entries with offset strictly greater than
	// afterOffset, in offset order. An empty afterOffset returns
	// everything retained.
	Recover(ctx context.Context, topic, afterOffset string) ([]Entry, error)
}

// subscribers is the in-process fan-out registry shared by both queue
// implementations. Handlers run synchronously on the publishing
// goroutine.
type subscribers struct {
	mu   sync.Mutex
	seq  int
	subs map[string]map[int]Handler
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[string]map[int]Handler)}
}

func (s *subscribers) add(topic string, fn Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[int]Handler)
	}
	s.seq++
	id := s.seq
	s.subs[topic][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[topic], id)
	}
}

func (s *subscribers) fanOut(e Entry) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.subs[e.Topic]))
	for _, fn := range s.subs[e.Topic] {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(e)
	}
}
