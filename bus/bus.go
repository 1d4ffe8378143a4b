// Package bus implements the in-process typed publish/subscribe broker that
// every AgentDock subsystem communicates through. Dispatch is synchronous
// and ordered; durability across restarts is the message queue's job, not
// the bus's.
package bus

import (
	"errors"
	"sort"
	"sync"

	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/logging"
)

// ErrBusDestroyed is returned by Emit after Destroy has been called.
var ErrBusDestroyed = errors.New("bus: destroyed")

// Handler receives a matching event during synchronous dispatch.
type Handler func(core.Event)

// Filter decides whether a subscription wants a given event. A nil filter
// accepts everything.
type Filter func(core.Event) bool

// subscription is the internal registration record. The subscription table
// is owned by the Bus and only ever mutated through On/unsubscribe/Destroy.
type subscription struct {
	seq      uint64
	types    map[string]struct{}
	wildcard bool
	handler  Handler
	filter   Filter
	priority int
	once     bool
	removed  bool
}

func (s *subscription) matches(ev core.Event) bool {
	if !s.wildcard {
		if _, ok := s.types[ev.Type]; !ok {
			return false
		}
	}
	if s.filter != nil && !s.filter(ev) {
		return false
	}
	return true
}

// Option configures a single subscription.
type Option func(s *subscription)

// WithFilter restricts delivery to events the filter accepts.
func WithFilter(f Filter) Option {
	return func(s *subscription) { s.filter = f }
}

// WithPriority orders dispatch; higher priorities run first. Subscriptions
// of equal priority run in subscription order.
func WithPriority(p int) Option {
	return func(s *subscription) { s.priority = p }
}

// WithOnce removes the subscription after its first invocation, even when
// the handler panics.
func WithOnce() Option {
	return func(s *subscription) { s.once = true }
}

// Bus is a synchronous in-memory event broker. It is safe for concurrent
// use; handlers themselves run on the emitting goroutine.
type Bus struct {
	mu        sync.Mutex
	seq       uint64
	subs      []*subscription
	destroyed bool
	logger    logging.Logger
}

// New creates an empty bus. A nil logger falls back to NoOpLogger.
func New(logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Bus{logger: logger}
}

// On subscribes handler to the given event types. The special type "*"
// matches every event. The returned function removes the subscription; it
// is idempotent.
func (b *Bus) On(types []string, handler Handler, opts ...Option) func() {
	sub := &subscription{handler: handler, types: make(map[string]struct{}, len(types))}
	for _, opt := range opts {
		opt(sub)
	}
	for _, t := range types {
		if t == "*" {
			sub.wildcard = true
			continue
		}
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return func() {}
	}
	b.seq++
	sub.seq = b.seq
	b.subs = append(b.subs, sub)

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.removed = true
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit dispatches the event synchronously to all matching subscriptions in
// priority order. A panicking handler is isolated and logged; dispatch
// continues with the remaining handlers.
func (b *Bus) Emit(ev core.Event) error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrBusDestroyed
	}
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(ev) {
			matched = append(matched, sub)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].priority > matched[j].priority
	})
	b.mu.Unlock()

	for _, sub := range matched {
		b.mu.Lock()
		if sub.removed {
			b.mu.Unlock()
			continue
		}
		if sub.once {
			// Mark before invoking so a panic cannot resurrect the
			// subscription.
			sub.removed = true
		}
		b.mu.Unlock()

		if sub.once {
			b.remove(sub)
		}
		b.invoke(sub, ev)
	}
	return nil
}

func (b *Bus) invoke(sub *subscription, ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panic", "event_type", ev.Type, "panic", r)
		}
	}()
	sub.handler(ev)
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Destroy clears all subscriptions and rejects further Emit calls.
func (b *Bus) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	for _, sub := range b.subs {
		sub.removed = true
	}
	b.subs = nil
}
