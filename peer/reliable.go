package peer

import (
	"sync"
	"time"

	"github.com/hupe1980/agentdock/core"
)

// SendFunc delivers one event to the remote side.
type SendFunc func(core.Event) error

// ReliableSender tags outgoing events with a message id and exposes ack
// and timeout as two independent callbacks. It never retries on its own;
// retry policy belongs to the caller.
type ReliableSender struct {
	send    SendFunc
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingSend
	closed  bool
}

type pendingSend struct {
	timer *time.Timer
	onAck func()
}

// NewReliableSender wraps send with ack tracking. timeout bounds how long
// an ack may take before the timeout callback fires.
func NewReliableSender(send SendFunc, timeout time.Duration) *ReliableSender {
	return &ReliableSender{
		send:    send,
		timeout: timeout,
		pending: make(map[string]*pendingSend),
	}
}

// Send delivers the event with a fresh messageId in its data and arms the
// timeout. Exactly one of onAck or onTimeout fires, unless Close cancels
// the exchange first.
func (r *ReliableSender) Send(ev core.Event, onAck, onTimeout func()) (string, error) {
	id := core.NewID()
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	ev.Data["messageId"] = id

	if err := r.send(ev); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return id, nil
	}
	p := &pendingSend{onAck: onAck}
	p.timer = time.AfterFunc(r.timeout, func() {
		if r.take(id) != nil && onTimeout != nil {
			onTimeout()
		}
	})
	r.pending[id] = p
	return id, nil
}

// Ack completes the exchange for the given message id. Unknown or
// already-settled ids are ignored.
func (r *ReliableSender) Ack(messageID string) {
	p := r.take(messageID)
	if p == nil {
		return
	}
	p.timer.Stop()
	if p.onAck != nil {
		p.onAck()
	}
}

// take removes and returns the pending record, or nil if it was already
// settled.
func (r *ReliableSender) take(messageID string) *pendingSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[messageID]
	if !ok {
		return nil
	}
	delete(r.pending, messageID)
	return p
}

// PendingCount returns the number of unacknowledged sends.
func (r *ReliableSender) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close cancels all outstanding timers. No callbacks fire after Close.
func (r *ReliableSender) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, id)
	}
}
