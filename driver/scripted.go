package driver

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/agentdock/core"
)

// ErrDisposed is returned by Receive once the driver has been disposed.
var ErrDisposed = errors.New("driver: disposed")

// Scripted is a deterministic in-memory Driver useful for tests and
// examples. Each call to Receive replays the next scripted turn; when the
// script is exhausted it falls back to a single-text-delta echo of the last
// user message.
type Scripted struct {
	mu       sync.Mutex
	turns    [][]Event
	next     int
	disposed bool
	abort    chan struct{}
}

// NewScripted creates a scripted driver with no canned turns.
func NewScripted() *Scripted {
	return &Scripted{abort: make(chan struct{})}
}

// AddTurn appends one turn's canonical event sequence to the script.
func (d *Scripted) AddTurn(events ...Event) *Scripted {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turns = append(d.turns, events)
	return d
}

// EchoTurn returns the default event sequence for an unscripted turn.
func EchoTurn(text string) []Event {
	return []Event{
		MessageStart{MessageID: core.NewID(), Model: "scripted"},
		TextDelta{Text: "Echo: " + text},
		MessageStop{StopReason: StopEndTurn},
	}
}

// Initialize implements Driver.
func (d *Scripted) Initialize(context.Context) error { return nil }

// Receive implements Driver, replaying the next scripted turn.
func (d *Scripted) Receive(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	out := make(chan Event, 32)
	errCh := make(chan error, 1)

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		errCh <- ErrDisposed
		close(out)
		close(errCh)
		return out, errCh
	}
	var events []Event
	if d.next < len(d.turns) {
		events = d.turns[d.next]
		d.next++
	} else {
		var lastUser string
		for _, m := range req.Messages {
			if um, ok := m.(core.UserMessage); ok {
				lastUser = um.Text
			}
		}
		events = EchoTurn(lastUser)
	}
	abort := d.abort
	d.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)
		for _, ev := range events {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-abort:
				out <- Interrupted{Reason: "user_request"}
				return
			case out <- ev:
			}
		}
	}()

	return out, errCh
}

// Interrupt implements Driver by aborting the current replay.
func (d *Scripted) Interrupt(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.abort:
	default:
		close(d.abort)
	}
	d.abort = make(chan struct{})
	return nil
}

// Dispose implements Driver.
func (d *Scripted) Dispose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disposed = true
	return nil
}
