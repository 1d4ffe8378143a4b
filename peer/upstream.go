package peer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/logging"
)

// ErrNotConnected is returned by Send while the upstream link is down.
var ErrNotConnected = errors.New("peer: upstream not connected")

// UpstreamOptions tune the outbound connection.
type UpstreamOptions struct {
	// BaseDelay is the first reconnect delay; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the reconnect delay.
	MaxDelay time.Duration
	// MaxAttempts bounds consecutive reconnect attempts; 0 disables
	// reconnection entirely.
	MaxAttempts int
	// Handler receives every event read from the peer.
	Handler func(core.Event)
}

// Upstream is the outbound client half of a peer. State moves
// disconnected -> connecting -> connected, and on unexpected close to
// reconnecting while attempts remain. An explicit Disconnect suppresses
// reconnection.
type Upstream struct {
	url    string
	opts   UpstreamOptions
	logger logging.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	attempt int
	timer   *time.Timer
	closed  bool
}

// NewUpstream creates an upstream for the given ws:// URL. Connect must
// be called to establish the link.
func NewUpstream(url string, opts UpstreamOptions, logger logging.Logger) *Upstream {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 250 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Upstream{url: url, opts: opts, logger: logger, state: StateDisconnected}
}

// State returns the current connection state.
func (u *Upstream) State() ConnState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Connect dials the peer and starts the read loop. It returns once the
// connection is established or the dial fails.
func (u *Upstream) Connect(ctx context.Context) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return errors.New("peer: upstream closed")
	}
	u.state = StateConnecting
	u.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.url, nil)
	if err != nil {
		u.mu.Lock()
		u.state = StateDisconnected
		u.mu.Unlock()
		return err
	}

	u.mu.Lock()
	u.conn = conn
	u.state = StateConnected
	u.attempt = 0
	u.mu.Unlock()

	u.logger.Info("upstream connected", "url", u.url)
	go u.readLoop(conn)
	return nil
}

func (u *Upstream) readLoop(conn *websocket.Conn) {
	for {
		var ev core.Event
		if err := conn.ReadJSON(&ev); err != nil {
			u.onClosed(conn, err)
			return
		}
		if u.opts.Handler != nil {
			u.opts.Handler(ev)
		}
	}
}

// onClosed handles an unexpected connection loss: schedule a reconnect
// if enabled and attempts remain, otherwise settle in disconnected.
func (u *Upstream) onClosed(conn *websocket.Conn, cause error) {
	conn.Close()

	u.mu.Lock()
	if u.conn != conn {
		// A newer connection has replaced this one.
		u.mu.Unlock()
		return
	}
	u.conn = nil
	if u.closed || u.opts.MaxAttempts == 0 || u.attempt >= u.opts.MaxAttempts {
		u.state = StateDisconnected
		u.mu.Unlock()
		return
	}
	u.state = StateReconnecting
	delay := backoffDelay(u.opts.BaseDelay, u.opts.MaxDelay, u.attempt)
	u.attempt++
	u.timer = time.AfterFunc(delay, u.reconnect)
	u.mu.Unlock()

	terr := &core.TransportError{Err: cause}
	u.logger.Warn("upstream connection lost", "url", u.url, "error", terr.Error(), "retry_in", delay.String())
}

func (u *Upstream) reconnect() {
	u.mu.Lock()
	if u.closed || u.state != StateReconnecting {
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()

	if err := u.Connect(context.Background()); err != nil {
		// Connect reset the state to disconnected; schedule the next try
		// through the same path.
		u.mu.Lock()
		if !u.closed && u.attempt < u.opts.MaxAttempts {
			u.state = StateReconnecting
			delay := backoffDelay(u.opts.BaseDelay, u.opts.MaxDelay, u.attempt)
			u.attempt++
			u.timer = time.AfterFunc(delay, u.reconnect)
		}
		u.mu.Unlock()
	}
}

// Send writes one event to the peer.
func (u *Upstream) Send(ev core.Event) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateConnected || u.conn == nil {
		return ErrNotConnected
	}
	return u.conn.WriteJSON(ev)
}

// Disconnect closes the link intentionally, suppressing reconnection and
// cancelling any pending retry timer.
func (u *Upstream) Disconnect() error {
	u.mu.Lock()
	u.closed = true
	u.state = StateDisconnected
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
