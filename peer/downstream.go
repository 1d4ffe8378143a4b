package peer

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/logging"
)

// ConnectionInfo is the externally visible state of one inbound
// connection.
type ConnectionInfo struct {
	ID     string
	State  ConnState
	Topics []string
}

// downConn is one inbound connection. Writes are serialized through the
// connection's own mutex; the registry only tracks membership.
type downConn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	state  ConnState
	topics map[string]struct{}
}

func (c *downConn) send(ev core.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(ev)
}

// wantsTopic reports whether the connection should receive broadcasts
// for the topic. A connection with no subscriptions receives everything.
func (c *downConn) wantsTopic(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// Downstream is the server half of a peer: it upgrades inbound HTTP
// requests, keeps the connection registry, and fans broadcasts out to
// connected clients. The registry is owned by the Downstream; external
// code reads it through Connections.
type Downstream struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	// Handler receives every non-control event read from any connection.
	handler func(connID string, ev core.Event)

	mu    sync.Mutex
	conns map[string]*downConn
}

// NewDownstream creates a downstream server. handler may be nil if
// inbound events are not of interest.
func NewDownstream(handler func(connID string, ev core.Event), logger logging.Logger) *Downstream {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Downstream{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger,
		handler:  handler,
		conns:    make(map[string]*downConn),
	}
}

// ServeHTTP upgrades the request and runs the connection until it
// closes.
func (d *Downstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	conn := &downConn{
		id:     core.NewID(),
		ws:     ws,
		state:  StateConnected,
		topics: make(map[string]struct{}),
	}
	d.mu.Lock()
	d.conns[conn.id] = conn
	d.mu.Unlock()
	d.logger.Info("downstream connection opened", "conn_id", conn.id)

	d.readLoop(conn)
}

func (d *Downstream) readLoop(conn *downConn) {
	defer d.drop(conn)
	for {
		var ev core.Event
		if err := conn.ws.ReadJSON(&ev); err != nil {
			return
		}
		switch ev.Type {
		case ControlSubscribe, ControlUnsubscribe:
			d.applyControl(conn, ev)
		default:
			if d.handler != nil {
				d.handler(conn.id, ev)
			}
		}
	}
}

// applyControl mutates the connection's topic set from a
// subscribe/unsubscribe control message.
func (d *Downstream) applyControl(conn *downConn, ev core.Event) {
	topic, _ := ev.Data["topic"].(string)
	if topic == "" {
		return
	}
	conn.mu.Lock()
	if ev.Type == ControlSubscribe {
		conn.topics[topic] = struct{}{}
	} else {
		delete(conn.topics, topic)
	}
	conn.mu.Unlock()
	d.logger.Debug("subscription changed", "conn_id", conn.id, "op", ev.Type, "topic", topic)
}

func (d *Downstream) drop(conn *downConn) {
	conn.mu.Lock()
	conn.state = StateDisconnected
	conn.mu.Unlock()
	conn.ws.Close()

	d.mu.Lock()
	delete(d.conns, conn.id)
	d.mu.Unlock()
	d.logger.Info("downstream connection closed", "conn_id", conn.id)
}

// Connections returns a snapshot of all registered connections.
func (d *Downstream) Connections() []ConnectionInfo {
	d.mu.Lock()
	conns := make([]*downConn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		info := ConnectionInfo{ID: c.id, State: c.state}
		for t := range c.topics {
			info.Topics = append(info.Topics, t)
		}
		c.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// ConnectionCount returns the number of registered connections.
func (d *Downstream) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Send writes one event to a single connection.
func (d *Downstream) Send(connID string, ev core.Event) error {
	d.mu.Lock()
	conn, ok := d.conns[connID]
	d.mu.Unlock()
	if !ok {
		return core.NewNotFound("connection", connID)
	}
	return conn.send(ev)
}

// Broadcast fans the event out to every connected client subscribed to
// the topic. Non-broadcastable events never leave the process; a send
// failure on one connection does not stop delivery to the others.
func (d *Downstream) Broadcast(topic string, ev core.Event) {
	if !ev.Broadcastable {
		return
	}

	d.mu.Lock()
	conns := make([]*downConn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		connected := c.state == StateConnected
		c.mu.Unlock()
		if !connected || !c.wantsTopic(topic) {
			continue
		}
		if err := c.send(ev); err != nil {
			d.logger.Warn("broadcast send failed", "conn_id", c.id, "event_type", ev.Type, "error", err.Error())
		}
	}
}

// Close disconnects every client and clears the registry.
func (d *Downstream) Close() {
	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[string]*downConn)
	d.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.ws.Close()
	}
}
