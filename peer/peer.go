// Package peer moves bus events between processes over WebSocket. A peer
// can play two independent roles: upstream (one outbound client
// connection) and downstream (a server accepting many inbound
// connections). The wire format is the JSON event envelope, bit-for-bit.
package peer

import (
	"math/rand"
	"time"
)

// ConnState is the lifecycle state of one connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// Control message types understood by the downstream side.
const (
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
)

// backoffDelay computes the reconnect delay for the given attempt:
// min(base*2^attempt + jitter, max), with jitter drawn from [0, base).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	jitter := time.Duration(rand.Int63n(int64(base)))
	if d+jitter > max {
		return max
	}
	return d + jitter
}
