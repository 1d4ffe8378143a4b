// Package driver defines the contract between the agent engine and a
// concrete language model backend. Any backend that satisfies Driver is
// pluggable without touching the core: it only has to emit the canonical
// event taxonomy defined here.
package driver

import (
	"context"

	"github.com/hupe1980/agentdock/core"
)

// StopReason is the normalized reason a model message ended.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
	StopOther        StopReason = "other"
)

// NormalizeStopReason maps a vendor stop reason onto the canonical set.
func NormalizeStopReason(raw string) StopReason {
	switch raw {
	case "end_turn", "stop":
		return StopEndTurn
	case "max_tokens", "length":
		return StopMaxTokens
	case "tool_use", "tool_calls":
		return StopToolUse
	case "stop_sequence":
		return StopStopSequence
	default:
		return StopOther
	}
}

// Event is the closed union of canonical, driver-independent streaming
// events. Concrete types implement the unexported isEvent marker.
type Event interface{ isEvent() }

// MessageStart opens a model message. Exactly one precedes all other events
// of a turn.
type MessageStart struct {
	MessageID string
	Model     string
}

func (MessageStart) isEvent() {}

// TextDelta carries an incremental text fragment.
type TextDelta struct {
	Text string
}

func (TextDelta) isEvent() {}

// ToolUseStart announces a tool invocation block.
type ToolUseStart struct {
	CallID string
	Name   string
}

func (ToolUseStart) isEvent() {}

// InputJSONDelta carries a fragment of the tool input being streamed.
type InputJSONDelta struct {
	CallID   string
	Fragment string
}

func (InputJSONDelta) isEvent() {}

// ToolUseStop closes a tool invocation block with the fully parsed input.
type ToolUseStop struct {
	CallID string
	Name   string
	Input  map[string]any
}

func (ToolUseStop) isEvent() {}

// ToolResult is a tool output arriving out of band (the model echoing its
// own tool output); it is not part of the block machine.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

func (ToolResult) isEvent() {}

// MessageStop terminates a model message. A StopToolUse reason means the
// turn is not yet complete: more content follows once a tool result is
// supplied.
type MessageStop struct {
	StopReason StopReason
}

func (MessageStop) isEvent() {}

// Failure is the terminal event for a backend error; it ends the turn.
type Failure struct {
	Message string
	Code    string
}

func (Failure) isEvent() {}

// Interrupted is the terminal event when an interrupt won the race against
// normal completion. The loser's output is discarded.
type Interrupted struct {
	Reason string
}

func (Interrupted) isEvent() {}

// Request captures everything a driver needs to produce one model turn.
type Request struct {
	SystemPrompt string
	Messages     []core.Message
}

// Driver is the minimal backend interface consumed by the agent engine.
// Receive returns a channel of canonical events plus a terminal error
// channel (buffered size 1), mirroring the streaming generation style used
// throughout AgentDock. Both channels are closed when the turn ends.
type Driver interface {
	// Initialize prepares the backend (client setup, warmup). Idempotent.
	Initialize(ctx context.Context) error

	// Receive drives one model turn over the given conversation history.
	Receive(ctx context.Context, req Request) (<-chan Event, <-chan error)

	// Interrupt requests best-effort cancellation of the in-flight turn.
	Interrupt(ctx context.Context) error

	// Dispose releases backend resources. Idempotent.
	Dispose() error
}
