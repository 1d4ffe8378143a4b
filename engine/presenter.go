package engine

import (
	"context"
	"strings"

	"github.com/hupe1980/agentdock/bus"
	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
	"github.com/hupe1980/agentdock/logging"
)

// Canonical event types observed on the bus during a turn.
const (
	EventMessageStart   = "message_start"
	EventTextDelta      = "text_delta"
	EventToolUseStart   = "tool_use_start"
	EventInputJSONDelta = "input_json_delta"
	EventToolUseStop    = "tool_use_stop"
	EventToolResult     = "tool_result"
	EventMessageStop    = "message_stop"
	EventError          = "error"
	EventInterrupted    = "interrupted"
)

// presenter separates the wire format from the storage format: stream
// category events go straight to the bus (transient deltas, never
// persisted); message category events are written through the session
// before being broadcast.
type presenter struct {
	bus     *bus.Bus
	session *Session
	logger  logging.Logger
	evCtx   core.EventContext

	// Per-turn accumulation. Parts are collected in stream order so the
	// persisted assistant message preserves text/tool interleaving.
	text      strings.Builder
	parts     []core.Part
	toolNames map[string]string
}

func newPresenter(b *bus.Bus, session *Session, logger logging.Logger, evCtx core.EventContext) *presenter {
	return &presenter{bus: b, session: session, logger: logger, evCtx: evCtx, toolNames: map[string]string{}}
}

// reset clears all per-turn accumulation state.
func (p *presenter) reset() {
	p.text.Reset()
	p.parts = nil
	p.toolNames = map[string]string{}
}

// flushText moves buffered text into the ordered part list.
func (p *presenter) flushText() {
	if p.text.Len() > 0 {
		p.parts = append(p.parts, core.TextPart{Text: p.text.String()})
		p.text.Reset()
	}
}

func (p *presenter) emit(eventType string, category core.Category, data map[string]any) {
	ev := core.NewEvent(eventType, "agent", category)
	ev.Data = data
	ev.Broadcastable = true
	ev = ev.WithContext(p.evCtx)
	if err := p.bus.Emit(ev); err != nil {
		p.logger.Warn("event emit rejected", "event_type", eventType, "error", err.Error())
	}
}

// turnOutcome summarizes how a turn-terminating event was classified.
type turnOutcome int

const (
	outcomeContinue turnOutcome = iota
	outcomeComplete
	outcomeAwaitTool
	outcomeFailed
	outcomeInterrupted
)

// handle processes one canonical driver event: persist if it is
// message-category, then broadcast. Returns how the turn state advances.
func (p *presenter) handle(ctx context.Context, ev driver.Event) turnOutcome {
	switch e := ev.(type) {
	case driver.MessageStart:
		p.reset()
		p.emit(EventMessageStart, core.CategoryStream, map[string]any{
			"messageId": e.MessageID,
			"model":     e.Model,
		})
		return outcomeContinue

	case driver.TextDelta:
		p.text.WriteString(e.Text)
		p.emit(EventTextDelta, core.CategoryStream, map[string]any{"text": e.Text})
		return outcomeContinue

	case driver.ToolUseStart:
		p.toolNames[e.CallID] = e.Name
		p.emit(EventToolUseStart, core.CategoryStream, map[string]any{
			"callId": e.CallID,
			"name":   e.Name,
		})
		return outcomeContinue

	case driver.InputJSONDelta:
		p.emit(EventInputJSONDelta, core.CategoryStream, map[string]any{
			"callId":   e.CallID,
			"fragment": e.Fragment,
		})
		return outcomeContinue

	case driver.ToolUseStop:
		// The call is persisted exactly once, as a part of the assistant
		// message written at message_stop; a standalone copy would replay
		// as a duplicate tool_use block.
		p.flushText()
		p.parts = append(p.parts, core.ToolCallPart{CallID: e.CallID, Name: e.Name, Input: e.Input})
		p.emit(EventToolUseStop, core.CategoryMessage, map[string]any{
			"callId": e.CallID,
			"name":   e.Name,
			"input":  e.Input,
		})
		return outcomeContinue

	case driver.ToolResult:
		p.session.Append(ctx, core.NewToolResultMessage(e.CallID, e.Content, e.IsError))
		p.emit(EventToolResult, core.CategoryMessage, map[string]any{
			"callId":  e.CallID,
			"content": e.Content,
			"isError": e.IsError,
		})
		return outcomeContinue

	case driver.MessageStop:
		p.flushText()
		if len(p.parts) > 0 {
			p.session.Append(ctx, core.NewAssistantMessage(p.parts, string(e.StopReason)))
		}
		p.emit(EventMessageStop, core.CategoryMessage, map[string]any{"stopReason": string(e.StopReason)})
		p.reset()
		if e.StopReason == driver.StopToolUse {
			// More content is expected once the tool result is supplied.
			return outcomeAwaitTool
		}
		return outcomeComplete

	case driver.Failure:
		p.session.Append(ctx, core.NewErrorMessage(e.Message, e.Code))
		p.emit(EventError, core.CategoryError, map[string]any{
			"message":   e.Message,
			"errorCode": e.Code,
		})
		p.reset()
		return outcomeFailed

	case driver.Interrupted:
		// The interrupt won the race: any in-flight accumulation is
		// discarded, not persisted.
		p.reset()
		p.emit(EventInterrupted, core.CategoryTurn, map[string]any{"reason": e.Reason})
		return outcomeInterrupted
	}
	return outcomeContinue
}
