// Package stream converts a driver's raw incremental output into the
// canonical ordered event sequence consumed by the agent engine. It is a
// state machine over one in-flight model turn:
//
//	idle → message-open → {text-block | tool-block} → message-open → turn-complete
//
// The normalizer never fails a turn on malformed tool input; parse failures
// degrade to an empty input object so the stream stays well-formed.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/hupe1980/agentdock/driver"
)

// openBlock tracks one content block between BlockStart and BlockStop.
type openBlock struct {
	kind     BlockKind
	toolID   string
	toolName string
	input    strings.Builder
}

// Normalizer turns Chunks into canonical driver events. It is not safe for
// concurrent use; one normalizer serves exactly one turn stream at a time.
type Normalizer struct {
	blocks     map[int]*openBlock
	stopReason driver.StopReason
	hasStop    bool
}

// NewNormalizer creates a normalizer in the idle state.
func NewNormalizer() *Normalizer {
	return &Normalizer{blocks: make(map[int]*openBlock)}
}

// Reset drops all block-tracking state, returning to idle.
func (n *Normalizer) Reset() {
	n.blocks = make(map[int]*openBlock)
	n.stopReason = ""
	n.hasStop = false
}

// Push advances the state machine with one raw chunk and returns the
// canonical events it produces, possibly none.
func (n *Normalizer) Push(c Chunk) []driver.Event {
	switch chunk := c.(type) {
	case MessageStart:
		n.Reset()
		return []driver.Event{driver.MessageStart{MessageID: chunk.MessageID, Model: chunk.Model}}

	case BlockStart:
		blk := &openBlock{kind: chunk.Kind, toolID: chunk.ToolID, toolName: chunk.ToolName}
		n.blocks[chunk.Index] = blk
		if chunk.Kind == BlockToolUse {
			return []driver.Event{driver.ToolUseStart{CallID: chunk.ToolID, Name: chunk.ToolName}}
		}
		// Text blocks are implicit; no event until the first delta.
		return nil

	case TextDelta:
		if chunk.Text == "" {
			return nil
		}
		return []driver.Event{driver.TextDelta{Text: chunk.Text}}

	case InputJSONDelta:
		blk, ok := n.blocks[chunk.Index]
		if !ok || blk.kind != BlockToolUse {
			return nil
		}
		blk.input.WriteString(chunk.Partial)
		return []driver.Event{driver.InputJSONDelta{CallID: blk.toolID, Fragment: chunk.Partial}}

	case BlockStop:
		blk, ok := n.blocks[chunk.Index]
		if !ok {
			return nil
		}
		delete(n.blocks, chunk.Index)
		if blk.kind != BlockToolUse {
			return nil
		}
		return []driver.Event{driver.ToolUseStop{
			CallID: blk.toolID,
			Name:   blk.toolName,
			Input:  parseToolInput(blk.input.String()),
		}}

	case MessageDelta:
		if chunk.StopReason != "" {
			n.stopReason = driver.NormalizeStopReason(chunk.StopReason)
			n.hasStop = true
		}
		return nil

	case MessageStop:
		reason := driver.StopEndTurn
		if n.hasStop {
			reason = n.stopReason
		}
		return []driver.Event{driver.MessageStop{StopReason: reason}}

	case ToolResult:
		return []driver.Event{driver.ToolResult{CallID: chunk.CallID, Content: chunk.Content, IsError: chunk.IsError}}

	case Failure:
		return []driver.Event{driver.Failure{Message: chunk.Message, Code: chunk.Code}}
	}
	return nil
}

// parseToolInput parses the accumulated tool input buffer. Empty or invalid
// input yields an empty object rather than an error.
func parseToolInput(raw string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]any{}
	}
	return input
}
