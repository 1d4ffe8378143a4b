package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the closed union of persisted conversation entries. Concrete
// message types implement the unexported isMessage marker. This is the
// storage-side shape; streaming deltas never become Messages directly.
type Message interface {
	isMessage()
	// MessageID returns the stable id assigned at creation.
	MessageID() string
	// Kind returns the discriminator used by MessageRecord.
	Kind() MessageKind
}

// MessageKind discriminates MessageRecord payloads.
type MessageKind string

const (
	MessageKindUser       MessageKind = "user"
	MessageKindAssistant  MessageKind = "assistant"
	MessageKindToolCall   MessageKind = "tool-call"
	MessageKindToolResult MessageKind = "tool-result"
	MessageKindError      MessageKind = "error"
)

// Part represents a polymorphic segment of assistant content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) isPart() {}

// ToolCallPart embeds a tool invocation inside assistant content, preserving
// its position relative to surrounding text.
type ToolCallPart struct {
	CallID string         `json:"callId"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
}

func (ToolCallPart) isPart() {}

// UserMessage is a user-authored text entry.
type UserMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
}

func (UserMessage) isMessage()          {}
func (m UserMessage) MessageID() string { return m.ID }
func (UserMessage) Kind() MessageKind   { return MessageKindUser }

// AssistantMessage holds the model's completed turn output as ordered parts.
type AssistantMessage struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Parts      []Part    `json:"parts"`
	StopReason string    `json:"stopReason,omitempty"`
}

func (AssistantMessage) isMessage()          {}
func (m AssistantMessage) MessageID() string { return m.ID }
func (AssistantMessage) Kind() MessageKind   { return MessageKindAssistant }

// Text concatenates all text parts in order.
func (m AssistantMessage) Text() string {
	var s string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			s += tp.Text
		}
	}
	return s
}

// ToolCallMessage records a single tool invocation requested by the model.
type ToolCallMessage struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	CallID    string         `json:"callId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
}

func (ToolCallMessage) isMessage()          {}
func (m ToolCallMessage) MessageID() string { return m.ID }
func (ToolCallMessage) Kind() MessageKind   { return MessageKindToolCall }

// ToolResultMessage records the outcome of a tool invocation, keyed by the
// originating call id.
type ToolResultMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	CallID    string    `json:"callId"`
	Content   string    `json:"content"`
	IsError   bool      `json:"isError,omitempty"`
}

func (ToolResultMessage) isMessage()          {}
func (m ToolResultMessage) MessageID() string { return m.ID }
func (ToolResultMessage) Kind() MessageKind   { return MessageKindToolResult }

// ErrorMessage records a turn-terminating failure in the conversation log.
type ErrorMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	ErrorCode string    `json:"errorCode,omitempty"`
}

func (ErrorMessage) isMessage()          {}
func (m ErrorMessage) MessageID() string { return m.ID }
func (ErrorMessage) Kind() MessageKind   { return MessageKindError }

// NewUserMessage creates a user message with a fresh id and UTC timestamp.
func NewUserMessage(text string) UserMessage {
	return UserMessage{ID: NewID(), Timestamp: time.Now().UTC(), Text: text}
}

// NewAssistantMessage creates an assistant message from ordered parts.
func NewAssistantMessage(parts []Part, stopReason string) AssistantMessage {
	return AssistantMessage{ID: NewID(), Timestamp: time.Now().UTC(), Parts: parts, StopReason: stopReason}
}

// NewToolCallMessage creates a tool-call message for the given invocation.
func NewToolCallMessage(callID, name string, input map[string]any) ToolCallMessage {
	return ToolCallMessage{ID: NewID(), Timestamp: time.Now().UTC(), CallID: callID, Name: name, Input: input}
}

// NewToolResultMessage creates a tool-result message bound to callID.
func NewToolResultMessage(callID, content string, isError bool) ToolResultMessage {
	return ToolResultMessage{ID: NewID(), Timestamp: time.Now().UTC(), CallID: callID, Content: content, IsError: isError}
}

// NewErrorMessage creates an error message entry.
func NewErrorMessage(message, code string) ErrorMessage {
	return ErrorMessage{ID: NewID(), Timestamp: time.Now().UTC(), Message: message, ErrorCode: code}
}

// MessageRecord is the storage envelope for a Message. Kind discriminates
// the payload so repositories can round-trip the union without reflection.
type MessageRecord struct {
	ID        string          `json:"id"`
	Kind      MessageKind     `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// assistantRecord is the JSON shape of AssistantMessage with parts widened
// to a tagged form, since Part is an interface.
type assistantRecord struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Parts      []taggedPart `json:"parts"`
	StopReason string       `json:"stopReason,omitempty"`
}

type taggedPart struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	CallID string         `json:"callId,omitempty"`
	Name   string         `json:"name,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
}

// EncodeMessage converts a Message into its storage record.
func EncodeMessage(m Message) (MessageRecord, error) {
	var payload any = m
	if am, ok := m.(AssistantMessage); ok {
		rec := assistantRecord{ID: am.ID, Timestamp: am.Timestamp, StopReason: am.StopReason}
		for _, p := range am.Parts {
			switch part := p.(type) {
			case TextPart:
				rec.Parts = append(rec.Parts, taggedPart{Type: "text", Text: part.Text})
			case ToolCallPart:
				rec.Parts = append(rec.Parts, taggedPart{Type: "tool-call", CallID: part.CallID, Name: part.Name, Input: part.Input})
			}
		}
		payload = rec
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return MessageRecord{}, fmt.Errorf("encode %s message: %w", m.Kind(), err)
	}
	var ts time.Time
	switch v := m.(type) {
	case UserMessage:
		ts = v.Timestamp
	case AssistantMessage:
		ts = v.Timestamp
	case ToolCallMessage:
		ts = v.Timestamp
	case ToolResultMessage:
		ts = v.Timestamp
	case ErrorMessage:
		ts = v.Timestamp
	}
	return MessageRecord{ID: m.MessageID(), Kind: m.Kind(), Timestamp: ts, Payload: raw}, nil
}

// DecodeMessage restores a Message from its storage record.
func DecodeMessage(rec MessageRecord) (Message, error) {
	switch rec.Kind {
	case MessageKindUser:
		var m UserMessage
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode user message %s: %w", rec.ID, err)
		}
		return m, nil
	case MessageKindAssistant:
		var ar assistantRecord
		if err := json.Unmarshal(rec.Payload, &ar); err != nil {
			return nil, fmt.Errorf("decode assistant message %s: %w", rec.ID, err)
		}
		m := AssistantMessage{ID: ar.ID, Timestamp: ar.Timestamp, StopReason: ar.StopReason}
		for _, p := range ar.Parts {
			switch p.Type {
			case "text":
				m.Parts = append(m.Parts, TextPart{Text: p.Text})
			case "tool-call":
				m.Parts = append(m.Parts, ToolCallPart{CallID: p.CallID, Name: p.Name, Input: p.Input})
			}
		}
		return m, nil
	case MessageKindToolCall:
		var m ToolCallMessage
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode tool-call message %s: %w", rec.ID, err)
		}
		return m, nil
	case MessageKindToolResult:
		var m ToolResultMessage
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode tool-result message %s: %w", rec.ID, err)
		}
		return m, nil
	case MessageKindError:
		var m ErrorMessage
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode error message %s: %w", rec.ID, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("decode message %s: unknown kind %q", rec.ID, rec.Kind)
	}
}
