// Package openai provides a Driver backed by the OpenAI Chat Completions
// API. Chat completion chunks have no explicit block lifecycle, so this
// adapter synthesizes block start/stop chunks around text and tool-call
// deltas before handing them to the shared normalizer.
package openai

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openai/openai-go"

	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
	"github.com/hupe1980/agentdock/stream"
)

// Options configures the OpenAI driver.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Driver adapts the OpenAI Chat Completions API to the AgentDock driver
// contract.
type Driver struct {
	client *openai.Client
	opts   Options

	mu          sync.Mutex
	cancel      context.CancelFunc
	interrupted bool
}

// New creates an OpenAI driver using the official client.
func New(optFns ...func(o *Options)) *Driver {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates an OpenAI driver from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Driver {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Driver{client: client, opts: opts}
}

// Initialize implements driver.Driver.
func (d *Driver) Initialize(context.Context) error { return nil }

// Receive implements driver.Driver by streaming one model turn.
func (d *Driver) Receive(ctx context.Context, req driver.Request) (<-chan driver.Event, <-chan error) {
	out := make(chan driver.Event, 32)
	errCh := make(chan error, 1)

	streamCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.interrupted = false
	d.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)
		defer cancel()

		params := d.buildParams(req)
		s := d.client.Chat.Completions.NewStreaming(streamCtx, params)
		n := stream.NewNormalizer()
		tr := newTranslator()

		emit := func(chunks []stream.Chunk) bool {
			for _, chunk := range chunks {
				for _, ev := range n.Push(chunk) {
					select {
					case <-streamCtx.Done():
						return false
					case out <- ev:
					}
				}
			}
			return true
		}

		for s.Next() {
			if !emit(tr.translate(s.Current())) {
				return
			}
		}

		if err := s.Err(); err != nil {
			if d.wasInterrupted() {
				out <- driver.Interrupted{Reason: "user_request"}
				return
			}
			out <- driver.Failure{Message: err.Error(), Code: "openai_api_error"}
		}
	}()

	return out, errCh
}

// Interrupt implements driver.Driver by cancelling the in-flight stream.
func (d *Driver) Interrupt(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.interrupted = true
		d.cancel()
	}
	return nil
}

func (d *Driver) wasInterrupted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interrupted
}

// Dispose implements driver.Driver.
func (d *Driver) Dispose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	return nil
}

// translator tracks which synthetic blocks are open across chunks. Text
// lives at block index 0; tool calls are shifted to tc.Index+1.
type translator struct {
	started   bool
	textOpen  bool
	toolOpen  map[int]bool
	toolIDs   map[int]string
	toolNames map[int]string
}

func newTranslator() *translator {
	return &translator{toolOpen: map[int]bool{}, toolIDs: map[int]string{}, toolNames: map[int]string{}}
}

func (t *translator) translate(ck openai.ChatCompletionChunk) []stream.Chunk {
	var chunks []stream.Chunk
	if !t.started {
		t.started = true
		chunks = append(chunks, stream.MessageStart{MessageID: ck.ID, Model: ck.Model})
	}

	for _, choice := range ck.Choices {
		if choice.Delta.Content != "" {
			if !t.textOpen {
				t.textOpen = true
				chunks = append(chunks, stream.BlockStart{Index: 0, Kind: stream.BlockText})
			}
			chunks = append(chunks, stream.TextDelta{Index: 0, Text: choice.Delta.Content})
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := int(tc.Index) + 1
			if tc.ID != "" {
				t.toolIDs[idx] = tc.ID
			}
			if tc.Function.Name != "" {
				t.toolNames[idx] = tc.Function.Name
			}
			if !t.toolOpen[idx] {
				t.toolOpen[idx] = true
				chunks = append(chunks, stream.BlockStart{
					Index:    idx,
					Kind:     stream.BlockToolUse,
					ToolID:   t.toolIDs[idx],
					ToolName: t.toolNames[idx],
				})
			}
			if tc.Function.Arguments != "" {
				chunks = append(chunks, stream.InputJSONDelta{Index: idx, Partial: tc.Function.Arguments})
			}
		}

		if choice.FinishReason != "" {
			chunks = append(chunks, t.closeBlocks()...)
			chunks = append(chunks,
				stream.MessageDelta{StopReason: choice.FinishReason},
				stream.MessageStop{},
			)
		}
	}
	return chunks
}

func (t *translator) closeBlocks() []stream.Chunk {
	var chunks []stream.Chunk
	if t.textOpen {
		t.textOpen = false
		chunks = append(chunks, stream.BlockStop{Index: 0})
	}
	for idx := range t.toolOpen {
		chunks = append(chunks, stream.BlockStop{Index: idx})
	}
	t.toolOpen = map[int]bool{}
	return chunks
}

// buildParams converts the persisted conversation into chat messages.
func (d *Driver) buildParams(req driver.Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, m := range req.Messages {
		switch msg := m.(type) {
		case core.UserMessage:
			messages = append(messages, openai.UserMessage(msg.Text))

		case core.AssistantMessage:
			text := msg.Text()
			toolCalls := assistantToolCalls(msg)
			if len(toolCalls) == 0 {
				if text != "" {
					messages = append(messages, openai.AssistantMessage(text))
				}
				continue
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})

		case core.ToolCallMessage:
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: []openai.ChatCompletionMessageToolCallParam{toolCallParam(msg.CallID, msg.Name, msg.Input)},
				},
			})

		case core.ToolResultMessage:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.CallID))
		}
	}

	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               d.opts.Model,
		Temperature:         openai.Float(d.opts.Temperature),
		MaxCompletionTokens: openai.Int(d.opts.MaxCompletionTokens),
	}
}

func assistantToolCalls(msg core.AssistantMessage) []openai.ChatCompletionMessageToolCallParam {
	var calls []openai.ChatCompletionMessageToolCallParam
	for _, p := range msg.Parts {
		if tc, ok := p.(core.ToolCallPart); ok {
			calls = append(calls, toolCallParam(tc.CallID, tc.Name, tc.Input))
		}
	}
	return calls
}

func toolCallParam(callID, name string, input map[string]any) openai.ChatCompletionMessageToolCallParam {
	return openai.ChatCompletionMessageToolCallParam{
		ID:   callID,
		Type: "function",
		Function: openai.ChatCompletionMessageToolCallFunctionParam{
			Name:      name,
			Arguments: marshalInput(input),
		},
	}
}

func marshalInput(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
