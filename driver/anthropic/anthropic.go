// Package anthropic provides a Driver backed by the Anthropic Messages API.
// The SDK's streaming events are translated chunk-for-chunk into the
// normalizer's raw taxonomy, so the engine only ever sees canonical events.
package anthropic

import (
	"context"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
	"github.com/hupe1980/agentdock/stream"
)

// Options configures the Anthropic driver (model id, max tokens, API key).
type Options struct {
	Model     anthropic.Model
	MaxTokens int64
	APIKey    string
}

// Driver adapts the Anthropic Messages API to the AgentDock driver contract.
type Driver struct {
	client *anthropic.Client
	opts   Options

	mu          sync.Mutex
	cancel      context.CancelFunc
	interrupted bool
}

// New creates an Anthropic driver using the official client.
func New(optFns ...func(o *Options)) *Driver {
	opts := Options{
		Model:     anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Driver{client: &client, opts: opts}
}

// NewFromClient creates an Anthropic driver from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Driver {
	opts := Options{
		Model:     anthropic.ModelClaude3_5Sonnet20241022,
		MaxTokens: 4096,
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
		s := d.client.Messages.NewStreaming(streamCtx, params)
		n := stream.NewNormalizer()

		for s.Next() {
			for _, chunk := range translate(s.Current()) {
				for _, ev := range n.Push(chunk) {
					select {
					case <-streamCtx.Done():
						return
					case out <- ev:
					}
				}
			}
		}

		if err := s.Err(); err != nil {
			if d.wasInterrupted() {
				out <- driver.Interrupted{Reason: "user_request"}
				return
			}
			out <- driver.Failure{Message: err.Error(), Code: "anthropic_api_error"}
		}
	}()

	return out, errCh
}

// Interrupt implements driver.Driver by cancelling the in-flight stream.
// Best effort: the remote call may not have fully unwound on return.
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

// translate maps one SDK stream event onto raw normalizer chunks.
func translate(event anthropic.MessageStreamEventUnion) []stream.Chunk {
	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		return []stream.Chunk{stream.MessageStart{MessageID: ev.Message.ID, Model: string(ev.Message.Model)}}

	case anthropic.ContentBlockStartEvent:
		switch blk := ev.ContentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			return []stream.Chunk{stream.BlockStart{Index: int(ev.Index), Kind: stream.BlockText}}
		case anthropic.ToolUseBlock:
			return []stream.Chunk{stream.BlockStart{
				Index:    int(ev.Index),
				Kind:     stream.BlockToolUse,
				ToolID:   blk.ID,
				ToolName: blk.Name,
			}}
		default:
			return nil
		}

	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return []stream.Chunk{stream.TextDelta{Index: int(ev.Index), Text: delta.Text}}
		case anthropic.InputJSONDelta:
			return []stream.Chunk{stream.InputJSONDelta{Index: int(ev.Index), Partial: delta.PartialJSON}}
		default:
			return nil
		}

	case anthropic.ContentBlockStopEvent:
		return []stream.Chunk{stream.BlockStop{Index: int(ev.Index)}}

	case anthropic.MessageDeltaEvent:
		return []stream.Chunk{stream.MessageDelta{StopReason: string(ev.Delta.StopReason)}}

	case anthropic.MessageStopEvent:
		return []stream.Chunk{stream.MessageStop{}}
	}
	return nil
}

// buildParams converts the persisted conversation into Anthropic messages.
func (d *Driver) buildParams(req driver.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     d.opts.Model,
		MaxTokens: d.opts.MaxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	return params
}

func buildMessages(history []core.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, m := range history {
		switch msg := m.(type) {
		case core.UserMessage:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))

		case core.AssistantMessage:
			var blocks []anthropic.ContentBlockParamUnion
			for _, p := range msg.Parts {
				switch part := p.(type) {
				case core.TextPart:
					if part.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(part.Text))
					}
				case core.ToolCallPart:
					blocks = append(blocks, anthropic.NewToolUseBlock(part.CallID, part.Input, part.Name))
				}
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}

		case core.ToolCallMessage:
			messages = append(messages, anthropic.NewAssistantMessage(
				anthropic.NewToolUseBlock(msg.CallID, msg.Input, msg.Name)))

		case core.ToolResultMessage:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.CallID, msg.Content, msg.IsError)))
		}
	}
	return messages
}
