package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
)

// A replayed tool turn must carry exactly one assistant tool call per
// call id, paired with exactly one tool message; anything else the API
// rejects.
func TestBuildParams_ToolTurnReplaysOnce(t *testing.T) {
	d := New()
	params := d.buildParams(driver.Request{
		SystemPrompt: "Be terse.",
		Messages: []core.Message{
			core.NewUserMessage("what is it?"),
			core.NewAssistantMessage([]core.Part{
				core.ToolCallPart{CallID: "t1", Name: "calc", Input: map[string]any{"a": float64(1)}},
			}, "tool_use"),
			core.NewToolResultMessage("t1", "42", false),
		},
	})

	// system, user, assistant tool call, tool result.
	require.Len(t, params.Messages, 4)

	var toolCalls, toolResults int
	for _, msg := range params.Messages {
		if msg.OfAssistant != nil {
			for _, tc := range msg.OfAssistant.ToolCalls {
				if tc.ID == "t1" {
					toolCalls++
				}
			}
		}
		if msg.OfTool != nil && msg.OfTool.ToolCallID == "t1" {
			toolResults++
		}
	}
	assert.Equal(t, 1, toolCalls)
	assert.Equal(t, 1, toolResults)
}

func TestBuildParams_TextOnlyHistory(t *testing.T) {
	d := New()
	params := d.buildParams(driver.Request{
		Messages: []core.Message{
			core.NewUserMessage("hi"),
			core.NewAssistantMessage([]core.Part{core.TextPart{Text: "hello"}}, "end_turn"),
		},
	})

	require.Len(t, params.Messages, 2)
	require.NotNil(t, params.Messages[0].OfUser)
	require.NotNil(t, params.Messages[1].OfAssistant)
}
