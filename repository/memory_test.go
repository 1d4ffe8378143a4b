package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentdock/core"
)

func TestMemoryStore_ContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c := core.Container{ID: "c1"}
	require.NoError(t, s.SaveContainer(ctx, c))

	got, err := s.FindContainerByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)

	_, err = s.FindContainerByID(ctx, "missing")
	assert.True(t, core.IsNotFound(err))
}

func TestMemoryStore_ImageFreezesMessages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	img := core.Image{
		ID:          "i1",
		ContainerID: "c1",
		Name:        "Bot",
		Messages: []core.Message{
			core.NewUserMessage("hi"),
			core.NewAssistantMessage([]core.Part{
				core.TextPart{Text: "hello"},
				core.ToolCallPart{CallID: "t1", Name: "calc", Input: map[string]any{"a": float64(1)}},
			}, "end_turn"),
			core.NewToolResultMessage("t1", "42", false),
		},
	}
	require.NoError(t, s.SaveImage(ctx, img))

	got, err := s.FindImageByID(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)

	am, ok := got.Messages[1].(core.AssistantMessage)
	require.True(t, ok)
	assert.Equal(t, "hello", am.Text())
	require.Len(t, am.Parts, 2)
	tc, ok := am.Parts[1].(core.ToolCallPart)
	require.True(t, ok)
	assert.Equal(t, "t1", tc.CallID)
	assert.Equal(t, map[string]any{"a": float64(1)}, tc.Input)
}

func TestMemoryStore_DeleteImageLeavesChildren(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	parent := core.Image{ID: "parent", ContainerID: "c1", Name: "Bot"}
	child := core.Image{ID: "child", ContainerID: "c1", Name: "Bot", ParentImageID: "parent"}
	require.NoError(t, s.SaveImage(ctx, parent))
	require.NoError(t, s.SaveImage(ctx, child))

	require.NoError(t, s.DeleteImage(ctx, "parent"))

	_, err := s.FindImageByID(ctx, "parent")
	assert.True(t, core.IsNotFound(err))
	got, err := s.FindImageByID(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "parent", got.ParentImageID)
}

func TestMemoryStore_SessionMessageLog(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sess := core.SessionInfo{ID: "s1", AgentID: "a1", ContainerID: "c1", ImageID: "i1"}
	require.NoError(t, s.SaveSession(ctx, sess))

	rec1, err := core.EncodeMessage(core.NewUserMessage("hi"))
	require.NoError(t, err)
	rec2, err := core.EncodeMessage(core.NewAssistantMessage([]core.Part{core.TextPart{Text: "hello"}}, "end_turn"))
	require.NoError(t, err)
	require.NoError(t, s.AddMessage(ctx, "s1", rec1))
	require.NoError(t, s.AddMessage(ctx, "s1", rec2))

	records, err := s.GetMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, core.MessageKindUser, records[0].Kind)
	assert.Equal(t, core.MessageKindAssistant, records[1].Kind)

	byImage, err := s.FindSessionsByImageID(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, byImage, 1)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.GetMessages(ctx, "s1")
	assert.True(t, core.IsNotFound(err))

	err = s.AddMessage(ctx, "unknown", rec1)
	assert.True(t, core.IsNotFound(err))
}
