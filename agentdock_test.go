package agentdock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/manager"
)

func TestRuntime_TurnEventsLandOnContainerTopic(t *testing.T) {
	ctx := context.Background()
	rt := New()
	rt.Start(ctx)
	defer rt.Shutdown(ctx)

	_, err := rt.CreateContainer(ctx, "c1")
	require.NoError(t, err)
	img, err := rt.CreateImage(ctx, "c1", manager.ImageConfig{Name: "Bot"})
	require.NoError(t, err)

	a, reused, err := rt.Run(ctx, img.ID)
	require.NoError(t, err)
	assert.False(t, reused)
	require.NoError(t, a.Receive(ctx, "hi"))

	// The bridge persisted the broadcastable lifecycle and turn events
	// under the container topic, in bus order.
	entries, err := rt.Queue().Recover(ctx, "container/c1", "")
	require.NoError(t, err)

	var types []string
	for _, e := range entries {
		types = append(types, e.Event.Type)
	}
	assert.Equal(t, []string{
		"container_created",
		"image_created",
		"agent_started",
		"message_start",
		"text_delta",
		"message_stop",
	}, types)
}

func TestRuntime_ShutdownDestroysAgents(t *testing.T) {
	ctx := context.Background()
	rt := New()
	rt.Start(ctx)

	_, err := rt.CreateContainer(ctx, "c1")
	require.NoError(t, err)
	img, err := rt.CreateImage(ctx, "c1", manager.ImageConfig{Name: "Bot"})
	require.NoError(t, err)
	a, _, err := rt.Run(ctx, img.ID)
	require.NoError(t, err)

	rt.Shutdown(ctx)
	assert.Equal(t, core.LifecycleDestroyed, a.Info().Lifecycle)
}
