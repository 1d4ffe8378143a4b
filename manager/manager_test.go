package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentdock/bus"
	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
	"github.com/hupe1980/agentdock/engine"
	"github.com/hupe1980/agentdock/repository"
)

func scriptedFactory(context.Context, core.Image) (driver.Driver, error) {
	return driver.NewScripted(), nil
}

func newTestManager(t *testing.T) (*Manager, *bus.Bus, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	b := bus.New(nil)
	return New(b, store.Repositories(), scriptedFactory, nil), b, store
}

func TestManager_CreateContainerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newTestManager(t)

	var created int
	b.On([]string{EventContainerCreated}, func(core.Event) { created++ })

	c1, err := m.CreateContainer(ctx, "c1")
	require.NoError(t, err)
	c2, err := m.CreateContainer(ctx, "c1")
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, c1.CreatedAt, c2.CreatedAt)
	assert.Equal(t, 1, created)
}

func TestManager_CreateImageRequiresContainer(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.CreateImage(ctx, "missing", ImageConfig{Name: "Bot"})
	assert.True(t, core.IsNotFound(err))

	_, err = m.CreateContainer(ctx, "c1")
	require.NoError(t, err)
	_, err = m.CreateImage(ctx, "c1", ImageConfig{})
	assert.Error(t, err)

	img, err := m.CreateImage(ctx, "c1", ImageConfig{Name: "Bot", SystemPrompt: "Be nice."})
	require.NoError(t, err)
	assert.Equal(t, "c1", img.ContainerID)
	assert.Empty(t, img.Messages)

	images, err := m.ListImages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, img.ID, images[0].ID)
}

func TestManager_RunReusesLiveAgent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.CreateContainer(ctx, "c1")
	require.NoError(t, err)
	img, err := m.CreateImage(ctx, "c1", ImageConfig{Name: "Bot"})
	require.NoError(t, err)

	first, reused, err := m.Run(ctx, img.ID)
	require.NoError(t, err)
	assert.False(t, reused)

	second, reused, err := m.Run(ctx, img.ID)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Same(t, first, second)

	// After destroy, Run starts a fresh agent.
	require.NoError(t, m.DestroyAgent(ctx, first.ID()))
	third, reused, err := m.Run(ctx, img.ID)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.NotEqual(t, first.ID(), third.ID())
}

func TestManager_ConcurrentRunStartsOneAgent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.CreateContainer(ctx, "c1")
	require.NoError(t, err)
	img, err := m.CreateImage(ctx, "c1", ImageConfig{Name: "Bot"})
	require.NoError(t, err)

	const callers = 8
	agents := make([]*engine.Agent, callers)
	reuse := make([]bool, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agents[i], reuse[i], errs[i] = m.Run(ctx, img.ID)
		}(i)
	}
	wg.Wait()

	// Exactly one caller starts the agent; everyone else reuses it.
	var started int
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if !reuse[i] {
			started++
		}
		assert.Same(t, agents[0], agents[i])
	}
	assert.Equal(t, 1, started)
	assert.Len(t, m.Agents(), 1)
}

func TestManager_SnapshotAndResume(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.CreateContainer(ctx, "c1")
	require.NoError(t, err)
	img, err := m.CreateImage(ctx, "c1", ImageConfig{Name: "Bot", SystemPrompt: "Be nice."})
	require.NoError(t, err)

	a, _, err := m.Run(ctx, img.ID)
	require.NoError(t, err)
	require.NoError(t, a.Receive(ctx, "hi"))

	child, err := m.Snapshot(ctx, a.ID())
	require.NoError(t, err)
	assert.Equal(t, img.ID, child.ParentImageID)
	assert.Equal(t, "Bot", child.Name)
	require.Len(t, child.Messages, 2)

	// Resume always starts a fresh agent with the frozen history replayed.
	resumed, err := m.Resume(ctx, child.ID)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), resumed.ID())

	history := resumed.Engine().Session().History()
	require.Len(t, history, 2)
	user, ok := history[0].(core.UserMessage)
	require.True(t, ok)
	assert.Equal(t, "hi", user.Text)
	_, ok = history[1].(core.AssistantMessage)
	assert.True(t, ok)
}

func TestManager_DeleteImageCascadesSessionsNotChildren(t *testing.T) {
	ctx := context.Background()
	m, _, store := newTestManager(t)

	_, err := m.CreateContainer(ctx, "c1")
	require.NoError(t, err)
	img, err := m.CreateImage(ctx, "c1", ImageConfig{Name: "Bot"})
	require.NoError(t, err)

	a, _, err := m.Run(ctx, img.ID)
	require.NoError(t, err)
	require.NoError(t, a.Receive(ctx, "hi"))
	sessionID := a.Engine().Session().Info().ID

	child, err := m.Snapshot(ctx, a.ID())
	require.NoError(t, err)

	require.NoError(t, m.DeleteImage(ctx, img.ID))

	_, err = store.FindImageByID(ctx, img.ID)
	assert.True(t, core.IsNotFound(err))
	_, err = store.GetMessages(ctx, sessionID)
	assert.True(t, core.IsNotFound(err))

	// The forked child stays intact.
	got, err := store.FindImageByID(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, img.ID, got.ParentImageID)
}

func TestManager_DestroyAgentEmitsLifecycle(t *testing.T) {
	ctx := context.Background()
	m, b, _ := newTestManager(t)

	var destroyed []string
	b.On([]string{EventAgentDestroyed}, func(ev core.Event) {
		destroyed = append(destroyed, ev.Context.AgentID)
	})

	_, err := m.CreateContainer(ctx, "c1")
	require.NoError(t, err)
	img, err := m.CreateImage(ctx, "c1", ImageConfig{Name: "Bot"})
	require.NoError(t, err)
	a, _, err := m.Run(ctx, img.ID)
	require.NoError(t, err)

	require.NoError(t, m.DestroyAgent(ctx, a.ID()))
	assert.Equal(t, []string{a.ID()}, destroyed)

	err = m.DestroyAgent(ctx, a.ID())
	assert.True(t, core.IsNotFound(err))
	_, err = m.Agent(a.ID())
	assert.True(t, core.IsNotFound(err))
}
