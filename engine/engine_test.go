package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentdock/bus"
	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
	"github.com/hupe1980/agentdock/repository"
)

func newTestEngine(t *testing.T, d driver.Driver) (*Engine, *bus.Bus, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	info := core.SessionInfo{ID: "s1", AgentID: "a1", ContainerID: "c1", ImageID: "i1", CreatedAt: time.Now()}
	require.NoError(t, store.SaveSession(context.Background(), info))

	b := bus.New(nil)
	session := NewSession(info, store, nil)
	evCtx := core.EventContext{ContainerID: "c1", ImageID: "i1", AgentID: "a1", SessionID: "s1"}
	return NewEngine(d, session, b, nil, "You are helpful.", evCtx), b, store
}

// recordTypes collects the event types seen on the bus, in order.
func recordTypes(b *bus.Bus) func() []string {
	var mu sync.Mutex
	var types []string
	b.On([]string{"*"}, func(ev core.Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(types))
		copy(out, types)
		return out
	}
}

func TestEngine_SimpleTextTurn(t *testing.T) {
	d := driver.NewScripted().AddTurn(
		driver.MessageStart{MessageID: "m1", Model: "scripted"},
		driver.TextDelta{Text: "Hello"},
		driver.TextDelta{Text: "!"},
		driver.MessageStop{StopReason: driver.StopEndTurn},
	)
	e, b, store := newTestEngine(t, d)
	seen := recordTypes(b)

	require.NoError(t, e.Receive(context.Background(), "hi"))
	assert.False(t, e.TurnActive())

	assert.Equal(t, []string{
		EventMessageStart,
		EventTextDelta,
		EventTextDelta,
		EventMessageStop,
	}, seen())

	history := e.Session().History()
	require.Len(t, history, 2)
	user, ok := history[0].(core.UserMessage)
	require.True(t, ok)
	assert.Equal(t, "hi", user.Text)
	assistant, ok := history[1].(core.AssistantMessage)
	require.True(t, ok)
	assert.Equal(t, "Hello!", assistant.Text())
	assert.Equal(t, "end_turn", assistant.StopReason)

	// Deltas are never persisted; the log holds exactly two records.
	records, err := store.GetMessages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestEngine_ToolUseContinuation(t *testing.T) {
	d := driver.NewScripted().
		AddTurn(
			driver.MessageStart{MessageID: "m1", Model: "scripted"},
			driver.ToolUseStart{CallID: "t1", Name: "calc"},
			driver.InputJSONDelta{CallID: "t1", Fragment: `{"a":1}`},
			driver.ToolUseStop{CallID: "t1", Name: "calc", Input: map[string]any{"a": float64(1)}},
			driver.MessageStop{StopReason: driver.StopToolUse},
		).
		AddTurn(
			driver.MessageStart{MessageID: "m2", Model: "scripted"},
			driver.TextDelta{Text: "The answer is 42."},
			driver.MessageStop{StopReason: driver.StopEndTurn},
		)
	e, b, _ := newTestEngine(t, d)
	seen := recordTypes(b)

	require.NoError(t, e.Receive(context.Background(), "what is it?"))
	assert.True(t, e.TurnActive())
	assert.True(t, e.AwaitingToolResult())

	require.NoError(t, e.ProvideToolResult(context.Background(), "t1", "42", false))
	assert.False(t, e.TurnActive())
	assert.False(t, e.AwaitingToolResult())

	assert.Equal(t, []string{
		EventMessageStart,
		EventToolUseStart,
		EventInputJSONDelta,
		EventToolUseStop,
		EventMessageStop,
		EventToolResult,
		EventMessageStart,
		EventTextDelta,
		EventMessageStop,
	}, seen())

	// The tool call lives exactly once in the history, as a part of the
	// assistant message that stopped for tool use.
	history := e.Session().History()
	require.Len(t, history, 4)
	_, ok := history[0].(core.UserMessage)
	assert.True(t, ok)
	first, ok := history[1].(core.AssistantMessage)
	require.True(t, ok)
	assert.Equal(t, "tool_use", first.StopReason)
	require.Len(t, first.Parts, 1)
	call, ok := first.Parts[0].(core.ToolCallPart)
	require.True(t, ok)
	assert.Equal(t, "t1", call.CallID)
	assert.Equal(t, "calc", call.Name)
	result, ok := history[2].(core.ToolResultMessage)
	require.True(t, ok)
	assert.Equal(t, "42", result.Content)
	final, ok := history[3].(core.AssistantMessage)
	require.True(t, ok)
	assert.Equal(t, "The answer is 42.", final.Text())

	var calls int
	for _, m := range history {
		if am, ok := m.(core.AssistantMessage); ok {
			for _, p := range am.Parts {
				if tc, ok := p.(core.ToolCallPart); ok && tc.CallID == "t1" {
					calls++
				}
			}
		}
		if _, ok := m.(core.ToolCallMessage); ok {
			calls++
		}
	}
	assert.Equal(t, 1, calls)
}

func TestEngine_ProvideToolResultWithoutPendingCall(t *testing.T) {
	e, _, _ := newTestEngine(t, driver.NewScripted())
	err := e.ProvideToolResult(context.Background(), "t1", "42", false)
	assert.ErrorIs(t, err, ErrNoPendingToolUse)
}

// gateDriver blocks its stream until released, so tests can observe an
// in-flight turn.
type gateDriver struct {
	started chan struct{}
	release chan struct{}
	abort   chan struct{}
	fail    error
}

func newGateDriver() *gateDriver {
	return &gateDriver{
		started: make(chan struct{}),
		release: make(chan struct{}),
		abort:   make(chan struct{}),
	}
}

func (d *gateDriver) Initialize(context.Context) error { return nil }

func (d *gateDriver) Receive(ctx context.Context, _ driver.Request) (<-chan driver.Event, <-chan error) {
	out := make(chan driver.Event, 8)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		out <- driver.MessageStart{MessageID: "m1", Model: "gate"}
		close(d.started)
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case <-d.abort:
			out <- driver.Interrupted{Reason: "user_request"}
		case <-d.release:
			if d.fail != nil {
				errCh <- d.fail
				return
			}
			out <- driver.TextDelta{Text: "done"}
			out <- driver.MessageStop{StopReason: driver.StopEndTurn}
		}
	}()
	return out, errCh
}

func (d *gateDriver) Interrupt(context.Context) error {
	close(d.abort)
	return nil
}

func (d *gateDriver) Dispose() error { return nil }

func TestEngine_RejectsOverlappingReceive(t *testing.T) {
	d := newGateDriver()
	e, _, _ := newTestEngine(t, d)

	done := make(chan error, 1)
	go func() { done <- e.Receive(context.Background(), "first") }()
	<-d.started

	err := e.Receive(context.Background(), "second")
	assert.ErrorIs(t, err, ErrTurnActive)

	close(d.release)
	require.NoError(t, <-done)
	assert.False(t, e.TurnActive())
}

func TestEngine_Interrupt(t *testing.T) {
	d := newGateDriver()
	e, b, _ := newTestEngine(t, d)
	seen := recordTypes(b)

	done := make(chan error, 1)
	go func() { done <- e.Receive(context.Background(), "long task") }()
	<-d.started

	require.NoError(t, e.Interrupt(context.Background()))
	require.NoError(t, <-done)

	assert.False(t, e.TurnActive())
	types := seen()
	require.NotEmpty(t, types)
	assert.Equal(t, EventInterrupted, types[len(types)-1])

	// Interrupted output is discarded; only the user message survives.
	history := e.Session().History()
	require.Len(t, history, 1)
	_, ok := history[0].(core.UserMessage)
	assert.True(t, ok)
}

func TestEngine_DriverErrorSurfacesAsErrorEvent(t *testing.T) {
	d := newGateDriver()
	d.fail = errors.New("connection reset")
	e, b, _ := newTestEngine(t, d)
	seen := recordTypes(b)

	done := make(chan error, 1)
	go func() { done <- e.Receive(context.Background(), "hi") }()
	<-d.started
	close(d.release)
	require.NoError(t, <-done)

	assert.False(t, e.TurnActive())
	types := seen()
	require.NotEmpty(t, types)
	assert.Equal(t, EventError, types[len(types)-1])

	history := e.Session().History()
	require.Len(t, history, 2)
	em, ok := history[1].(core.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, em.Message, "connection reset")
}

func TestEngine_DeadlineUnwindsAsInterrupt(t *testing.T) {
	d := newGateDriver()
	e, b, _ := newTestEngine(t, d)
	seen := recordTypes(b)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, e.Receive(ctx, "slow task"))

	assert.False(t, e.TurnActive())
	types := seen()
	require.NotEmpty(t, types)
	assert.Equal(t, EventInterrupted, types[len(types)-1])

	// A deadline expiry is not a backend failure; nothing beyond the user
	// message is persisted.
	history := e.Session().History()
	require.Len(t, history, 1)
	_, ok := history[0].(core.UserMessage)
	assert.True(t, ok)
}

func TestEngine_DestroyIsTerminalAndIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, driver.NewScripted())

	require.NoError(t, e.Destroy())
	require.NoError(t, e.Destroy())

	assert.ErrorIs(t, e.Receive(context.Background(), "hi"), ErrAgentDestroyed)
	assert.ErrorIs(t, e.Interrupt(context.Background()), ErrAgentDestroyed)
}

func TestAgent_LifecycleTransitions(t *testing.T) {
	e, _, _ := newTestEngine(t, driver.NewScripted())
	a := NewAgent(core.AgentInfo{ID: "a1", ImageID: "i1", ContainerID: "c1"}, e)

	assert.Equal(t, core.LifecycleRunning, a.Info().Lifecycle)
	require.NoError(t, a.Receive(context.Background(), "hi"))

	require.NoError(t, a.Destroy())
	assert.Equal(t, core.LifecycleDestroyed, a.Info().Lifecycle)
	require.NoError(t, a.Destroy())
}
