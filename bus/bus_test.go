package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentdock/core"
)

func TestBus_DispatchOrderByPriority(t *testing.T) {
	b := New(nil)
	var order []string

	b.On([]string{"tick"}, func(core.Event) { order = append(order, "low") }, WithPriority(1))
	b.On([]string{"tick"}, func(core.Event) { order = append(order, "high") }, WithPriority(10))
	b.On([]string{"tick"}, func(core.Event) { order = append(order, "low2") }, WithPriority(1))

	require.NoError(t, b.Emit(core.NewEvent("tick", "test", core.CategoryState)))
	assert.Equal(t, []string{"high", "low", "low2"}, order)
}

func TestBus_WildcardAndFilter(t *testing.T) {
	b := New(nil)
	var got []string

	b.On([]string{"*"}, func(ev core.Event) { got = append(got, ev.Type) })
	b.On([]string{"*"}, func(ev core.Event) { got = append(got, "filtered:"+ev.Type) },
		WithFilter(func(ev core.Event) bool { return ev.Category == core.CategoryError }))

	require.NoError(t, b.Emit(core.NewEvent("a", "test", core.CategoryState)))
	require.NoError(t, b.Emit(core.NewEvent("b", "test", core.CategoryError)))

	assert.Equal(t, []string{"a", "b", "filtered:b"}, got)
}

func TestBus_OnceRemovesAfterFirstDelivery(t *testing.T) {
	b := New(nil)
	calls := 0

	b.On([]string{"once"}, func(core.Event) { calls++ }, WithOnce())

	require.NoError(t, b.Emit(core.NewEvent("once", "test", core.CategoryState)))
	require.NoError(t, b.Emit(core.NewEvent("once", "test", core.CategoryState)))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestBus_OnceRemovedEvenWhenHandlerPanics(t *testing.T) {
	b := New(nil)
	calls := 0

	b.On([]string{"boom"}, func(core.Event) {
		calls++
		panic("handler failure")
	}, WithOnce())

	require.NoError(t, b.Emit(core.NewEvent("boom", "test", core.CategoryState)))
	require.NoError(t, b.Emit(core.NewEvent("boom", "test", core.CategoryState)))

	assert.Equal(t, 1, calls)
}

func TestBus_PanicDoesNotAbortDispatch(t *testing.T) {
	b := New(nil)
	var reached bool

	b.On([]string{"ev"}, func(core.Event) { panic("first handler") }, WithPriority(2))
	b.On([]string{"ev"}, func(core.Event) { reached = true }, WithPriority(1))

	require.NoError(t, b.Emit(core.NewEvent("ev", "test", core.CategoryState)))
	assert.True(t, reached)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	calls := 0

	off := b.On([]string{"ev"}, func(core.Event) { calls++ })
	require.NoError(t, b.Emit(core.NewEvent("ev", "test", core.CategoryState)))
	off()
	off() // idempotent
	require.NoError(t, b.Emit(core.NewEvent("ev", "test", core.CategoryState)))

	assert.Equal(t, 1, calls)
}

func TestBus_EmitAfterDestroy(t *testing.T) {
	b := New(nil)
	b.On([]string{"ev"}, func(core.Event) { t.Fatal("must not deliver") })
	b.Destroy()

	err := b.Emit(core.NewEvent("ev", "test", core.CategoryState))
	assert.ErrorIs(t, err, ErrBusDestroyed)
	assert.Equal(t, 0, b.SubscriptionCount())
}
