package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentdock/core"
)

func drain(t *testing.T, out <-chan Event, errCh <-chan error) ([]Event, error) {
	t.Helper()
	var events []Event
	for ev := range out {
		events = append(events, ev)
	}
	return events, <-errCh
}

func TestScripted_ReplaysTurnsThenEchoes(t *testing.T) {
	d := NewScripted().AddTurn(
		MessageStart{MessageID: "m1", Model: "scripted"},
		TextDelta{Text: "canned"},
		MessageStop{StopReason: StopEndTurn},
	)

	out, errCh := d.Receive(context.Background(), Request{})
	events, err := drain(t, out, errCh)
	require.NoError(t, err)
	require.Len(t, events, 3)
	delta, ok := events[1].(TextDelta)
	require.True(t, ok)
	assert.Equal(t, "canned", delta.Text)

	// Script exhausted: the last user message is echoed back.
	out, errCh = d.Receive(context.Background(), Request{
		Messages: []core.Message{core.NewUserMessage("hi")},
	})
	events, err = drain(t, out, errCh)
	require.NoError(t, err)
	require.Len(t, events, 3)
	delta, ok = events[1].(TextDelta)
	require.True(t, ok)
	assert.Equal(t, "Echo: hi", delta.Text)
}

func TestScripted_ReceiveAfterDispose(t *testing.T) {
	d := NewScripted()
	require.NoError(t, d.Dispose())

	out, errCh := d.Receive(context.Background(), Request{})
	_, open := <-out
	assert.False(t, open)
	assert.ErrorIs(t, <-errCh, ErrDisposed)
}
