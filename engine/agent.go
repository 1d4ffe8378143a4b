package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/agentdock/core"
)

// Agent pairs an engine with its identity and lifecycle state. The manager
// hands out agents; callers interact with them through the command router
// or directly.
type Agent struct {
	mu     sync.Mutex
	info   core.AgentInfo
	engine *Engine
}

// NewAgent wraps a started engine with its identity record.
func NewAgent(info core.AgentInfo, e *Engine) *Agent {
	info.Lifecycle = core.LifecycleRunning
	return &Agent{info: info, engine: e}
}

// Info returns a snapshot of the agent's identity and lifecycle.
func (a *Agent) Info() core.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// ID returns the agent's stable identifier.
func (a *Agent) ID() string { return a.info.ID }

// Engine exposes the underlying turn engine.
func (a *Agent) Engine() *Engine { return a.engine }

// Receive forwards one user message to the engine.
func (a *Agent) Receive(ctx context.Context, text string) error {
	return a.engine.Receive(ctx, text)
}

// ProvideToolResult resumes a turn paused on tool use.
func (a *Agent) ProvideToolResult(ctx context.Context, callID, content string, isError bool) error {
	return a.engine.ProvideToolResult(ctx, callID, content, isError)
}

// Interrupt requests abortion of the in-flight turn.
func (a *Agent) Interrupt(ctx context.Context) error {
	return a.engine.Interrupt(ctx)
}

// Destroy disposes the engine and marks the agent destroyed. Idempotent.
func (a *Agent) Destroy() error {
	a.mu.Lock()
	if a.info.Lifecycle == core.LifecycleDestroyed {
		a.mu.Unlock()
		return nil
	}
	a.info.Lifecycle = core.LifecycleDestroyed
	a.mu.Unlock()
	return a.engine.Destroy()
}
