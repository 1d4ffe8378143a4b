// Package engine owns one agent's turn-taking: it accepts a user message,
// drives the bound driver's stream, forwards canonical events to the bus
// and the session, enforces single-turn concurrency and supports
// best-effort interruption.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/agentdock/bus"
	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/driver"
	"github.com/hupe1980/agentdock/logging"
)

var (
	// ErrTurnActive is returned by Receive while another turn is in flight.
	ErrTurnActive = errors.New("engine: a turn is already active")
	// ErrAgentDestroyed is returned for any operation on a destroyed agent.
	ErrAgentDestroyed = errors.New("engine: agent is destroyed")
	// ErrNoPendingToolUse is returned by ProvideToolResult when the last
	// turn did not stop for tool use.
	ErrNoPendingToolUse = errors.New("engine: no pending tool use")
)

// Engine drives the turns of exactly one agent. All methods are safe for
// concurrent use; at most one turn is ever active.
type Engine struct {
	driver       driver.Driver
	session      *Session
	presenter    *presenter
	logger       logging.Logger
	systemPrompt string
	agentID      string

	mu           sync.Mutex
	turnActive   bool
	awaitingTool bool
	destroyed    bool
}

// NewEngine binds a driver and a session to a fresh engine.
func NewEngine(d driver.Driver, session *Session, b *bus.Bus, logger logging.Logger, systemPrompt string, evCtx core.EventContext) *Engine {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Engine{
		driver:       d,
		session:      session,
		presenter:    newPresenter(b, session, logger, evCtx),
		logger:       logger,
		systemPrompt: systemPrompt,
		agentID:      evCtx.AgentID,
	}
}

// Receive runs one turn for the given user message. It blocks until the
// turn reaches a terminal event (message_stop, error or interrupted) or,
// for a tool_use stop, until the model is waiting for a tool result.
// A second Receive while a turn is active returns ErrTurnActive.
func (e *Engine) Receive(ctx context.Context, text string) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrAgentDestroyed
	}
	if e.turnActive {
		e.mu.Unlock()
		return ErrTurnActive
	}
	e.turnActive = true
	e.awaitingTool = false
	e.mu.Unlock()

	e.session.Append(ctx, core.NewUserMessage(text))
	return e.runTurn(ctx)
}

// ProvideToolResult supplies the result for a pending tool call and
// resumes the interrupted turn. Only valid after a message_stop with
// reason tool_use.
func (e *Engine) ProvideToolResult(ctx context.Context, callID, content string, isError bool) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrAgentDestroyed
	}
	if !e.turnActive || !e.awaitingTool {
		e.mu.Unlock()
		return ErrNoPendingToolUse
	}
	e.awaitingTool = false
	e.mu.Unlock()

	e.presenter.handle(ctx, driver.ToolResult{CallID: callID, Content: content, IsError: isError})
	return e.runTurn(ctx)
}

// runTurn drains one driver stream, feeding every canonical event through
// the presenter. The caller must already hold the active-turn claim.
func (e *Engine) runTurn(ctx context.Context) error {
	start := time.Now()
	events, errCh := e.driver.Receive(ctx, driver.Request{
		SystemPrompt: e.systemPrompt,
		Messages:     e.session.History(),
	})

	outcome := outcomeComplete
	var stopReason string
	for ev := range events {
		if o := e.presenter.handle(ctx, ev); o != outcomeContinue {
			outcome = o
		}
		if ms, ok := ev.(driver.MessageStop); ok {
			stopReason = string(ms.StopReason)
		}
	}
	if err := <-errCh; err != nil && outcome == outcomeComplete && stopReason == "" {
		if errors.Is(err, context.DeadlineExceeded) {
			// A deadline expiry unwinds like an interrupt: partial output
			// is discarded, not recorded as a backend failure.
			terr := &core.TimeoutError{Op: "model turn", Timeout: time.Since(start).Round(time.Millisecond).String()}
			e.logger.Warn("turn timed out", "agent_id", e.agentID, "error", terr.Error())
			e.presenter.handle(ctx, driver.Interrupted{Reason: "timeout"})
			outcome = outcomeInterrupted
		} else {
			// The stream died without any terminal event; surface it the
			// same way a backend failure is surfaced.
			e.presenter.handle(ctx, driver.Failure{Message: err.Error(), Code: "driver_error"})
			outcome = outcomeFailed
		}
	}

	e.mu.Lock()
	if outcome == outcomeAwaitTool {
		e.awaitingTool = true
	} else {
		e.turnActive = false
	}
	e.mu.Unlock()

	switch outcome {
	case outcomeFailed:
		e.logger.Warn("turn ended with driver failure", "agent_id", e.agentID, "duration_ms", time.Since(start).Milliseconds())
	case outcomeInterrupted:
		e.logger.Info("turn interrupted", "agent_id", e.agentID, "duration_ms", time.Since(start).Milliseconds())
	case outcomeAwaitTool:
		e.logger.Debug("turn paused for tool result", "agent_id", e.agentID)
	default:
		e.logger.Debug("turn finished", "agent_id", e.agentID, "stop_reason", stopReason, "duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

// Interrupt asks the driver to abort the in-flight request. It is
// advisory: the caller observes the interrupted event on the bus once the
// driver has actually unwound.
func (e *Engine) Interrupt(ctx context.Context) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrAgentDestroyed
	}
	e.mu.Unlock()
	return e.driver.Interrupt(ctx)
}

// TurnActive reports whether a turn (including a pending tool wait) is in
// flight.
func (e *Engine) TurnActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turnActive
}

// AwaitingToolResult reports whether the current turn is paused on a
// tool_use stop.
func (e *Engine) AwaitingToolResult() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.awaitingTool
}

// Session returns the engine's message log.
func (e *Engine) Session() *Session { return e.session }

// Destroy disposes the driver. Idempotent; subsequent calls return nil.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.mu.Unlock()
	return e.driver.Dispose()
}
