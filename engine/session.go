package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/agentdock/core"
	"github.com/hupe1980/agentdock/logging"
	"github.com/hupe1980/agentdock/repository"
)

// Session is the append-only message log bound to one agent. It keeps an
// in-memory mirror of the history for building driver requests; writes go
// through the repository first. A repository write failure is logged and
// does not block delivery: the in-memory history stays authoritative for
// the running agent.
type Session struct {
	info   core.SessionInfo
	repo   repository.SessionRepository
	logger logging.Logger

	mu      sync.Mutex
	history []core.Message
}

// NewSession creates a session over the given repository record.
func NewSession(info core.SessionInfo, repo repository.SessionRepository, logger logging.Logger) *Session {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Session{info: info, repo: repo, logger: logger}
}

// Info returns the session identity.
func (s *Session) Info() core.SessionInfo { return s.info }

// Append persists one message and mirrors it into the in-memory history.
func (s *Session) Append(ctx context.Context, m core.Message) {
	if rec, err := core.EncodeMessage(m); err != nil {
		s.logger.Warn("session append encode failed", "session_id", s.info.ID, "error", err.Error())
	} else if err := s.repo.AddMessage(ctx, s.info.ID, rec); err != nil {
		perr := &core.PersistenceError{Op: "append message", Err: err}
		s.logger.Warn("session append failed", "session_id", s.info.ID, "error", perr.Error())
	}

	s.mu.Lock()
	s.history = append(s.history, m)
	s.mu.Unlock()
}

// Replay seeds the session with an image's frozen history, persisting each
// message so the new session's log is complete on its own.
func (s *Session) Replay(ctx context.Context, messages []core.Message) {
	for _, m := range messages {
		s.Append(ctx, m)
	}
}

// History returns a defensive copy of the full message history in order.
func (s *Session) History() []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]core.Message, len(s.history))
	copy(history, s.history)
	return history
}
