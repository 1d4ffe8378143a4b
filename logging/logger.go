// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing hosts to plug
// any structured logger. It also offers a richer RuntimeLogger with
// contextual helpers (component, container, agent) and domain specific
// logging helpers for turns, drivers and persistence.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger defines the minimal logging interface for AgentDock.
// This allows users to provide their own logger implementation or use the
// built-in adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// NoOpLogger discards all log messages. Useful for testing or when logging
// is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// Config configures construction of a RuntimeLogger.
type Config struct {
	Level     slog.Level
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	Component string
}

// DefaultConfig returns a baseline JSON info level configuration.
func DefaultConfig() *Config {
	return &Config{Level: slog.LevelInfo, Format: "json", Output: os.Stdout}
}

// RuntimeLogger wraps slog.Logger adding contextual cloning helpers and
// domain convenience methods. It is cheap to copy via With* methods.
type RuntimeLogger struct {
	logger    *slog.Logger
	component string
	attrs     []slog.Attr
}

// NewRuntimeLogger builds a RuntimeLogger from a config (or defaults if nil).
func NewRuntimeLogger(cfg *Config) *RuntimeLogger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &RuntimeLogger{logger: slog.New(handler), component: cfg.Component}
}

func (l *RuntimeLogger) clone() *RuntimeLogger {
	nl := *l
	nl.attrs = append([]slog.Attr(nil), l.attrs...)
	return &nl
}

// WithComponent sets the logical component (bus, engine, manager, peer, ...).
func (l *RuntimeLogger) WithComponent(c string) *RuntimeLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithAgent attaches container and agent identifiers to every entry.
func (l *RuntimeLogger) WithAgent(containerID, agentID string) *RuntimeLogger {
	nl := l.clone()
	nl.attrs = append(nl.attrs, slog.String("container_id", containerID), slog.String("agent_id", agentID))
	return nl
}

func (l *RuntimeLogger) log(level slog.Level, msg string, args ...any) {
	attrs := make([]slog.Attr, 0, len(l.attrs)+1+len(args)/2)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	attrs = append(attrs, l.attrs...)
	for i := 0; i+1 < len(args); i += 2 {
		if key, ok := args[i].(string); ok {
			attrs = append(attrs, slog.Any(key, args[i+1]))
		}
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Debug logs at debug level.
func (l *RuntimeLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }

// Info logs at info level.
func (l *RuntimeLogger) Info(msg string, args ...any) { l.log(slog.LevelInfo, msg, args...) }

// Warn logs at warn level.
func (l *RuntimeLogger) Warn(msg string, args ...any) { l.log(slog.LevelWarn, msg, args...) }

// Error logs at error level.
func (l *RuntimeLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

// LogTurn records the outcome of one agent turn.
func (l *RuntimeLogger) LogTurn(agentID string, dur time.Duration, stopReason string, err error) {
	args := []any{"agent_id", agentID, "duration_ms", dur.Milliseconds(), "stop_reason", stopReason}
	if err != nil {
		l.log(slog.LevelError, "turn failed", append(args, "error", err.Error())...)
		return
	}
	l.log(slog.LevelInfo, "turn completed", args...)
}

// LogPersistFailure records a non-fatal storage write failure.
func (l *RuntimeLogger) LogPersistFailure(op string, err error) {
	l.log(slog.LevelWarn, "persistence failure", "op", op, "error", err.Error())
}
