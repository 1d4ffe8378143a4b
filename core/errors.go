package core

import (
	"errors"
	"fmt"
)

// DriverError signals a model backend failure. It terminates the current
// turn; the agent remains usable for the next one.
type DriverError struct {
	Message string
	Code    string
}

func (e *DriverError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("driver error (%s): %s", e.Code, e.Message)
	}
	return "driver error: " + e.Message
}

// NewDriverError creates a DriverError with an optional backend error code.
func NewDriverError(message, code string) *DriverError {
	return &DriverError{Message: message, Code: code}
}

// TimeoutError signals that a request exceeded its deadline. Callers treat
// it as an interrupt, not a crash.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// TransportError signals a lost or failed peer connection. It triggers the
// reconnection policy and is not propagated to application logic.
type TransportError struct {
	ConnectionID string
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure on connection %s: %v", e.ConnectionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PersistenceError signals a storage write failure. It is logged and does
// not block delivery of the in-flight event.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NotFoundError signals a lookup of a missing container, image, agent or
// session. It is always returned as a typed result, never panicked.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NewNotFound creates a NotFoundError for the given entity kind and id.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
