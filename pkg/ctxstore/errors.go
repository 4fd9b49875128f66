package ctxstore

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("context not found")
	ErrDuplicateContext = errors.New("duplicate context")
	ErrAccessDenied     = errors.New("access denied")
	ErrExpired          = errors.New("context expired")
	ErrValidation       = errors.New("invalid context request")
)

// NotFoundError is returned when no context has the given id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("context %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DuplicateContextError is returned when creating a context whose id is taken.
type DuplicateContextError struct {
	ID string
}

func (e *DuplicateContextError) Error() string {
	return fmt.Sprintf("context %s already exists", e.ID)
}

func (e *DuplicateContextError) Unwrap() error { return ErrDuplicateContext }

// AccessDeniedError is returned when an agent may not perform an operation.
type AccessDeniedError struct {
	ID    string
	Agent string
	Op    string
	Level AccessLevel
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("agent %s may not %s context %s (access level %s)", e.Agent, e.Op, e.ID, e.Level)
}

func (e *AccessDeniedError) Unwrap() error { return ErrAccessDenied }

// ExpiredError is returned for any read or write after a context's TTL has elapsed.
type ExpiredError struct {
	ID        string
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("context %s expired at %s", e.ID, e.ExpiredAt.Format(time.RFC3339))
}

func (e *ExpiredError) Unwrap() error { return ErrExpired }

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
