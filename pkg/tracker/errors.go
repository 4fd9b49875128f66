package tracker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateTask = errors.New("duplicate task")
	ErrUnknownTask   = errors.New("unknown task")
	ErrCycle         = errors.New("dependency cycle")
	ErrTransition    = errors.New("invalid status transition")
)

// DuplicateTaskError is returned when a task id is already registered.
type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already exists", e.ID)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrDuplicateTask }

// UnknownTaskError is returned when an operation names a task that does not exist.
type UnknownTaskError struct {
	ID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

func (e *UnknownTaskError) Unwrap() error { return ErrUnknownTask }

// CycleError is returned when a dependency would close a cycle. Path lists the
// existing chain from DependsOn back to Task, when one was found.
type CycleError struct {
	Task      string
	DependsOn string
	Path      []string
	// DepthExceeded is set when the search gave up at the depth limit
	// rather than finding a cycle.
	DepthExceeded bool
}

func (e *CycleError) Error() string {
	if e.DepthExceeded {
		return fmt.Sprintf("dependency %s -> %s rejected: cycle check exceeded depth limit", e.Task, e.DependsOn)
	}
	if len(e.Path) > 0 {
		return fmt.Sprintf("dependency %s -> %s would create a cycle: %s -> %s",
			e.Task, e.DependsOn, e.Task, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.Task, e.DependsOn)
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// TransitionError reports an operation that is not allowed in the task's current status.
type TransitionError struct {
	ID      string
	Current Status
	Op      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s task %s: status is %s", e.Op, e.ID, e.Current)
}

func (e *TransitionError) Unwrap() error { return ErrTransition }
