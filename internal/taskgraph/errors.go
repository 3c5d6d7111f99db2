package taskgraph

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCycleDetected     = errors.New("dependency cycle detected")
	ErrCorruptSnapshot   = errors.New("corrupt task graph snapshot")
	ErrStaleSnapshot     = errors.New("stale task graph snapshot")
)

// GraphError carries the task a structural error refers to.
type GraphError struct {
	Kind   error
	TaskID string
	Msg    string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.TaskID != "" {
		msg = fmt.Sprintf("%s: task %s", msg, e.TaskID)
	}
	if e.Msg != "" {
		msg = msg + ": " + e.Msg
	}
	return msg
}

func (e *GraphError) Unwrap() error { return e.Kind }

func notFound(id string) error {
	return &GraphError{Kind: ErrNotFound, TaskID: id}
}

func invalidTransition(id string, format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidTransition, TaskID: id, Msg: fmt.Sprintf(format, args...)}
}

func cycleDetected(id string, format string, args ...any) error {
	return &GraphError{Kind: ErrCycleDetected, TaskID: id, Msg: fmt.Sprintf(format, args...)}
}

func corrupt(format string, args ...any) error {
	return &GraphError{Kind: ErrCorruptSnapshot, Msg: fmt.Sprintf(format, args...)}
}
