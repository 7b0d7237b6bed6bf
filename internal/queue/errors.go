package queue

import (
	"errors"
	"fmt"
)

// Repository errors.
var (
	// ErrInvalidFilterParam signals a malformed query filter or save condition.
	// It indicates a programming error, never a runtime storage problem.
	ErrInvalidFilterParam = errors.New("invalid query filter parameter")

	// ErrSaveConflict is returned when a conditional update matched no rows:
	// the item is gone or one of the save conditions no longer holds.
	ErrSaveConflict = errors.New("queue item save conflict")

	ErrNilItem      = errors.New("queue item is nil")
	ErrItemNotFound = errors.New("queue item not found")
)

// Dispatcher errors.
var (
	ErrHandlerNotFound = errors.New("no handler registered for task type")
	ErrNoHandlers      = errors.New("no task handlers registered")
)

// FilterError describes why a filter or condition was rejected.
type FilterError struct {
	Field  Field
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("%s: field %q: %s", ErrInvalidFilterParam, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidFilterParam.
func (e *FilterError) Unwrap() error {
	return ErrInvalidFilterParam
}
