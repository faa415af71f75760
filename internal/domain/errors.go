package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the actor is not allowed to perform an operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTaskNotFound is returned when no registered task has the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when registering a task whose id is already present.
	ErrTaskExists = errors.New("task already exists")
	// ErrUploadFailed indicates the storage provider produced no link.
	ErrUploadFailed = errors.New("upload failed")
)

// ValidationError describes malformed command arguments. No task is created for them.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
