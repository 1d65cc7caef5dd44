package service

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the requested trip does not exist. Callers
// should use errors.Is.
var ErrNotFound = errors.New("trip not found")

// ValidationError reports an invalid or missing input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
