package domain

import (
	"errors"
	"fmt"
)

// Общие ошибки домена. Слои выше проверяют их через errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("resource not found")
	ErrTransientGeneration = errors.New("transient generation error")
	ErrFatalGeneration     = errors.New("fatal generation error")
	ErrInvalidStory        = errors.New("invalid story structure")
	ErrPersistence         = errors.New("persistence error")
	ErrQueueFull           = errors.New("job queue is full")
	ErrJobNotCancellable   = errors.New("job cannot be cancelled in its current state")
	ErrInvalidTransition   = errors.New("invalid job state transition")
	ErrCancelled           = errors.New("job cancelled")
)

// ValidationError ошибка входных данных с указанием поля.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Is позволяет errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError shortcut.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
