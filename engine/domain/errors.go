package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	ErrEmptyDocument   = errors.New("document has no text")
	ErrInvalidQuestion = errors.New("invalid question")
	ErrInvalidTabKey   = errors.New("invalid tab key")

	ErrNoContent        = errors.New("no cached content for this tab")
	ErrNoRelevantChunks = errors.New("no relevant content found")

	ErrMalformedResponse     = errors.New("malformed response")
	ErrTaskFailed            = errors.New("embedding task failed")
	ErrTaskTimeout           = errors.New("embedding task timed out")
	ErrGenerationUnavailable = errors.New("generation backend unavailable")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
