package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrUnsupportedGeometry = errors.New("unsupported geometry kind")
	ErrGeometryMismatch    = errors.New("geometry kind does not match layer")
	ErrUnsupportedSRID     = errors.New("unsupported srid")
)

// ValidationError reports invalid input on a named field.
// It matches both ErrValidation and the wrapped cause with errors.Is.
type ValidationError struct {
	Field string
	Value any
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s %v", e.Field, e.Value)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

// NewValidationError builds a ValidationError.
func NewValidationError(field string, value any, err error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Err: err}
}
