package domain

import (
	"errors"
	"fmt"
)

var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrModelNotFound      = errors.New("model not found")
	ErrCapacityExceeded   = errors.New("provider key capacity exceeded")
	ErrValidation         = errors.New("validation failed")
	ErrEncryption         = errors.New("encryption failure")
	ErrMasterKeyRequired  = errors.New("master encryption key is required")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

// ValidationError reports malformed input. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
