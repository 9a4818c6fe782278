package models

import (
	"errors"
	"fmt"
)

// Error classes returned by the financial core. Callers classify with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrState             = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConsistency       = errors.New("consistency error")
	ErrForbidden         = errors.New("forbidden")
)

// Validationf wraps a formatted message as an ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps a formatted message as an ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Statef wraps a formatted message as an ErrState.
func Statef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

// IsDomainError reports whether err belongs to one of the classes that are
// returned before anything is written.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrState) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrForbidden)
}
