package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransient           = errors.New("transient execution failure")
	ErrExecutionFailed     = errors.New("execution failed")
	ErrRiskBreach          = errors.New("risk limits breached")
	ErrNotConfigured       = errors.New("backend not configured")
	ErrPositionNotFound    = errors.New("position not found")
	ErrPositionClosing     = errors.New("position close already in progress")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderFinal          = errors.New("order already final")
	ErrNoSignal            = errors.New("no signal available")
)

// ExecutionError is returned once retries are exhausted.
type ExecutionError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailed, e.Err}
}

// Validationf builds an error that matches ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transientf builds an error that matches ErrTransient.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
