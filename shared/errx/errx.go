// Package errx defines the error taxonomy shared by every event handler:
// validation failures go straight to the DLQ, transient dependency failures
// are retried with backoff, and business rule violations drive compensation
// paths and are never retried as-is.
package errx

import (
	"errors"
	"fmt"

	"marketplace-order-fulfillment/shared/workflow"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrTransient    = errors.New("transient dependency failure")
	ErrBusinessRule = errors.New("business rule violation")
	ErrNotFound     = errors.New("not found")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func BusinessRule(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBusinessRule, fmt.Sprintf(format, args...))
}

// Retryable reports whether redelivering the message can possibly succeed.
// Unclassified errors count as transient so that infrastructure hiccups
// (broker, database) are retried rather than dropped.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrBusinessRule) {
		return false
	}
	var invalid *workflow.InvalidTransitionError
	if errors.As(err, &invalid) {
		return false
	}
	return true
}

func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
