package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values shared by every studio component.
var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrProviderFailure        = errors.New("provider failure")
	ErrConflict               = errors.New("concurrent modification")
	ErrDuplicate              = errors.New("duplicate record")
	ErrInvalidServiceConfig   = errors.New("invalid service config")

	ErrAccountNotFound  = fmt.Errorf("account %w", ErrNotFound)
	ErrInvalidAccountID = fmt.Errorf("%w: invalid account id", ErrValidation)
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field string, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (validationError ValidationError) Error() string {
	if validationError.Field == "" {
		return "validation: " + validationError.Message
	}
	return fmt.Sprintf("validation: %s: %s", validationError.Field, validationError.Message)
}

// Is matches ErrValidation.
func (validationError ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InsufficientBalanceError carries the amounts involved in a rejected debit.
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (balanceError InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", balanceError.Required, balanceError.Available)
}

// Is matches ErrInsufficientBalance.
func (balanceError InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// TransitionError reports an illegal lifecycle move.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (transitionError TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s %s -> %s", transitionError.Entity, transitionError.From, transitionError.To)
}

// Is matches ErrInvalidStateTransition.
func (transitionError TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
