package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrUnauthenticated      = errors.New("user not authenticated")
	ErrCreditsExhausted     = errors.New("no image generation credits remaining")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidCreditCount   = errors.New("invalid credit count")
	ErrInvalidMetadataJSON  = errors.New("invalid metadata json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrRecordNotFound       = errors.New("credit record not found")
	ErrRecordExists         = errors.New("credit record already exists")
	ErrVersionConflict      = errors.New("credit record version conflict")
	ErrDuplicatePurchase    = errors.New("purchase event already processed")
	ErrStorageUnavailable   = errors.New("credit storage unavailable")
)

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
