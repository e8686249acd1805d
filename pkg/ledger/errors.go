package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrDuplicateOperation       = errors.New("duplicate operation")
	ErrAccountNotFound          = errors.New("account not found")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrNotRefundable            = errors.New("transaction not refundable")
	ErrPersistenceConflict      = errors.New("persistence conflict")
	ErrInvariantViolation       = errors.New("balance invariant violation")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidExternalRef       = errors.New("invalid external ref")
	ErrInvalidResourceID        = errors.New("invalid resource id")
	ErrInvalidReason            = errors.New("invalid reason")
	ErrInvalidCoinAmount        = errors.New("invalid coin amount")
	ErrInvalidTransactionKind   = errors.New("invalid transaction kind")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// InsufficientFundsError reports a rejected debit with the amounts the caller
// needs to render the failure. errors.Is matches ErrInsufficientFunds.
type InsufficientFundsError struct {
	RequiredCoins  int64
	AvailableCoins int64
}

// Error returns the formatted error message.
func (insufficient *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, available %d", insufficient.RequiredCoins, insufficient.AvailableCoins)
}

// Is matches the ErrInsufficientFunds sentinel.
func (insufficient *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
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
