package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credits service.
var (
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrPricingNotFound        = errors.New("no pricing rule for operation")
	ErrPricingUnavailable     = errors.New("pricing resolver unavailable")
	ErrAlreadyRefunded        = errors.New("transaction already refunded")
	ErrNotRefundable          = errors.New("transaction is not a refundable debit")
	ErrTransactionNotFound    = errors.New("unknown transaction")
	ErrAccountNotFound        = errors.New("unknown account")
	ErrAccountFrozen          = errors.New("account frozen pending repair")
	ErrDesyncDetected         = errors.New("balance mirror out of sync")
	ErrInvalidAccountID       = errors.New("invalid account id")
	ErrInvalidTransactionID   = errors.New("invalid transaction id")
	ErrInvalidOperationKey    = errors.New("invalid operation key")
	ErrInvalidCredits         = errors.New("invalid credit amount")
	ErrInvalidTransactionKind = errors.New("invalid transaction kind")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidListLimit       = errors.New("invalid list limit")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
)

// InsufficientCreditsError carries the shortfall so callers can tell the
// user how many credits to top up.
type InsufficientCreditsError struct {
	Balance Credits
	Cost    PositiveCredits
}

// Error returns the formatted message including the shortfall.
func (insufficientError *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d more (balance %d, cost %d)",
		insufficientError.Shortfall(), insufficientError.Balance.Int64(), insufficientError.Cost.Int64())
}

// Unwrap ties the rich error to the ErrInsufficientCredits sentinel.
func (insufficientError *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// Shortfall returns how many credits are missing.
func (insufficientError *InsufficientCreditsError) Shortfall() int64 {
	return insufficientError.Cost.Int64() - insufficientError.Balance.Int64()
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
