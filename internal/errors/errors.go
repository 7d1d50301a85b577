package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	AccountNotFound       ErrorCode = "account_not_found"
	AccountInactive       ErrorCode = "account_inactive"
	NegativeBalance       ErrorCode = "negative_balance"
	InvalidAccountBalance ErrorCode = "invalid_account_balance"
	InsufficientBalance   ErrorCode = "insufficient_balance"
	ValidationTimeout     ErrorCode = "validation_timeout"
	ValidationUnavailable ErrorCode = "validation_unavailable"
	InvalidAmount         ErrorCode = "invalid_amount"
	InvalidInput          ErrorCode = "invalid_input"
	DuplicateAccount      ErrorCode = "duplicate_account"
	HoldNotFound          ErrorCode = "hold_not_found"
	SagaNotFound          ErrorCode = "saga_not_found"
	SagaConflict          ErrorCode = "saga_conflict"
	InternalError         ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on the error code, so a detailed copy of a sentinel still
// satisfies errors.Is against the sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy of e carrying details. Sentinels are never mutated.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case AccountNotFound, HoldNotFound, SagaNotFound:
		return http.StatusNotFound
	case AccountInactive, DuplicateAccount, SagaConflict:
		return http.StatusConflict
	case NegativeBalance, InvalidAccountBalance, InsufficientBalance:
		return http.StatusUnprocessableEntity
	case InvalidAmount, InvalidInput:
		return http.StatusBadRequest
	case ValidationTimeout:
		return http.StatusGatewayTimeout
	case ValidationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// As returns the first *AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// From classifies any error as an AppError, defaulting to internal_error.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return NewAppError(InternalError, "an unexpected error occurred").WithDetails(err.Error())
}

// Predefined errors for common cases
var (
	ErrAccountNotFound       = NewAppError(AccountNotFound, "account not found")
	ErrAccountInactive       = NewAppError(AccountInactive, "account is not active")
	ErrNegativeBalance       = NewAppError(NegativeBalance, "new balance cannot be negative")
	ErrInvalidAccountBalance = NewAppError(InvalidAccountBalance, "invalid account balance")
	ErrInsufficientBalance   = NewAppError(InsufficientBalance, "insufficient balance")
	ErrValidationTimeout     = NewAppError(ValidationTimeout, "account validation timed out")
	ErrValidationUnavailable = NewAppError(ValidationUnavailable, "account validation unavailable")
	ErrInvalidAmount         = NewAppError(InvalidAmount, "amount must be greater than zero")
	ErrInvalidAccountID      = NewAppError(InvalidInput, "invalid account id")
	ErrDuplicateAccount      = NewAppError(DuplicateAccount, "account already exists")
	ErrHoldNotFound          = NewAppError(HoldNotFound, "hold not found")
	ErrSagaNotFound          = NewAppError(SagaNotFound, "saga not found")
	ErrSagaConflict          = NewAppError(SagaConflict, "saga already exists with a different outcome")
)

var ErrCannotBeginTransaction = NewAppError(InternalError, "cannot begin transaction on a transactional store")
