package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidInput          ErrorCode = "invalid_input"
	InvalidAmount         ErrorCode = "invalid_amount"
	InvalidAccountID      ErrorCode = "invalid_account_id"
	SameAccountTransfer   ErrorCode = "same_account_transfer"
	AccountNotFound       ErrorCode = "account_not_found"
	DuplicateAccount      ErrorCode = "duplicate_account"
	InsufficientFunds     ErrorCode = "insufficient_funds"
	VersionConflict       ErrorCode = "version_conflict"
	RetryExhausted        ErrorCode = "retry_exhausted"
	TransferInProgress    ErrorCode = "transfer_in_progress"
	TransferStateConflict ErrorCode = "transfer_state_conflict"
	RequestMismatch       ErrorCode = "request_mismatch"
	TransferNotFound      ErrorCode = "transfer_not_found"
	ConsistencyAlarm      ErrorCode = "consistency_alarm"
	TransferReversed      ErrorCode = "transfer_reversed"
	AlarmNotFound         ErrorCode = "alarm_not_found"
	InternalError         ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	cause error
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an AppError with the same code, so detailed
// copies still match the predefined values.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// Unwrap exposes the underlying driver or I/O error, if any.
func (e *AppError) Unwrap() error {
	return e.cause
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

// WithDetails returns a copy carrying details; predefined errors stay untouched.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// HTTPStatus maps the error code to the status returned by the API.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidInput, InvalidAmount, InvalidAccountID, SameAccountTransfer:
		return http.StatusBadRequest
	case AccountNotFound, TransferNotFound, AlarmNotFound:
		return http.StatusNotFound
	case InsufficientFunds:
		return http.StatusPaymentRequired
	case DuplicateAccount, VersionConflict, RetryExhausted, TransferInProgress, TransferStateConflict, TransferReversed:
		return http.StatusConflict
	case RequestMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Outcome is the short status label placed next to the error in API responses.
func (e *AppError) Outcome() string {
	switch e.Code {
	case InsufficientFunds:
		return "insufficient_funds"
	case AccountNotFound:
		return "account_not_found"
	}

	switch e.HTTPStatus() {
	case http.StatusConflict:
		return "conflict"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "rejected"
	default:
		return "error"
	}
}

// Predefined errors for common cases
var (
	ErrInvalidInput          = NewAppError(InvalidInput, "invalid input")
	ErrInvalidAmount         = NewAppError(InvalidAmount, "amount must be a positive whole number of minor units")
	ErrInvalidAccountID      = NewAppError(InvalidAccountID, "invalid account id")
	ErrSameAccountTransfer   = NewAppError(SameAccountTransfer, "source and destination accounts must differ")
	ErrAccountNotFound       = NewAppError(AccountNotFound, "account not found")
	ErrDuplicateAccount      = NewAppError(DuplicateAccount, "account already exists")
	ErrInsufficientFunds     = NewAppError(InsufficientFunds, "insufficient funds")
	ErrVersionConflict       = NewAppError(VersionConflict, "record was modified concurrently")
	ErrRetryExhausted        = NewAppError(RetryExhausted, "transfer could not be applied due to contention, retry with the same request id")
	ErrTransferInProgress    = NewAppError(TransferInProgress, "a transfer with this request id is still being processed")
	ErrTransferStateConflict = NewAppError(TransferStateConflict, "transfer request already has a different outcome")
	ErrRequestMismatch       = NewAppError(RequestMismatch, "request id was already used with different transfer parameters")
	ErrTransferNotFound      = NewAppError(TransferNotFound, "transfer request not found")
	ErrConsistencyAlarm      = NewAppError(ConsistencyAlarm, "transfer halted by a consistency alarm, operator action required")
	ErrAlarmNotFound         = NewAppError(AlarmNotFound, "alarm not found")
	ErrTransferReversed      = NewAppError(TransferReversed, "transfer was reversed by an operator")
)

var byCode = map[ErrorCode]*AppError{}

func init() {
	for _, e := range []*AppError{
		ErrInvalidInput, ErrInvalidAmount, ErrInvalidAccountID, ErrSameAccountTransfer,
		ErrAccountNotFound, ErrDuplicateAccount, ErrInsufficientFunds, ErrVersionConflict,
		ErrRetryExhausted, ErrTransferInProgress, ErrTransferStateConflict, ErrRequestMismatch,
		ErrTransferNotFound, ErrConsistencyAlarm, ErrAlarmNotFound, ErrTransferReversed,
	} {
		byCode[e.Code] = e
	}
}

// Lookup returns the predefined error for a code recorded elsewhere, such as a
// failed transfer's reason. Unknown codes become internal errors.
func Lookup(code ErrorCode) *AppError {
	if e, ok := byCode[code]; ok {
		return e
	}
	return NewAppErrorf(InternalError, "unknown error code %q", code)
}

// From extracts the AppError from err, wrapping anything else as an internal error.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Internal("an unexpected error occurred", err)
}

// Internal wraps an infrastructure failure. The cause stays reachable
// through errors.As.
func Internal(message string, err error) *AppError {
	appErr := NewAppError(InternalError, message)
	if err != nil {
		appErr.Details = err.Error()
		appErr.cause = err
	}
	return appErr
}

// Is and As mirror the standard library so callers importing this package
// under the name errors keep access to them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
