// Package errors defines the typed error taxonomy of the ledger engine.
//
// Every engine failure is a *ServiceError carrying a Code. Codes survive
// wrapping, so callers can test for a kind with HasCode even when a
// ReversalFailed wraps the Timeout that caused it.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind.
type Code string

const (
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeConflict            Code = "CONFLICT"
	CodeReversalFailed      Code = "REVERSAL_FAILED"
	CodeTimeout             Code = "TIMEOUT"
	CodeLedgerInconsistency Code = "LEDGER_INCONSISTENCY"
	CodeValidation          Code = "VALIDATION"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInternal            Code = "INTERNAL"
)

var httpStatus = map[Code]int{
	CodeNotFound:            http.StatusNotFound,
	CodeInvalidAmount:       http.StatusBadRequest,
	CodeInsufficientFunds:   http.StatusUnprocessableEntity,
	CodeInvalidState:        http.StatusConflict,
	CodeUnauthorized:        http.StatusForbidden,
	CodeConflict:            http.StatusConflict,
	CodeReversalFailed:      http.StatusUnprocessableEntity,
	CodeTimeout:             http.StatusServiceUnavailable,
	CodeLedgerInconsistency: http.StatusInternalServerError,
	CodeValidation:          http.StatusBadRequest,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeInternal:            http.StatusInternalServerError,
}

// ServiceError is the concrete error returned by engine operations.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches another *ServiceError by code, so errors.Is(err, ErrNotFound)
// works against the kind sentinels below.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Message == "" && other.Code == e.Code
}

// WithDetails returns a copy of e with an extra detail entry.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Kind sentinels for errors.Is.
var (
	ErrNotFound            = &ServiceError{Code: CodeNotFound}
	ErrInvalidAmount       = &ServiceError{Code: CodeInvalidAmount}
	ErrInsufficientFunds   = &ServiceError{Code: CodeInsufficientFunds}
	ErrInvalidState        = &ServiceError{Code: CodeInvalidState}
	ErrUnauthorized        = &ServiceError{Code: CodeUnauthorized}
	ErrConflict            = &ServiceError{Code: CodeConflict}
	ErrReversalFailed      = &ServiceError{Code: CodeReversalFailed}
	ErrTimeout             = &ServiceError{Code: CodeTimeout}
	ErrLedgerInconsistency = &ServiceError{Code: CodeLedgerInconsistency}
)

func newError(code Code, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus[code], Err: err}
}

// NotFound reports an unknown entity.
func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, fmt.Sprintf("%s %s not found", resource, id), nil).
		WithDetails("resource", resource).WithDetails("id", id)
}

// InvalidAmount reports a non-positive amount or a self-transfer.
func InvalidAmount(message string) *ServiceError {
	return newError(CodeInvalidAmount, message, nil)
}

// InsufficientFunds reports a movement that would drive a balance negative.
func InsufficientFunds(accountID string, available, required int64) *ServiceError {
	return newError(CodeInsufficientFunds,
		fmt.Sprintf("insufficient balance: available %d, required %d", available, required), nil).
		WithDetails("account_id", accountID)
}

// InvalidState reports an operation attempted in the wrong lifecycle stage.
func InvalidState(message string) *ServiceError {
	return newError(CodeInvalidState, message, nil)
}

// Unauthorized reports a caller lacking the capability for an operation.
func Unauthorized(message string) *ServiceError {
	return newError(CodeUnauthorized, message, nil)
}

// Conflict reports a duplicate reversal request.
func Conflict(message string) *ServiceError {
	return newError(CodeConflict, message, nil)
}

// ReversalFailed wraps the coordinator failure that prevented an approval.
func ReversalFailed(requestID string, cause error) *ServiceError {
	return newError(CodeReversalFailed, fmt.Sprintf("reversal %s could not be applied", requestID), cause)
}

// Timeout reports a lock or deadline expiry; the operation had no effect.
func Timeout(operation string, cause error) *ServiceError {
	return newError(CodeTimeout, fmt.Sprintf("%s timed out", operation), cause)
}

// LedgerInconsistency reports log/balance drift that survived bounded retries.
func LedgerInconsistency(message string, cause error) *ServiceError {
	return newError(CodeLedgerInconsistency, message, cause)
}

// Validation reports malformed input outside the amount rules.
func Validation(message string) *ServiceError {
	return newError(CodeValidation, message, nil)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimited, fmt.Sprintf("rate limit of %d per %s exceeded", limit, window), nil)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *ServiceError {
	return newError(CodeInternal, message, cause)
}

// GetServiceError returns the outermost *ServiceError in err's chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// CodeOf returns the code of the outermost *ServiceError, or CodeInternal.
func CodeOf(err error) Code {
	if se := GetServiceError(err); se != nil {
		return se.Code
	}
	return CodeInternal
}

// HasCode reports whether any *ServiceError in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if se, ok := err.(*ServiceError); ok && se.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeLedgerInconsistency:
		return true
	case CodeReversalFailed:
		return HasCode(err, CodeTimeout) || HasCode(err, CodeLedgerInconsistency)
	default:
		return false
	}
}

// StatusFor returns the HTTP status mapped to err.
func StatusFor(err error) int {
	if se := GetServiceError(err); se != nil && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
