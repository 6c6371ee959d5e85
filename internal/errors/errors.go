// Package errors provides coded application errors shared by the repository,
// service and handler layers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeUnavailable  ErrorCode = "UNAVAILABLE"

	// Routing engine taxonomy.
	ErrCodeNoActiveMatrix           ErrorCode = "NO_ACTIVE_MATRIX"
	ErrCodeApproversInvalid         ErrorCode = "APPROVERS_INVALID"
	ErrCodeNotAuthorized            ErrorCode = "NOT_AUTHORIZED"
	ErrCodeAlreadyActed             ErrorCode = "ALREADY_ACTED"
	ErrCodeAlreadyDecided           ErrorCode = "ALREADY_DECIDED"
	ErrCodeSelfApprovalNotAllowed   ErrorCode = "SELF_APPROVAL_NOT_ALLOWED"
	ErrCodePostApprovalEffectFailed ErrorCode = "POST_APPROVAL_EFFECT_FAILED"
)

// AppError is an error carrying a stable code.
type AppError struct {
	Code    ErrorCode
	Message string
	Field   string
	Err     error
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error { return e.Err }

// Is reports whether target is an AppError with the same code, so the
// package sentinels match any error of their class.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a bad input field.
func InvalidInput(field, message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

var (
	ErrNoActiveMatrix           = New(ErrCodeNoActiveMatrix, "no active approval matrix")
	ErrApproversInvalid         = New(ErrCodeApproversInvalid, "approvers invalid")
	ErrNotAuthorized            = New(ErrCodeNotAuthorized, "user is not an approver for the current level")
	ErrAlreadyActed             = New(ErrCodeAlreadyActed, "user already acted at this level")
	ErrAlreadyDecided           = New(ErrCodeAlreadyDecided, "approval is already decided")
	ErrSelfApprovalNotAllowed   = New(ErrCodeSelfApprovalNotAllowed, "self-approval is not allowed")
	ErrPostApprovalEffectFailed = New(ErrCodePostApprovalEffectFailed, "post-approval effect failed")
)

// Is forwards to the standard library.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As forwards to the standard library.
func As(err error, target any) bool { return stderrors.As(err, target) }

// CodeOf extracts the code of the first AppError in err's chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HTTPStatus maps a code to an HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotAuthorized, ErrCodeSelfApprovalNotAllowed:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeAlreadyActed, ErrCodeAlreadyDecided:
		return http.StatusConflict
	case ErrCodeNoActiveMatrix, ErrCodeApproversInvalid:
		return http.StatusUnprocessableEntity
	case ErrCodePostApprovalEffectFailed:
		return http.StatusBadGateway
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
