package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchesByCode(t *testing.T) {
	err := New(ErrCodeAlreadyActed, "user u1 already acted at level 2")
	wrapped := fmt.Errorf("process action: %w", err)

	assert.True(t, Is(wrapped, ErrAlreadyActed))
	assert.False(t, Is(wrapped, ErrAlreadyDecided))
	assert.Equal(t, ErrCodeAlreadyActed, CodeOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, ErrCodeInternal, CodeOf(fmt.Errorf("boom")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrCodePostApprovalEffectFailed, "apply holds")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[ErrorCode]int{
		ErrCodeNotFound:                 http.StatusNotFound,
		ErrCodeInvalidInput:             http.StatusBadRequest,
		ErrCodeSelfApprovalNotAllowed:   http.StatusForbidden,
		ErrCodeNotAuthorized:            http.StatusForbidden,
		ErrCodeAlreadyDecided:           http.StatusConflict,
		ErrCodeApproversInvalid:         http.StatusUnprocessableEntity,
		ErrCodePostApprovalEffectFailed: http.StatusBadGateway,
		ErrCodeInternal:                 http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), string(code))
	}
}
