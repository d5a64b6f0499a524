package ferrors

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError(t *testing.T) {
	tests := []struct {
		name    string
		code    ErrorCode
		message string
	}{
		{"not found", CodeNotFound, "device not found"},
		{"internal", CodeInternal, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.message, err.Message)
			assert.NotEmpty(t, err.StackTrace)
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodeInvalidInput, http.StatusBadRequest},
		{CodeConflict, http.StatusConflict},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotReady, http.StatusServiceUnavailable},
		{CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.HTTPStatus())
	}
}

func TestErrorFormatting(t *testing.T) {
	err := &FleetError{Code: CodeInvalidInput, Message: "bad image name"}
	assert.Equal(t, "[invalid_input] bad image name", err.Error())

	wrapped := &FleetError{Code: CodeInternal, Message: "operation failed", Cause: errors.New("underlying")}
	assert.Equal(t, "[internal] operation failed: underlying", wrapped.Error())
}

func TestWrapError(t *testing.T) {
	originalErr := errors.New("original error")
	wrapped := Wrap(originalErr, CodeInternal, "wrapper message")

	require.Equal(t, CodeInternal, wrapped.Code)
	assert.True(t, strings.Contains(wrapped.Error(), "wrapper message"))
	assert.True(t, strings.Contains(wrapped.Error(), "original error"))
	assert.True(t, errors.Is(wrapped, originalErr))
}

func TestErrorMetadata(t *testing.T) {
	err := New(CodeConflict, "version mismatch")
	err = err.WithMetadata("expected_version", 3)
	err = err.WithRequestID("req-123")

	assert.Equal(t, 3, err.Metadata["expected_version"])
	assert.Equal(t, "req-123", err.RequestID)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(CodeNotReady, "store unreachable")))
	assert.False(t, IsRetryable(New(CodeInvalidInput, "bad")))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, CodeNotFound, GetCode(New(CodeNotFound, "missing")))
	assert.Equal(t, CodeInternal, GetCode(errors.New("plain")))
	assert.Equal(t, CodeInternal, GetCode(nil))
}

func TestErrorHandler(t *testing.T) {
	var capturedError *FleetError
	var capturedPanic any

	handler := &ErrorHandler{
		RequestID: "test-request-123",
		OnError:   func(err *FleetError) { capturedError = err },
		OnPanic:   func(recovered any, stack string) { capturedPanic = recovered },
	}

	handler.Handle(New(CodeInternal, "test error"))
	require.NotNil(t, capturedError)
	assert.Equal(t, "test-request-123", capturedError.RequestID)

	func() {
		defer handler.HandlePanic()
		panic("test panic")
	}()
	assert.Equal(t, "test panic", capturedPanic)
}

func TestAs(t *testing.T) {
	originalErr := &FleetError{Code: CodeNotFound, Message: "not found"}
	wrapped := Wrap(originalErr, CodeInternal, "wrapped")

	var fleetErr *FleetError
	require.True(t, As(wrapped, &fleetErr))
	assert.Equal(t, CodeInternal, fleetErr.Code)

	assert.False(t, As(errors.New("standard"), &fleetErr))
}

func TestIs(t *testing.T) {
	err1 := New(CodeNotFound, "not found")
	err2 := New(CodeNotFound, "also not found")

	assert.True(t, Is(err1, err1))
	assert.True(t, Is(err1, err2))

	wrapped := Wrap(err1, CodeInternal, "wrapped")
	assert.True(t, Is(wrapped, err1))
}

func TestErrorChaining(t *testing.T) {
	err1 := errors.New("database connection failed")
	err2 := Wrap(err1, CodeNotReady, "repository error")
	err3 := Wrap(err2, CodeInternal, "service error")

	assert.True(t, errors.Is(err3, err1))
	errStr := err3.Error()
	assert.Contains(t, errStr, "service error")
	assert.Contains(t, errStr, "repository error")
	assert.Contains(t, errStr, "database connection failed")
}
