package goerror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOf(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		class     Class
		retryable bool
		status    int
	}{
		{name: "connection", err: NewConnection(base, "dial"), class: ClassConnection, retryable: true, status: http.StatusServiceUnavailable},
		{name: "send", err: NewSend(base, "write"), class: ClassSend, retryable: true, status: http.StatusBadGateway},
		{name: "permanent", err: NewPermanent(base, "too large"), class: ClassPermanent, retryable: false, status: http.StatusUnprocessableEntity},
		{name: "timeout", err: NewTimeout(base, "ack"), class: ClassTimeout, retryable: true, status: http.StatusGatewayTimeout},
		{name: "pool exhausted", err: NewPoolExhausted(nil, "admit"), class: ClassPoolExhausted, retryable: true, status: http.StatusTooManyRequests},
		{name: "server", err: NewServer(base), class: ClassNone, retryable: false, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.class, ClassOf(wrapped))
			assert.Equal(t, tt.retryable, IsRetryable(wrapped))

			var gerr *Error
			require.ErrorAs(t, wrapped, &gerr)
			assert.Equal(t, tt.status, gerr.StatusCode())
		})
	}
}

func TestBackendErrorMessage(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	err := NewConnection(base, "amqp dial")

	assert.Equal(t, "amqp dial: connection refused", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, ClassNone, ClassOf(base))
}

func TestNewInvalidInput(t *testing.T) {
	t.Parallel()

	err := NewInvalidInput(nil, "chunk_size", "must be positive")

	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, TypeValidation, gerr.Type())
	assert.Equal(t, map[string]string{"chunk_size": "must be positive"}, gerr.Fields())

	err = NewInvalidInput(nil, "odd")
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, CodeInvalidFormat, gerr.Code())
}

func TestKindNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "backend", TypeBackend.String())
	assert.Equal(t, "unknown", Type(42).String())
	assert.Equal(t, "pool_exhausted", ClassPoolExhausted.String())
	assert.Equal(t, "none", Class(-1).String())
	assert.Equal(t, "internal", Code(99).String())
	assert.Equal(t, http.StatusInternalServerError, Code(99).Status())

	err := NewInvalidFormat("limit must be an integer")
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "limit must be an integer", gerr.Msg())
	assert.Equal(t, http.StatusBadRequest, gerr.StatusCode())
	assert.Contains(t, gerr.String(), "code=invalid_format")
}
