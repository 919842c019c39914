package protocol

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConduitError_Categories(t *testing.T) {
	tests := []struct {
		err       *ConduitError
		category  ErrorCategory
		retryable bool
	}{
		{NewClientError(CodeValidationError, "bad input"), CategoryClient, false},
		{NewServerError(CodeRateLimited, "slow down"), CategoryServer, true},
		{NewNetworkError(CodeTimeout, "deadline"), CategoryNetwork, true},
		{NewParseError(CodeXMLParseError, "bad xml"), CategoryParsing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.category, tt.err.Info.Category)
		assert.Equal(t, tt.retryable, tt.err.IsRetryable())
		assert.False(t, tt.err.Info.Timestamp.IsZero())
		assert.True(t, tt.err.Info.Timestamp.Before(time.Now().Add(time.Second)))
	}
}

func TestConduitError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewNetworkError(CodeConnectionError, "provider unreachable").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	require.NotNil(t, err.Detail)
	assert.Equal(t, "*errors.errorString", err.Detail.ExceptionType)
}

func TestConduitError_Detail(t *testing.T) {
	err := NewServerError(CodeProvider5xx, "boom").
		WithRawResponse(`{"error":"internal"}`).
		WithRetryCount(3)

	require.NotNil(t, err.Detail)
	assert.Equal(t, `{"error":"internal"}`, err.Detail.RawResponse)
	assert.Equal(t, 3, err.Detail.RetryCount)
}

func TestAsConduitError(t *testing.T) {
	assert.Nil(t, AsConduitError(nil))

	typed := NewClientError(CodeUnknownModel, "no such model")
	assert.Same(t, typed, AsConduitError(typed))

	plain := errors.New("dial tcp: refused")
	wrapped := AsConduitError(plain)
	assert.Equal(t, CategoryNetwork, wrapped.Info.Category)
	assert.Equal(t, CodeConnectionError, wrapped.Info.Code)
	assert.ErrorIs(t, wrapped, plain)
}
