package schema

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineError_Format(t *testing.T) {
	err := NewError(ErrCodeTimeout, "deadline exceeded").WithNode("review.then.notify")
	assert.Equal(t, "[TIMEOUT_ERROR] node review.then.notify: deadline exceeded", err.Error())

	plain := NewErrorf(ErrCodeValidation, "bad %s", "flow")
	assert.Equal(t, "[VALIDATION_ERROR] bad flow", plain.Error())
}

func TestEngineError_IsMatchesCodeSentinel(t *testing.T) {
	err := fmt.Errorf("resume: %w", NewError(ErrCodeAlreadyConsumed, "token used"))

	assert.True(t, errors.Is(err, ErrAlreadyConsumed))
	assert.False(t, errors.Is(err, ErrExpiredToken))
	assert.False(t, errors.Is(err, NewError(ErrCodeAlreadyConsumed, "other")), "non-sentinel targets do not match by code")
}

func TestEngineError_UnwrapCause(t *testing.T) {
	err := NewError(ErrCodeCancelled, "stopped").WithCause(context.Canceled)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEngineError_IsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeTimeout, "t").IsRetryable())
	assert.True(t, NewError(ErrCodeAgentExecution, "boom").IsRetryable())
	assert.False(t, NewError(ErrCodeAgentExecution, "bad input").
		WithDetails(map[string]any{"retryable": false}).IsRetryable())
	assert.False(t, NewError(ErrCodeValidation, "v").IsRetryable())
	assert.False(t, NewError(ErrCodeExpiredToken, "e").IsRetryable())
}

func TestAsEngineError(t *testing.T) {
	assert.Nil(t, AsEngineError(nil, ErrCodeInternal))

	wrapped := AsEngineError(errors.New("disk full"), ErrCodeStore)
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrCodeStore, wrapped.Code)
	assert.Equal(t, "disk full", wrapped.Message)

	orig := NewError(ErrCodeTimeout, "slow")
	assert.Same(t, orig, AsEngineError(fmt.Errorf("x: %w", orig), ErrCodeStore))
	assert.Equal(t, ErrCodeTimeout, ErrorCode(orig))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))
}
