package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineError_Format(t *testing.T) {
	err := NewError(ErrCodeNodeExecution, "smtp refused").WithNode("send-1")
	assert.Equal(t, "[NODE_EXECUTION_ERROR] node send-1: smtp refused", err.Error())

	plain := NewErrorf(ErrCodeNotFound, "workflow %q not found", "wf-1")
	assert.Equal(t, `[NOT_FOUND] workflow "wf-1" not found`, plain.Error())
}

func TestEngineError_UnwrapAndHasCode(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("wrapped: %w", NewError(ErrCodeTransient, "provider unavailable").WithCause(cause))

	assert.True(t, HasCode(err, ErrCodeTransient))
	assert.True(t, IsTransient(err))
	assert.False(t, IsValidation(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "provider unavailable", UserMessage(err))
}

func TestEngineError_IsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeTransient, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeStore, "x").IsRetryable())
	assert.True(t, NewError(ErrCodeCircuitOpen, "x").IsRetryable())
	assert.False(t, NewError(ErrCodePermanent, "x").IsRetryable())
	assert.False(t, NewError(ErrCodeQuotaExceeded, QuotaExceededMessage).IsRetryable())
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{429, ErrCodeTransient},
		{500, ErrCodeTransient},
		{503, ErrCodeTransient},
		{400, ErrCodePermanent},
		{403, ErrCodePermanent},
		{404, ErrCodePermanent},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ClassifyStatus(tc.status), "status %d", tc.status)
	}
}

func TestUserMessage_PlainError(t *testing.T) {
	assert.Equal(t, "", UserMessage(nil))
	assert.Equal(t, "boom", UserMessage(errors.New("boom")))
}
