package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_WrappingAndCode(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrFlowExecution, "completion failed").WithCause(cause).WithRetryable(true)

	assert.Equal(t, ErrFlowExecution, GetCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "FLOW_EXECUTION")

	// code survives fmt.Errorf %w wrapping
	wrapped := fmt.Errorf("execute step: %w", err)
	assert.True(t, IsCode(wrapped, ErrFlowExecution))
}

func TestError_UntypedDefaults(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, ErrorCode(""), GetCode(err))
	assert.False(t, IsRetryable(err))
}
