package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_IsMatchesOnType(t *testing.T) {
	err := fmt.Errorf("scoring: %w", NewDataUnavailableError("age is required"))

	assert.True(t, stderrors.Is(err, ErrDataUnavailable))
	assert.False(t, stderrors.Is(err, ErrNotFound))
	assert.Equal(t, ErrorTypeDataUnavailable, TypeOf(err))
}

func TestAppError_ErrorIncludesCause(t *testing.T) {
	err := NewCacheCorruptionError("analysis:abc", stderrors.New("unexpected EOF"))

	assert.Equal(t, "CACHE_CORRUPTION: unreadable cache entry analysis:abc: unexpected EOF", err.Error())
	assert.EqualError(t, stderrors.Unwrap(err), "unexpected EOF")
}

func TestTypeOf_PlainError(t *testing.T) {
	assert.Equal(t, ErrorType(""), TypeOf(stderrors.New("boom")))
	assert.Equal(t, ErrorType(""), TypeOf(nil))
}

func TestNewWaitError(t *testing.T) {
	timeout := NewWaitError(context.DeadlineExceeded)
	assert.Equal(t, ErrorTypeTimeout, TypeOf(timeout))
	assert.True(t, stderrors.Is(timeout, context.DeadlineExceeded))

	canceled := NewWaitError(fmt.Errorf("wait: %w", context.Canceled))
	assert.Equal(t, ErrorTypeCanceled, TypeOf(canceled))
	assert.True(t, stderrors.Is(canceled, context.Canceled))

	plain := stderrors.New("boom")
	assert.Same(t, plain, NewWaitError(plain))
}
