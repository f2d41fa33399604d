package errors

import (
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapErrorKeepsType(t *testing.T) {
	base := NewNotFoundError("chapter 7", nil)
	wrapped := WrapError(base, "assemble", ErrorTypeError)

	require.Error(t, wrapped)
	assert.True(t, IsNotFoundError(wrapped))
	assert.Equal(t, "assemble: chapter 7", wrapped.(*AppError).Message)
}

func TestWrapErrorPlainError(t *testing.T) {
	wrapped := WrapError(fmt.Errorf("disk full"), "append event", ErrorTypeStorage)
	assert.Equal(t, ErrorTypeStorage, TypeOf(wrapped))
	assert.Equal(t, "STORAGE_ERROR", wrapped.(*AppError).Code)
	assert.Nil(t, WrapError(nil, "noop", ErrorTypeError))
}

func TestTypeSurvivesPkgErrorsWrap(t *testing.T) {
	err := pkgerrors.Wrap(NewTransientVendorError("429", nil), "attempt 2")
	assert.True(t, IsTransientVendorError(err))
	assert.False(t, IsMalformedReplyError(err))
}
