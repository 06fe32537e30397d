package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	err := New(CodeRateLimited, "gemini", "generate failed", fmt.Errorf("429 too many requests"))
	assert.Equal(t, "[gemini:RATE_LIMITED] generate failed: 429 too many requests", err.Error())

	bare := New(CodeStateCorruption, "state", "checksum mismatch", nil)
	assert.Equal(t, "[state:STATE_CORRUPTION] checksum mismatch", bare.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := New(CodeNetworkError, "gemini", "upload failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := New(CodeQuotaExhausted, "keys", "key exhausted", nil)
	b := New(CodeQuotaExhausted, "gemini", "different domain and message", nil)

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(CodeRateLimited, "keys", "key exhausted", nil)))
}

func TestHasCode(t *testing.T) {
	inner := New(CodeNetworkTimeout, "gemini", "poll timed out", nil)
	outer := New(CodeOperationFailed, "batch", "task failed", inner)

	assert.True(t, HasCode(outer, CodeNetworkTimeout))
	assert.True(t, HasCode(outer, CodeOperationFailed))
	assert.False(t, HasCode(outer, CodeRateLimited))
	assert.False(t, HasCode(fmt.Errorf("plain"), CodeUnknown))
	assert.False(t, HasCode(nil, CodeUnknown))
}

func TestNewf(t *testing.T) {
	err := Newf(CodeTemplateNotFound, "template", "template %q not found", "summary")
	assert.Equal(t, "[template:TEMPLATE_NOT_FOUND] template \"summary\" not found", err.Error())
	assert.Nil(t, err.Cause)
}
