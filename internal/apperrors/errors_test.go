package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeMessageSaveFailed, "batch upsert failed", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), CodeMessageSaveFailed)
	require.Contains(t, err.Error(), "connection refused")
}

func TestError_WithDetail(t *testing.T) {
	base := New(CodeWindowFetchFailed, "missing text")
	withDetail := base.WithDetail("window_id", "w-1")

	require.Empty(t, base.Detail)
	require.Equal(t, "w-1", withDetail.Detail["window_id"])
}
