package embedclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministic_SameTextSameVector(t *testing.T) {
	e := NewDeterministic(32, 7)
	v1, err := EmbedWindow(context.Background(), e, "hello world")
	require.NoError(t, err)
	v2, err := EmbedWindow(context.Background(), e, "hello world")
	require.NoError(t, err)
	require.Equal(t, v1, v2)
	require.Len(t, v1, 32)
}

func TestDeterministic_DifferentTextDifferentVector(t *testing.T) {
	e := NewDeterministic(32, 7)
	v1, _ := EmbedWindow(context.Background(), e, "alpha")
	v2, _ := EmbedWindow(context.Background(), e, "beta")
	require.NotEqual(t, v1, v2)
}

func TestDeterministic_EmptyText(t *testing.T) {
	e := NewDeterministic(16, 0)
	v, err := EmbedQuery(context.Background(), e, "")
	require.NoError(t, err)
	require.Len(t, v, 16)
	for _, x := range v {
		require.Zero(t, x)
	}
}

func TestKeyPool_EmptyPoolReturnsEmptyKey(t *testing.T) {
	p := NewKeyPool(nil)
	require.Equal(t, "", p.pick())
}

func TestKeyPool_SingleKeyAlwaysPicksIt(t *testing.T) {
	p := NewKeyPool([]string{"only-key"})
	for i := 0; i < 10; i++ {
		require.Equal(t, "only-key", p.pick())
	}
}

func TestIsRetryable(t *testing.T) {
	require.True(t, isRetryable(embedErr("429 rate limit exceeded")))
	require.True(t, isRetryable(embedErr("RESOURCE_EXHAUSTED")))
	require.False(t, isRetryable(embedErr("invalid argument: bad request")))
}
