package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNoop_AlwaysAcquiresAndNeverHolds(t *testing.T) {
	var s Store = Noop{}
	ctx := context.Background()

	ok, err := s.Acquire(ctx, "job-1", "runner-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := s.Held(ctx, "job-1")
	require.NoError(t, err)
	require.False(t, held, "Noop reports no lease held so a startup sweep reaps unconditionally")

	require.NoError(t, s.Renew(ctx, "job-1", time.Second))
	require.NoError(t, s.Release(ctx, "job-1"))
}

func TestLeaseKey_Namespaced(t *testing.T) {
	require.Equal(t, "chatsync:lease:abc-123", leaseKey("abc-123"))
}

func TestNewRedis_UnreachableAddrFails(t *testing.T) {
	_, err := NewRedis("127.0.0.1:1")
	require.Error(t, err)
}
