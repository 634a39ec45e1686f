package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoop_PublishAndWake(t *testing.T) {
	var n interface {
		Notifier
		Waiter
	} = Noop{}

	require.NoError(t, n.Publish(context.Background(), "guild-1"))
	require.Nil(t, n.Wake())
	require.NoError(t, n.Close())
}

func TestNewKafka_BuildsWriterForTopic(t *testing.T) {
	k := NewKafka([]string{"localhost:9092"}, "chatsync.embed-queue.wake")
	require.Equal(t, "chatsync.embed-queue.wake", k.topic)
	require.NoError(t, k.Close())
}
