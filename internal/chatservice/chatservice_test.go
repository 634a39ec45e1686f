package chatservice

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
)

func TestToRawMessage_Channel(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	m := &discordgo.Message{
		ID:        "msg-1",
		Content:   "hello",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "author-1"},
		Type:      discordgo.MessageTypeDefault,
	}
	raw := toRawMessage("guild-1", Container{ID: "chan-1"}, m)

	require.Equal(t, "msg-1", raw.MessageID)
	require.Equal(t, "chan-1", raw.ChannelID)
	require.Equal(t, "", raw.ThreadID)
	require.Equal(t, "author-1", raw.AuthorID)
	require.Equal(t, "hello", raw.ContentMD)
	require.True(t, raw.IsTopLevel)
	require.Equal(t, "https://discord.com/channels/guild-1/chan-1/msg-1", raw.JumpLink)
}

func TestToRawMessage_Thread(t *testing.T) {
	m := &discordgo.Message{ID: "msg-2", Timestamp: time.Now(), Type: discordgo.MessageTypeDefault}
	raw := toRawMessage("guild-1", Container{ID: "thread-1", ParentID: "chan-1", IsThread: true}, m)

	require.Equal(t, "chan-1", raw.ChannelID)
	require.Equal(t, "thread-1", raw.ThreadID)
}

func TestToRawMessage_NoAuthorIsEmptyNotPanic(t *testing.T) {
	m := &discordgo.Message{ID: "msg-3", Timestamp: time.Now()}
	raw := toRawMessage("guild-1", Container{ID: "chan-1"}, m)
	require.Equal(t, "", raw.AuthorID)
}

func TestDiscord_Containers_ChannelScopeSkipsListing(t *testing.T) {
	d := &Discord{}
	containers, err := d.Containers(context.Background(), "guild-1", "channel", []string{"chan-1", "chan-2"})
	require.NoError(t, err)
	require.Len(t, containers, 2)
	require.Equal(t, "chan-1", containers[0].ID)
	require.False(t, containers[0].IsThread)
}

func TestDiscord_Containers_ThreadScope(t *testing.T) {
	d := &Discord{}
	containers, err := d.Containers(context.Background(), "guild-1", "thread", []string{"thread-9"})
	require.NoError(t, err)
	require.Len(t, containers, 1)
	require.True(t, containers[0].IsThread)
}
