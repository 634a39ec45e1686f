package orchestrator

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/chatservice"
	"chatsync/internal/chunking"
	"chatsync/internal/lease"
	"chatsync/internal/notify"
	"chatsync/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	claimed        *store.SyncOperation
	progress       []store.Progress
	completed      bool
	failed         string
	messages       []store.Message
	windows        []store.Window
	readyCount     int
	cursorMsgID    string
	cursor         *store.Cursor
	claimErr       error
	countErr       error
}

func (f *fakeStore) ClaimNextQueued(ctx context.Context) (*store.SyncOperation, error) {
	return f.claimed, f.claimErr
}
func (f *fakeStore) UpdateProgress(ctx context.Context, id string, p store.Progress) error {
	f.progress = append(f.progress, p)
	return nil
}
func (f *fakeStore) CompleteJob(ctx context.Context, id string) error {
	f.completed = true
	return nil
}
func (f *fakeStore) FailJob(ctx context.Context, id string, reason string) error {
	f.failed = reason
	return nil
}
func (f *fakeStore) UpsertMessagesBatch(ctx context.Context, batch []store.Message) error {
	f.messages = append(f.messages, batch...)
	return nil
}
func (f *fakeStore) UpsertWindowsAndEnqueue(ctx context.Context, windows []store.Window) ([]string, error) {
	f.windows = append(f.windows, windows...)
	ids := make([]string, len(windows))
	for i, w := range windows {
		ids[i] = w.WindowID
	}
	return ids, nil
}
func (f *fakeStore) CountReadyForGuild(ctx context.Context, guildID string) (int, error) {
	return f.readyCount, f.countErr
}
func (f *fakeStore) MessageIDWithMaxCreatedAt(ctx context.Context, messageIDs []string) (string, error) {
	return f.cursorMsgID, nil
}
func (f *fakeStore) UpsertCursor(ctx context.Context, guildID, lastMessageID string, syncedAt time.Time) error {
	f.cursor = &store.Cursor{GuildID: guildID, LastMessageID: &lastMessageID}
	return nil
}
func (f *fakeStore) GetCursor(ctx context.Context, guildID string) (*store.Cursor, error) {
	return f.cursor, nil
}

type fakeFetcher struct {
	containers []chatservice.Container
	messages   map[string][]chatservice.RawMessage
}

func (f *fakeFetcher) Containers(ctx context.Context, guildID, scope string, targetIDs []string) ([]chatservice.Container, error) {
	return f.containers, nil
}
func (f *fakeFetcher) FetchMessages(ctx context.Context, guildID string, c chatservice.Container, since *time.Time, progress chatservice.ProgressFunc) ([]chatservice.RawMessage, error) {
	return f.messages[c.ID], nil
}

func baseRunner(t *testing.T, fs *fakeStore, ff *fakeFetcher) *Runner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EmbedPollInterval = 10 * time.Millisecond
	cfg.EmbedWaitTimeout = 100 * time.Millisecond
	return New(fs, ff, lease.Noop{}, notify.Noop{}, chunking.New(chunking.DefaultConfig(), nil), cfg)
}

func TestPollOnce_NoQueuedJob(t *testing.T) {
	fs := &fakeStore{}
	ff := &fakeFetcher{}
	r := baseRunner(t, fs, ff)

	ran, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	require.False(t, ran)
}

func TestPollOnce_FullPipelineCompletesJob(t *testing.T) {
	now := time.Now().UTC()
	fs := &fakeStore{
		claimed: &store.SyncOperation{
			ID: "job-1", GuildID: "guild-1", Scope: "channel", Mode: "full", TargetIDs: []string{"chan-1"},
		},
		cursorMsgID: "msg-2",
	}
	ff := &fakeFetcher{
		containers: []chatservice.Container{{ID: "chan-1"}},
		messages: map[string][]chatservice.RawMessage{
			"chan-1": {
				{MessageID: "msg-1", ChannelID: "chan-1", ContentMD: "hello", CreatedAt: now, IsTopLevel: true},
				{MessageID: "msg-2", ChannelID: "chan-1", ContentMD: "world", CreatedAt: now.Add(time.Second), IsTopLevel: true},
			},
		},
	}
	r := baseRunner(t, fs, ff)

	ran, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.True(t, fs.completed)
	require.Empty(t, fs.failed)
	require.Len(t, fs.messages, 2)
	require.NotEmpty(t, fs.windows)
	require.NotNil(t, fs.cursor)
	require.Equal(t, "msg-2", *fs.cursor.LastMessageID)
}

func TestPollOnce_NoContainersCompletesJobRatherThanFailing(t *testing.T) {
	fs := &fakeStore{
		claimed: &store.SyncOperation{ID: "job-1", GuildID: "guild-1", Scope: "channel", TargetIDs: []string{"chan-1"}},
	}
	ff := &fakeFetcher{containers: nil}
	r := baseRunner(t, fs, ff)

	ran, err := r.PollOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.True(t, fs.completed)
}

func TestAwaitEmbeddingsPhase_TimesOutRatherThanBlockingForever(t *testing.T) {
	fs := &fakeStore{readyCount: 5}
	ff := &fakeFetcher{}
	r := baseRunner(t, fs, ff)

	start := time.Now()
	r.awaitEmbeddingsPhase(context.Background(), &store.SyncOperation{ID: "job-1", GuildID: "guild-1"})
	require.Less(t, time.Since(start), time.Second)
}

func TestPartitionByContainerDate_SplitsByThreadAndDay(t *testing.T) {
	day1 := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	messages := []chatservice.RawMessage{
		{MessageID: "a", ChannelID: "chan-1", CreatedAt: day1},
		{MessageID: "b", ChannelID: "chan-1", CreatedAt: day2},
		{MessageID: "c", ChannelID: "chan-1", ThreadID: "thread-1", CreatedAt: day1},
	}
	parts := partitionByContainerDate(messages)
	require.Len(t, parts, 3)
}

func TestToStoreMessages_EmptyStringsBecomeNilPointers(t *testing.T) {
	raw := []chatservice.RawMessage{{MessageID: "a", ChannelID: "chan-1", ContentMD: "", CreatedAt: time.Now()}}
	out := toStoreMessages("guild-1", raw)
	require.Nil(t, out[0].AuthorID)
	require.Nil(t, out[0].ContentMD)
}

func TestMax1_FloorsAtOne(t *testing.T) {
	require.Equal(t, 1, max1(0))
	require.Equal(t, 1, max1(-5))
	require.Equal(t, 3, max1(3))
}
